package models

import "time"

// Grades assigned by the scoring engine.
const (
	GradeA = "A"
	GradeB = "B"
	GradeC = "C"
)

// Distance sources.
const (
	DistanceRoutes      = "routes"
	DistanceHaversine   = "haversine"
	DistanceModel       = "model"
	DistanceUnavailable = "unavailable"
)

// VenueCandidate is a raw venue proposal attached to a job.
type VenueCandidate struct {
	ID                string    `json:"id"`
	JobID             string    `json:"job_id"`
	Name              string    `json:"name"`
	Address           string    `json:"address"`
	City              string    `json:"city"`
	Category          string    `json:"category,omitempty"`
	Lat               *float64  `json:"lat,omitempty"`
	Lng               *float64  `json:"lng,omitempty"`
	PlaceID           string    `json:"place_id,omitempty"`
	DistanceMiles     float64   `json:"distance_miles"`
	DriveMinutes      float64   `json:"drive_minutes"`
	// EstimatedEarnings is nil when the plan gave no figure.
	EstimatedEarnings *float64  `json:"estimated_earnings,omitempty"`
	Reasoning         string    `json:"reasoning,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Point returns the candidate coordinates when both are known.
func (c VenueCandidate) Point() (Point, bool) {
	if c.Lat == nil || c.Lng == nil {
		return Point{}, false
	}
	return Point{Lat: *c.Lat, Lng: *c.Lng}, true
}

// RankedVenue is the deduplicated, scored projection of a candidate.
type RankedVenue struct {
	JobID             string        `json:"job_id"`
	Rank              int           `json:"rank"`
	Name              string        `json:"name"`
	Address           string        `json:"address"`
	PlaceID           string        `json:"place_id,omitempty"`
	Category          string        `json:"category,omitempty"`
	DistanceMiles     float64       `json:"distance_miles"`
	DriveMinutes      float64       `json:"drive_minutes"`
	DistanceSource    string        `json:"distance_source"`
	EstimatedEarnings float64       `json:"estimated_earnings"`
	ValuePerMin       float64       `json:"value_per_min"`
	Grade             string        `json:"grade"`
	NotWorth          bool          `json:"not_worth"`
	Event             *EventSummary `json:"event,omitempty"`
}

// Venue is a catalog venue. Metric and feedback rows reference it.
type Venue struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	City      string    `json:"city"`
	Address   string    `json:"address"`
	Category  string    `json:"category,omitempty"`
	PlaceID   string    `json:"place_id,omitempty"`
	Lat       *float64  `json:"lat,omitempty"`
	Lng       *float64  `json:"lng,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
