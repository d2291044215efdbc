package models

import "time"

// Snapshot is an immutable where/when record created by the ingestion boundary.
type Snapshot struct {
	ID               string      `json:"id"`
	Lat              float64     `json:"lat"`
	Lng              float64     `json:"lng"`
	City             string      `json:"city"`
	State            string      `json:"state"`
	Timezone         string      `json:"timezone"`
	FormattedAddress string      `json:"formatted_address"`
	DayPart          string      `json:"day_part"`
	LocalTime        time.Time   `json:"local_time"`
	Weather          *Weather    `json:"weather,omitempty"`
	AirQuality       *AirQuality `json:"air_quality,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// Weather is the ambient weather attached to a snapshot.
type Weather struct {
	TempF      float64 `json:"temp_f"`
	Conditions string  `json:"conditions"`
}

// AirQuality is the ambient AQI attached to a snapshot.
type AirQuality struct {
	AQI      int    `json:"aqi"`
	Category string `json:"category"`
}

// Point is a coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Origin returns the snapshot coordinates.
func (s Snapshot) Origin() Point {
	return Point{Lat: s.Lat, Lng: s.Lng}
}
