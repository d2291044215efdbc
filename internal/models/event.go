package models

import (
	"strings"
	"time"
)

// Impact levels, ordered.
const (
	ImpactNone   = "none"
	ImpactLow    = "low"
	ImpactMedium = "medium"
	ImpactHigh   = "high"
)

// ImpactRank orders impact levels; unknown values rank with none.
func ImpactRank(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case ImpactHigh:
		return 3
	case ImpactMedium:
		return 2
	case ImpactLow:
		return 1
	default:
		return 0
	}
}

// Event is a discovered happening near a venue.
type Event struct {
	ID           string     `json:"id"`
	Source       string     `json:"source"`
	VenueRef     string     `json:"venue_ref"`
	Title        string     `json:"title"`
	Type         string     `json:"type"`
	Address      string     `json:"address"`
	StartsAt     time.Time  `json:"starts_at"`
	EndsAt       *time.Time `json:"ends_at,omitempty"`
	StartLabel   string     `json:"start_label,omitempty"`
	Timezone     string     `json:"timezone,omitempty"`
	EventDate    string     `json:"event_date,omitempty"`
	Impact       string     `json:"impact"`
	Confidence   float64    `json:"confidence"`
	Lat          *float64   `json:"lat,omitempty"`
	Lng          *float64   `json:"lng,omitempty"`
	Description  string     `json:"description,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	DedupKey     string     `json:"dedup_key"`
	DiscoveredAt time.Time  `json:"discovered_at"`
}

// ActiveAt reports whether the event is running or upcoming within horizon of now.
func (e Event) ActiveAt(now time.Time, horizon time.Duration) bool {
	if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
		return false
	}
	if e.StartsAt.After(now.Add(horizon)) {
		return false
	}
	end := e.StartsAt.Add(3 * time.Hour)
	if e.EndsAt != nil {
		end = *e.EndsAt
	}
	return end.After(now)
}

// Summary projects the event onto the summary attached to ranked venues.
func (e Event) Summary() *EventSummary {
	return &EventSummary{
		ID:       e.ID,
		Title:    e.Title,
		Type:     e.Type,
		Impact:   e.Impact,
		StartsAt: e.StartsAt,
		EndsAt:   e.EndsAt,
	}
}

// EventSummary is the event projection shown next to a ranked venue.
type EventSummary struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Type     string     `json:"type"`
	Impact   string     `json:"impact"`
	StartsAt time.Time  `json:"starts_at"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
}
