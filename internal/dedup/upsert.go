package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	// Timezone validation and event keys need the zone database on hosts without one.
	_ "time/tzdata"

	"strategy-pipeline/internal/apperr"
	"strategy-pipeline/internal/models"
)

// EventInput is the ingestion shape accepted by Upserter.
type EventInput struct {
	Source      string     `json:"source" validate:"required"`
	VenueRef    string     `json:"venue_ref"`
	Title       string     `json:"title" validate:"required"`
	Type        string     `json:"type"`
	Address     string     `json:"address"`
	Start       time.Time  `json:"start" validate:"required"`
	End         *time.Time `json:"end,omitempty"`
	StartLabel  string     `json:"start_label,omitempty"`
	Timezone    string     `json:"timezone,omitempty" validate:"omitempty,timezone"`
	Impact      string     `json:"impact" validate:"omitempty,oneof=none low medium high"`
	Confidence  float64    `json:"confidence" validate:"gte=0,lte=1"`
	Lat         *float64   `json:"lat,omitempty" validate:"omitempty,latitude"`
	Lng         *float64   `json:"lng,omitempty" validate:"omitempty,longitude"`
	Description string     `json:"description,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Expires     *time.Time `json:"expires,omitempty"`
}

// EventWriter persists events keyed by dedup key and event date.
type EventWriter interface {
	UpsertEvent(ctx context.Context, e models.Event) (string, bool, error)
}

// Upserter normalizes and matches events before insert, so repeated calls
// with identical input return the same id.
type Upserter struct {
	store    EventWriter
	validate *validator.Validate
}

// NewUpserter builds an Upserter over store.
func NewUpserter(store EventWriter) *Upserter {
	return &Upserter{store: store, validate: validator.New()}
}

// UpsertEvent validates in, computes its dedup key and stores it.
func (u *Upserter) UpsertEvent(ctx context.Context, in EventInput) (string, error) {
	if err := u.validate.Struct(in); err != nil {
		return "", &apperr.ValidationError{Subject: "event", Issues: validationIssues(err)}
	}
	if in.End != nil && in.End.Before(in.Start) {
		return "", &apperr.ValidationError{Subject: "event", Issues: []string{"end: before start"}}
	}
	impact := strings.ToLower(in.Impact)
	if impact == "" {
		impact = models.ImpactNone
	}
	e := models.Event{
		Source:      in.Source,
		VenueRef:    strings.TrimSpace(in.VenueRef),
		Title:       strings.TrimSpace(in.Title),
		Type:        in.Type,
		Address:     strings.TrimSpace(in.Address),
		StartsAt:    in.Start.UTC(),
		EndsAt:      in.End,
		StartLabel:  in.StartLabel,
		Timezone:    in.Timezone,
		Impact:      impact,
		Confidence:  in.Confidence,
		Lat:         in.Lat,
		Lng:         in.Lng,
		Description: in.Description,
		Tags:        in.Tags,
		ExpiresAt:   in.Expires,
	}
	e.DedupKey = EventKey(e)
	e.EventDate = EventDate(e)
	id, _, err := u.store.UpsertEvent(ctx, e)
	if err != nil {
		return "", fmt.Errorf("upsert event: %w", err)
	}
	return id, nil
}

func validationIssues(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	issues := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return issues
}
