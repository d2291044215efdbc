package dedup

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"strategy-pipeline/internal/models"
	"strategy-pipeline/internal/telemetry"
)

// Report summarizes one cleanup pass.
type Report struct {
	Scanned int `json:"scanned"`
	Groups  int `json:"groups"`
	Removed int `json:"removed"`
}

// VenueStore is the persistence needed by VenueCleaner.
type VenueStore interface {
	ListVenues(ctx context.Context, city string, limit int) ([]models.Venue, error)
	MergeVenueGroup(ctx context.Context, canonicalID string, loserIDs []string) error
}

// VenueCleaner merges duplicate catalog venues. Each group is merged in its
// own transaction, dependents first.
type VenueCleaner struct {
	Store VenueStore
}

// Run performs one pass over the catalog.
func (c *VenueCleaner) Run(ctx context.Context) (Report, error) {
	venues, err := c.Store.ListVenues(ctx, "", 0)
	if err != nil {
		return Report{}, fmt.Errorf("list venues: %w", err)
	}
	logger := zap.L().With(zap.String("component", "venue_dedup"))
	report := Report{Scanned: len(venues)}
	for _, g := range Groups(venues, venueKey, venueBetter) {
		if len(g.Losers) == 0 {
			continue
		}
		ids := make([]string, len(g.Losers))
		for i, l := range g.Losers {
			ids[i] = l.ID
		}
		if err := c.Store.MergeVenueGroup(ctx, g.Canonical.ID, ids); err != nil {
			return report, fmt.Errorf("merge venue group %q: %w", g.Key, err)
		}
		report.Groups++
		report.Removed += len(ids)
		telemetry.DedupRemoved.WithLabelValues("venue").Add(float64(len(ids)))
		logger.Info("merged duplicate venues", zap.String("key", g.Key), zap.String("canonical_id", g.Canonical.ID), zap.Strings("removed_ids", ids))
	}
	return report, nil
}

// EventStore is the persistence needed by EventCleaner.
type EventStore interface {
	ListEvents(ctx context.Context) ([]models.Event, error)
	DeleteEvents(ctx context.Context, ids []string) error
}

// EventCleaner deletes duplicate events, one transaction per group.
type EventCleaner struct {
	Store EventStore
}

// Run performs one pass over stored events.
func (c *EventCleaner) Run(ctx context.Context) (Report, error) {
	events, err := c.Store.ListEvents(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list events: %w", err)
	}
	logger := zap.L().With(zap.String("component", "event_dedup"))
	report := Report{Scanned: len(events)}
	for _, g := range Groups(events, eventGroupKey, eventBetter) {
		if len(g.Losers) == 0 {
			continue
		}
		ids := make([]string, len(g.Losers))
		for i, l := range g.Losers {
			ids[i] = l.ID
		}
		if err := c.Store.DeleteEvents(ctx, ids); err != nil {
			return report, fmt.Errorf("delete event group %q: %w", g.Key, err)
		}
		report.Groups++
		report.Removed += len(ids)
		telemetry.DedupRemoved.WithLabelValues("event").Add(float64(len(ids)))
		logger.Info("removed duplicate events", zap.String("key", g.Key), zap.String("canonical_id", g.Canonical.ID), zap.Int("removed", len(ids)))
	}
	return report, nil
}
