package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"strategy-pipeline/internal/models"
)

const eventColumns = `id, source, venue_ref, title, type, address, starts_at, ends_at, start_label, timezone, impact, confidence, lat, lng, description, tags, expires_at, dedup_key, event_date, discovered_at`

func scanEvent(row pgx.Row) (models.Event, error) {
	var e models.Event
	var ends, expires pgtype.Timestamptz
	var lat, lng pgtype.Float8
	var tags []byte
	if err := row.Scan(&e.ID, &e.Source, &e.VenueRef, &e.Title, &e.Type, &e.Address, &e.StartsAt, &ends, &e.StartLabel, &e.Timezone, &e.Impact, &e.Confidence, &lat, &lng, &e.Description, &tags, &expires, &e.DedupKey, &e.EventDate, &e.DiscoveredAt); err != nil {
		return models.Event{}, err
	}
	if ends.Valid {
		t := ends.Time
		e.EndsAt = &t
	}
	if expires.Valid {
		t := expires.Time
		e.ExpiresAt = &t
	}
	e.Lat, e.Lng = floatPtr(lat), floatPtr(lng)
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &e.Tags); err != nil {
			return models.Event{}, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return e, nil
}

// UpsertEvent inserts an event keyed by its dedup key and local date. On a collision
// the stored row keeps the higher impact and is otherwise refreshed. It
// returns the stored id and whether a new row was created.
func (s *Store) UpsertEvent(ctx context.Context, e models.Event) (string, bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.DiscoveredAt.IsZero() {
		e.DiscoveredAt = time.Now().UTC()
	}
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", false, fmt.Errorf("marshal tags: %w", err)
	}
	var id string
	var inserted bool
	err = s.pool.QueryRow(ctx, `
		INSERT INTO events (id, source, venue_ref, title, type, address, starts_at, ends_at, start_label, timezone, impact, impact_rank, confidence, lat, lng, description, tags, expires_at, dedup_key, event_date, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (dedup_key, event_date) DO UPDATE SET
			impact = CASE WHEN EXCLUDED.impact_rank > events.impact_rank THEN EXCLUDED.impact ELSE events.impact END,
			impact_rank = GREATEST(EXCLUDED.impact_rank, events.impact_rank),
			confidence = GREATEST(EXCLUDED.confidence, events.confidence),
			ends_at = COALESCE(EXCLUDED.ends_at, events.ends_at),
			expires_at = COALESCE(EXCLUDED.expires_at, events.expires_at),
			description = CASE WHEN EXCLUDED.description <> '' THEN EXCLUDED.description ELSE events.description END
		RETURNING id, (xmax = 0)
	`, e.ID, e.Source, e.VenueRef, e.Title, e.Type, e.Address, e.StartsAt, e.EndsAt, e.StartLabel, e.Timezone, e.Impact, models.ImpactRank(e.Impact), e.Confidence, e.Lat, e.Lng, e.Description, tagsJSON, e.ExpiresAt, e.DedupKey, e.EventDate, e.DiscoveredAt).Scan(&id, &inserted)
	if err != nil {
		return "", false, fmt.Errorf("upsert event: %w", err)
	}
	return id, inserted, nil
}

// ListEvents returns every stored event in discovery order.
func (s *Store) ListEvents(ctx context.Context) ([]models.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events ORDER BY discovered_at, id`)
}

// ListActiveEvents returns events that are running now or start within horizon.
func (s *Store) ListActiveEvents(ctx context.Context, now time.Time, horizon time.Duration) ([]models.Event, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE starts_at <= $1
		  AND COALESCE(ends_at, starts_at + INTERVAL '3 hours') > $2
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY starts_at, id
	`, now.Add(horizon), now)
}

func (s *Store) queryEvents(ctx context.Context, sql string, args ...any) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteEvents removes a group of events in one transaction.
func (s *Store) DeleteEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `DELETE FROM events WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
