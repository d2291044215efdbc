package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"strategy-pipeline/internal/models"
)

// SaveVenueCandidates replaces the candidates recorded for a job.
func (s *Store) SaveVenueCandidates(ctx context.Context, jobID string, candidates []models.VenueCandidate) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `DELETE FROM venue_candidates WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("clear venue candidates: %w", err)
	}
	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, c := range candidates {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		batch.Queue(`
			INSERT INTO venue_candidates (id, job_id, name, address, city, category, lat, lng, place_id, distance_miles, drive_minutes, estimated_earnings, reasoning, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, c.ID, jobID, c.Name, c.Address, c.City, c.Category, c.Lat, c.Lng, c.PlaceID, c.DistanceMiles, c.DriveMinutes, c.EstimatedEarnings, c.Reasoning, now)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert venue candidates: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ReplaceRankedVenues writes the ranked projection of a job atomically.
func (s *Store) ReplaceRankedVenues(ctx context.Context, jobID string, ranked []models.RankedVenue) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `DELETE FROM ranked_venues WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("clear ranked venues: %w", err)
	}
	batch := &pgx.Batch{}
	for _, v := range ranked {
		eventJSON, err := json.Marshal(v.Event)
		if err != nil {
			return fmt.Errorf("marshal event summary: %w", err)
		}
		batch.Queue(`
			INSERT INTO ranked_venues (job_id, rank, name, address, place_id, category, distance_miles, drive_minutes, distance_source, estimated_earnings, value_per_min, grade, not_worth, event)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, jobID, v.Rank, v.Name, v.Address, v.PlaceID, v.Category, v.DistanceMiles, v.DriveMinutes, v.DistanceSource, v.EstimatedEarnings, v.ValuePerMin, v.Grade, v.NotWorth, eventJSON)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert ranked venues: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListRankedVenues returns the ranked venues of a job by rank.
func (s *Store) ListRankedVenues(ctx context.Context, jobID string) ([]models.RankedVenue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, rank, name, address, place_id, category, distance_miles, drive_minutes, distance_source, estimated_earnings, value_per_min, grade, not_worth, event
		FROM ranked_venues WHERE job_id = $1 ORDER BY rank
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query ranked venues: %w", err)
	}
	defer rows.Close()

	var out []models.RankedVenue
	for rows.Next() {
		var v models.RankedVenue
		var eventJSON []byte
		if err := rows.Scan(&v.JobID, &v.Rank, &v.Name, &v.Address, &v.PlaceID, &v.Category, &v.DistanceMiles, &v.DriveMinutes, &v.DistanceSource, &v.EstimatedEarnings, &v.ValuePerMin, &v.Grade, &v.NotWorth, &eventJSON); err != nil {
			return nil, fmt.Errorf("scan ranked venue: %w", err)
		}
		if len(eventJSON) > 0 {
			if err := json.Unmarshal(eventJSON, &v.Event); err != nil {
				return nil, fmt.Errorf("unmarshal event summary: %w", err)
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const venueColumns = `id, name, city, address, category, place_id, lat, lng, created_at`

func scanVenue(row pgx.Row) (models.Venue, error) {
	var v models.Venue
	var lat, lng pgtype.Float8
	if err := row.Scan(&v.ID, &v.Name, &v.City, &v.Address, &v.Category, &v.PlaceID, &lat, &lng, &v.CreatedAt); err != nil {
		return models.Venue{}, err
	}
	v.Lat, v.Lng = floatPtr(lat), floatPtr(lng)
	return v, nil
}

// InsertVenue adds a catalog venue unless an identical row (same place id, or
// same name, city and address) already exists.
func (s *Store) InsertVenue(ctx context.Context, v models.Venue) (models.Venue, bool, error) {
	existing, err := scanVenue(s.pool.QueryRow(ctx, `
		SELECT `+venueColumns+` FROM venues
		WHERE ($1 <> '' AND place_id = $1)
		   OR (lower(name) = lower($2) AND city = $3 AND lower(address) = lower($4))
		LIMIT 1
	`, v.PlaceID, v.Name, v.City, v.Address))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Venue{}, false, fmt.Errorf("lookup venue: %w", err)
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO venues (`+venueColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, v.ID, v.Name, v.City, v.Address, v.Category, v.PlaceID, v.Lat, v.Lng, v.CreatedAt)
	if err != nil {
		return models.Venue{}, false, fmt.Errorf("insert venue: %w", err)
	}
	return v, true, nil
}

// ListVenues returns catalog venues, optionally restricted to a city.
func (s *Store) ListVenues(ctx context.Context, city string, limit int) ([]models.Venue, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+venueColumns+` FROM venues
		WHERE $1 = '' OR city = $1
		ORDER BY created_at, id LIMIT $2
	`, city, limit)
	if err != nil {
		return nil, fmt.Errorf("query venues: %w", err)
	}
	defer rows.Close()

	var out []models.Venue
	for rows.Next() {
		v, err := scanVenue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan venue: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// MergeVenueGroup folds losing venues into the canonical one inside a single
// transaction: feedback is repointed, metrics removed, then the losers deleted.
func (s *Store) MergeVenueGroup(ctx context.Context, canonicalID string, loserIDs []string) error {
	if len(loserIDs) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `UPDATE venue_feedback SET venue_id = $1 WHERE venue_id = ANY($2)`, canonicalID, loserIDs); err != nil {
		return fmt.Errorf("repoint venue feedback: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM venue_metrics WHERE venue_id = ANY($1)`, loserIDs); err != nil {
		return fmt.Errorf("delete venue metrics: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM venues WHERE id = ANY($1)`, loserIDs); err != nil {
		return fmt.Errorf("delete venues: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
