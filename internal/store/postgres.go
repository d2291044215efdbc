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
	"github.com/jackc/pgx/v5/pgxpool"

	"strategy-pipeline/internal/apperr"
	"strategy-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool for LISTEN/NOTIFY.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, snapshot_id, kind, status, attempts, error_code, error_reason, created_at, updated_at, finished_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var code, reason pgtype.Text
	var finished pgtype.Timestamptz
	if err := row.Scan(&job.ID, &job.SnapshotID, &job.Kind, &job.Status, &job.Attempts, &code, &reason, &job.CreatedAt, &job.UpdatedAt, &finished); err != nil {
		return models.Job{}, err
	}
	job.ErrorCode = textPtr(code)
	job.ErrorReason = textPtr(reason)
	if finished.Valid {
		t := finished.Time
		job.FinishedAt = &t
	}
	return job, nil
}

// InsertSnapshot stores a snapshot. Snapshots are immutable once written.
func (s *Store) InsertSnapshot(ctx context.Context, snap models.Snapshot) (models.Snapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	weather, err := json.Marshal(snap.Weather)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("marshal weather: %w", err)
	}
	air, err := json.Marshal(snap.AirQuality)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("marshal air quality: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO snapshots (id, lat, lng, city, state, timezone, formatted_address, day_part, local_time, weather, air_quality, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, snap.ID, snap.Lat, snap.Lng, snap.City, snap.State, snap.Timezone, snap.FormattedAddress, snap.DayPart, snap.LocalTime, weather, air, snap.CreatedAt)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}
	return snap, nil
}

// GetSnapshot fetches a snapshot; purged snapshots yield a RetentionError.
func (s *Store) GetSnapshot(ctx context.Context, id string) (models.Snapshot, error) {
	var snap models.Snapshot
	var weather, air []byte
	var purged pgtype.Timestamptz
	err := s.pool.QueryRow(ctx, `
		SELECT id, lat, lng, city, state, timezone, formatted_address, day_part, local_time, weather, air_quality, purged_at, created_at
		FROM snapshots WHERE id = $1
	`, id).Scan(&snap.ID, &snap.Lat, &snap.Lng, &snap.City, &snap.State, &snap.Timezone, &snap.FormattedAddress, &snap.DayPart, &snap.LocalTime, &weather, &air, &purged, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Snapshot{}, &apperr.NotFoundError{Resource: "snapshot", ID: id}
	}
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	if purged.Valid {
		return models.Snapshot{}, &apperr.RetentionError{SnapshotID: id}
	}
	if len(weather) > 0 {
		if err := json.Unmarshal(weather, &snap.Weather); err != nil {
			return models.Snapshot{}, fmt.Errorf("unmarshal weather: %w", err)
		}
	}
	if len(air) > 0 {
		if err := json.Unmarshal(air, &snap.AirQuality); err != nil {
			return models.Snapshot{}, fmt.Errorf("unmarshal air quality: %w", err)
		}
	}
	return snap, nil
}

// CreateJob inserts a queued job unless one is already active for the
// snapshot and kind. It returns the job and whether it was newly created.
func (s *Store) CreateJob(ctx context.Context, snapshotID, kind string) (models.Job, bool, error) {
	if kind == "" {
		kind = models.KindStrategy
	}
	id := uuid.New().String()
	job, err := scanJob(s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, snapshot_id, kind, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, NOW(), NOW())
		ON CONFLICT (snapshot_id, kind) WHERE status IN ('queued', 'running') DO NOTHING
		RETURNING `+jobColumns, id, snapshotID, kind, models.StatusQueued))
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	existing, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE snapshot_id = $1 AND kind = $2 AND status IN ('queued', 'running')
		ORDER BY created_at DESC LIMIT 1
	`, snapshotID, kind))
	if err != nil {
		return models.Job{}, false, fmt.Errorf("load active job: %w", err)
	}
	return existing, false, nil
}

// EnsureJob returns the latest job for the snapshot, creating a queued one
// when none exists.
func (s *Store) EnsureJob(ctx context.Context, snapshotID, kind string) (models.Job, bool, error) {
	job, err := s.LatestJob(ctx, snapshotID, kind)
	if err == nil {
		return job, false, nil
	}
	if !apperr.IsNotFound(err) {
		return models.Job{}, false, err
	}
	return s.CreateJob(ctx, snapshotID, kind)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, &apperr.NotFoundError{Resource: "job", ID: id}
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// LatestJob returns the most recently created job for a snapshot.
func (s *Store) LatestJob(ctx context.Context, snapshotID, kind string) (models.Job, error) {
	if kind == "" {
		kind = models.KindStrategy
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE snapshot_id = $1 AND kind = $2
		ORDER BY created_at DESC LIMIT 1
	`, snapshotID, kind))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, &apperr.NotFoundError{Resource: "job for snapshot", ID: snapshotID}
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan latest job: %w", err)
	}
	return job, nil
}

// ClaimJob moves a queued job to running, or re-claims a running job whose
// heartbeat is older than staleAfter. Losing the race yields a ConflictError.
func (s *Store) ClaimJob(ctx context.Context, id string, staleAfter time.Duration) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1
		  AND (status = $3 OR (status = $2 AND $4 AND updated_at < $5))
		RETURNING `+jobColumns, id, models.StatusRunning, models.StatusQueued, staleAfter > 0, time.Now().UTC().Add(-staleAfter)))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("claim job: %w", err)
	}
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	return models.Job{}, &apperr.ConflictError{JobID: id, Status: current.Status}
}

// TouchJob refreshes the heartbeat of a running job.
func (s *Store) TouchJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET updated_at = NOW() WHERE id = $1 AND status = $2`, id, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &apperr.ConflictError{JobID: id}
	}
	return nil
}

// FinishJob moves a running job to a terminal status and mirrors the status
// onto its strategy in the same transaction.
func (s *Store) FinishJob(ctx context.Context, id, status, errorCode, errorReason string) (models.Job, error) {
	if !models.IsTerminal(status) {
		return models.Job{}, fmt.Errorf("finish job: %q is not terminal", status)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, error_code = $3, error_reason = $4, updated_at = NOW(), finished_at = NOW()
		WHERE id = $1 AND status = $5
		RETURNING `+jobColumns, id, status, emptyToNil(errorCode), emptyToNil(errorReason), models.StatusRunning))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, &apperr.ConflictError{JobID: id}
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("finish job: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE strategies SET status = $2, updated_at = NOW() WHERE job_id = $1`, id, status); err != nil {
		return models.Job{}, fmt.Errorf("mirror strategy status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// AbandonJob fails a job that has not finished, whatever its state. Workers
// use it when a job exhausts its deliveries. A terminal job yields a
// ConflictError and keeps its outcome.
func (s *Store) AbandonJob(ctx context.Context, id, errorCode, errorReason string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, error_code = $3, error_reason = $4, updated_at = NOW(), finished_at = NOW()
		WHERE id = $1 AND status IN ($5, $6)
		RETURNING `+jobColumns, id, models.StatusFailed, emptyToNil(errorCode), emptyToNil(errorReason), models.StatusQueued, models.StatusRunning))
	if errors.Is(err, pgx.ErrNoRows) {
		current, gerr := s.GetJob(ctx, id)
		if gerr != nil {
			return models.Job{}, gerr
		}
		return models.Job{}, &apperr.ConflictError{JobID: id, Status: current.Status}
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("abandon job: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE strategies SET status = $2, updated_at = NOW() WHERE job_id = $1`, id, models.StatusFailed); err != nil {
		return models.Job{}, fmt.Errorf("mirror strategy status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// ListRecoverableJobs returns running jobs with a heartbeat older than
// staleAfter and queued jobs created before that cutoff.
func (s *Store) ListRecoverableJobs(ctx context.Context, staleAfter time.Duration, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-staleAfter)
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC LIMIT $4
	`, models.StatusQueued, models.StatusRunning, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query recoverable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func floatPtr(f pgtype.Float8) *float64 {
	if f.Valid {
		return &f.Float64
	}
	return nil
}
