package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"strategy-pipeline/internal/apperr"
	"strategy-pipeline/internal/models"
)

const stageColumns = `id, job_id, stage, attempt, ok, output, citations, latency_ms, tokens_in, tokens_out, cost_usd, model, error_code, error_message, created_at`

func scanStageResult(row pgx.Row) (models.StageResult, error) {
	var r models.StageResult
	var citations []byte
	var code, msg pgtype.Text
	if err := row.Scan(&r.ID, &r.JobID, &r.Stage, &r.Attempt, &r.OK, &r.Output, &citations, &r.LatencyMS, &r.TokensIn, &r.TokensOut, &r.CostUSD, &r.Model, &code, &msg, &r.CreatedAt); err != nil {
		return models.StageResult{}, err
	}
	if len(citations) > 0 {
		if err := json.Unmarshal(citations, &r.Citations); err != nil {
			return models.StageResult{}, fmt.Errorf("unmarshal citations: %w", err)
		}
	}
	r.ErrorCode = code.String
	r.ErrorMessage = msg.String
	return r, nil
}

// AppendStageResult inserts one attempt record. A duplicate (job, stage,
// attempt) yields a ConflictError.
func (s *Store) AppendStageResult(ctx context.Context, r models.StageResult) (models.StageResult, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	citations := r.Citations
	if citations == nil {
		citations = []string{}
	}
	citationsJSON, err := json.Marshal(citations)
	if err != nil {
		return models.StageResult{}, fmt.Errorf("marshal citations: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO stage_results (`+stageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, r.ID, r.JobID, r.Stage, r.Attempt, r.OK, r.Output, citationsJSON, r.LatencyMS, r.TokensIn, r.TokensOut, r.CostUSD, r.Model, emptyToNil(r.ErrorCode), emptyToNil(r.ErrorMessage), r.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.StageResult{}, &apperr.ConflictError{JobID: r.JobID}
		}
		return models.StageResult{}, fmt.Errorf("insert stage result: %w", err)
	}
	return r, nil
}

// ListStageResults returns every attempt for a job ordered by stage and attempt.
func (s *Store) ListStageResults(ctx context.Context, jobID string) ([]models.StageResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stageColumns+` FROM stage_results WHERE job_id = $1 ORDER BY created_at, stage, attempt
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query stage results: %w", err)
	}
	defer rows.Close()

	var out []models.StageResult
	for rows.Next() {
		r, err := scanStageResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSuccessfulStageResult returns the highest successful attempt of a stage.
func (s *Store) LatestSuccessfulStageResult(ctx context.Context, jobID, stage string) (models.StageResult, bool, error) {
	r, err := scanStageResult(s.pool.QueryRow(ctx, `
		SELECT `+stageColumns+` FROM stage_results
		WHERE job_id = $1 AND stage = $2 AND ok
		ORDER BY attempt DESC LIMIT 1
	`, jobID, stage))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StageResult{}, false, nil
	}
	if err != nil {
		return models.StageResult{}, false, fmt.Errorf("scan latest stage result: %w", err)
	}
	return r, true, nil
}

// StageStats aggregates stage attempts created since the given time.
func (s *Store) StageStats(ctx context.Context, since time.Time) ([]models.StageStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stage,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE ok),
		       COALESCE(AVG(latency_ms), 0)::float8,
		       COALESCE(MAX(latency_ms), 0),
		       COALESCE(SUM(tokens_in), 0),
		       COALESCE(SUM(tokens_out), 0)
		FROM stage_results
		WHERE created_at >= $1
		GROUP BY stage
		ORDER BY stage
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query stage stats: %w", err)
	}
	defer rows.Close()

	var out []models.StageStats
	for rows.Next() {
		var st models.StageStats
		if err := rows.Scan(&st.Stage, &st.Attempts, &st.Successes, &st.AvgLatencyMS, &st.MaxLatencyMS, &st.TotalTokensIn, &st.TotalTokensOut); err != nil {
			return nil, fmt.Errorf("scan stage stats: %w", err)
		}
		if st.Attempts > 0 {
			st.SuccessRate = float64(st.Successes) / float64(st.Attempts)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpsertStrategy writes the strategy row for a snapshot.
func (s *Store) UpsertStrategy(ctx context.Context, st models.Strategy) error {
	staging, err := json.Marshal(st.StagingArea)
	if err != nil {
		return fmt.Errorf("marshal staging area: %w", err)
	}
	issues := st.ValidationIssues
	if issues == nil {
		issues = []string{}
	}
	issuesJSON, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("marshal validation issues: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO strategies (snapshot_id, job_id, text, staging_area, valid_from, valid_until, status, validated, validation_issues, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (snapshot_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			text = EXCLUDED.text,
			staging_area = EXCLUDED.staging_area,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			status = EXCLUDED.status,
			validated = EXCLUDED.validated,
			validation_issues = EXCLUDED.validation_issues,
			updated_at = NOW()
	`, st.SnapshotID, st.JobID, st.Text, staging, st.ValidFrom, st.ValidUntil, st.Status, st.Validated, issuesJSON)
	if err != nil {
		return fmt.Errorf("upsert strategy: %w", err)
	}
	return nil
}

// GetStrategy fetches the strategy for a snapshot.
func (s *Store) GetStrategy(ctx context.Context, snapshotID string) (models.Strategy, error) {
	var st models.Strategy
	var staging, issues []byte
	err := s.pool.QueryRow(ctx, `
		SELECT snapshot_id, job_id, text, staging_area, valid_from, valid_until, status, validated, validation_issues, created_at, updated_at
		FROM strategies WHERE snapshot_id = $1
	`, snapshotID).Scan(&st.SnapshotID, &st.JobID, &st.Text, &staging, &st.ValidFrom, &st.ValidUntil, &st.Status, &st.Validated, &issues, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Strategy{}, &apperr.NotFoundError{Resource: "strategy", ID: snapshotID}
	}
	if err != nil {
		return models.Strategy{}, fmt.Errorf("scan strategy: %w", err)
	}
	if len(staging) > 0 {
		if err := json.Unmarshal(staging, &st.StagingArea); err != nil {
			return models.Strategy{}, fmt.Errorf("unmarshal staging area: %w", err)
		}
	}
	if len(issues) > 0 {
		if err := json.Unmarshal(issues, &st.ValidationIssues); err != nil {
			return models.Strategy{}, fmt.Errorf("unmarshal validation issues: %w", err)
		}
	}
	return st, nil
}
