package store

import (
	"context"
	"time"

	"strategy-pipeline/internal/models"
)

// Repository is the full persistence surface shared by Store and Memory.
// Consumers depend on narrower interfaces of their own.
type Repository interface {
	InsertSnapshot(ctx context.Context, snap models.Snapshot) (models.Snapshot, error)
	GetSnapshot(ctx context.Context, id string) (models.Snapshot, error)

	CreateJob(ctx context.Context, snapshotID, kind string) (models.Job, bool, error)
	EnsureJob(ctx context.Context, snapshotID, kind string) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	LatestJob(ctx context.Context, snapshotID, kind string) (models.Job, error)
	ClaimJob(ctx context.Context, id string, staleAfter time.Duration) (models.Job, error)
	TouchJob(ctx context.Context, id string) error
	FinishJob(ctx context.Context, id, status, errorCode, errorReason string) (models.Job, error)
	AbandonJob(ctx context.Context, id, errorCode, errorReason string) (models.Job, error)
	ListRecoverableJobs(ctx context.Context, staleAfter time.Duration, limit int) ([]models.Job, error)

	AppendStageResult(ctx context.Context, r models.StageResult) (models.StageResult, error)
	ListStageResults(ctx context.Context, jobID string) ([]models.StageResult, error)
	LatestSuccessfulStageResult(ctx context.Context, jobID, stage string) (models.StageResult, bool, error)
	StageStats(ctx context.Context, since time.Time) ([]models.StageStats, error)

	UpsertStrategy(ctx context.Context, st models.Strategy) error
	GetStrategy(ctx context.Context, snapshotID string) (models.Strategy, error)

	SaveVenueCandidates(ctx context.Context, jobID string, candidates []models.VenueCandidate) error
	ReplaceRankedVenues(ctx context.Context, jobID string, ranked []models.RankedVenue) error
	ListRankedVenues(ctx context.Context, jobID string) ([]models.RankedVenue, error)

	InsertVenue(ctx context.Context, v models.Venue) (models.Venue, bool, error)
	ListVenues(ctx context.Context, city string, limit int) ([]models.Venue, error)
	MergeVenueGroup(ctx context.Context, canonicalID string, loserIDs []string) error

	UpsertEvent(ctx context.Context, e models.Event) (string, bool, error)
	ListEvents(ctx context.Context) ([]models.Event, error)
	ListActiveEvents(ctx context.Context, now time.Time, horizon time.Duration) ([]models.Event, error)
	DeleteEvents(ctx context.Context, ids []string) error
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*Memory)(nil)
)
