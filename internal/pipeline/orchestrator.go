// Package pipeline drives one strategy job from claim to terminal state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"strategy-pipeline/internal/apperr"
	"strategy-pipeline/internal/archive"
	"strategy-pipeline/internal/config"
	"strategy-pipeline/internal/dedup"
	"strategy-pipeline/internal/models"
	"strategy-pipeline/internal/notify"
	"strategy-pipeline/internal/ranking"
	"strategy-pipeline/internal/stage"
	"strategy-pipeline/internal/telemetry"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetSnapshot(ctx context.Context, id string) (models.Snapshot, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ClaimJob(ctx context.Context, id string, staleAfter time.Duration) (models.Job, error)
	FinishJob(ctx context.Context, id, status, errorCode, errorReason string) (models.Job, error)
	AppendStageResult(ctx context.Context, r models.StageResult) (models.StageResult, error)
	ListStageResults(ctx context.Context, jobID string) ([]models.StageResult, error)
	LatestSuccessfulStageResult(ctx context.Context, jobID, stage string) (models.StageResult, bool, error)
	UpsertStrategy(ctx context.Context, st models.Strategy) error
	GetStrategy(ctx context.Context, snapshotID string) (models.Strategy, error)
	SaveVenueCandidates(ctx context.Context, jobID string, candidates []models.VenueCandidate) error
	ReplaceRankedVenues(ctx context.Context, jobID string, ranked []models.RankedVenue) error
	ListRankedVenues(ctx context.Context, jobID string) ([]models.RankedVenue, error)
	ListActiveEvents(ctx context.Context, now time.Time, horizon time.Duration) ([]models.Event, error)
	ListVenues(ctx context.Context, city string, limit int) ([]models.Venue, error)
	InsertVenue(ctx context.Context, v models.Venue) (models.Venue, bool, error)
}

// Options bounds a job run.
type Options struct {
	StaleAfter     time.Duration
	Budget         time.Duration
	ValidityWindow time.Duration
	EventHorizon   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MinPlanVenues  int
	CatalogLimit   int
}

// OptionsFromConfig derives run options from cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		StaleAfter:     cfg.StaleJobAfter,
		Budget:         cfg.EffectiveJobBudget(),
		ValidityWindow: cfg.ValidityWindow,
		EventHorizon:   cfg.ValidityWindow,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		MinPlanVenues:  cfg.MinPlanVenues,
		CatalogLimit:   50,
	}
}

// persistTimeout bounds writes made after the job context may have expired.
const persistTimeout = 10 * time.Second

// Orchestrator runs the four stages of a job, ranks the resulting venues and
// moves the job to a terminal state exactly once.
type Orchestrator struct {
	store     Store
	clients   map[string]*stage.Client
	ranker    *ranking.Ranker
	publisher notify.Publisher
	archiver  archive.Archiver
	opts      Options
	now       func() time.Time
}

// New builds an orchestrator. clients must hold one client per stage.
func New(st Store, clients map[string]*stage.Client, ranker *ranking.Ranker, pub notify.Publisher, opts Options) (*Orchestrator, error) {
	for _, name := range models.Stages {
		if clients[name] == nil {
			return nil, fmt.Errorf("no client for stage %s", name)
		}
	}
	if ranker == nil {
		return nil, errors.New("ranker required")
	}
	if opts.MinPlanVenues <= 0 {
		opts.MinPlanVenues = 4
	}
	if opts.ValidityWindow <= 0 {
		opts.ValidityWindow = time.Hour
	}
	if opts.EventHorizon <= 0 {
		opts.EventHorizon = opts.ValidityWindow
	}
	return &Orchestrator{
		store:     st,
		clients:   clients,
		ranker:    ranker,
		publisher: pub,
		opts:      opts,
		now:       time.Now,
	}, nil
}

// SetArchiver enables archiving of completed jobs.
func (o *Orchestrator) SetArchiver(a archive.Archiver) {
	o.archiver = a
}

// Close releases the stage back ends.
func (o *Orchestrator) Close() error {
	return stage.CloseClients(o.clients)
}

// Run drives jobID. A terminal job is returned unchanged. A job already
// claimed by someone else yields *apperr.ConflictError. Stage failures end
// the job as failed and are not returned as errors; an error means the job
// was left non-terminal (lost claim, shutdown or store failure).
func (o *Orchestrator) Run(ctx context.Context, jobID string) (models.Job, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Terminal() {
		return job, nil
	}
	claimed, err := o.store.ClaimJob(ctx, jobID, o.opts.StaleAfter)
	if err != nil {
		if apperr.IsConflict(err) {
			telemetry.ClaimConflicts.Inc()
		}
		return job, err
	}
	telemetry.JobsClaimed.Inc()
	logger := zap.L().With(
		zap.String("job_id", claimed.ID),
		zap.String("snapshot_id", claimed.SnapshotID),
		zap.Int("claim", claimed.Attempts),
	)
	logger.Info("job claimed")

	jobCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.opts.Budget > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, o.opts.Budget)
	}
	defer cancel()

	runErr := o.execute(jobCtx, claimed, logger)
	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		logger.Warn("job interrupted, leaving it for stale reclaim", zap.Error(runErr))
		return claimed, ctx.Err()
	case apperr.IsConflict(runErr):
		logger.Warn("job taken over by another worker", zap.Error(runErr))
		return claimed, runErr
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		runErr = &apperr.TimeoutError{Op: "job", Timeout: o.opts.Budget}
	}
	return o.finish(ctx, claimed, runErr, logger)
}

func (o *Orchestrator) execute(ctx context.Context, job models.Job, logger *zap.Logger) error {
	snap, err := o.store.GetSnapshot(ctx, job.SnapshotID)
	if err != nil {
		return err
	}
	prior, err := o.store.ListStageResults(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load stage results: %w", err)
	}
	r := &run{o: o, job: job, prior: prior, logger: logger}

	var research, strategy string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := r.stage(gctx, models.StageResearcher, researcherRequest(snap), nil)
		if err != nil {
			if apperr.IsConflict(err) {
				return err
			}
			logger.Warn("research unavailable, continuing without it", zap.Error(err))
			research = researchPlaceholder
			return nil
		}
		research = res.Output
		return nil
	})
	g.Go(func() error {
		res, err := r.stage(gctx, models.StageStrategist, strategistRequest(snap), nil)
		if err != nil {
			return err
		}
		strategy = res.Output
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	catalog, err := o.store.ListVenues(ctx, snap.City, o.opts.CatalogLimit)
	if err != nil {
		logger.Warn("catalog venues unavailable", zap.Error(err))
		catalog = nil
	}
	tres, err := r.stage(ctx, models.StageTactician, tacticianRequest(snap, strategy, research, catalog), func(resp stage.Response) error {
		_, _, err := ParsePlan(resp.Output)
		return err
	})
	if err != nil {
		return err
	}
	plan, planJSON, err := ParsePlan(tres.Output)
	if err != nil {
		return err
	}

	now := o.now()
	st := models.Strategy{
		SnapshotID:  job.SnapshotID,
		JobID:       job.ID,
		Text:        strategy,
		StagingArea: plan.StagingArea,
		ValidFrom:   now,
		ValidUntil:  now.Add(o.opts.ValidityWindow),
		Status:      models.StatusRunning,
	}
	if err := o.store.UpsertStrategy(ctx, st); err != nil {
		return fmt.Errorf("save strategy: %w", err)
	}

	minVenues := o.opts.MinPlanVenues
	vres, verr := r.stage(ctx, models.StageValidator, validatorRequest(snap, planJSON, minVenues), func(resp stage.Response) error {
		if issues := CheckPlan(extractJSON(resp.Output), minVenues); len(issues) > 0 {
			return &apperr.ValidationError{Subject: "plan", Issues: issues}
		}
		return nil
	})
	switch {
	case verr == nil:
		if corrected, _, err := ParsePlan(vres.Output); err == nil {
			plan = corrected
			st.StagingArea = corrected.StagingArea
			st.Validated = true
		} else {
			st.ValidationIssues = issuesOf(err)
		}
	case apperr.IsConflict(verr):
		return verr
	default:
		logger.Warn("plan not validated", zap.Error(verr))
		st.ValidationIssues = issuesOf(verr)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := o.rank(ctx, job, snap, plan, logger); err != nil {
		return err
	}
	if err := o.store.UpsertStrategy(ctx, st); err != nil {
		return fmt.Errorf("save strategy: %w", err)
	}
	return nil
}

// rank stores raw candidates, collapses duplicates, scores them and records
// the ranked list. Ranked venues are also added to the venue catalog.
func (o *Orchestrator) rank(ctx context.Context, job models.Job, snap models.Snapshot, plan Plan, logger *zap.Logger) error {
	candidates := plan.Candidates(job.ID, snap.City)
	if err := o.store.SaveVenueCandidates(ctx, job.ID, candidates); err != nil {
		return fmt.Errorf("save candidates: %w", err)
	}
	events, err := o.store.ListActiveEvents(ctx, o.now(), o.opts.EventHorizon)
	if err != nil {
		logger.Warn("events unavailable, ranking without them", zap.Error(err))
		events = nil
	}
	unique := dedup.Candidates(candidates)
	if removed := len(candidates) - len(unique); removed > 0 {
		telemetry.DedupRemoved.WithLabelValues("candidate").Add(float64(removed))
	}
	ranked, err := o.ranker.Rank(ctx, snap.Origin(), unique, events)
	if err != nil {
		return fmt.Errorf("rank venues: %w", err)
	}
	for i := range ranked {
		ranked[i].JobID = job.ID
	}
	if err := o.store.ReplaceRankedVenues(ctx, job.ID, ranked); err != nil {
		return fmt.Errorf("save ranked venues: %w", err)
	}

	for _, c := range unique {
		_, _, err := o.store.InsertVenue(ctx, models.Venue{
			Name:     c.Name,
			City:     c.City,
			Address:  c.Address,
			Category: c.Category,
			PlaceID:  c.PlaceID,
			Lat:      c.Lat,
			Lng:      c.Lng,
		})
		if err != nil {
			logger.Warn("catalog insert failed", zap.String("venue", c.Name), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, job models.Job, runErr error, logger *zap.Logger) (models.Job, error) {
	status, code, reason := models.StatusComplete, "", ""
	if runErr != nil {
		status, code, reason = models.StatusFailed, apperr.Code(runErr), apperr.Reason(runErr)
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	done, err := o.store.FinishJob(pctx, job.ID, status, code, reason)
	if err != nil {
		logger.Error("finish job failed", zap.String("status", status), zap.Error(err))
		return job, err
	}
	if status == models.StatusComplete {
		telemetry.JobsCompleted.Inc()
		logger.Info("job complete")
	} else {
		telemetry.JobsFailed.Inc()
		logger.Warn("job failed", zap.String("error_code", code), zap.Error(runErr))
	}

	o.publish(pctx, done, logger)
	if status == models.StatusComplete {
		o.archive(pctx, done, logger)
	}
	return done, nil
}

func (o *Orchestrator) publish(ctx context.Context, job models.Job, logger *zap.Logger) {
	if o.publisher == nil {
		return
	}
	err := o.publisher.Publish(ctx, notify.Event{JobID: job.ID, SnapshotID: job.SnapshotID, Status: job.Status})
	if err != nil {
		telemetry.Notifications.WithLabelValues("error").Inc()
		logger.Warn("notification not delivered, pollers will see the terminal state", zap.Error(err))
		return
	}
	telemetry.Notifications.WithLabelValues("ok").Inc()
}

func (o *Orchestrator) archive(ctx context.Context, job models.Job, logger *zap.Logger) {
	if o.archiver == nil {
		return
	}
	rec := archive.Record{Job: job}
	if st, err := o.store.GetStrategy(ctx, job.SnapshotID); err == nil && st.JobID == job.ID {
		rec.Strategy = &st
	}
	ranked, err := o.store.ListRankedVenues(ctx, job.ID)
	if err != nil {
		logger.Warn("archive skipped", zap.Error(err))
		return
	}
	rec.RankedVenues = ranked
	loc, err := o.archiver.Archive(ctx, rec)
	if err != nil {
		logger.Warn("archive failed", zap.Error(err))
		return
	}
	logger.Debug("job archived", zap.String("location", loc))
}

func issuesOf(err error) []string {
	var ve *apperr.ValidationError
	if errors.As(err, &ve) && len(ve.Issues) > 0 {
		return ve.Issues
	}
	return []string{apperr.Reason(err)}
}
