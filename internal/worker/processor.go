package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"strategy-pipeline/internal/apperr"
	"strategy-pipeline/internal/config"
	"strategy-pipeline/internal/models"
	"strategy-pipeline/internal/notify"
	"strategy-pipeline/internal/pipeline"
	"strategy-pipeline/internal/queue"
	"strategy-pipeline/internal/telemetry"
)

// Runner drives one job to a terminal state.
type Runner interface {
	Run(ctx context.Context, jobID string) (models.Job, error)
}

// JobStore is the job persistence the worker needs for heartbeats,
// dead-lettering and recovery.
type JobStore interface {
	TouchJob(ctx context.Context, id string) error
	AbandonJob(ctx context.Context, id, errorCode, errorReason string) (models.Job, error)
	ListRecoverableJobs(ctx context.Context, staleAfter time.Duration, limit int) ([]models.Job, error)
}

// recoverBatch bounds how many jobs one maintenance pass touches.
const recoverBatch = 100

// Processor drives the worker execution loops.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    JobStore
	runner   Runner
	pub      notify.Publisher
	workerID string
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, st JobStore, runner Runner) *Processor {
	return NewProcessorWithID(cfg, q, st, runner, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, st JobStore, runner Runner, workerID string) *Processor {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		runner:   runner,
		workerID: workerID,
	}
}

// SetPublisher announces jobs the worker fails on its own, such as
// dead-lettered ones.
func (p *Processor) SetPublisher(pub notify.Publisher) {
	p.pub = pub
}

// Run recovers orphaned jobs, then runs WorkerConcurrency consumer loops and
// one maintenance loop until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	logger := zap.L().With(zap.String("worker_id", p.workerID))
	logger.Info("worker started",
		zap.Int("concurrency", p.cfg.WorkerConcurrency),
		zap.Duration("visibility", p.cfg.VisibilityTimeout),
		zap.Duration("stale_after", p.cfg.StaleJobAfter),
	)
	p.Maintain(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		slot := i
		g.Go(func() error {
			p.consume(gctx, logger.With(zap.Int("slot", slot)))
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(p.maintainEvery())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				p.Maintain(gctx)
			}
		}
	})
	_ = g.Wait()
	logger.Info("worker stopped")
	return ctx.Err()
}

func (p *Processor) maintainEvery() time.Duration {
	every := 5 * p.cfg.WorkerPollInterval
	if p.cfg.StaleJobAfter > 0 && p.cfg.StaleJobAfter/2 < every {
		every = p.cfg.StaleJobAfter / 2
	}
	if every < 100*time.Millisecond {
		every = 100 * time.Millisecond
	}
	return every
}

func (p *Processor) consume(ctx context.Context, logger *zap.Logger) {
	for ctx.Err() == nil {
		jobID, deliveries, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("dequeue failed", zap.Error(err))
			}
			p.sleep(ctx)
			continue
		}
		if jobID == "" {
			p.sleep(ctx)
			continue
		}
		p.handle(ctx, jobID, deliveries)
	}
}

func (p *Processor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.WorkerPollInterval):
	}
}

// handle runs one delivery and settles it on the queue.
func (p *Processor) handle(ctx context.Context, jobID string, deliveries int) {
	logger := zap.L().With(zap.String("worker_id", p.workerID), zap.String("job_id", jobID), zap.Int("delivery", deliveries))
	if deliveries > p.cfg.MaxDeliveries {
		p.deadLetter(ctx, jobID, logger)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, jobID, logger)
	job, err := p.runner.Run(ctx, jobID)
	stopHeartbeat()

	switch {
	case err == nil:
		logger.Debug("job settled", zap.String("status", job.Status))
		p.ack(ctx, jobID, logger)
	case apperr.IsConflict(err):
		logger.Debug("job owned elsewhere", zap.Error(err))
		p.ack(ctx, jobID, logger)
	case apperr.IsNotFound(err):
		logger.Warn("dropping delivery for unknown job", zap.Error(err))
		p.ack(ctx, jobID, logger)
	case ctx.Err() != nil:
		// Lease expiry hands the job to another worker.
	default:
		wait := pipeline.Backoff(p.cfg.BackoffInitial, p.cfg.BackoffMax, deliveries)
		if serr := p.queue.Schedule(ctx, jobID, time.Now().Add(wait)); serr != nil {
			logger.Error("reschedule failed", zap.Error(serr))
		}
		logger.Warn("job run failed, rescheduled", zap.Duration("retry_in", wait), zap.Error(err))
	}
}

// deadLetter fails the job so recovery leaves it alone, then parks the id on
// the dead-letter list. A store error leaves the lease to expire so a later
// delivery retries.
func (p *Processor) deadLetter(ctx context.Context, jobID string, logger *zap.Logger) {
	job, err := p.store.AbandonJob(ctx, jobID, apperr.CodeExhausted, apperr.ReasonForCode(apperr.CodeExhausted))
	switch {
	case err == nil:
		telemetry.JobsFailed.Inc()
		p.publish(ctx, job, logger)
	case apperr.IsConflict(err), apperr.IsNotFound(err):
		logger.Debug("dead-lettered job needs no settling", zap.Error(err))
	default:
		logger.Error("failing exhausted job", zap.Error(err))
		return
	}
	if err := p.queue.DLQPush(ctx, jobID); err != nil {
		logger.Error("dead-letter push failed", zap.Error(err))
		return
	}
	logger.Error("job exceeded delivery limit, dead-lettered")
}

func (p *Processor) publish(ctx context.Context, job models.Job, logger *zap.Logger) {
	if p.pub == nil {
		return
	}
	if err := p.pub.Publish(ctx, notify.Event{JobID: job.ID, SnapshotID: job.SnapshotID, Status: job.Status}); err != nil {
		telemetry.Notifications.WithLabelValues("error").Inc()
		logger.Warn("notification not delivered, pollers will see the terminal state", zap.Error(err))
		return
	}
	telemetry.Notifications.WithLabelValues("ok").Inc()
}

func (p *Processor) ack(ctx context.Context, jobID string, logger *zap.Logger) {
	if err := p.queue.Ack(ctx, jobID); err != nil {
		logger.Warn("ack failed", zap.Error(err))
	}
}

// heartbeat keeps the job row fresh and the queue lease alive while a job runs.
func (p *Processor) heartbeat(ctx context.Context, jobID string, logger *zap.Logger) {
	visibility := p.queue.Visibility()
	every := visibility / 3
	if p.cfg.StaleJobAfter > 0 && p.cfg.StaleJobAfter/3 < every {
		every = p.cfg.StaleJobAfter / 3
	}
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.TouchJob(ctx, jobID); err != nil && !apperr.IsConflict(err) && ctx.Err() == nil {
				logger.Warn("heartbeat touch failed", zap.Error(err))
			}
			if err := p.queue.ExtendLease(ctx, jobID, visibility); err != nil && ctx.Err() == nil {
				logger.Warn("lease extension failed", zap.Error(err))
			}
		}
	}
}

// Maintain promotes due retries, requeues expired leases and re-enqueues
// jobs that are stale or missing from the queue.
func (p *Processor) Maintain(ctx context.Context) {
	logger := zap.L().With(zap.String("worker_id", p.workerID))
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, recoverBatch); err != nil && ctx.Err() == nil {
		logger.Warn("promote scheduled failed", zap.Error(err))
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, recoverBatch); err != nil {
		if ctx.Err() == nil {
			logger.Warn("requeue expired failed", zap.Error(err))
		}
	} else if len(reclaimed) > 0 {
		telemetry.JobsRequeued.Add(float64(len(reclaimed)))
		logger.Info("expired leases requeued", zap.Strings("job_ids", reclaimed))
	}
	if n, err := p.Recover(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("job recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("orphaned jobs re-enqueued", zap.Int("count", n))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// Recover enqueues non-terminal jobs not touched within StaleJobAfter. Jobs
// still known to the queue are left alone.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	if p.cfg.StaleJobAfter <= 0 {
		return 0, nil
	}
	jobs, err := p.store.ListRecoverableJobs(ctx, p.cfg.StaleJobAfter, recoverBatch)
	if err != nil {
		return 0, err
	}
	pushed := 0
	for _, job := range jobs {
		ok, err := p.queue.Enqueue(ctx, job.ID)
		if err != nil {
			return pushed, err
		}
		if ok {
			pushed++
			telemetry.JobsRequeued.Inc()
		}
	}
	return pushed, nil
}
