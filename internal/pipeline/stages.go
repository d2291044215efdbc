package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"strategy-pipeline/internal/apperr"
	"strategy-pipeline/internal/models"
	"strategy-pipeline/internal/stage"
	"strategy-pipeline/internal/telemetry"
)

// run holds the per-claim state shared by the stages of one job.
type run struct {
	o      *Orchestrator
	job    models.Job
	prior  []models.StageResult
	logger *zap.Logger
}

// stage returns the latest successful result for name when one exists from
// an earlier claim. Otherwise it calls the stage up to retries+1 times
// (fewer if earlier claims already spent attempts), recording one
// StageResult per attempt. check may reject an otherwise successful reply.
func (r *run) stage(ctx context.Context, name string, req stage.Request, check func(stage.Response) error) (models.StageResult, error) {
	logger := r.logger.With(zap.String("stage", name))
	res, ok, err := r.o.store.LatestSuccessfulStageResult(ctx, r.job.ID, name)
	if err != nil {
		return models.StageResult{}, err
	}
	if ok {
		logger.Info("reusing stage result", zap.Int("attempt", res.Attempt))
		return res, nil
	}

	client := r.o.clients[name]
	first := models.MaxAttempt(r.prior, name) + 1
	last := client.Retries + 1
	if last < first {
		last = first
	}

	var lastErr error
	for attempt := first; attempt <= last; attempt++ {
		resp, elapsed, err := client.Call(ctx, req)
		if err == nil && check != nil {
			err = check(resp)
		}
		if err != nil && errors.Is(err, context.Canceled) {
			return models.StageResult{}, err
		}

		rec := models.StageResult{
			JobID:     r.job.ID,
			Stage:     name,
			Attempt:   attempt,
			OK:        err == nil,
			Output:    resp.Output,
			Citations: resp.Citations,
			LatencyMS: elapsed.Milliseconds(),
			TokensIn:  resp.TokensIn,
			TokensOut: resp.TokensOut,
			Model:     resp.Model,
		}
		if err != nil {
			rec.ErrorCode = apperr.Code(err)
			rec.ErrorMessage = err.Error()
		}
		saved, serr := r.append(ctx, rec)
		if serr != nil {
			return models.StageResult{}, serr
		}

		if err == nil {
			telemetry.StageDuration.WithLabelValues(name, "ok").Observe(elapsed.Seconds())
			logger.Info("stage succeeded", zap.Int("attempt", attempt), zap.Duration("latency", elapsed))
			return saved, nil
		}
		telemetry.StageDuration.WithLabelValues(name, "error").Observe(elapsed.Seconds())
		telemetry.StageFailures.WithLabelValues(name, rec.ErrorCode).Inc()
		logger.Warn("stage attempt failed", zap.Int("attempt", attempt), zap.String("error_code", rec.ErrorCode), zap.Error(err))
		lastErr = err

		if attempt == last || ctx.Err() != nil {
			break
		}
		wait := Backoff(r.o.opts.BackoffInitial, r.o.opts.BackoffMax, attempt-first+1)
		select {
		case <-ctx.Done():
			return models.StageResult{}, lastErr
		case <-time.After(wait):
		}
	}
	return models.StageResult{}, lastErr
}

// append writes rec even when ctx has expired, so a timed out attempt is
// still recorded.
func (r *run) append(ctx context.Context, rec models.StageResult) (models.StageResult, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return r.o.store.AppendStageResult(pctx, rec)
}
