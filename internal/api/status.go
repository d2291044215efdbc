package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"strategy-pipeline/internal/apperr"
	"strategy-pipeline/internal/models"
	"strategy-pipeline/internal/telemetry"
)

// Client-visible states.
const (
	StateReady   = "ready"
	StateFailed  = "failed"
	StatePending = "pending"
)

type statusResponse struct {
	State        string               `json:"state"`
	JobID        string               `json:"job_id,omitempty"`
	Strategy     *models.Strategy     `json:"strategy,omitempty"`
	RankedVenues []models.RankedVenue `json:"ranked_venues,omitempty"`
	Reason       string               `json:"reason,omitempty"`
}

func (r statusResponse) terminal() bool {
	return r.State == StateReady || r.State == StateFailed
}

func (r statusResponse) httpStatus() int {
	if r.terminal() {
		return http.StatusOK
	}
	return http.StatusAccepted
}

func writeSnapshotRequired(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "snapshot_required"})
}

// resolve reads the snapshot's current state, ensuring a job exists and is
// queued on first contact.
func (s *Server) resolve(ctx context.Context, snapshotID string) (statusResponse, error) {
	if _, err := s.store.GetSnapshot(ctx, snapshotID); err != nil {
		return statusResponse{}, err
	}
	job, created, err := s.store.EnsureJob(ctx, snapshotID, models.KindStrategy)
	if err != nil {
		return statusResponse{}, fmt.Errorf("ensure job: %w", err)
	}
	if created {
		s.enqueue(ctx, job)
	}
	return s.project(ctx, job)
}

func (s *Server) enqueue(ctx context.Context, job models.Job) {
	if _, err := s.queue.Enqueue(ctx, job.ID); err != nil {
		// Recovery re-enqueues the job once it goes stale.
		zap.L().Error("enqueue failed", zap.String("job_id", job.ID), zap.String("snapshot_id", job.SnapshotID), zap.Error(err))
		return
	}
	telemetry.JobsEnqueued.Inc()
}

// project maps a job onto the client-visible state.
func (s *Server) project(ctx context.Context, job models.Job) (statusResponse, error) {
	switch job.Status {
	case models.StatusComplete:
		st, err := s.store.GetStrategy(ctx, job.SnapshotID)
		if err != nil {
			return statusResponse{}, fmt.Errorf("load strategy: %w", err)
		}
		ranked, err := s.store.ListRankedVenues(ctx, job.ID)
		if err != nil {
			return statusResponse{}, fmt.Errorf("load ranked venues: %w", err)
		}
		return statusResponse{State: StateReady, JobID: job.ID, Strategy: &st, RankedVenues: ranked}, nil
	case models.StatusFailed:
		return statusResponse{State: StateFailed, JobID: job.ID, Reason: failureReason(job)}, nil
	default:
		return statusResponse{State: StatePending, JobID: job.ID}, nil
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshotID := r.URL.Query().Get("snapshot_id")
	if snapshotID == "" {
		writeSnapshotRequired(w)
		return
	}
	resp, err := s.resolve(r.Context(), snapshotID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	telemetry.StatusPolls.WithLabelValues(resp.State).Inc()
	writeJSON(w, resp.httpStatus(), resp)
}

// handleStream answers with one server-sent event: "status" once the job is
// terminal, or "timeout" after the idle timeout so the client falls back to
// polling. It registers with the hub before reading state so a transition
// between the read and the wait is not missed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	snapshotID := r.URL.Query().Get("snapshot_id")
	if snapshotID == "" {
		writeSnapshotRequired(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming_unsupported"})
		return
	}

	events, release := s.hub.Wait(snapshotID)
	defer release()

	ctx := r.Context()
	resp, err := s.resolve(ctx, snapshotID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if resp.terminal() {
		writeEvent(w, flusher, "status", resp)
		return
	}
	flusher.Flush()

	idle := time.NewTimer(s.cfg.StreamIdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			telemetry.StatusPolls.WithLabelValues("stream_timeout").Inc()
			writeEvent(w, flusher, "timeout", statusResponse{State: StatePending, JobID: resp.JobID})
			return
		case <-events:
			resp, err = s.resolve(ctx, snapshotID)
			if err != nil {
				zap.L().Warn("stream state read failed", zap.String("snapshot_id", snapshotID), zap.Error(err))
				writeEvent(w, flusher, "error", errorResponse{Error: apperr.Code(err), Reason: apperr.Reason(err)})
				return
			}
			if resp.terminal() {
				telemetry.StatusPolls.WithLabelValues(resp.State).Inc()
				writeEvent(w, flusher, "status", resp)
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		zap.L().Error("marshal stream event", zap.Error(err))
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	flusher.Flush()
}

// failureReason is the client-facing reason a job failed.
func failureReason(job models.Job) string {
	switch {
	case job.ErrorReason != nil:
		return *job.ErrorReason
	case job.ErrorCode != nil:
		return apperr.ReasonForCode(*job.ErrorCode)
	default:
		return ""
	}
}
