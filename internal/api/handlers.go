package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"strategy-pipeline/internal/apperr"
	"strategy-pipeline/internal/dedup"
	"strategy-pipeline/internal/models"
)

type strategyRequest struct {
	SnapshotID string `json:"snapshot_id" validate:"required"`
	Retry      bool   `json:"retry"`
}

// strategyResponse is the client view of a job. Error codes stay internal.
type strategyResponse struct {
	JobID      string `json:"job_id"`
	SnapshotID string `json:"snapshot_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Created    bool   `json:"created"`
}

func (s *Server) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &apperr.ValidationError{Subject: "request", Issues: []string{"invalid json"}}
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &apperr.ValidationError{Subject: "request", Issues: []string{err.Error()}}
		}
		issues := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			issues = append(issues, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
		return &apperr.ValidationError{Subject: "request", Issues: issues}
	}
	return nil
}

// handleStrategy ensures a job exists for the snapshot. With retry set, a
// snapshot whose latest job failed gets a fresh job.
func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	var req strategyRequest
	if err := s.decode(r, &req); err != nil {
		if ve := new(apperr.ValidationError); errors.As(err, &ve) && len(ve.Issues) == 1 && ve.Issues[0] == "snapshot_id: required" {
			writeSnapshotRequired(w)
			return
		}
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if _, err := s.store.GetSnapshot(ctx, req.SnapshotID); err != nil {
		writeError(w, r, err)
		return
	}

	var (
		job     models.Job
		created bool
		err     error
	)
	latest, lerr := s.store.LatestJob(ctx, req.SnapshotID, models.KindStrategy)
	switch {
	case lerr == nil && req.Retry && latest.Status == models.StatusFailed:
		job, created, err = s.store.CreateJob(ctx, req.SnapshotID, models.KindStrategy)
	case lerr == nil:
		job = latest
	case apperr.IsNotFound(lerr):
		job, created, err = s.store.EnsureJob(ctx, req.SnapshotID, models.KindStrategy)
	default:
		err = lerr
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if created {
		s.enqueue(ctx, job)
	}

	code := http.StatusAccepted
	if job.Terminal() {
		code = http.StatusOK
	}
	resp := strategyResponse{JobID: job.ID, SnapshotID: job.SnapshotID, Status: job.Status, Created: created}
	if job.Status == models.StatusFailed {
		resp.Reason = failureReason(job)
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleUpsertEvent(w http.ResponseWriter, r *http.Request) {
	var in dedup.EventInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, r, &apperr.ValidationError{Subject: "event", Issues: []string{"invalid json"}})
		return
	}
	id, err := s.upserter.UpsertEvent(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

type performanceResponse struct {
	WindowHours int                 `json:"window_hours"`
	Since       time.Time           `json:"since"`
	Stages      []models.StageStats `json:"stages"`
}

// handlePerformance reports per-stage attempt statistics over ?hours= (default 24).
func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h < 1 || h > 24*30 {
			writeError(w, r, &apperr.ValidationError{Subject: "hours", Issues: []string{"hours: must be between 1 and 720"}})
			return
		}
		hours = h
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	stats, err := s.store.StageStats(r.Context(), since)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if stats == nil {
		stats = []models.StageStats{}
	}
	writeJSON(w, http.StatusOK, performanceResponse{WindowHours: hours, Since: since, Stages: stats})
}
