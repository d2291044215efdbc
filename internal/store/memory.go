package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"strategy-pipeline/internal/apperr"
	"strategy-pipeline/internal/models"
)

// Memory is an in-process store with the same conditional-update semantics
// as the Postgres store. It backs tests and local runs.
type Memory struct {
	mu sync.Mutex

	// Now is the clock used for timestamps and staleness checks.
	Now func() time.Time

	snapshots  map[string]models.Snapshot
	purged     map[string]bool
	jobs       map[string]models.Job
	jobOrder   []string
	stages     map[string][]models.StageResult
	strategies map[string]models.Strategy
	candidates map[string][]models.VenueCandidate
	ranked     map[string][]models.RankedVenue
	venues     map[string]models.Venue
	venueOrder []string
	metrics    map[string]int
	feedback   map[string]int
	events     map[string]models.Event
	eventOrder []string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		Now:        func() time.Time { return time.Now().UTC() },
		snapshots:  map[string]models.Snapshot{},
		purged:     map[string]bool{},
		jobs:       map[string]models.Job{},
		stages:     map[string][]models.StageResult{},
		strategies: map[string]models.Strategy{},
		candidates: map[string][]models.VenueCandidate{},
		ranked:     map[string][]models.RankedVenue{},
		venues:     map[string]models.Venue{},
		metrics:    map[string]int{},
		feedback:   map[string]int{},
		events:     map[string]models.Event{},
	}
}

// InsertSnapshot stores a snapshot.
func (m *Memory) InsertSnapshot(_ context.Context, snap models.Snapshot) (models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = m.Now()
	}
	if _, ok := m.snapshots[snap.ID]; !ok {
		m.snapshots[snap.ID] = snap
	}
	return m.snapshots[snap.ID], nil
}

// PurgeSnapshot marks a snapshot as removed by retention.
func (m *Memory) PurgeSnapshot(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purged[id] = true
}

// GetSnapshot fetches a snapshot.
func (m *Memory) GetSnapshot(_ context.Context, id string) (models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[id]
	if !ok {
		return models.Snapshot{}, &apperr.NotFoundError{Resource: "snapshot", ID: id}
	}
	if m.purged[id] {
		return models.Snapshot{}, &apperr.RetentionError{SnapshotID: id}
	}
	return snap, nil
}

// CreateJob inserts a queued job unless one is active for the snapshot and kind.
func (m *Memory) CreateJob(_ context.Context, snapshotID, kind string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createJobLocked(snapshotID, kind)
}

func (m *Memory) createJobLocked(snapshotID, kind string) (models.Job, bool, error) {
	if kind == "" {
		kind = models.KindStrategy
	}
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		j := m.jobs[m.jobOrder[i]]
		if j.SnapshotID == snapshotID && j.Kind == kind && !j.Terminal() {
			return j, false, nil
		}
	}
	now := m.Now()
	job := models.Job{
		ID:         uuid.New().String(),
		SnapshotID: snapshotID,
		Kind:       kind,
		Status:     models.StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.jobs[job.ID] = job
	m.jobOrder = append(m.jobOrder, job.ID)
	return job, true, nil
}

// EnsureJob returns the latest job for the snapshot, creating one if none exists.
func (m *Memory) EnsureJob(_ context.Context, snapshotID, kind string) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.latestJobLocked(snapshotID, kind); ok {
		return job, false, nil
	}
	return m.createJobLocked(snapshotID, kind)
}

func (m *Memory) latestJobLocked(snapshotID, kind string) (models.Job, bool) {
	if kind == "" {
		kind = models.KindStrategy
	}
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		j := m.jobs[m.jobOrder[i]]
		if j.SnapshotID == snapshotID && j.Kind == kind {
			return j, true
		}
	}
	return models.Job{}, false
}

// GetJob fetches a job by id.
func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, &apperr.NotFoundError{Resource: "job", ID: id}
	}
	return job, nil
}

// LatestJob returns the most recently created job for a snapshot.
func (m *Memory) LatestJob(_ context.Context, snapshotID, kind string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.latestJobLocked(snapshotID, kind)
	if !ok {
		return models.Job{}, &apperr.NotFoundError{Resource: "job for snapshot", ID: snapshotID}
	}
	return job, nil
}

// ClaimJob moves a queued (or stale running) job to running.
func (m *Memory) ClaimJob(_ context.Context, id string, staleAfter time.Duration) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, &apperr.NotFoundError{Resource: "job", ID: id}
	}
	now := m.Now()
	stale := job.Status == models.StatusRunning && staleAfter > 0 && job.UpdatedAt.Before(now.Add(-staleAfter))
	if job.Status != models.StatusQueued && !stale {
		return models.Job{}, &apperr.ConflictError{JobID: id, Status: job.Status}
	}
	job.Status = models.StatusRunning
	job.Attempts++
	job.UpdatedAt = now
	m.jobs[id] = job
	return job, nil
}

// TouchJob refreshes the heartbeat of a running job.
func (m *Memory) TouchJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusRunning {
		return &apperr.ConflictError{JobID: id}
	}
	job.UpdatedAt = m.Now()
	m.jobs[id] = job
	return nil
}

// FinishJob moves a running job to a terminal status.
func (m *Memory) FinishJob(_ context.Context, id, status, errorCode, errorReason string) (models.Job, error) {
	if !models.IsTerminal(status) {
		return models.Job{}, fmt.Errorf("finish job: %q is not terminal", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != models.StatusRunning {
		return models.Job{}, &apperr.ConflictError{JobID: id, Status: job.Status}
	}
	return m.settleLocked(job, status, errorCode, errorReason), nil
}

// AbandonJob fails a queued or running job.
func (m *Memory) AbandonJob(_ context.Context, id, errorCode, errorReason string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, &apperr.NotFoundError{Resource: "job", ID: id}
	}
	if job.Terminal() {
		return models.Job{}, &apperr.ConflictError{JobID: id, Status: job.Status}
	}
	return m.settleLocked(job, models.StatusFailed, errorCode, errorReason), nil
}

func (m *Memory) settleLocked(job models.Job, status, errorCode, errorReason string) models.Job {
	now := m.Now()
	job.Status = status
	job.ErrorCode = emptyToNil(errorCode)
	job.ErrorReason = emptyToNil(errorReason)
	job.UpdatedAt = now
	job.FinishedAt = &now
	m.jobs[job.ID] = job
	if st, ok := m.strategies[job.SnapshotID]; ok && st.JobID == job.ID {
		st.Status = status
		st.UpdatedAt = now
		m.strategies[job.SnapshotID] = st
	}
	return job
}

// ListRecoverableJobs returns stale running jobs and old queued jobs.
func (m *Memory) ListRecoverableJobs(_ context.Context, staleAfter time.Duration, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.Now().Add(-staleAfter)
	var out []models.Job
	for _, id := range m.jobOrder {
		j := m.jobs[id]
		if !j.Terminal() && j.UpdatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendStageResult records one attempt.
func (m *Memory) AppendStageResult(_ context.Context, r models.StageResult) (models.StageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.stages[r.JobID] {
		if existing.Stage == r.Stage && existing.Attempt == r.Attempt {
			return models.StageResult{}, &apperr.ConflictError{JobID: r.JobID}
		}
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.Now()
	}
	m.stages[r.JobID] = append(m.stages[r.JobID], r)
	return r, nil
}

// ListStageResults returns every attempt for a job.
func (m *Memory) ListStageResults(_ context.Context, jobID string) ([]models.StageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.StageResult(nil), m.stages[jobID]...), nil
}

// LatestSuccessfulStageResult returns the highest successful attempt of a stage.
func (m *Memory) LatestSuccessfulStageResult(_ context.Context, jobID, stage string) (models.StageResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := models.LatestSuccess(m.stages[jobID], stage)
	return r, ok, nil
}

// StageStats aggregates attempts created since the given time.
func (m *Memory) StageStats(_ context.Context, since time.Time) ([]models.StageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStage := map[string]*models.StageStats{}
	latency := map[string]int64{}
	for _, results := range m.stages {
		for _, r := range results {
			if r.CreatedAt.Before(since) {
				continue
			}
			st, ok := byStage[r.Stage]
			if !ok {
				st = &models.StageStats{Stage: r.Stage}
				byStage[r.Stage] = st
			}
			st.Attempts++
			if r.OK {
				st.Successes++
			}
			latency[r.Stage] += r.LatencyMS
			if r.LatencyMS > st.MaxLatencyMS {
				st.MaxLatencyMS = r.LatencyMS
			}
			st.TotalTokensIn += int64(r.TokensIn)
			st.TotalTokensOut += int64(r.TokensOut)
		}
	}
	out := make([]models.StageStats, 0, len(byStage))
	for stage, st := range byStage {
		st.AvgLatencyMS = float64(latency[stage]) / float64(st.Attempts)
		st.SuccessRate = float64(st.Successes) / float64(st.Attempts)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out, nil
}

// UpsertStrategy writes the strategy row for a snapshot.
func (m *Memory) UpsertStrategy(_ context.Context, st models.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	if prev, ok := m.strategies[st.SnapshotID]; ok {
		st.CreatedAt = prev.CreatedAt
	} else {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	m.strategies[st.SnapshotID] = st
	return nil
}

// GetStrategy fetches the strategy for a snapshot.
func (m *Memory) GetStrategy(_ context.Context, snapshotID string) (models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.strategies[snapshotID]
	if !ok {
		return models.Strategy{}, &apperr.NotFoundError{Resource: "strategy", ID: snapshotID}
	}
	return st, nil
}

// SaveVenueCandidates replaces the candidates of a job.
func (m *Memory) SaveVenueCandidates(_ context.Context, jobID string, candidates []models.VenueCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	out := make([]models.VenueCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.JobID = jobID
		c.CreatedAt = now
		out = append(out, c)
	}
	m.candidates[jobID] = out
	return nil
}

// ReplaceRankedVenues writes the ranked projection of a job.
func (m *Memory) ReplaceRankedVenues(_ context.Context, jobID string, ranked []models.RankedVenue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RankedVenue, len(ranked))
	for i, v := range ranked {
		v.JobID = jobID
		out[i] = v
	}
	m.ranked[jobID] = out
	return nil
}

// ListRankedVenues returns the ranked venues of a job.
func (m *Memory) ListRankedVenues(_ context.Context, jobID string) ([]models.RankedVenue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.RankedVenue(nil), m.ranked[jobID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

// InsertVenue adds a catalog venue unless an identical one exists.
func (m *Memory) InsertVenue(_ context.Context, v models.Venue) (models.Venue, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.venueOrder {
		existing := m.venues[id]
		if v.PlaceID != "" && existing.PlaceID == v.PlaceID {
			return existing, false, nil
		}
		if strings.EqualFold(existing.Name, v.Name) && existing.City == v.City && strings.EqualFold(existing.Address, v.Address) {
			return existing, false, nil
		}
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = m.Now()
	}
	m.venues[v.ID] = v
	m.venueOrder = append(m.venueOrder, v.ID)
	return v, true, nil
}

// ListVenues returns catalog venues, optionally restricted to a city.
func (m *Memory) ListVenues(_ context.Context, city string, limit int) ([]models.Venue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Venue
	for _, id := range m.venueOrder {
		v := m.venues[id]
		if city != "" && v.City != city {
			continue
		}
		out = append(out, v)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// AddVenueMetric records a metric row against a venue.
func (m *Memory) AddVenueMetric(venueID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[venueID]++
}

// AddVenueFeedback records a feedback row against a venue.
func (m *Memory) AddVenueFeedback(venueID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feedback[venueID]++
}

// VenueDependents returns the metric and feedback row counts of a venue.
func (m *Memory) VenueDependents(venueID string) (metrics, feedback int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics[venueID], m.feedback[venueID]
}

// MergeVenueGroup repoints feedback, drops metrics and deletes the losers.
func (m *Memory) MergeVenueGroup(_ context.Context, canonicalID string, loserIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.venues[canonicalID]; !ok {
		return &apperr.NotFoundError{Resource: "venue", ID: canonicalID}
	}
	losers := map[string]bool{}
	for _, id := range loserIDs {
		losers[id] = true
		m.feedback[canonicalID] += m.feedback[id]
		delete(m.feedback, id)
		delete(m.metrics, id)
		delete(m.venues, id)
	}
	kept := m.venueOrder[:0]
	for _, id := range m.venueOrder {
		if !losers[id] {
			kept = append(kept, id)
		}
	}
	m.venueOrder = kept
	return nil
}

// UpsertEvent inserts an event keyed by dedup key and date, keeping the higher impact on collision.
func (m *Memory) UpsertEvent(_ context.Context, e models.Event) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.eventOrder {
		existing := m.events[id]
		if existing.DedupKey != e.DedupKey || existing.EventDate != e.EventDate {
			continue
		}
		if models.ImpactRank(e.Impact) > models.ImpactRank(existing.Impact) {
			existing.Impact = e.Impact
		}
		if e.Confidence > existing.Confidence {
			existing.Confidence = e.Confidence
		}
		if e.EndsAt != nil {
			existing.EndsAt = e.EndsAt
		}
		if e.ExpiresAt != nil {
			existing.ExpiresAt = e.ExpiresAt
		}
		if e.Description != "" {
			existing.Description = e.Description
		}
		m.events[id] = existing
		return id, false, nil
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.DiscoveredAt.IsZero() {
		e.DiscoveredAt = m.Now()
	}
	m.events[e.ID] = e
	m.eventOrder = append(m.eventOrder, e.ID)
	return e.ID, true, nil
}

// PutEvent stores an event as-is, bypassing the dedup key.
func (m *Memory) PutEvent(e models.Event) models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	m.events[e.ID] = e
	m.eventOrder = append(m.eventOrder, e.ID)
	return e
}

// ListEvents returns every stored event.
func (m *Memory) ListEvents(_ context.Context) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Event, 0, len(m.eventOrder))
	for _, id := range m.eventOrder {
		out = append(out, m.events[id])
	}
	return out, nil
}

// ListActiveEvents returns events running now or starting within horizon.
func (m *Memory) ListActiveEvents(_ context.Context, now time.Time, horizon time.Duration) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, id := range m.eventOrder {
		if e := m.events[id]; e.ActiveAt(now, horizon) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

// DeleteEvents removes a group of events.
func (m *Memory) DeleteEvents(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
		delete(m.events, id)
	}
	kept := m.eventOrder[:0]
	for _, id := range m.eventOrder {
		if !drop[id] {
			kept = append(kept, id)
		}
	}
	m.eventOrder = kept
	return nil
}
