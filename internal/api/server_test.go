package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-pipeline/internal/apperr"
	"strategy-pipeline/internal/config"
	"strategy-pipeline/internal/dedup"
	"strategy-pipeline/internal/models"
	"strategy-pipeline/internal/notify"
	"strategy-pipeline/internal/ratelimit"
	"strategy-pipeline/internal/store"
)

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *recordingQueue) Enqueue(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, jobID)
	return true, nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

type harness struct {
	mem    *store.Memory
	queue  *recordingQueue
	local  *notify.Local
	hub    *notify.Hub
	server *Server
	router http.Handler
}

func newHarness(t *testing.T, cfg config.Config, limiter *ratelimit.TokenBucket) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mem := store.NewMemory()
	local := notify.NewLocal()
	hub := notify.NewHub(local)
	go hub.Run(ctx)
	<-hub.Ready()

	q := &recordingQueue{}
	srv := New(cfg, mem, q, hub, dedup.NewUpserter(mem), limiter)
	return &harness{mem: mem, queue: q, local: local, hub: hub, server: srv, router: srv.Router()}
}

func (h *harness) snapshot(t *testing.T) models.Snapshot {
	t.Helper()
	snap, err := h.mem.InsertSnapshot(context.Background(), models.Snapshot{Lat: 32.78, Lng: -96.8, City: "Dallas"})
	require.NoError(t, err)
	return snap
}

func (h *harness) complete(t *testing.T, job models.Job) {
	t.Helper()
	ctx := context.Background()
	_, err := h.mem.ClaimJob(ctx, job.ID, 0)
	require.NoError(t, err)
	require.NoError(t, h.mem.UpsertStrategy(ctx, models.Strategy{SnapshotID: job.SnapshotID, JobID: job.ID, Text: "Work the arena let-out.", Status: models.StatusRunning}))
	require.NoError(t, h.mem.ReplaceRankedVenues(ctx, job.ID, []models.RankedVenue{
		{JobID: job.ID, Rank: 1, Name: "American Airlines Center", Grade: models.GradeA, DistanceSource: models.DistanceModel, EstimatedEarnings: 18, DriveMinutes: 12, ValuePerMin: 1.5},
	}))
	_, err = h.mem.FinishJob(ctx, job.ID, models.StatusComplete, "", "")
	require.NoError(t, err)
}

func (h *harness) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(method, target, rdr))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStatusRequiresSnapshot(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	rec := h.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "snapshot_required", decodeBody(t, rec)["error"])
}

func TestStatusUnknownOrPurgedSnapshot(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	rec := h.do(t, http.MethodGet, "/status?snapshot_id=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "snapshot_not_found", decodeBody(t, rec)["error"])

	snap := h.snapshot(t)
	h.mem.PurgeSnapshot(snap.ID)
	rec = h.do(t, http.MethodGet, "/status?snapshot_id="+snap.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "snapshot_not_found", decodeBody(t, rec)["error"])
	assert.Zero(t, h.queue.count())
}

func TestStatusEnsuresJobOnce(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	snap := h.snapshot(t)

	for i := 0; i < 3; i++ {
		rec := h.do(t, http.MethodGet, "/status?snapshot_id="+snap.ID, nil)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, StatePending, decodeBody(t, rec)["state"])
	}
	assert.Equal(t, 1, h.queue.count())
}

func TestStatusReadyAndFailed(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	ctx := context.Background()

	snap := h.snapshot(t)
	job, _, err := h.mem.CreateJob(ctx, snap.ID, models.KindStrategy)
	require.NoError(t, err)
	h.complete(t, job)

	rec := h.do(t, http.MethodGet, "/status?snapshot_id="+snap.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ready statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, StateReady, ready.State)
	require.NotNil(t, ready.Strategy)
	assert.Equal(t, models.StatusComplete, ready.Strategy.Status)
	require.Len(t, ready.RankedVenues, 1)
	assert.Equal(t, models.GradeA, ready.RankedVenues[0].Grade)

	failedSnap := h.snapshot(t)
	failedJob, _, err := h.mem.CreateJob(ctx, failedSnap.ID, models.KindStrategy)
	require.NoError(t, err)
	_, err = h.mem.ClaimJob(ctx, failedJob.ID, 0)
	require.NoError(t, err)
	_, err = h.mem.FinishJob(ctx, failedJob.ID, models.StatusFailed, apperr.CodeTimeout, apperr.ReasonForCode(apperr.CodeTimeout))
	require.NoError(t, err)

	rec = h.do(t, http.MethodGet, "/status?snapshot_id="+failedSnap.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, StateFailed, body["state"])
	assert.Equal(t, apperr.ReasonForCode(apperr.CodeTimeout), body["reason"])
	assert.Zero(t, h.queue.count())
}

// readStream opens the stream and returns once headers arrive, which happens
// after the handler has read the initial state.
func readStream(t *testing.T, url string) <-chan string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	out := make(chan string, 1)
	go func() {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		out <- string(raw)
	}()
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamDeliversStatusOnNotification(t *testing.T) {
	h := newHarness(t, config.Config{StreamIdleTimeout: 5 * time.Second}, nil)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	snap := h.snapshot(t)
	job, _, err := h.mem.CreateJob(context.Background(), snap.ID, models.KindStrategy)
	require.NoError(t, err)

	body := readStream(t, srv.URL+"/status/stream?snapshot_id="+snap.ID)
	waitFor(t, func() bool { return h.hub.Waiting(snap.ID) == 1 })

	h.complete(t, job)
	require.NoError(t, h.local.Publish(context.Background(), notify.Event{JobID: job.ID, SnapshotID: snap.ID, Status: models.StatusComplete}))

	select {
	case got := <-body:
		assert.Contains(t, got, "event: status")
		assert.Contains(t, got, `"state":"ready"`)
	case <-time.After(3 * time.Second):
		t.Fatalf("stream did not deliver status")
	}
	waitFor(t, func() bool { return h.hub.Waiting(snap.ID) == 0 })
}

func TestStreamTimeoutThenPollingSeesResult(t *testing.T) {
	h := newHarness(t, config.Config{StreamIdleTimeout: 50 * time.Millisecond}, nil)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	snap := h.snapshot(t)
	job, _, err := h.mem.CreateJob(context.Background(), snap.ID, models.KindStrategy)
	require.NoError(t, err)

	body := readStream(t, srv.URL+"/status/stream?snapshot_id="+snap.ID)
	waitFor(t, func() bool { return h.hub.Waiting(snap.ID) == 1 })
	// Completes without a notification.
	h.complete(t, job)

	select {
	case got := <-body:
		assert.Contains(t, got, "event: timeout")
		assert.Contains(t, got, `"state":"pending"`)
	case <-time.After(3 * time.Second):
		t.Fatalf("stream did not time out")
	}

	rec := h.do(t, http.MethodGet, "/status?snapshot_id="+snap.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StateReady, decodeBody(t, rec)["state"])
}

func TestStreamAnswersImmediatelyWhenTerminal(t *testing.T) {
	h := newHarness(t, config.Config{StreamIdleTimeout: 5 * time.Second}, nil)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	snap := h.snapshot(t)
	job, _, err := h.mem.CreateJob(context.Background(), snap.ID, models.KindStrategy)
	require.NoError(t, err)
	h.complete(t, job)

	select {
	case got := <-readStream(t, srv.URL+"/status/stream?snapshot_id="+snap.ID):
		assert.True(t, strings.HasPrefix(got, "event: status"), got)
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not answer")
	}
}

func TestStrategyRetryCreatesFreshJob(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	ctx := context.Background()
	snap := h.snapshot(t)

	rec := h.do(t, http.MethodPost, "/strategy", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "snapshot_required", decodeBody(t, rec)["error"])

	rec = h.do(t, http.MethodPost, "/strategy", map[string]any{"snapshot_id": snap.ID})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var first strategyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.True(t, first.Created)

	_, err := h.mem.ClaimJob(ctx, first.JobID, 0)
	require.NoError(t, err)
	_, err = h.mem.FinishJob(ctx, first.JobID, models.StatusFailed, apperr.CodeUpstream, "")
	require.NoError(t, err)

	rec = h.do(t, http.MethodPost, "/strategy", map[string]any{"snapshot_id": snap.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	var same strategyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &same))
	assert.Equal(t, first.JobID, same.JobID)
	assert.False(t, same.Created)
	assert.Equal(t, models.StatusFailed, same.Status)
	assert.Equal(t, apperr.ReasonForCode(apperr.CodeUpstream), same.Reason)
	assert.NotContains(t, rec.Body.String(), "error_code")
	assert.NotContains(t, rec.Body.String(), apperr.CodeUpstream)

	rec = h.do(t, http.MethodPost, "/strategy", map[string]any{"snapshot_id": snap.ID, "retry": true})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var retried strategyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &retried))
	assert.True(t, retried.Created)
	assert.NotEqual(t, first.JobID, retried.JobID)
	assert.Equal(t, 2, h.queue.count())
}

func TestUpsertEventIsIdempotent(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	event := map[string]any{
		"source":  "ticketing",
		"title":   "Cirque du Soleil: Echo",
		"address": "2500 Victory Ave, Dallas, TX",
		"start":   "2026-10-17T19:30:00Z",
		"impact":  "high",
	}
	first := h.do(t, http.MethodPost, "/events", event)
	require.Equal(t, http.StatusOK, first.Code)
	second := h.do(t, http.MethodPost, "/events", event)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, decodeBody(t, first)["id"], decodeBody(t, second)["id"])

	bad := h.do(t, http.MethodPost, "/events", map[string]any{"title": "No source"})
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Equal(t, apperr.CodeValidation, decodeBody(t, bad)["error"])
}

func TestPerformanceReport(t *testing.T) {
	h := newHarness(t, config.Config{}, nil)
	ctx := context.Background()
	snap := h.snapshot(t)
	job, _, err := h.mem.CreateJob(ctx, snap.ID, models.KindStrategy)
	require.NoError(t, err)
	_, err = h.mem.AppendStageResult(ctx, models.StageResult{JobID: job.ID, Stage: models.StageStrategist, Attempt: 1, OK: true, LatencyMS: 900})
	require.NoError(t, err)
	_, err = h.mem.AppendStageResult(ctx, models.StageResult{JobID: job.ID, Stage: models.StageStrategist, Attempt: 2, OK: false, LatencyMS: 300})
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/performance?hours=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp performanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.WindowHours)
	require.Len(t, resp.Stages, 1)
	assert.Equal(t, int64(2), resp.Stages[0].Attempts)
	assert.InDelta(t, 0.5, resp.Stages[0].SuccessRate, 1e-9)

	rec = h.do(t, http.MethodGet, "/performance?hours=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	limiter := ratelimit.NewTokenBucket(client, 1, 0.01, time.Minute)

	h := newHarness(t, config.Config{}, limiter)
	snap := h.snapshot(t)
	assert.Equal(t, http.StatusAccepted, h.do(t, http.MethodGet, "/status?snapshot_id="+snap.ID, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, h.do(t, http.MethodGet, "/status?snapshot_id="+snap.ID, nil).Code)
}
