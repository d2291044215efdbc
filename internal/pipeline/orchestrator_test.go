package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-pipeline/internal/apperr"
	"strategy-pipeline/internal/archive"
	"strategy-pipeline/internal/config"
	"strategy-pipeline/internal/models"
	"strategy-pipeline/internal/notify"
	"strategy-pipeline/internal/ranking"
	"strategy-pipeline/internal/stage"
	"strategy-pipeline/internal/store"
)

type fixture struct {
	mem   *store.Memory
	local *notify.Local
	snap  models.Snapshot
	job   models.Job
	calls map[string]*int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	snap, err := mem.InsertSnapshot(ctx, models.Snapshot{
		Lat: 32.7767, Lng: -96.797, City: "Dallas", State: "TX",
		FormattedAddress: "1500 Marilla St, Dallas, TX", DayPart: "evening",
		LocalTime: time.Date(2026, 10, 17, 18, 30, 0, 0, time.UTC),
		Weather:   &models.Weather{TempF: 72, Conditions: "clear"},
	})
	require.NoError(t, err)
	job, created, err := mem.CreateJob(ctx, snap.ID, "")
	require.NoError(t, err)
	require.True(t, created)
	calls := map[string]*int32{}
	for _, s := range models.Stages {
		calls[s] = new(int32)
	}
	return &fixture{mem: mem, local: notify.NewLocal(), snap: snap, job: job, calls: calls}
}

// orchestrator builds clients over StaticBackend, replacing the back end of
// any stage named in overrides.
func (f *fixture) orchestrator(t *testing.T, overrides map[string]stage.Backend, timeouts map[string]time.Duration, budget time.Duration) *Orchestrator {
	t.Helper()
	clients := map[string]*stage.Client{}
	for _, name := range models.Stages {
		name := name
		var backend stage.Backend = stage.StaticBackend{}
		if b, ok := overrides[name]; ok {
			backend = b
		}
		counted := stage.BackendFunc(func(ctx context.Context, role string, req stage.Request) (stage.Response, error) {
			atomic.AddInt32(f.calls[name], 1)
			return backend.Call(ctx, role, req)
		})
		retries := 0
		if name == models.StageStrategist || name == models.StageTactician {
			retries = 2
		}
		timeout := 2 * time.Second
		if d, ok := timeouts[name]; ok {
			timeout = d
		}
		clients[name] = stage.NewClient(name, counted, timeout, retries, 1000)
	}
	ranker := ranking.NewRanker(ranking.NewHaversineResolver(25), ranking.DefaultThresholds(), 15)
	o, err := New(f.mem, clients, ranker, f.local, Options{
		StaleAfter:     time.Minute,
		Budget:         budget,
		ValidityWindow: time.Hour,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		MinPlanVenues:  4,
		CatalogLimit:   50,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) rows(t *testing.T, stageName string) []models.StageResult {
	t.Helper()
	all, err := f.mem.ListStageResults(context.Background(), f.job.ID)
	require.NoError(t, err)
	var out []models.StageResult
	for _, r := range all {
		if r.Stage == stageName {
			out = append(out, r)
		}
	}
	return out
}

func recvEvent(t *testing.T, ch <-chan notify.Event) notify.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("no job event published")
		return notify.Event{}
	}
}

func TestRunCompletesAndPublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	events, err := f.local.Subscribe(ctx)
	require.NoError(t, err)

	dir := t.TempDir()
	o := f.orchestrator(t, nil, nil, 5*time.Second)
	o.SetArchiver(archive.NewLocal(dir))

	job, err := o.Run(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, job.Status)
	assert.NotNil(t, job.FinishedAt)

	e := recvEvent(t, events)
	assert.Equal(t, notify.Event{JobID: job.ID, SnapshotID: f.snap.ID, Status: models.StatusComplete}, e)

	st, err := f.mem.GetStrategy(ctx, f.snap.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, st.JobID)
	assert.Equal(t, models.StatusComplete, st.Status)
	assert.True(t, st.Validated)
	assert.NotEmpty(t, st.Text)
	require.NotNil(t, st.StagingArea)
	assert.WithinDuration(t, st.ValidFrom.Add(time.Hour), st.ValidUntil, time.Second)

	ranked, err := f.mem.ListRankedVenues(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, ranked, 4)
	for i, rv := range ranked {
		assert.Equal(t, i+1, rv.Rank)
		assert.Equal(t, job.ID, rv.JobID)
		assert.Equal(t, models.DistanceModel, rv.DistanceSource)
	}

	catalog, err := f.mem.ListVenues(ctx, "Dallas", 0)
	require.NoError(t, err)
	assert.Len(t, catalog, 4)

	for _, s := range models.Stages {
		rows := f.rows(t, s)
		require.Len(t, rows, 1, s)
		assert.True(t, rows[0].OK, s)
	}

	_, err = os.Stat(filepath.Join(dir, "strategies", f.snap.ID, job.ID+".json"))
	assert.NoError(t, err)
}

func TestRunTerminalJobIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.orchestrator(t, nil, nil, 5*time.Second)

	first, err := o.Run(ctx, f.job.ID)
	require.NoError(t, err)
	again, err := o.Run(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, again.Status)
	assert.Equal(t, first.UpdatedAt, again.UpdatedAt)
	assert.Len(t, f.rows(t, models.StageTactician), 1)
}

func TestConcurrentRunsExecuteOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.orchestrator(t, nil, nil, 5*time.Second)

	const workers = 8
	var conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Run(ctx, f.job.ID); apperr.IsConflict(err) {
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()

	job, err := f.mem.GetJob(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(f.calls[models.StageTactician]))
	assert.Len(t, f.rows(t, models.StageResearcher), 1)
	assert.LessOrEqual(t, conflicts, int32(workers-1))
}

func TestResearcherFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.orchestrator(t, map[string]stage.Backend{
		models.StageResearcher: stage.BackendFunc(func(context.Context, string, stage.Request) (stage.Response, error) {
			return stage.Response{OK: false, Error: "search quota exceeded"}, nil
		}),
	}, nil, 5*time.Second)

	job, err := o.Run(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, job.Status)

	rows := f.rows(t, models.StageResearcher)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].OK)
	assert.Equal(t, apperr.CodeUpstream, rows[0].ErrorCode)
}

func TestTacticianExhaustionFailsAfterRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t)
	events, err := f.local.Subscribe(ctx)
	require.NoError(t, err)
	o := f.orchestrator(t, map[string]stage.Backend{
		models.StageTactician: stage.BackendFunc(func(context.Context, string, stage.Request) (stage.Response, error) {
			return stage.Response{OK: false, Error: "model overloaded"}, nil
		}),
	}, nil, 5*time.Second)

	job, err := o.Run(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, apperr.CodeUpstream, *job.ErrorCode)
	require.NotNil(t, job.ErrorReason)
	assert.NotContains(t, *job.ErrorReason, "model overloaded")

	rows := f.rows(t, models.StageTactician)
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, i+1, r.Attempt)
		assert.False(t, r.OK)
	}
	assert.Empty(t, f.rows(t, models.StageValidator))
	assert.Equal(t, models.StatusFailed, recvEvent(t, events).Status)
}

func TestTacticianUnparseablePlanIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var n int32
	o := f.orchestrator(t, map[string]stage.Backend{
		models.StageTactician: stage.BackendFunc(func(ctx context.Context, role string, req stage.Request) (stage.Response, error) {
			if atomic.AddInt32(&n, 1) == 1 {
				return stage.Response{OK: true, Output: "Sorry, I cannot help with that."}, nil
			}
			return stage.StaticBackend{}.Call(ctx, role, req)
		}),
	}, nil, 5*time.Second)

	job, err := o.Run(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, job.Status)
	rows := f.rows(t, models.StageTactician)
	require.Len(t, rows, 2)
	assert.Equal(t, apperr.CodeValidation, rows[0].ErrorCode)
	assert.True(t, rows[1].OK)
}

func TestValidatorFailureOnlyClearsValidated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.orchestrator(t, map[string]stage.Backend{
		models.StageValidator: stage.BackendFunc(func(context.Context, string, stage.Request) (stage.Response, error) {
			return stage.Response{OK: true, Output: `{"venues": []}`}, nil
		}),
	}, nil, 5*time.Second)

	job, err := o.Run(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, job.Status)

	st, err := f.mem.GetStrategy(ctx, f.snap.ID)
	require.NoError(t, err)
	assert.False(t, st.Validated)
	assert.NotEmpty(t, st.ValidationIssues)

	rows := f.rows(t, models.StageValidator)
	require.Len(t, rows, 1)
	assert.Equal(t, apperr.CodeValidation, rows[0].ErrorCode)

	ranked, err := f.mem.ListRankedVenues(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, ranked, 4)
}

func TestStageDeadlineEnforced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.orchestrator(t, map[string]stage.Backend{
		// Ignores ctx entirely.
		models.StageStrategist: stage.BackendFunc(func(context.Context, string, stage.Request) (stage.Response, error) {
			time.Sleep(300 * time.Millisecond)
			return stage.Response{OK: true, Output: "late"}, nil
		}),
	}, map[string]time.Duration{models.StageStrategist: 20 * time.Millisecond}, 5*time.Second)

	start := time.Now()
	job, err := o.Run(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, apperr.CodeTimeout, *job.ErrorCode)

	rows := f.rows(t, models.StageStrategist)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Equal(t, apperr.CodeTimeout, r.ErrorCode)
		assert.Less(t, r.LatencyMS, int64(250))
	}
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestJobBudgetForcesFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.orchestrator(t, map[string]stage.Backend{
		models.StageStrategist: stage.BackendFunc(func(ctx context.Context, _ string, _ stage.Request) (stage.Response, error) {
			<-ctx.Done()
			return stage.Response{}, ctx.Err()
		}),
	}, nil, 60*time.Millisecond)

	start := time.Now()
	job, err := o.Run(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, apperr.CodeTimeout, *job.ErrorCode)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, f.rows(t, models.StageStrategist), 1)
}

func TestResumeReusesSuccessfulStages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().UTC()
	f.mem.Now = func() time.Time { return now }

	_, err := f.mem.ClaimJob(ctx, f.job.ID, time.Minute)
	require.NoError(t, err)
	_, err = f.mem.AppendStageResult(ctx, models.StageResult{JobID: f.job.ID, Stage: models.StageResearcher, Attempt: 1, OK: true, Output: "Concert at the arena tonight."})
	require.NoError(t, err)
	_, err = f.mem.AppendStageResult(ctx, models.StageResult{JobID: f.job.ID, Stage: models.StageStrategist, Attempt: 1, OK: true, Output: "Cached strategy."})
	require.NoError(t, err)
	_, err = f.mem.AppendStageResult(ctx, models.StageResult{JobID: f.job.ID, Stage: models.StageTactician, Attempt: 1, OK: false, ErrorCode: apperr.CodeTimeout})
	require.NoError(t, err)

	o := f.orchestrator(t, nil, nil, 5*time.Second)

	_, err = o.Run(ctx, f.job.ID)
	assert.True(t, apperr.IsConflict(err), "fresh running job must not be reclaimed")

	now = now.Add(2 * time.Minute)
	job, err := o.Run(ctx, f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, job.Status)
	assert.Equal(t, 2, job.Attempts)

	assert.Zero(t, atomic.LoadInt32(f.calls[models.StageResearcher]))
	assert.Zero(t, atomic.LoadInt32(f.calls[models.StageStrategist]))
	tactician := f.rows(t, models.StageTactician)
	require.Len(t, tactician, 2)
	assert.Equal(t, 2, tactician[1].Attempt)

	st, err := f.mem.GetStrategy(ctx, f.snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "Cached strategy.", st.Text)
}

func TestNewRequiresEveryStage(t *testing.T) {
	_, err := New(store.NewMemory(), map[string]*stage.Client{}, ranking.NewRanker(nil, ranking.DefaultThresholds(), 15), nil, Options{})
	assert.Error(t, err)
}

func TestFromConfigRunsOnStaticBackends(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	role := func(name string) config.RoleConfig {
		return config.RoleConfig{Role: name, Provider: "static", Timeout: time.Second}
	}
	cfg := config.Config{
		ValidityWindow:  time.Hour,
		GradeAMin:       1.0,
		GradeBMin:       0.5,
		MinEarnings:     8,
		DefaultEarnings: 15,
		AvgSpeedMPH:     25,
		MinPlanVenues:   4,
		JobBudget:       5 * time.Second,
		ArchiveDir:      dir,
		Researcher:      role(models.StageResearcher),
		Strategist:      role(models.StageStrategist),
		Tactician:       role(models.StageTactician),
		Validator:       role(models.StageValidator),
	}

	o, err := FromConfig(context.Background(), cfg, f.mem, f.local)
	require.NoError(t, err)
	require.NotNil(t, o.archiver)
	defer func() { assert.NoError(t, o.Close()) }()

	done, err := o.Run(context.Background(), f.job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, done.Status)
	_, err = os.Stat(filepath.Join(dir, archive.Key(f.snap.ID, f.job.ID)))
	assert.NoError(t, err)
}
