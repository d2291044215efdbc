package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategy-pipeline/internal/apperr"
	"strategy-pipeline/internal/models"
)

func newSnapshot(t *testing.T, m *Memory) models.Snapshot {
	t.Helper()
	snap, err := m.InsertSnapshot(context.Background(), models.Snapshot{Lat: 32.9, Lng: -96.8, City: "Dallas", LocalTime: time.Now()})
	require.NoError(t, err)
	return snap
}

func TestClaimJobExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	snap := newSnapshot(t, m)
	job, created, err := m.CreateJob(ctx, snap.ID, "")
	require.NoError(t, err)
	require.True(t, created)

	const workers = 16
	var wins, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ClaimJob(ctx, job.ID, time.Minute)
			if err == nil {
				atomic.AddInt32(&wins, 1)
				return
			}
			if apperr.IsConflict(err) {
				atomic.AddInt32(&conflicts, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(workers-1), conflicts)
}

func TestClaimStaleRunningJob(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2026, 10, 17, 18, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }
	snap := newSnapshot(t, m)
	job, _, err := m.CreateJob(ctx, snap.ID, "")
	require.NoError(t, err)

	_, err = m.ClaimJob(ctx, job.ID, time.Minute)
	require.NoError(t, err)

	_, err = m.ClaimJob(ctx, job.ID, time.Minute)
	assert.True(t, apperr.IsConflict(err))

	now = now.Add(2 * time.Minute)
	reclaimed, err := m.ClaimJob(ctx, job.ID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, reclaimed.Attempts)

	_, err = m.ClaimJob(ctx, job.ID, 0)
	assert.True(t, apperr.IsConflict(err), "zero stale threshold disables reclaim")
}

func TestFinishJobOnlyFromRunning(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	snap := newSnapshot(t, m)
	job, _, _ := m.CreateJob(ctx, snap.ID, "")

	_, err := m.FinishJob(ctx, job.ID, models.StatusComplete, "", "")
	assert.True(t, apperr.IsConflict(err), "queued job cannot finish")

	_, err = m.ClaimJob(ctx, job.ID, 0)
	require.NoError(t, err)
	require.NoError(t, m.UpsertStrategy(ctx, models.Strategy{SnapshotID: snap.ID, JobID: job.ID, Status: models.StatusRunning}))

	done, err := m.FinishJob(ctx, job.ID, models.StatusComplete, "", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, done.Status)
	assert.NotNil(t, done.FinishedAt)

	st, err := m.GetStrategy(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, st.Status)

	_, err = m.FinishJob(ctx, job.ID, models.StatusFailed, "timeout", "late")
	assert.True(t, apperr.IsConflict(err), "terminal job cannot move again")

	_, err = m.ClaimJob(ctx, job.ID, time.Nanosecond)
	assert.True(t, apperr.IsConflict(err), "terminal job cannot be reclaimed")
}

func TestJobStatusNeverMovesBackward(t *testing.T) {
	ctx := context.Background()
	order := map[string]int{models.StatusQueued: 0, models.StatusRunning: 1, models.StatusComplete: 2, models.StatusFailed: 2}
	ops := map[string]func(m *Memory, id string) error{
		"claim": func(m *Memory, id string) error {
			_, err := m.ClaimJob(ctx, id, time.Nanosecond)
			return err
		},
		"touch": func(m *Memory, id string) error {
			return m.TouchJob(ctx, id)
		},
		"complete": func(m *Memory, id string) error {
			_, err := m.FinishJob(ctx, id, models.StatusComplete, "", "")
			return err
		},
		"fail": func(m *Memory, id string) error {
			_, err := m.FinishJob(ctx, id, models.StatusFailed, apperr.CodeUpstream, "")
			return err
		},
		"abandon": func(m *Memory, id string) error {
			_, err := m.AbandonJob(ctx, id, apperr.CodeExhausted, apperr.ReasonForCode(apperr.CodeExhausted))
			return err
		},
	}
	// setup drives a fresh job to the named state.
	setup := map[string][]string{
		models.StatusQueued:   nil,
		models.StatusRunning:  {"claim"},
		models.StatusComplete: {"claim", "complete"},
		models.StatusFailed:   {"claim", "fail"},
	}

	for from, steps := range setup {
		for name, op := range ops {
			t.Run(from+"/"+name, func(t *testing.T) {
				m := NewMemory()
				job, _, err := m.CreateJob(ctx, newSnapshot(t, m).ID, "")
				require.NoError(t, err)
				for _, step := range steps {
					require.NoError(t, ops[step](m, job.ID))
				}

				err = op(m, job.ID)
				after, gerr := m.GetJob(ctx, job.ID)
				require.NoError(t, gerr)
				assert.GreaterOrEqual(t, order[after.Status], order[from])
				if models.IsTerminal(from) {
					assert.True(t, apperr.IsConflict(err), "terminal job must reject %s", name)
					assert.Equal(t, from, after.Status)
				}
			})
		}
	}
}

func TestAbandonJobFailsUnfinishedJobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	snap := newSnapshot(t, m)
	job, _, _ := m.CreateJob(ctx, snap.ID, "")
	require.NoError(t, m.UpsertStrategy(ctx, models.Strategy{SnapshotID: snap.ID, JobID: job.ID, Status: models.StatusQueued}))

	failed, err := m.AbandonJob(ctx, job.ID, apperr.CodeExhausted, apperr.ReasonForCode(apperr.CodeExhausted))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorCode)
	assert.Equal(t, apperr.CodeExhausted, *failed.ErrorCode)
	assert.NotNil(t, failed.FinishedAt)

	st, err := m.GetStrategy(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)

	recoverable, err := m.ListRecoverableJobs(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, recoverable)

	_, err = m.AbandonJob(ctx, "missing", apperr.CodeExhausted, "")
	assert.True(t, apperr.IsNotFound(err))
}

func TestCreateJobReusesActive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	snap := newSnapshot(t, m)

	first, created, err := m.EnsureJob(ctx, snap.ID, "")
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := m.CreateJob(ctx, snap.ID, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, err = m.ClaimJob(ctx, first.ID, 0)
	require.NoError(t, err)
	_, err = m.FinishJob(ctx, first.ID, models.StatusFailed, apperr.CodeTimeout, "late")
	require.NoError(t, err)

	ensured, created, err := m.EnsureJob(ctx, snap.ID, "")
	require.NoError(t, err)
	assert.False(t, created, "ensure returns the latest job even when terminal")
	assert.Equal(t, first.ID, ensured.ID)

	retry, created, err := m.CreateJob(ctx, snap.ID, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, retry.ID)
}

func TestSnapshotRetention(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	snap := newSnapshot(t, m)
	m.PurgeSnapshot(snap.ID)

	_, err := m.GetSnapshot(ctx, snap.ID)
	var ret *apperr.RetentionError
	assert.ErrorAs(t, err, &ret)

	_, err = m.GetSnapshot(ctx, "missing")
	assert.True(t, apperr.IsNotFound(err))
}

func TestStageResultsAppendOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.AppendStageResult(ctx, models.StageResult{JobID: "j", Stage: models.StageTactician, Attempt: 1, OK: false, LatencyMS: 100})
	require.NoError(t, err)
	_, err = m.AppendStageResult(ctx, models.StageResult{JobID: "j", Stage: models.StageTactician, Attempt: 2, OK: true, Output: "second", LatencyMS: 300})
	require.NoError(t, err)
	_, err = m.AppendStageResult(ctx, models.StageResult{JobID: "j", Stage: models.StageTactician, Attempt: 2, OK: true})
	assert.True(t, apperr.IsConflict(err))

	latest, ok, err := m.LatestSuccessfulStageResult(ctx, "j", models.StageTactician)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", latest.Output)

	stats, err := m.StageStats(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Attempts)
	assert.InDelta(t, 0.5, stats[0].SuccessRate, 1e-9)
	assert.InDelta(t, 200, stats[0].AvgLatencyMS, 1e-9)
	assert.Equal(t, int64(300), stats[0].MaxLatencyMS)
}

func TestMergeVenueGroup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	keep, _, _ := m.InsertVenue(ctx, models.Venue{Name: "Stadium", City: "Dallas", PlaceID: "p1"})
	lose, created, _ := m.InsertVenue(ctx, models.Venue{Name: "stadium ", City: "Dallas", Address: "1 Main"})
	require.True(t, created)
	m.AddVenueFeedback(lose.ID)
	m.AddVenueMetric(lose.ID)

	require.NoError(t, m.MergeVenueGroup(ctx, keep.ID, []string{lose.ID}))

	venues, _ := m.ListVenues(ctx, "", 0)
	require.Len(t, venues, 1)
	metrics, feedback := m.VenueDependents(keep.ID)
	assert.Equal(t, 0, metrics)
	assert.Equal(t, 1, feedback)
	metrics, feedback = m.VenueDependents(lose.ID)
	assert.Zero(t, metrics+feedback)
}
