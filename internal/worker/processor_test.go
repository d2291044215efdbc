package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"strategy-pipeline/internal/apperr"
	"strategy-pipeline/internal/config"
	"strategy-pipeline/internal/models"
	"strategy-pipeline/internal/notify"
	"strategy-pipeline/internal/queue"
	"strategy-pipeline/internal/store"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
	ran   chan string
}

func (f *fakeRunner) Run(_ context.Context, jobID string) (models.Job, error) {
	f.mu.Lock()
	f.calls = append(f.calls, jobID)
	err := f.err
	f.mu.Unlock()
	if f.ran != nil {
		f.ran <- jobID
	}
	if err != nil {
		return models.Job{}, err
	}
	return models.Job{ID: jobID, Status: models.StatusComplete}, nil
}

func testConfig() config.Config {
	return config.Config{
		WorkerConcurrency:  2,
		WorkerPollInterval: 10 * time.Millisecond,
		VisibilityTimeout:  time.Minute,
		StaleJobAfter:      time.Minute,
		BackoffInitial:     time.Second,
		BackoffMax:         2 * time.Second,
		MaxDeliveries:      3,
	}
}

type testQueue struct {
	*queue.RedisQueue
	mr *miniredis.Miniredis
}

// pending reports whether the queue still tracks jobID.
func (q testQueue) pending(jobID string) bool {
	return q.mr.Exists("strategy:queue:jobmeta:" + jobID)
}

func newQueue(t *testing.T) testQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return testQueue{RedisQueue: queue.NewRedisQueue(client, time.Minute), mr: mr}
}

func TestHandleAcksSettledJobs(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	runner := &fakeRunner{}
	p := NewProcessor(testConfig(), q.RedisQueue, store.NewMemory(), runner)

	for _, runErr := range []error{nil, &apperr.ConflictError{JobID: "job-1"}, &apperr.NotFoundError{Resource: "job", ID: "job-1"}} {
		runner.err = runErr
		if _, err := q.Enqueue(ctx, "job-1"); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		id, deliveries, _ := q.DequeueWithLease(ctx)
		p.handle(ctx, id, deliveries)
		if q.pending("job-1") {
			t.Fatalf("expected job acked after run error %v", runErr)
		}
	}
}

func TestHandleReschedulesInfrastructureErrors(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	runner := &fakeRunner{err: errors.New("connection refused")}
	p := NewProcessor(testConfig(), q.RedisQueue, store.NewMemory(), runner)

	_, _ = q.Enqueue(ctx, "job-2")
	id, deliveries, _ := q.DequeueWithLease(ctx)
	p.handle(ctx, id, deliveries)

	if !q.pending("job-2") {
		t.Fatalf("rescheduled job should stay pending")
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("rescheduled job should not be ready yet, depth=%d", depth)
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now().Add(5*time.Second), 10); n != 1 {
		t.Fatalf("expected job promoted after backoff, got %d", n)
	}
}

func TestHandleDeadLettersAfterMaxDeliveries(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	runner := &fakeRunner{}
	p := NewProcessor(testConfig(), q.RedisQueue, store.NewMemory(), runner)

	_, _ = q.Enqueue(ctx, "job-3")
	id, _, _ := q.DequeueWithLease(ctx)
	p.handle(ctx, id, 4)

	if len(runner.calls) != 0 {
		t.Fatalf("poison job must not run")
	}
	dlq, _ := q.DLQPeek(ctx, 10)
	if len(dlq) != 1 || dlq[0] != "job-3" {
		t.Fatalf("expected job-3 dead-lettered, got %v", dlq)
	}
}

func TestDeadLetteredJobIsFailedAndNotRecovered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := newQueue(t)
	mem := store.NewMemory()
	now := time.Now().UTC()
	mem.Now = func() time.Time { return now }
	snap, _ := mem.InsertSnapshot(ctx, models.Snapshot{City: "Dallas"})
	job, _, _ := mem.CreateJob(ctx, snap.ID, "")

	local := notify.NewLocal()
	events, err := local.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	runner := &fakeRunner{}
	cfg := testConfig()
	p := NewProcessor(cfg, q.RedisQueue, mem, runner)
	p.SetPublisher(local)

	_, _ = q.Enqueue(ctx, job.ID)
	id, _, _ := q.DequeueWithLease(ctx)
	p.handle(ctx, id, cfg.MaxDeliveries+1)

	if len(runner.calls) != 0 {
		t.Fatalf("exhausted job must not run")
	}
	got, err := mem.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusFailed || got.ErrorCode == nil || *got.ErrorCode != apperr.CodeExhausted {
		t.Fatalf("expected failed/%s, got %s/%v", apperr.CodeExhausted, got.Status, got.ErrorCode)
	}
	if got.ErrorReason == nil || *got.ErrorReason != apperr.ReasonForCode(apperr.CodeExhausted) {
		t.Fatalf("unexpected reason %v", got.ErrorReason)
	}
	select {
	case e := <-events:
		if e.JobID != job.ID || e.Status != models.StatusFailed {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no terminal event published")
	}
	if dlq, _ := q.DLQPeek(ctx, 10); len(dlq) != 1 || dlq[0] != job.ID {
		t.Fatalf("expected %s dead-lettered, got %v", job.ID, dlq)
	}
	if q.pending(job.ID) {
		t.Fatalf("dead-lettered job should be acked")
	}

	now = now.Add(2 * cfg.StaleJobAfter)
	if n, err := p.Recover(ctx); err != nil || n != 0 {
		t.Fatalf("failed job must not be recovered, got %d err=%v", n, err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 0 {
		t.Fatalf("expected empty ready list, depth=%d", depth)
	}
}

func TestRecoverEnqueuesOrphanedJobsOnce(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	mem := store.NewMemory()
	now := time.Now().UTC()
	mem.Now = func() time.Time { return now }

	snap, _ := mem.InsertSnapshot(ctx, models.Snapshot{City: "Dallas"})
	queued, _, _ := mem.CreateJob(ctx, snap.ID, "")
	other, _ := mem.InsertSnapshot(ctx, models.Snapshot{City: "Austin"})
	running, _, _ := mem.CreateJob(ctx, other.ID, "")
	if _, err := mem.ClaimJob(ctx, running.ID, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	p := NewProcessor(testConfig(), q.RedisQueue, mem, &fakeRunner{})
	if n, _ := p.Recover(ctx); n != 0 {
		t.Fatalf("fresh jobs must not be recovered, got %d", n)
	}

	now = now.Add(2 * time.Minute)
	n, err := p.Recover(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 recovered got %d err=%v", n, err)
	}
	if n, _ := p.Recover(ctx); n != 0 {
		t.Fatalf("jobs already queued must not be pushed twice, got %d", n)
	}
	for _, id := range []string{queued.ID, running.ID} {
		if !q.pending(id) {
			t.Fatalf("expected %s pending", id)
		}
	}
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := newQueue(t)
	runner := &fakeRunner{ran: make(chan string, 4)}
	p := NewProcessorWithID(testConfig(), q.RedisQueue, store.NewMemory(), runner, "worker-test")

	_, _ = q.Enqueue(ctx, "job-4")
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case id := <-runner.ran:
		if id != "job-4" {
			t.Fatalf("expected job-4 got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job was never run")
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("processor did not stop")
	}
}
