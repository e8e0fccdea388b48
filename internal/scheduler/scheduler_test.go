package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ch-au/negosim/internal/broadcast"
	"github.com/ch-au/negosim/internal/config"
	"github.com/ch-au/negosim/internal/domain"
	"github.com/ch-au/negosim/internal/executor"
	"github.com/ch-au/negosim/internal/runstore"
)

const successScript = `
echo 'ROUND_UPDATE:{"round":1,"agent":"buyer","message":"opening offer"}'
echo '{"outcome":"DEAL_ACCEPTED","totalRounds":1,"finalOffer":{"price":120,"volume":500},"conversationLog":[{"round":1,"agent":"buyer","message":"opening offer"}],"costUsd":0.05}'
`

const slowSuccessScript = `
sleep 1
echo '{"outcome":"DEAL_ACCEPTED","totalRounds":1,"finalOffer":{"price":120,"volume":500},"conversationLog":[{"round":1,"agent":"buyer","message":"ok"}]}'
`

const sleeperScript = `exec sleep 5`

const failScript = `exit 7`

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
}

func newTestStore(t *testing.T) *runstore.Store {
	t.Helper()
	store, err := runstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testNegotiation() *domain.Negotiation {
	return &domain.Negotiation{
		ID:    "neg-1",
		Title: "Annual supplier contract",
		Products: []domain.Product{
			{
				ID:   "prod-1",
				Name: "Steel coils",
				Dimensions: []domain.Dimension{
					{ID: "price", Name: "Price", Target: 100, Min: 50, Max: 150, Weight: 0.6},
					{ID: "volume", Name: "Volume", Target: 500, Min: 0, Max: 1000, Weight: 0.4},
				},
			},
		},
		MaxRounds: 20,
	}
}

// seedQueue creates a negotiation plus a pending queue with n pending runs
func seedQueue(t *testing.T, store *runstore.Store, queueID string, n, maxConcurrent int) *domain.Negotiation {
	t.Helper()
	neg := testNegotiation()
	if err := store.UpsertNegotiation(neg); err != nil {
		t.Fatal(err)
	}

	queue := &domain.Queue{
		ID:               queueID,
		NegotiationID:    neg.ID,
		Status:           domain.QueuePending,
		TotalSimulations: n,
		MaxConcurrent:    maxConcurrent,
	}
	runs := make([]*domain.Run, n)
	for i := range runs {
		runs[i] = &domain.Run{
			ID:             fmt.Sprintf("%s-run-%d", queueID, i),
			QueueID:        queueID,
			NegotiationID:  neg.ID,
			Technique:      "anchoring",
			Tactic:         "collaborative",
			Personality:    "aggressive",
			ZopaDistance:   "medium",
			ExecutionOrder: i,
			Status:         domain.RunPending,
			MaxRetries:     2,
		}
	}
	if err := store.CreateQueueWithRuns(queue, runs); err != nil {
		t.Fatal(err)
	}
	return neg
}

// newTestScheduler wires a scheduler to a manager whose worker is an inline
// shell script; the contract arguments appear as $1..$4
func newTestScheduler(t *testing.T, store *runstore.Store, script string) (*Scheduler, *broadcast.Hub) {
	t.Helper()
	hub := broadcast.NewHub(0)
	mgr := executor.New(store, hub, config.WorkerConfig{
		Command:   "/bin/sh",
		Args:      []string{"-c", script, "worker"},
		Timeout:   config.Duration(30 * time.Second),
		MaxRounds: 20,
	})
	t.Cleanup(func() { mgr.Shutdown(2 * time.Second) })
	return New(store, mgr, hub, 25*time.Millisecond), hub
}

// tickUntil drives the dispatch loop by hand until cond holds
func tickUntil(t *testing.T, sched *Scheduler, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		sched.Tick(context.Background())
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitFor polls cond without ticking
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func queueStatus(t *testing.T, store *runstore.Store, queueID string) domain.QueueStatus {
	t.Helper()
	q, err := store.GetQueue(queueID)
	if err != nil {
		t.Fatal(err)
	}
	return q.Status
}

func countRunning(t *testing.T, store *runstore.Store, queueID string) int {
	t.Helper()
	n, err := store.CountRunning(queueID)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func countByStatus(t *testing.T, store *runstore.Store, queueID string, status domain.RunStatus) int {
	t.Helper()
	runs, err := store.ListRuns(runstore.RunListOptions{QueueID: queueID, Status: status})
	if err != nil {
		t.Fatal(err)
	}
	return len(runs)
}

func TestScheduler_ConcurrentTicksNeverExceedCapacity(t *testing.T) {
	requireShell(t)
	store := newTestStore(t)
	seedQueue(t, store, "q-cap", 6, 2)
	sched, _ := newTestScheduler(t, store, sleeperScript)

	if err := sched.StartQueue("q-cap"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Tick(context.Background())
		}()
	}
	wg.Wait()
	sched.Tick(context.Background())

	if got := countRunning(t, store, "q-cap"); got != 2 {
		t.Errorf("running = %d, want 2 (concurrency limit)", got)
	}
	if got := countByStatus(t, store, "q-cap", domain.RunPending); got != 4 {
		t.Errorf("pending = %d, want 4 (no over-claim)", got)
	}

	if err := sched.StopQueue("q-cap"); err != nil {
		t.Fatal(err)
	}
	if got := queueStatus(t, store, "q-cap"); got != domain.QueueStopped {
		t.Errorf("queue status = %s, want stopped", got)
	}
	waitFor(t, 10*time.Second, "in-flight runs to abort", func() bool {
		return countByStatus(t, store, "q-cap", domain.RunAborted) == 2
	})

	// A stopped queue is out of rotation for good.
	sched.Tick(context.Background())
	if got := countRunning(t, store, "q-cap"); got != 0 {
		t.Errorf("running after stop = %d, want 0", got)
	}
	if got := countByStatus(t, store, "q-cap", domain.RunPending); got != 4 {
		t.Errorf("pending after stop = %d, want 4", got)
	}
}

func TestScheduler_QueueRunsToCompletion(t *testing.T) {
	requireShell(t)
	store := newTestStore(t)
	seedQueue(t, store, "q-done", 6, 2)
	sched, hub := newTestScheduler(t, store, successScript)
	events := hub.Subscribe("neg-1")
	defer hub.Unsubscribe(events)

	if err := sched.StartQueue("q-done"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	waitFor(t, 15*time.Second, "queue to complete", func() bool {
		return queueStatus(t, store, "q-done") == domain.QueueCompleted
	})

	q, err := store.GetQueue("q-done")
	if err != nil {
		t.Fatal(err)
	}
	if q.CompletedCount != 6 {
		t.Errorf("CompletedCount = %d, want 6", q.CompletedCount)
	}
	if q.FailedCount != 0 {
		t.Errorf("FailedCount = %d, want 0", q.FailedCount)
	}
	if q.StartedAt == nil {
		t.Error("StartedAt not stamped")
	}
	if q.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}
	if math.Abs(q.ActualCostUSD-0.30) > 1e-9 {
		t.Errorf("ActualCostUSD = %v, want 0.30", q.ActualCostUSD)
	}

	runs, err := store.ListRuns(runstore.RunListOptions{QueueID: "q-done"})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range runs {
		if r.Status != domain.RunCompleted {
			t.Errorf("run %s status = %s, want completed", r.ID, r.Status)
		}
		if math.Abs(r.DealValue-62) > 1e-9 {
			t.Errorf("run %s DealValue = %v, want 62", r.ID, r.DealValue)
		}
	}

	queueEvents := 0
drain:
	for {
		select {
		case ev := <-events:
			if ev.Type == broadcast.EventQueueUpdate {
				queueEvents++
			}
		default:
			break drain
		}
	}
	if queueEvents == 0 {
		t.Error("no queue_update events published")
	}
}

func TestScheduler_PauseSuppressesDispatch(t *testing.T) {
	requireShell(t)
	store := newTestStore(t)
	seedQueue(t, store, "q-pause", 4, 2)
	sched, _ := newTestScheduler(t, store, slowSuccessScript)

	if err := sched.StartQueue("q-pause"); err != nil {
		t.Fatal(err)
	}
	sched.Tick(context.Background())
	if got := countRunning(t, store, "q-pause"); got != 2 {
		t.Fatalf("running = %d, want 2", got)
	}

	if err := sched.PauseQueue("q-pause"); err != nil {
		t.Fatal(err)
	}
	if got := queueStatus(t, store, "q-pause"); got != domain.QueuePaused {
		t.Fatalf("queue status = %s, want paused", got)
	}

	// In-flight workers keep going and land their results while paused.
	waitFor(t, 10*time.Second, "in-flight runs to finish", func() bool {
		return countByStatus(t, store, "q-pause", domain.RunCompleted) == 2
	})

	for i := 0; i < 3; i++ {
		sched.Tick(context.Background())
	}
	if got := countRunning(t, store, "q-pause"); got != 0 {
		t.Errorf("running while paused = %d, want 0", got)
	}
	if got := countByStatus(t, store, "q-pause", domain.RunPending); got != 2 {
		t.Errorf("pending while paused = %d, want 2", got)
	}
	if got := queueStatus(t, store, "q-pause"); got != domain.QueuePaused {
		t.Errorf("queue status = %s, want still paused", got)
	}

	if err := sched.ResumeQueue("q-pause"); err != nil {
		t.Fatal(err)
	}
	tickUntil(t, sched, 15*time.Second, "queue to complete after resume", func() bool {
		return queueStatus(t, store, "q-pause") == domain.QueueCompleted
	})
	if got := countByStatus(t, store, "q-pause", domain.RunCompleted); got != 4 {
		t.Errorf("completed = %d, want 4", got)
	}
}

func TestScheduler_PausedQueueCompletesWhenDrained(t *testing.T) {
	requireShell(t)
	store := newTestStore(t)
	seedQueue(t, store, "q-drain", 2, 2)
	sched, _ := newTestScheduler(t, store, slowSuccessScript)

	if err := sched.StartQueue("q-drain"); err != nil {
		t.Fatal(err)
	}
	sched.Tick(context.Background())
	if got := countRunning(t, store, "q-drain"); got != 2 {
		t.Fatalf("running = %d, want 2", got)
	}
	if err := sched.PauseQueue("q-drain"); err != nil {
		t.Fatal(err)
	}

	// Nothing is pending, so draining the in-flight pair finishes the queue.
	waitFor(t, 10*time.Second, "paused queue to complete", func() bool {
		return queueStatus(t, store, "q-drain") == domain.QueueCompleted
	})
}

func TestScheduler_ProcessingSet(t *testing.T) {
	store := newTestStore(t)
	sched := New(store, executor.New(store, nil, config.WorkerConfig{Command: "/bin/sh"}), nil, 0)

	if !sched.beginProcessing("q-1") {
		t.Fatal("first beginProcessing = false, want true")
	}
	if sched.beginProcessing("q-1") {
		t.Error("re-entrant beginProcessing = true, want false")
	}
	if !sched.beginProcessing("q-2") {
		t.Error("beginProcessing for another queue = false, want true")
	}

	ids := sched.ProcessingQueues()
	if len(ids) != 2 {
		t.Errorf("ProcessingQueues = %v, want 2 entries", ids)
	}

	sched.endProcessing("q-1")
	if !sched.beginProcessing("q-1") {
		t.Error("beginProcessing after end = false, want true")
	}

	if n := sched.ResetProcessing(); n != 2 {
		t.Errorf("ResetProcessing = %d, want 2", n)
	}
	if len(sched.ProcessingQueues()) != 0 {
		t.Error("processing set not empty after reset")
	}
	if !sched.beginProcessing("q-1") {
		t.Error("beginProcessing after reset = false, want true")
	}
}

func TestScheduler_ExecuteNext(t *testing.T) {
	requireShell(t)
	store := newTestStore(t)
	seedQueue(t, store, "q-step", 3, 2)
	sched, _ := newTestScheduler(t, store, sleeperScript)

	// Stepping works without putting the queue into rotation.
	run, err := sched.ExecuteNext(context.Background(), "q-step")
	if err != nil {
		t.Fatal(err)
	}
	if run.ExecutionOrder != 0 {
		t.Errorf("first claimed order = %d, want 0", run.ExecutionOrder)
	}
	if got := queueStatus(t, store, "q-step"); got != domain.QueuePending {
		t.Errorf("queue status = %s, want still pending", got)
	}

	run, err = sched.ExecuteNext(context.Background(), "q-step")
	if err != nil {
		t.Fatal(err)
	}
	if run.ExecutionOrder != 1 {
		t.Errorf("second claimed order = %d, want 1", run.ExecutionOrder)
	}

	if _, err := sched.ExecuteNext(context.Background(), "q-step"); !errors.Is(err, ErrNoCapacity) {
		t.Errorf("ExecuteNext at capacity: err = %v, want ErrNoCapacity", err)
	}

	sched.beginProcessing("q-step")
	if _, err := sched.ExecuteNext(context.Background(), "q-step"); !errors.Is(err, ErrQueueBusy) {
		t.Errorf("ExecuteNext while held: err = %v, want ErrQueueBusy", err)
	}
	sched.endProcessing("q-step")
}

func TestScheduler_ExecuteNext_Errors(t *testing.T) {
	requireShell(t)
	store := newTestStore(t)
	sched, _ := newTestScheduler(t, store, sleeperScript)

	if _, err := sched.ExecuteNext(context.Background(), "missing"); !errors.Is(err, domain.ErrQueueNotFound) {
		t.Errorf("unknown queue: err = %v, want ErrQueueNotFound", err)
	}

	seedQueue(t, store, "q-empty", 1, 3)
	if _, err := sched.ExecuteNext(context.Background(), "q-empty"); err != nil {
		t.Fatal(err)
	}
	if _, err := sched.ExecuteNext(context.Background(), "q-empty"); !errors.Is(err, ErrNoPendingRuns) {
		t.Errorf("nothing pending: err = %v, want ErrNoPendingRuns", err)
	}

	if err := sched.StartQueue("q-empty"); err != nil {
		t.Fatal(err)
	}
	if err := sched.StopQueue("q-empty"); err != nil {
		t.Fatal(err)
	}
	if _, err := sched.ExecuteNext(context.Background(), "q-empty"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("stopped queue: err = %v, want ErrInvalidTransition", err)
	}
}

func TestScheduler_ExecuteAll(t *testing.T) {
	requireShell(t)
	store := newTestStore(t)
	seedQueue(t, store, "q-all", 5, 2)
	sched, _ := newTestScheduler(t, store, sleeperScript)

	started, err := sched.ExecuteAll(context.Background(), "q-all")
	if err != nil {
		t.Fatal(err)
	}
	if started != 2 {
		t.Errorf("started = %d, want 2", started)
	}
	if got := queueStatus(t, store, "q-all"); got != domain.QueueRunning {
		t.Errorf("queue status = %s, want running", got)
	}
	if got := countRunning(t, store, "q-all"); got != 2 {
		t.Errorf("running = %d, want 2", got)
	}

	// A second call finds the slots taken.
	started, err = sched.ExecuteAll(context.Background(), "q-all")
	if err != nil {
		t.Fatal(err)
	}
	if started != 0 {
		t.Errorf("second ExecuteAll started = %d, want 0", started)
	}
}

func TestScheduler_SpawnFailureFailsQueue(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-spawn", 2, 2)

	hub := broadcast.NewHub(0)
	mgr := executor.New(store, hub, config.WorkerConfig{Command: "/nonexistent/negosim-worker"})
	t.Cleanup(func() { mgr.Shutdown(time.Second) })
	sched := New(store, mgr, hub, 0)

	if err := sched.StartQueue("q-spawn"); err != nil {
		t.Fatal(err)
	}
	sched.Tick(context.Background())

	// Both claims fail to spawn, terminalize, and fail the queue.
	waitFor(t, 5*time.Second, "queue to fail", func() bool {
		return queueStatus(t, store, "q-spawn") == domain.QueueFailed
	})
	q, err := store.GetQueue("q-spawn")
	if err != nil {
		t.Fatal(err)
	}
	if q.FailedCount != 2 {
		t.Errorf("FailedCount = %d, want 2", q.FailedCount)
	}
	runs, err := store.ListRuns(runstore.RunListOptions{QueueID: "q-spawn", Status: domain.RunFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("failed runs = %d, want 2", len(runs))
	}
	if runs[0].ErrorMessage == "" {
		t.Error("failed run has no error message")
	}
}

func TestScheduler_RestartFailed(t *testing.T) {
	requireShell(t)
	store := newTestStore(t)
	seedQueue(t, store, "q-retry", 4, 2)
	sched, _ := newTestScheduler(t, store, failScript)

	if err := sched.StartQueue("q-retry"); err != nil {
		t.Fatal(err)
	}
	tickUntil(t, sched, 15*time.Second, "queue to fail", func() bool {
		return queueStatus(t, store, "q-retry") == domain.QueueFailed
	})

	n, err := sched.RestartFailed("q-retry")
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("restarted = %d, want 4", n)
	}
	if got := queueStatus(t, store, "q-retry"); got != domain.QueueRunning {
		t.Errorf("queue status = %s, want running (reopened)", got)
	}
	runs, err := store.ListRuns(runstore.RunListOptions{QueueID: "q-retry", Status: domain.RunPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 4 {
		t.Fatalf("pending after restart = %d, want 4", len(runs))
	}
	for _, r := range runs {
		if r.RetryCount != 1 {
			t.Errorf("run %s RetryCount = %d, want 1", r.ID, r.RetryCount)
		}
	}

	if err := sched.StopQueue("q-retry"); err != nil {
		t.Fatal(err)
	}
	if _, err := sched.RestartFailed("q-retry"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("RestartFailed on stopped queue: err = %v, want ErrInvalidTransition", err)
	}
}

func TestScheduler_RetryExplicitRuns(t *testing.T) {
	requireShell(t)
	store := newTestStore(t)
	seedQueue(t, store, "q-pick", 4, 2)
	sched, _ := newTestScheduler(t, store, failScript)

	if err := sched.StartQueue("q-pick"); err != nil {
		t.Fatal(err)
	}
	tickUntil(t, sched, 15*time.Second, "queue to fail", func() bool {
		return queueStatus(t, store, "q-pick") == domain.QueueFailed
	})

	n, err := sched.Retry("q-pick", []string{"q-pick-run-0", "q-pick-run-2"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("retried = %d, want 2", n)
	}
	if got := countByStatus(t, store, "q-pick", domain.RunPending); got != 2 {
		t.Errorf("pending = %d, want 2", got)
	}
	if got := countByStatus(t, store, "q-pick", domain.RunFailed); got != 2 {
		t.Errorf("failed = %d, want 2 (untouched)", got)
	}
	if got := queueStatus(t, store, "q-pick"); got != domain.QueueRunning {
		t.Errorf("queue status = %s, want running", got)
	}
}

func TestScheduler_RestartRunAfterCompletion(t *testing.T) {
	requireShell(t)
	store := newTestStore(t)
	seedQueue(t, store, "q-redo", 2, 2)
	sched, _ := newTestScheduler(t, store, successScript)

	if err := sched.StartQueue("q-redo"); err != nil {
		t.Fatal(err)
	}
	tickUntil(t, sched, 15*time.Second, "queue to complete", func() bool {
		return queueStatus(t, store, "q-redo") == domain.QueueCompleted
	})

	if err := sched.RestartRun("q-redo-run-0"); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetRun("q-redo-run-0")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
	if queueStatus(t, store, "q-redo") != domain.QueueRunning {
		t.Error("queue not reopened after run restart")
	}

	tickUntil(t, sched, 15*time.Second, "queue to complete again", func() bool {
		return queueStatus(t, store, "q-redo") == domain.QueueCompleted
	})

	// The second attempt replaces the first attempt's result rows.
	dims, err := store.ListDimensionResults("q-redo-run-0")
	if err != nil {
		t.Fatal(err)
	}
	if len(dims) != 2 {
		t.Errorf("dimension result rows = %d, want 2", len(dims))
	}
}

func TestScheduler_RestartRun_UnknownRun(t *testing.T) {
	store := newTestStore(t)
	sched := New(store, executor.New(store, nil, config.WorkerConfig{Command: "/bin/sh"}), nil, 0)

	if err := sched.RestartRun("missing"); !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
}

func TestScheduler_TransitionErrors(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-sm", 1, 1)
	sched := New(store, executor.New(store, nil, config.WorkerConfig{Command: "/bin/sh"}), nil, 0)

	tests := []struct {
		name string
		op   func() error
	}{
		{"pause pending", func() error { return sched.PauseQueue("q-sm") }},
		{"resume pending", func() error { return sched.ResumeQueue("q-sm") }},
		{"stop pending", func() error { return sched.StopQueue("q-sm") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); !errors.Is(err, domain.ErrInvalidTransition) {
				t.Errorf("err = %v, want ErrInvalidTransition", err)
			}
		})
	}

	if err := sched.StartQueue("q-sm"); err != nil {
		t.Fatal(err)
	}
	if err := sched.StartQueue("q-sm"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("double start: err = %v, want ErrInvalidTransition", err)
	}
	if err := sched.StartQueue("missing"); !errors.Is(err, domain.ErrQueueNotFound) {
		t.Errorf("unknown queue: err = %v, want ErrQueueNotFound", err)
	}
}
