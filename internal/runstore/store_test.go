package runstore

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ch-au/negosim/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
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
					{ID: "price", Name: "Price", Target: 100, Min: 80, Max: 120, Weight: 0.7, Direction: "lower"},
					{ID: "volume", Name: "Volume", Target: 500, Min: 100, Max: 600, Weight: 0.3},
				},
			},
		},
		MaxRounds: 20,
	}
}

// seedQueue creates a negotiation plus a queue with n pending runs
func seedQueue(t *testing.T, store *Store, queueID string, n int) {
	t.Helper()
	neg := testNegotiation()
	if err := store.UpsertNegotiation(neg); err != nil {
		t.Fatal(err)
	}

	queue := &domain.Queue{
		ID:               queueID,
		NegotiationID:    neg.ID,
		Status:           domain.QueueRunning,
		TotalSimulations: n,
		MaxConcurrent:    2,
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
}

func TestStore_UpsertAndGetNegotiation(t *testing.T) {
	store := newTestStore(t)
	neg := testNegotiation()

	if err := store.UpsertNegotiation(neg); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetNegotiation("neg-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != neg.Title {
		t.Errorf("Title = %q, want %q", got.Title, neg.Title)
	}
	if len(got.Products) != 1 || len(got.Products[0].Dimensions) != 2 {
		t.Errorf("Products not round-tripped: %+v", got.Products)
	}
	if got.Products[0].Dimensions[0].Direction != "lower" {
		t.Errorf("Direction = %q, want lower", got.Products[0].Dimensions[0].Direction)
	}

	// Re-import updates in place
	neg.Title = "Renewed supplier contract"
	if err := store.UpsertNegotiation(neg); err != nil {
		t.Fatal(err)
	}
	got, err = store.GetNegotiation("neg-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Renewed supplier contract" {
		t.Errorf("Title after upsert = %q", got.Title)
	}
}

func TestStore_GetNegotiation_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetNegotiation("missing")
	if !errors.Is(err, domain.ErrNegotiationNotFound) {
		t.Errorf("error = %v, want ErrNegotiationNotFound", err)
	}
}

func TestStore_CreateQueueWithRuns(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-1", 6)

	queue, err := store.GetQueue("q-1")
	if err != nil {
		t.Fatal(err)
	}
	if queue.TotalSimulations != 6 {
		t.Errorf("TotalSimulations = %d, want 6", queue.TotalSimulations)
	}

	runs, err := store.ListRuns(RunListOptions{QueueID: "q-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 6 {
		t.Fatalf("run count = %d, want 6", len(runs))
	}
	for i, r := range runs {
		if r.ExecutionOrder != i {
			t.Errorf("runs[%d].ExecutionOrder = %d, want %d", i, r.ExecutionOrder, i)
		}
	}
}

func TestStore_ListRuns_Pagination(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-1", 6)

	page, err := store.ListRuns(RunListOptions{QueueID: "q-1", Limit: 2, Offset: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if page[0].ExecutionOrder != 4 || page[1].ExecutionOrder != 5 {
		t.Errorf("page orders = %d, %d, want 4, 5", page[0].ExecutionOrder, page[1].ExecutionOrder)
	}

	// Offset without a limit returns the remainder
	rest, err := store.ListRuns(RunListOptions{QueueID: "q-1", Offset: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 3 {
		t.Errorf("remainder size = %d, want 3", len(rest))
	}
}

func TestStore_CreateQueueWithRuns_CountMismatch(t *testing.T) {
	store := newTestStore(t)
	if err := store.UpsertNegotiation(testNegotiation()); err != nil {
		t.Fatal(err)
	}
	queue := &domain.Queue{ID: "q-bad", NegotiationID: "neg-1", Status: domain.QueuePending, TotalSimulations: 2}
	err := store.CreateQueueWithRuns(queue, nil)
	if err == nil {
		t.Fatal("expected error for total/run count mismatch")
	}
}

func TestStore_ClaimNextPending(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-1", 3)

	first, err := store.ClaimNextPending("q-1")
	if err != nil {
		t.Fatal(err)
	}
	if first == nil {
		t.Fatal("expected a claimed run")
	}
	if first.ExecutionOrder != 0 {
		t.Errorf("first claim order = %d, want 0", first.ExecutionOrder)
	}
	if first.Status != domain.RunRunning {
		t.Errorf("claimed status = %s, want running", first.Status)
	}
	if first.StartedAt == nil {
		t.Error("claimed run should have started_at")
	}

	second, err := store.ClaimNextPending("q-1")
	if err != nil {
		t.Fatal(err)
	}
	if second.ExecutionOrder != 1 {
		t.Errorf("second claim order = %d, want 1", second.ExecutionOrder)
	}

	count, err := store.CountRunning("q-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("CountRunning = %d, want 2", count)
	}
}

func TestStore_ClaimNextPending_Exhausted(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-1", 1)

	if _, err := store.ClaimNextPending("q-1"); err != nil {
		t.Fatal(err)
	}
	run, err := store.ClaimNextPending("q-1")
	if err != nil {
		t.Fatal(err)
	}
	if run != nil {
		t.Errorf("expected no claim, got run %s", run.ID)
	}
}

func TestStore_ClaimNextPending_NoDoubleClaim(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-1", 10)

	var mu sync.Mutex
	claimed := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				run, err := store.ClaimNextPending("q-1")
				if err != nil {
					t.Error(err)
					return
				}
				if run == nil {
					return
				}
				mu.Lock()
				claimed[run.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != 10 {
		t.Errorf("claimed %d distinct runs, want 10", len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("run %s claimed %d times", id, n)
		}
	}
}

func TestStore_CompleteRun_Idempotent(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-1", 1)

	run, err := store.ClaimNextPending("q-1")
	if err != nil {
		t.Fatal(err)
	}

	run.Outcome = domain.OutcomeDealAccepted
	run.TotalRounds = 7
	run.DealValue = 84.5
	run.Conversation = []domain.ConversationTurn{{Round: 1, Agent: "buyer", Message: "opening"}}
	dims := []domain.DimensionResult{{RunID: run.ID, ProductID: "prod-1", DimensionID: "price", Name: "Price", Target: 100, AchievedValue: 95, Achieved: true}}
	prods := []domain.ProductResult{{RunID: run.ID, ProductID: "prod-1", Name: "Steel coils", DealValue: 84.5, DimensionCount: 1, AchievedCount: 1}}

	if err := store.CompleteRun(run, dims, prods); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunCompleted {
		t.Errorf("Status = %s, want completed", got.Status)
	}
	if got.Outcome != domain.OutcomeDealAccepted {
		t.Errorf("Outcome = %s, want DEAL_ACCEPTED", got.Outcome)
	}
	if len(got.Conversation) != 1 {
		t.Errorf("conversation turns = %d, want 1", len(got.Conversation))
	}

	// Second terminal write must not change anything or duplicate results
	run.DealValue = 999
	if err := store.CompleteRun(run, dims, prods); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetRun(run.ID)
	if got.DealValue != 84.5 {
		t.Errorf("DealValue after duplicate write = %v, want 84.5", got.DealValue)
	}
	dimRows, err := store.ListDimensionResults(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(dimRows) != 1 {
		t.Errorf("dimension result rows = %d, want 1", len(dimRows))
	}
}

func TestStore_FailRun(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-1", 2)

	run, err := store.ClaimNextPending("q-1")
	if err != nil {
		t.Fatal(err)
	}

	partial := []domain.ConversationTurn{{Round: 1, Agent: "seller", Message: "before crash"}}
	if err := store.FailRun(run.ID, domain.RunFailed, "worker exited with code 1", partial); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if got.ErrorMessage != "worker exited with code 1" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
	if len(got.Conversation) != 1 {
		t.Errorf("partial conversation turns = %d, want 1", len(got.Conversation))
	}
	if got.Outcome != "" {
		t.Errorf("Outcome = %q, want empty for scheduler-detected failure", got.Outcome)
	}

	// Failing a pending run is a no-op (guard requires running)
	pending, _ := store.ListRuns(RunListOptions{QueueID: "q-1", Status: domain.RunPending})
	if err := store.FailRun(pending[0].ID, domain.RunFailed, "nope", nil); err != nil {
		t.Fatal(err)
	}
	still, _ := store.GetRun(pending[0].ID)
	if still.Status != domain.RunPending {
		t.Errorf("pending run status = %s after guarded fail, want pending", still.Status)
	}
}

func TestStore_FailRun_RejectsNonFailureStatus(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-1", 1)
	if err := store.FailRun("q-1-run-0", domain.RunCompleted, "", nil); err == nil {
		t.Error("FailRun should reject completed")
	}
	if err := store.FailRun("q-1-run-0", domain.RunPending, "", nil); err == nil {
		t.Error("FailRun should reject pending")
	}
}

func TestStore_ResetRunsForRetry(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-1", 4)

	// Fail three runs, one of them already at max retries
	for i := 0; i < 3; i++ {
		run, err := store.ClaimNextPending("q-1")
		if err != nil {
			t.Fatal(err)
		}
		if err := store.FailRun(run.ID, domain.RunFailed, "boom", nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.db.Exec(`UPDATE runs SET retry_count = max_retries WHERE id = ?`, "q-1-run-2"); err != nil {
		t.Fatal(err)
	}

	n, err := store.ResetRunsForRetry("q-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("reset count = %d, want 2", n)
	}

	exhausted, err := store.GetRun("q-1-run-2")
	if err != nil {
		t.Fatal(err)
	}
	if exhausted.Status != domain.RunFailed {
		t.Errorf("run at max retries reset to %s", exhausted.Status)
	}

	reset, err := store.GetRun("q-1-run-0")
	if err != nil {
		t.Fatal(err)
	}
	if reset.Status != domain.RunPending {
		t.Errorf("reset run status = %s, want pending", reset.Status)
	}
	if reset.RetryCount != 1 {
		t.Errorf("reset run retry_count = %d, want 1", reset.RetryCount)
	}

	// All remaining failures are exhausted: second call is a no-op
	for i := 0; i < 2; i++ {
		r, err := store.ClaimNextPending("q-1")
		if err != nil {
			t.Fatal(err)
		}
		if r == nil {
			t.Fatal("expected reclaim")
		}
		if err := store.FailRun(r.ID, domain.RunTimeout, "slow", nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.db.Exec(`UPDATE runs SET retry_count = max_retries WHERE queue_id = ?`, "q-1"); err != nil {
		t.Fatal(err)
	}
	n, err = store.ResetRunsForRetry("q-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("reset count with exhausted retries = %d, want 0", n)
	}
}

func TestStore_ResetRun_Override(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-1", 1)

	run, err := store.ClaimNextPending("q-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.FailRun(run.ID, domain.RunFailed, "boom", nil); err != nil {
		t.Fatal(err)
	}
	// Exhaust the retry budget; the override ignores it
	if _, err := store.db.Exec(`UPDATE runs SET retry_count = max_retries WHERE id = ?`, run.ID); err != nil {
		t.Fatal(err)
	}

	if err := store.ResetRun(run.ID, true); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}

	// Resetting an already-pending run is an invalid transition
	err = store.ResetRun(run.ID, false)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
}

func TestStore_RecoverRun(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-1", 2)

	run, err := store.ClaimNextPending("q-1")
	if err != nil {
		t.Fatal(err)
	}

	if err := store.RecoverRun(run.ID, true); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.RetryCount != run.RetryCount+1 {
		t.Errorf("RetryCount = %d, want %d", got.RetryCount, run.RetryCount+1)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt should be cleared after recovery")
	}

	// Only running rows are orphan candidates
	err = store.RecoverRun(got.ID, false)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("recovering a pending run: error = %v, want ErrInvalidTransition", err)
	}
	err = store.RecoverRun("q-1-run-1", false)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("recovering a pending run: error = %v, want ErrInvalidTransition", err)
	}
}

func TestStore_TransitionQueue(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-1", 1)

	// running -> paused
	ok, err := store.TransitionQueue("q-1", []domain.QueueStatus{domain.QueueRunning}, domain.QueuePaused)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected transition to apply")
	}

	// pausing again fails the guard
	ok, err = store.TransitionQueue("q-1", []domain.QueueStatus{domain.QueueRunning}, domain.QueuePaused)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("transition from wrong state should not apply")
	}

	// paused -> running stamps started_at only once
	ok, err = store.TransitionQueue("q-1", []domain.QueueStatus{domain.QueuePaused}, domain.QueueRunning)
	if err != nil || !ok {
		t.Fatalf("resume failed: ok=%v err=%v", ok, err)
	}
	queue, err := store.GetQueue("q-1")
	if err != nil {
		t.Fatal(err)
	}
	if queue.Status != domain.QueueRunning {
		t.Errorf("Status = %s, want running", queue.Status)
	}
	if queue.StartedAt == nil {
		t.Error("StartedAt should be stamped on first transition to running")
	}

	// running -> completed stamps completed_at
	ok, err = store.TransitionQueue("q-1", []domain.QueueStatus{domain.QueueRunning}, domain.QueueCompleted)
	if err != nil || !ok {
		t.Fatalf("complete failed: ok=%v err=%v", ok, err)
	}
	queue, _ = store.GetQueue("q-1")
	if queue.CompletedAt == nil {
		t.Error("CompletedAt should be stamped")
	}
}

func TestStore_RefreshQueueProgress(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-1", 4)

	run, err := store.ClaimNextPending("q-1")
	if err != nil {
		t.Fatal(err)
	}
	run.Outcome = domain.OutcomeDealAccepted
	if err := store.CompleteRun(run, nil, nil); err != nil {
		t.Fatal(err)
	}
	run2, err := store.ClaimNextPending("q-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.FailRun(run2.ID, domain.RunTimeout, "deadline", nil); err != nil {
		t.Fatal(err)
	}

	progress, err := store.RefreshQueueProgress("q-1")
	if err != nil {
		t.Fatal(err)
	}
	if progress.Completed != 1 || progress.Failed != 1 || progress.Pending != 2 {
		t.Errorf("progress = %+v, want 1 completed / 1 failed / 2 pending", progress)
	}
	if progress.Remaining() != 2 {
		t.Errorf("Remaining() = %d, want 2", progress.Remaining())
	}

	queue, err := store.GetQueue("q-1")
	if err != nil {
		t.Fatal(err)
	}
	if queue.CompletedCount != 1 || queue.FailedCount != 1 {
		t.Errorf("persisted counts = %d/%d, want 1/1", queue.CompletedCount, queue.FailedCount)
	}
	if queue.Checkpoint == nil {
		t.Fatal("checkpoint should be written")
	}
	if queue.Checkpoint.CompletedCount != 1 {
		t.Errorf("checkpoint completed = %d, want 1", queue.Checkpoint.CompletedCount)
	}
}

func TestStore_AddQueueCost(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-1", 1)

	if err := store.AddQueueCost("q-1", 0.25); err != nil {
		t.Fatal(err)
	}
	if err := store.AddQueueCost("q-1", 0.15); err != nil {
		t.Fatal(err)
	}
	queue, err := store.GetQueue("q-1")
	if err != nil {
		t.Fatal(err)
	}
	if queue.ActualCostUSD < 0.399 || queue.ActualCostUSD > 0.401 {
		t.Errorf("ActualCostUSD = %v, want 0.40", queue.ActualCostUSD)
	}
}

func TestStore_GetStats(t *testing.T) {
	store := newTestStore(t)
	seedQueue(t, store, "q-1", 3)

	stats, err := store.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Negotiations != 1 || stats.Queues != 1 || stats.Runs != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.RunsByStatus["pending"] != 3 {
		t.Errorf("pending runs = %d, want 3", stats.RunsByStatus["pending"])
	}
}
