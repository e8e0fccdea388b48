// Package scheduler drives queues through their lifecycle: a fixed-interval
// dispatch loop claims pending runs up to each queue's concurrency limit,
// hands them to the worker supervisor and stamps queues completed once their
// last run reaches a terminal state. The operator-facing queue operations
// (start, pause, resume, stop, execute, retry) live here too.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ch-au/negosim/internal/broadcast"
	"github.com/ch-au/negosim/internal/domain"
	"github.com/ch-au/negosim/internal/executor"
	"github.com/ch-au/negosim/internal/runstore"
)

// DefaultTickInterval is the dispatch loop period when none is configured
const DefaultTickInterval = 2 * time.Second

// QueueFinishedCallback is invoked once per queue when it reaches
// completed or failed, after the terminal stamp is persisted
type QueueFinishedCallback func(queueID, negotiationID string, status domain.QueueStatus, progress *runstore.QueueProgress)

// Scheduler owns the dispatch loop and the queue state machine
type Scheduler struct {
	store    *runstore.Store
	manager  *executor.Manager
	hub      *broadcast.Hub
	interval time.Duration

	mu         sync.Mutex
	processing map[string]bool // queue ids held by an in-flight dispatch pass

	cbMu            sync.RWMutex
	onQueueFinished QueueFinishedCallback
}

// New creates a Scheduler and installs its bookkeeping as the supervisor's
// finished callback, so every worker exit updates the owning queue
func New(store *runstore.Store, manager *executor.Manager, hub *broadcast.Hub, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	s := &Scheduler{
		store:      store,
		manager:    manager,
		hub:        hub,
		interval:   interval,
		processing: make(map[string]bool),
	}
	manager.SetOnFinished(s.onRunFinished)
	return s
}

// Run drives the dispatch loop until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("scheduler: dispatch loop started (tick %s)", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("scheduler: dispatch loop stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every dispatchable queue once. Exported so execute-all and
// tests can force a pass without waiting for the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	queues, err := s.store.ListDispatchableQueues()
	if err != nil {
		log.Printf("scheduler: listing queues: %v", err)
		return
	}

	for _, q := range queues {
		if !s.beginProcessing(q.ID) {
			continue
		}
		if _, err := s.dispatchQueue(ctx, q); err != nil {
			log.Printf("scheduler: queue %s: %v", q.ID, err)
		}
		s.endProcessing(q.ID)
	}
}

// dispatchQueue fills a queue's free concurrency slots with pending runs and
// returns how many workers it started. A lost claim shows up as a nil run
// and is retried silently on the next tick. The caller must hold the
// queue's processing-set entry.
func (s *Scheduler) dispatchQueue(ctx context.Context, q *domain.Queue) (int, error) {
	running, err := s.store.CountRunning(q.ID)
	if err != nil {
		return 0, fmt.Errorf("counting running runs: %w", err)
	}

	started := 0
	for running+started < q.MaxConcurrent {
		run, err := s.store.ClaimNextPending(q.ID)
		if err != nil {
			return started, fmt.Errorf("claiming next run: %w", err)
		}
		if run == nil {
			break
		}
		if err := s.launch(ctx, run); err != nil {
			log.Printf("scheduler: starting run %s: %v", run.ID, err)
			continue
		}
		started++
	}

	if started == 0 && running == 0 {
		// Nothing claimable and nothing in flight: the queue may be done.
		s.refreshQueue(q.ID, q.NegotiationID)
	}
	return started, nil
}

// launch resolves the run's negotiation context and hands it to the
// supervisor. The run is already claimed, so any failure here must
// terminalize it rather than leave it stuck in running.
func (s *Scheduler) launch(ctx context.Context, run *domain.Run) error {
	neg, err := s.store.GetNegotiation(run.NegotiationID)
	if err != nil {
		msg := fmt.Sprintf("loading negotiation: %v", err)
		if ferr := s.store.FailRun(run.ID, domain.RunFailed, msg, nil); ferr != nil {
			log.Printf("scheduler: failing run %s: %v", run.ID, ferr)
		}
		s.onRunFinished(run, domain.RunFailed)
		return fmt.Errorf("loading negotiation %s: %w", run.NegotiationID, err)
	}
	// Launch marks the run failed itself if the worker cannot spawn.
	return s.manager.Launch(ctx, run, neg)
}

// onRunFinished is the supervisor's finished callback: it rolls a completed
// run's cost onto its queue and refreshes the queue's counters, which also
// detects completion
func (s *Scheduler) onRunFinished(run *domain.Run, status domain.RunStatus) {
	if status == domain.RunCompleted && run.CostUSD > 0 {
		if err := s.store.AddQueueCost(run.QueueID, run.CostUSD); err != nil {
			log.Printf("scheduler: adding cost to queue %s: %v", run.QueueID, err)
		}
	}
	s.refreshQueue(run.QueueID, run.NegotiationID)
}

// refreshQueue recomputes a queue's counters, publishes the snapshot and
// stamps the queue completed (or failed, when not a single run succeeded)
// once no runs remain pending or running
func (s *Scheduler) refreshQueue(queueID, negotiationID string) {
	progress, err := s.store.RefreshQueueProgress(queueID)
	if err != nil {
		log.Printf("scheduler: refreshing queue %s: %v", queueID, err)
		return
	}
	s.publishProgress(negotiationID, queueID, "", progress)

	if progress.Total == 0 || progress.Remaining() > 0 {
		return
	}

	to := domain.QueueCompleted
	if progress.Completed == 0 {
		to = domain.QueueFailed
	}
	// Pending is included so a queue stepped to the end via execute-next
	// still gets its terminal stamp. Stopped stays stopped.
	moved, err := s.store.TransitionQueue(queueID,
		[]domain.QueueStatus{domain.QueuePending, domain.QueueRunning, domain.QueuePaused}, to)
	if err != nil {
		log.Printf("scheduler: completing queue %s: %v", queueID, err)
		return
	}
	if moved {
		log.Printf("scheduler: queue %s %s (%d completed, %d failed)",
			queueID, to, progress.Completed, progress.Failed)
		s.publishProgress(negotiationID, queueID, to, progress)
		s.cbMu.RLock()
		cb := s.onQueueFinished
		s.cbMu.RUnlock()
		if cb != nil {
			cb(queueID, negotiationID, to, progress)
		}
	}
}

// SetOnQueueFinished installs a hook fired when a queue reaches a terminal
// state, used for notifications
func (s *Scheduler) SetOnQueueFinished(cb QueueFinishedCallback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onQueueFinished = cb
}

// queueEvent is the payload of queue_update events
type queueEvent struct {
	Status    string `json:"status,omitempty"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Running   int    `json:"running"`
	Pending   int    `json:"pending"`
}

func (s *Scheduler) publishProgress(negotiationID, queueID string, status domain.QueueStatus, progress *runstore.QueueProgress) {
	if s.hub == nil {
		return
	}
	ev := queueEvent{Status: string(status)}
	if progress != nil {
		ev.Total = progress.Total
		ev.Completed = progress.Completed
		ev.Failed = progress.Failed
		ev.Running = progress.Running
		ev.Pending = progress.Pending
	}
	s.hub.QueueUpdate(negotiationID, queueID, ev)
}

// beginProcessing reserves a queue for one dispatch pass. A queue already
// held by another pass is skipped, never queued behind it.
func (s *Scheduler) beginProcessing(queueID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing[queueID] {
		return false
	}
	s.processing[queueID] = true
	return true
}

func (s *Scheduler) endProcessing(queueID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.processing, queueID)
}

// ProcessingQueues returns the queue ids currently reserved by a dispatch
// pass, for the system status endpoint
func (s *Scheduler) ProcessingQueues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.processing))
	for id := range s.processing {
		ids = append(ids, id)
	}
	return ids
}

// ResetProcessing clears the re-entrancy guard and returns how many entries
// were dropped. Entries normally expire when their pass ends; this is the
// operator escape hatch for entries leaked by a crashed pass.
func (s *Scheduler) ResetProcessing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.processing)
	s.processing = make(map[string]bool)
	if n > 0 {
		log.Printf("scheduler: processing set reset, dropped %d entries", n)
	}
	return n
}
