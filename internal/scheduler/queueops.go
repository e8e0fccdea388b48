package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/ch-au/negosim/internal/domain"
)

var (
	// ErrNoCapacity rejects a manual dispatch while the queue is at its
	// concurrency limit
	ErrNoCapacity = errors.New("queue is at its concurrency limit")

	// ErrNoPendingRuns rejects a manual dispatch when nothing is claimable
	ErrNoPendingRuns = errors.New("queue has no pending runs")

	// ErrQueueBusy reports a dispatch pass already holding the queue; the
	// caller should simply retry
	ErrQueueBusy = errors.New("queue is being dispatched")
)

// StartQueue moves a pending queue into dispatch rotation
func (s *Scheduler) StartQueue(queueID string) error {
	return s.transition(queueID, []domain.QueueStatus{domain.QueuePending}, domain.QueueRunning)
}

// PauseQueue suppresses new dispatch for a queue. In-flight workers are
// left to finish; their results land normally.
func (s *Scheduler) PauseQueue(queueID string) error {
	return s.transition(queueID, []domain.QueueStatus{domain.QueueRunning}, domain.QueuePaused)
}

// ResumeQueue puts a paused queue back into dispatch rotation
func (s *Scheduler) ResumeQueue(queueID string) error {
	return s.transition(queueID, []domain.QueueStatus{domain.QueuePaused}, domain.QueueRunning)
}

// StopQueue is terminal: dispatch stops and in-flight workers are killed,
// their runs ending aborted. Pending runs keep their status but are never
// claimed again.
func (s *Scheduler) StopQueue(queueID string) error {
	// The stamp lands first so the aborted runs' bookkeeping cannot
	// re-complete the queue underneath us.
	if err := s.transition(queueID,
		[]domain.QueueStatus{domain.QueueRunning, domain.QueuePaused}, domain.QueueStopped); err != nil {
		return err
	}
	if n := s.manager.CancelQueue(queueID); n > 0 {
		log.Printf("scheduler: queue %s stopped, cancelled %d live workers", queueID, n)
	}
	return nil
}

// ExecuteNext claims and starts exactly one pending run, bypassing the
// ticker. Works on pending and paused queues too, so an operator can step
// through a queue without putting it into rotation.
func (s *Scheduler) ExecuteNext(ctx context.Context, queueID string) (*domain.Run, error) {
	q, err := s.store.GetQueue(queueID)
	if err != nil {
		return nil, err
	}
	if q.Status.Terminal() {
		return nil, fmt.Errorf("queue %s is %s: %w", queueID, q.Status, domain.ErrInvalidTransition)
	}

	if !s.beginProcessing(queueID) {
		return nil, ErrQueueBusy
	}
	defer s.endProcessing(queueID)

	running, err := s.store.CountRunning(queueID)
	if err != nil {
		return nil, err
	}
	if running >= q.MaxConcurrent {
		return nil, ErrNoCapacity
	}

	run, err := s.store.ClaimNextPending(queueID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrNoPendingRuns
	}
	if err := s.launch(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ExecuteAll makes the queue dispatchable and immediately fills its free
// slots; the ticker keeps it fed from there. Returns how many workers this
// call started.
func (s *Scheduler) ExecuteAll(ctx context.Context, queueID string) (int, error) {
	q, err := s.store.GetQueue(queueID)
	if err != nil {
		return 0, err
	}
	switch q.Status {
	case domain.QueuePending, domain.QueuePaused:
		if err := s.transition(queueID, []domain.QueueStatus{q.Status}, domain.QueueRunning); err != nil {
			return 0, err
		}
		q.Status = domain.QueueRunning
	case domain.QueueRunning:
	default:
		return 0, fmt.Errorf("queue %s is %s: %w", queueID, q.Status, domain.ErrInvalidTransition)
	}

	if !s.beginProcessing(queueID) {
		// A tick already holds the queue and will fill it.
		return 0, nil
	}
	defer s.endProcessing(queueID)
	return s.dispatchQueue(ctx, q)
}

// RestartFailed resets every failed or timed-out run that still has retry
// budget and reopens the queue for dispatch. Returns how many runs were
// reset; zero once everything is at max retries.
func (s *Scheduler) RestartFailed(queueID string) (int, error) {
	q, err := s.store.GetQueue(queueID)
	if err != nil {
		return 0, err
	}
	if q.Status == domain.QueueStopped {
		return 0, fmt.Errorf("queue %s is stopped: %w", queueID, domain.ErrInvalidTransition)
	}
	n, err := s.store.ResetRunsForRetry(queueID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("scheduler: queue %s: %d runs reset for retry", queueID, n)
		s.reopen(q)
	}
	s.refreshQueue(queueID, q.NegotiationID)
	return n, nil
}

// Retry resets an explicit list of runs regardless of their retry budget
// (operator override). With no ids it behaves like RestartFailed.
func (s *Scheduler) Retry(queueID string, runIDs []string) (int, error) {
	if len(runIDs) == 0 {
		return s.RestartFailed(queueID)
	}
	q, err := s.store.GetQueue(queueID)
	if err != nil {
		return 0, err
	}
	if q.Status == domain.QueueStopped {
		return 0, fmt.Errorf("queue %s is stopped: %w", queueID, domain.ErrInvalidTransition)
	}
	n, err := s.store.ResetRuns(queueID, runIDs, true)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("scheduler: queue %s: %d runs reset by operator", queueID, n)
		s.reopen(q)
	}
	s.refreshQueue(queueID, q.NegotiationID)
	return n, nil
}

// RestartRun resets one run to pending regardless of its retry budget and
// reopens its queue. The prior conversation log survives until the next
// attempt overwrites it.
func (s *Scheduler) RestartRun(runID string) error {
	run, err := s.store.GetRun(runID)
	if err != nil {
		return err
	}
	q, err := s.store.GetQueue(run.QueueID)
	if err != nil {
		return err
	}
	if q.Status == domain.QueueStopped {
		return fmt.Errorf("queue %s is stopped: %w", q.ID, domain.ErrInvalidTransition)
	}
	if err := s.store.ResetRun(runID, true); err != nil {
		return err
	}
	s.publishRunStatus(run.NegotiationID, run.QueueID, run.ID, domain.RunPending)
	s.reopen(q)
	s.refreshQueue(q.ID, q.NegotiationID)
	return nil
}

// transition performs a guarded queue state change, publishing the fresh
// snapshot on success. The pre-read distinguishes a missing queue from an
// invalid transition for the API layer.
func (s *Scheduler) transition(queueID string, from []domain.QueueStatus, to domain.QueueStatus) error {
	q, err := s.store.GetQueue(queueID)
	if err != nil {
		return err
	}
	moved, err := s.store.TransitionQueue(queueID, from, to)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("queue %s is %s, cannot become %s: %w",
			queueID, q.Status, to, domain.ErrInvalidTransition)
	}
	log.Printf("scheduler: queue %s %s", queueID, to)

	progress, err := s.store.RefreshQueueProgress(queueID)
	if err != nil {
		log.Printf("scheduler: refreshing queue %s: %v", queueID, err)
	}
	s.publishProgress(q.NegotiationID, queueID, to, progress)
	return nil
}

// reopen puts a finished queue back into dispatch rotation after a retry
// reset. Stopped queues stay stopped; paused queues wait for an explicit
// resume.
func (s *Scheduler) reopen(q *domain.Queue) {
	moved, err := s.store.TransitionQueue(q.ID,
		[]domain.QueueStatus{domain.QueueCompleted, domain.QueueFailed}, domain.QueueRunning)
	if err != nil {
		log.Printf("scheduler: reopening queue %s: %v", q.ID, err)
		return
	}
	if moved {
		log.Printf("scheduler: queue %s reopened", q.ID)
		s.publishProgress(q.NegotiationID, q.ID, domain.QueueRunning, nil)
	}
}

func (s *Scheduler) publishRunStatus(negotiationID, queueID, runID string, status domain.RunStatus) {
	if s.hub == nil {
		return
	}
	s.hub.StatusChange(negotiationID, queueID, runID, string(status))
}
