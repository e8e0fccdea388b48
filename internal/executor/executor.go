// Package executor runs one external worker process per negotiation run
// and owns every exit path: live handles keyed by run id, cancellation
// marks, exit classification, result persistence and orphan recovery.
package executor

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ch-au/negosim/internal/broadcast"
	"github.com/ch-au/negosim/internal/config"
	"github.com/ch-au/negosim/internal/domain"
)

// workerNamespace is a fixed UUID namespace for deterministic worker
// session ids: the same run always maps to the same session id.
var workerNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Store is the subset of the run store the executor persists through
type Store interface {
	CompleteRun(run *domain.Run, dims []domain.DimensionResult, prods []domain.ProductResult) error
	FailRun(id string, status domain.RunStatus, errorMessage string, partial []domain.ConversationTurn) error
	RecoverRun(id string, incrementRetry bool) error
	ListRunningRuns(negotiationID string) ([]*domain.Run, error)
}

// FinishedCallback fires after a run's terminal state is persisted and its
// handle released. The scheduler hooks queue bookkeeping in here.
type FinishedCallback func(run *domain.Run, status domain.RunStatus)

// Manager supervises the worker processes of in-flight runs
type Manager struct {
	mu        sync.RWMutex
	workers   map[string]*Worker // keyed by run id
	cancelled map[string]struct{}

	store Store
	hub   *broadcast.Hub
	cfg   config.WorkerConfig

	onFinished FinishedCallback
}

// New creates a Manager. The hub may be nil when no live consumers exist,
// e.g. in one-shot CLI commands.
func New(store Store, hub *broadcast.Hub, cfg config.WorkerConfig) *Manager {
	return &Manager{
		workers:   make(map[string]*Worker),
		cancelled: make(map[string]struct{}),
		store:     store,
		hub:       hub,
		cfg:       cfg,
	}
}

// SetOnFinished registers the callback invoked after each run finishes
func (m *Manager) SetOnFinished(cb FinishedCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFinished = cb
}

func (m *Manager) finishedCallback() FinishedCallback {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onFinished
}

// Get returns the live handle for a run, or nil
func (m *Manager) Get(runID string) *Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.workers[runID]
}

// Workers returns every live handle
func (m *Manager) Workers() []*Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		list = append(list, w)
	}
	return list
}

// RunningCount returns the number of live worker processes
func (m *Manager) RunningCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

func (m *Manager) add(w *Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[w.RunID] = w
}

func (m *Manager) remove(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, runID)
}

// CancelRun marks a run for abort classification and kills its worker.
// Returns false when the run has no live worker.
func (m *Manager) CancelRun(runID string) bool {
	m.mu.Lock()
	w := m.workers[runID]
	if w != nil {
		m.cancelled[runID] = struct{}{}
	}
	m.mu.Unlock()

	if w == nil {
		return false
	}
	w.kill()
	return true
}

// CancelQueue kills every live worker of one queue. Used by queue stop.
func (m *Manager) CancelQueue(queueID string) int {
	return m.cancelWhere(func(w *Worker) bool { return w.QueueID == queueID })
}

// CancelNegotiation kills every live worker of a negotiation
func (m *Manager) CancelNegotiation(negotiationID string) int {
	return m.cancelWhere(func(w *Worker) bool { return w.NegotiationID == negotiationID })
}

func (m *Manager) cancelWhere(match func(*Worker) bool) int {
	m.mu.Lock()
	var targets []*Worker
	for _, w := range m.workers {
		if match(w) {
			m.cancelled[w.RunID] = struct{}{}
			targets = append(targets, w)
		}
	}
	m.mu.Unlock()

	for _, w := range targets {
		w.kill()
	}
	return len(targets)
}

// consumeCancelled reports and clears a run's cancellation mark. Each mark
// is observed exactly once, on the exit path of the run it belongs to.
func (m *Manager) consumeCancelled(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cancelled[runID]
	if ok {
		delete(m.cancelled, runID)
	}
	return ok
}

func (m *Manager) publishStatus(negotiationID, queueID, runID string, status domain.RunStatus) {
	if m.hub != nil {
		m.hub.StatusChange(negotiationID, queueID, runID, string(status))
	}
}

// Shutdown kills every live worker without writing terminal states: the
// affected runs stay persisted as running and surface as orphans on the
// next start. Waits up to the grace period for the handles to drain.
func (m *Manager) Shutdown(grace time.Duration) {
	workers := m.Workers()
	for _, w := range workers {
		w.kill()
	}

	deadline := time.After(grace)
	for _, w := range workers {
		select {
		case <-w.Done():
		case <-deadline:
			return
		}
	}
}
