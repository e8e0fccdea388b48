// Package expander turns a negotiation's selector sets into a persisted
// queue with one run per combination.
package expander

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ch-au/negosim/internal/domain"
)

// Store is the subset of the run store the expander needs
type Store interface {
	GetNegotiation(id string) (*domain.Negotiation, error)
	CreateQueueWithRuns(q *domain.Queue, runs []*domain.Run) error
}

// Expander creates queues from selector sets
type Expander struct {
	store         Store
	maxConcurrent int
	maxRetries    int
}

// New creates an Expander with the scheduler's default limits. A queue
// with zero concurrency would never dispatch, so the limit is floored
// at one.
func New(store Store, maxConcurrent, maxRetries int) *Expander {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Expander{store: store, maxConcurrent: maxConcurrent, maxRetries: maxRetries}
}

// Expand validates the selection, generates every technique x tactic x
// personality x distance combination in a fixed nesting order, and
// persists the queue atomically with its runs. executionOrder counts up
// from 0 and totalSimulations always equals the number of persisted runs.
func (e *Expander) Expand(negotiationID string, sel domain.Selection) (*domain.Queue, error) {
	return e.ExpandWithLimit(negotiationID, sel, e.maxConcurrent)
}

// ExpandWithLimit is Expand with a per-queue concurrency limit, used by
// scheduled batches that carry their own
func (e *Expander) ExpandWithLimit(negotiationID string, sel domain.Selection, maxConcurrent int) (*domain.Queue, error) {
	if maxConcurrent < 1 {
		maxConcurrent = e.maxConcurrent
	}
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	if _, err := e.store.GetNegotiation(negotiationID); err != nil {
		return nil, err
	}

	queue := &domain.Queue{
		ID:               uuid.NewString(),
		NegotiationID:    negotiationID,
		Status:           domain.QueuePending,
		TotalSimulations: sel.Combinations(),
		MaxConcurrent:    maxConcurrent,
	}

	runs := make([]*domain.Run, 0, queue.TotalSimulations)
	order := 0
	for _, technique := range sel.Techniques {
		for _, tactic := range sel.Tactics {
			for _, personality := range sel.Personalities {
				for _, distance := range sel.ZopaDistances {
					runs = append(runs, &domain.Run{
						ID:             uuid.NewString(),
						QueueID:        queue.ID,
						NegotiationID:  negotiationID,
						Technique:      technique,
						Tactic:         tactic,
						Personality:    personality,
						ZopaDistance:   distance,
						ExecutionOrder: order,
						Status:         domain.RunPending,
						MaxRetries:     e.maxRetries,
					})
					order++
				}
			}
		}
	}

	if err := e.store.CreateQueueWithRuns(queue, runs); err != nil {
		return nil, fmt.Errorf("persisting queue: %w", err)
	}
	return queue, nil
}
