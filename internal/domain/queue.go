package domain

import "time"

// Queue is one combinatorial batch of runs belonging to a negotiation
type Queue struct {
	ID               string
	NegotiationID    string
	Status           QueueStatus
	TotalSimulations int
	CompletedCount   int
	FailedCount      int
	MaxConcurrent    int
	ActualCostUSD    float64
	Checkpoint       *Checkpoint
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// Checkpoint is the recovery snapshot persisted alongside a queue
type Checkpoint struct {
	CompletedCount int       `json:"completedCount"`
	FailedCount    int       `json:"failedCount"`
	LastRunID      string    `json:"lastRunId,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Remaining returns the number of runs not yet in a terminal state
func (q *Queue) Remaining() int {
	return q.TotalSimulations - q.CompletedCount - q.FailedCount
}

// Dispatchable reports whether the dispatch loop should claim runs for
// this queue on the current tick
func (q *Queue) Dispatchable() bool {
	return q.Status == QueueRunning
}
