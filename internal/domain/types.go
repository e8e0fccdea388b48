package domain

// QueueStatus represents the lifecycle state of a simulation queue
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueRunning   QueueStatus = "running"
	QueuePaused    QueueStatus = "paused"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
	QueueStopped   QueueStatus = "stopped"
)

// Terminal reports whether the queue can no longer change state
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed || s == QueueStopped
}

// RunStatus represents the execution state of a simulation run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
	RunPaused    RunStatus = "paused"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether the run has reached a final state
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunTimeout, RunAborted:
		return true
	}
	return false
}

// Retryable reports whether a run in this state may be reset to pending
// by the automatic retry path. Aborted runs are excluded: a user cancelled
// them on purpose.
func (s RunStatus) Retryable() bool {
	return s == RunFailed || s == RunTimeout
}

// Outcome is the fine-grained negotiation result reported by the worker,
// distinct from the run's scheduling status.
type Outcome string

const (
	OutcomeDealAccepted Outcome = "DEAL_ACCEPTED"
	OutcomeTerminated   Outcome = "TERMINATED"
	OutcomeWalkAway     Outcome = "WALK_AWAY"
	OutcomePaused       Outcome = "PAUSED"
	OutcomeMaxRounds    Outcome = "MAX_ROUNDS_REACHED"
	OutcomeError        Outcome = "ERROR"
)

// ValidOutcome reports whether s is one of the worker-reported outcomes
func ValidOutcome(s string) bool {
	switch Outcome(s) {
	case OutcomeDealAccepted, OutcomeTerminated, OutcomeWalkAway,
		OutcomePaused, OutcomeMaxRounds, OutcomeError:
		return true
	}
	return false
}
