package domain

import "time"

// Run is one technique x tactic x personality x distance combination,
// the atomic unit of scheduled work
type Run struct {
	ID             string
	QueueID        string
	NegotiationID  string
	Technique      string
	Tactic         string
	Personality    string
	ZopaDistance   string
	ExecutionOrder int
	Status         RunStatus
	Outcome        Outcome
	RetryCount     int
	MaxRetries     int
	TotalRounds    int
	Conversation   []ConversationTurn
	FinalOffer     map[string]any
	DealValue      float64
	CostUSD        float64
	ErrorMessage   string
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// ConversationTurn is one exchanged message in a simulated negotiation
type ConversationTurn struct {
	Round   int            `json:"round"`
	Agent   string         `json:"agent"`
	Message string         `json:"message"`
	Offer   map[string]any `json:"offer,omitempty"`
}

// CanRetry reports whether the automatic retry path may reset this run
func (r *Run) CanRetry() bool {
	return r.Status.Retryable() && r.RetryCount < r.MaxRetries
}

// Combo returns the run's selector combination as a compact label
func (r *Run) Combo() string {
	return r.Technique + "/" + r.Tactic + "/" + r.Personality + "/" + r.ZopaDistance
}
