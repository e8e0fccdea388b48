// Package simproto defines the stdout contract between the scheduler and
// the external negotiation worker process. Workers emit tagged progress
// lines while negotiating and one trailing JSON result before exiting.
package simproto

import (
	"encoding/json"
	"fmt"

	"github.com/ch-au/negosim/internal/domain"
)

// RoundUpdatePrefix tags a live progress line. The JSON object follows the
// tag immediately, with no separating space required.
const RoundUpdatePrefix = "ROUND_UPDATE:"

// RoundUpdate is one live progress event emitted per negotiation round
type RoundUpdate struct {
	Round   int            `json:"round"`
	Agent   string         `json:"agent"`
	Message string         `json:"message"`
	Offer   map[string]any `json:"offer,omitempty"`
}

// FinalResult is the single trailing payload a worker must print before
// exiting with code 0
type FinalResult struct {
	Outcome         string                    `json:"outcome"`
	TotalRounds     int                       `json:"totalRounds"`
	FinalOffer      map[string]any            `json:"finalOffer,omitempty"`
	ConversationLog []domain.ConversationTurn `json:"conversationLog"`
	CostUSD         float64                   `json:"costUsd,omitempty"`
}

// Validate checks the payload carries a known outcome
func (r *FinalResult) Validate() error {
	if r.Outcome == "" {
		return fmt.Errorf("final result has no outcome")
	}
	if !domain.ValidOutcome(r.Outcome) {
		return fmt.Errorf("unknown outcome %q", r.Outcome)
	}
	return nil
}

// Context is the full negotiation context passed to the worker as one
// serialized argument
type Context struct {
	NegotiationID string           `json:"negotiationId"`
	RunID         string           `json:"runId"`
	QueueID       string           `json:"queueId"`
	Title         string           `json:"title"`
	Technique     string           `json:"technique"`
	Tactic        string           `json:"tactic"`
	Personality   string           `json:"personality"`
	ZopaDistance  string           `json:"zopaDistance"`
	MaxRounds     int              `json:"maxRounds"`
	Counterpart   map[string]any   `json:"counterpart,omitempty"`
	Products      []domain.Product `json:"products"`
}

// EncodeContext serializes a worker context for the command line
func EncodeContext(c *Context) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeContext parses the serialized argument back into a Context
func DecodeContext(s string) (*Context, error) {
	var c Context
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, fmt.Errorf("decoding worker context: %w", err)
	}
	return &c, nil
}
