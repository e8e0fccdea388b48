// Package broadcast provides the live event hub: round updates and status
// changes published per negotiation, consumed by SSE/websocket clients and
// the dashboard.
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types delivered to subscribers
const (
	EventRoundUpdate  = "round_update"
	EventStatusChange = "status_change"
	EventQueueUpdate  = "queue_update"
)

// Event is one live notification addressed by negotiation, queue and run
type Event struct {
	Type          string      `json:"type"`
	NegotiationID string      `json:"negotiationId"`
	QueueID       string      `json:"queueId,omitempty"`
	SimulationID  string      `json:"simulationId,omitempty"`
	Data          interface{} `json:"data,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

type subscriber struct {
	ch            chan Event
	negotiationID string // empty subscribes to every negotiation
}

// Hub fans events out to subscribers of a negotiation. Slow subscribers
// drop events instead of blocking a worker's stream goroutine.
type Hub struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	bufferSize  int
	dropped     int64
	closed      bool
}

// NewHub creates a Hub with the given per-subscriber buffer size
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{bufferSize: bufferSize}
}

// Subscribe registers a listener for one negotiation's events. An empty
// negotiationID subscribes to everything (used by the dashboard).
func (h *Hub) Subscribe(negotiationID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber{
		ch:            make(chan Event, h.bufferSize),
		negotiationID: negotiationID,
	}
	if h.closed {
		close(sub.ch)
		return sub.ch
	}
	h.subscribers = append(h.subscribers, sub)
	return sub.ch
}

// Unsubscribe removes a listener and closes its channel
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.subscribers[:0]
	for _, sub := range h.subscribers {
		if sub.ch == ch {
			close(sub.ch)
			continue
		}
		kept = append(kept, sub)
	}
	h.subscribers = kept
}

// Publish delivers an event to every matching subscriber without
// blocking; events to full buffers are counted and dropped
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	for _, sub := range h.subscribers {
		if sub.negotiationID != "" && sub.negotiationID != event.NegotiationID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			atomic.AddInt64(&h.dropped, 1)
		}
	}
}

// RoundUpdate publishes a live progress event for one run
func (h *Hub) RoundUpdate(negotiationID, queueID, runID string, data interface{}) {
	h.Publish(Event{
		Type:          EventRoundUpdate,
		NegotiationID: negotiationID,
		QueueID:       queueID,
		SimulationID:  runID,
		Data:          data,
	})
}

// StatusChange publishes a run status transition
func (h *Hub) StatusChange(negotiationID, queueID, runID, status string) {
	h.Publish(Event{
		Type:          EventStatusChange,
		NegotiationID: negotiationID,
		QueueID:       queueID,
		SimulationID:  runID,
		Data:          map[string]string{"status": status},
	})
}

// QueueUpdate publishes a queue-level change (counts, state transitions)
func (h *Hub) QueueUpdate(negotiationID, queueID string, data interface{}) {
	h.Publish(Event{
		Type:          EventQueueUpdate,
		NegotiationID: negotiationID,
		QueueID:       queueID,
		Data:          data,
	})
}

// Dropped returns how many events were discarded due to slow subscribers
func (h *Hub) Dropped() int64 {
	return atomic.LoadInt64(&h.dropped)
}

// Close closes every subscriber channel; further publishes are discarded
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, sub := range h.subscribers {
		close(sub.ch)
	}
	h.subscribers = nil
}
