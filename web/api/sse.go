package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ch-au/negosim/internal/broadcast"
)

// sseKeepaliveInterval paces the comment lines that keep idle proxies
// from closing a quiet stream
const sseKeepaliveInterval = 15 * time.Second

// handleSSE streams one negotiation's live events as server-sent events:
// round updates, run status changes and queue progress, in the order the
// hub received them.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	negotiationID := chi.URLParam(r, "negotiationID")
	events := s.hub.Subscribe(negotiationID)
	defer s.hub.Unsubscribe(events)

	// Initial event so clients can confirm the subscription
	writeSSE(w, flusher, broadcast.Event{
		Type:          "connected",
		NegotiationID: negotiationID,
	})

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				// Hub closed during shutdown
				return
			}
			writeSSE(w, flusher, event)
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event broadcast.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", event.Type)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
