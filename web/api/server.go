// Package api exposes the scheduler over HTTP: negotiation import, queue
// lifecycle operations, crash recovery and live event streams (SSE and
// websocket).
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/ch-au/negosim/internal/broadcast"
	"github.com/ch-au/negosim/internal/executor"
	"github.com/ch-au/negosim/internal/expander"
	"github.com/ch-au/negosim/internal/runstore"
	"github.com/ch-au/negosim/internal/scheduler"
)

// Server is the HTTP API over the run store, expander, scheduler and
// worker supervisor.
type Server struct {
	router  chi.Router
	store   *runstore.Store
	exp     *expander.Expander
	sched   *scheduler.Scheduler
	manager *executor.Manager
	hub     *broadcast.Hub
	host    *hostStats
	origins []string
	baseCtx context.Context
	started time.Time
}

// Option configures the server
type Option func(*Server)

// WithAllowedOrigins restricts CORS to the given origins. The default
// allows everything, matching a localhost-only deployment.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// WithBaseContext sets the context worker launches started over HTTP are
// derived from, normally the process lifetime context. A launch must never
// inherit the request context: the worker outlives the request that
// started it, and net/http cancels the request context on return.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		if ctx != nil {
			s.baseCtx = ctx
		}
	}
}

// NewServer creates the API server and builds its routes
func NewServer(store *runstore.Store, exp *expander.Expander, sched *scheduler.Scheduler, manager *executor.Manager, hub *broadcast.Hub, opts ...Option) *Server {
	s := &Server{
		store:   store,
		exp:     exp,
		sched:   sched,
		manager: manager,
		hub:     hub,
		host:    newHostStats(),
		origins: []string{"*"},
		baseCtx: context.Background(),
		started: time.Now(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the chi router with all routes and middleware
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	// CORS for browser clients
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/negotiations", s.handleCreateNegotiation)
		r.Get("/negotiations", s.handleListNegotiations)
		r.Get("/negotiations/{negotiationID}", s.handleGetNegotiation)
		r.Post("/negotiations/{negotiationID}/cancel", s.handleCancelNegotiation)

		r.Get("/queues", s.handleListQueues)
		// One param name for the whole segment: chi keeps a single wildcard
		// per route node, so creation (id = negotiation) and the queue
		// operations (id = queue) must share it.
		r.Route("/queue/{id}", func(r chi.Router) {
			r.Post("/", s.handleCreateQueue)
			r.Get("/status", s.handleQueueStatus)
			r.Get("/runs", s.handleQueueRuns)
			r.Post("/execute", s.handleQueueExecute)
			r.Post("/start", s.handleQueueStart)
			r.Post("/pause", s.handleQueuePause)
			r.Post("/resume", s.handleQueueResume)
			r.Post("/stop", s.handleQueueStop)
			r.Post("/restart-failed", s.handleQueueRestartFailed)
			r.Post("/retry", s.handleQueueRetry)
		})

		r.Get("/run/{runID}", s.handleGetRun)
		r.Post("/run/{runID}/restart", s.handleRunRestart)

		r.Get("/recovery/{negotiationID}", s.handleRecoveryReport)
		r.Post("/recovery/{negotiationID}/recover", s.handleRecover)

		r.Get("/system/status", s.handleSystemStatus)
		r.Post("/system/reset-processing", s.handleResetProcessing)

		r.Get("/events/{negotiationID}", s.handleSSE)
	})

	r.Get("/ws/{negotiationID}", s.handleWebsocket)

	return r
}

// loggingMiddleware logs one line per request. Event streams are skipped
// so a long-lived SSE connection does not log hours after it opened.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			if r.Method == http.MethodGet && (r.URL.Path == "/health" || isStreamPath(r.URL.Path)) {
				return
			}
			log.Printf("api: %s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
		}()

		next.ServeHTTP(ww, r)
	})
}

func isStreamPath(path string) bool {
	return len(path) > 4 && (path[:4] == "/ws/" || (len(path) > 12 && path[:12] == "/api/events/"))
}

// handleHealth returns server liveness
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe starts the HTTP server and shuts it down when ctx ends
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("api: listening on %s", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("api: encoding response: %v", err)
		}
	}
}

// respondError sends a JSON error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
