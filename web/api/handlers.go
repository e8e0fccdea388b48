package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ch-au/negosim/internal/domain"
	"github.com/ch-au/negosim/internal/runstore"
	"github.com/ch-au/negosim/internal/scenario"
	"github.com/ch-au/negosim/internal/scheduler"
)

// queuePayload is the wire form of a queue
type queuePayload struct {
	ID               string     `json:"id"`
	NegotiationID    string     `json:"negotiationId"`
	Status           string     `json:"status"`
	TotalSimulations int        `json:"totalSimulations"`
	CompletedCount   int        `json:"completedCount"`
	FailedCount      int        `json:"failedCount"`
	MaxConcurrent    int        `json:"maxConcurrent"`
	ActualCostUSD    float64    `json:"actualCostUsd"`
	CreatedAt        time.Time  `json:"createdAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// runPayload is the wire form of a run without its conversation
type runPayload struct {
	ID             string     `json:"id"`
	QueueID        string     `json:"queueId"`
	NegotiationID  string     `json:"negotiationId"`
	Technique      string     `json:"technique"`
	Tactic         string     `json:"tactic"`
	Personality    string     `json:"personality"`
	ZopaDistance   string     `json:"zopaDistance"`
	ExecutionOrder int        `json:"executionOrder"`
	Status         string     `json:"status"`
	Outcome        string     `json:"outcome,omitempty"`
	RetryCount     int        `json:"retryCount"`
	MaxRetries     int        `json:"maxRetries"`
	TotalRounds    int        `json:"totalRounds"`
	DealValue      float64    `json:"dealValue"`
	CostUSD        float64    `json:"costUsd"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

type progressPayload struct {
	Total     int            `json:"total"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Running   int            `json:"running"`
	Pending   int            `json:"pending"`
	Remaining int            `json:"remaining"`
	ByStatus  map[string]int `json:"byStatus"`
}

func toQueuePayload(q *domain.Queue) queuePayload {
	return queuePayload{
		ID:               q.ID,
		NegotiationID:    q.NegotiationID,
		Status:           string(q.Status),
		TotalSimulations: q.TotalSimulations,
		CompletedCount:   q.CompletedCount,
		FailedCount:      q.FailedCount,
		MaxConcurrent:    q.MaxConcurrent,
		ActualCostUSD:    q.ActualCostUSD,
		CreatedAt:        q.CreatedAt,
		StartedAt:        q.StartedAt,
		CompletedAt:      q.CompletedAt,
	}
}

func toRunPayload(r *domain.Run) runPayload {
	return runPayload{
		ID:             r.ID,
		QueueID:        r.QueueID,
		NegotiationID:  r.NegotiationID,
		Technique:      r.Technique,
		Tactic:         r.Tactic,
		Personality:    r.Personality,
		ZopaDistance:   r.ZopaDistance,
		ExecutionOrder: r.ExecutionOrder,
		Status:         string(r.Status),
		Outcome:        string(r.Outcome),
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		TotalRounds:    r.TotalRounds,
		DealValue:      r.DealValue,
		CostUSD:        r.CostUSD,
		ErrorMessage:   r.ErrorMessage,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
	}
}

func toProgressPayload(p *runstore.QueueProgress) progressPayload {
	byStatus := make(map[string]int, len(p.ByStatus))
	for status, n := range p.ByStatus {
		byStatus[string(status)] = n
	}
	return progressPayload{
		Total:     p.Total,
		Completed: p.Completed,
		Failed:    p.Failed,
		Running:   p.Running,
		Pending:   p.Pending,
		Remaining: p.Remaining(),
		ByStatus:  byStatus,
	}
}

// respondDomainError maps the error taxonomy onto HTTP status codes
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNegotiationNotFound),
		errors.Is(err, domain.ErrQueueNotFound),
		errors.Is(err, domain.ErrRunNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidConfiguration):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, scheduler.ErrNoCapacity),
		errors.Is(err, scheduler.ErrNoPendingRuns),
		errors.Is(err, scheduler.ErrQueueBusy):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleCreateNegotiation imports a negotiation definition from the body
func (s *Server) handleCreateNegotiation(w http.ResponseWriter, r *http.Request) {
	var neg domain.Negotiation
	if err := json.NewDecoder(r.Body).Decode(&neg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if neg.ID == "" {
		neg.ID = uuid.NewString()
	}
	if err := scenario.Validate(&neg); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.UpsertNegotiation(&neg); err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{"id": neg.ID})
}

func (s *Server) handleListNegotiations(w http.ResponseWriter, _ *http.Request) {
	negs, err := s.store.ListNegotiations()
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"negotiations": negs})
}

func (s *Server) handleGetNegotiation(w http.ResponseWriter, r *http.Request) {
	neg, err := s.store.GetNegotiation(chi.URLParam(r, "negotiationID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, neg)
}

// handleCancelNegotiation kills every live worker of a negotiation; the
// affected runs end aborted. Runs without a live worker are untouched.
func (s *Server) handleCancelNegotiation(w http.ResponseWriter, r *http.Request) {
	negotiationID := chi.URLParam(r, "negotiationID")
	if _, err := s.store.GetNegotiation(negotiationID); err != nil {
		respondDomainError(w, err)
		return
	}
	n := s.manager.CancelNegotiation(negotiationID)
	respondJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	opts := runstore.QueueListOptions{
		NegotiationID: r.URL.Query().Get("negotiationId"),
		Status:        domain.QueueStatus(r.URL.Query().Get("status")),
	}

	queues, err := s.store.ListQueues(opts)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	payload := make([]queuePayload, 0, len(queues))
	for _, q := range queues {
		payload = append(payload, toQueuePayload(q))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"queues": payload})
}

// handleCreateQueue expands the posted selector sets into a new queue.
// The literal "all" in any set resolves to the built-in catalog.
func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	negotiationID := chi.URLParam(r, "id")

	var sel domain.Selection
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	queue, err := s.exp.Expand(negotiationID, sel.ResolveAll())
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"queueId":          queue.ID,
		"totalSimulations": queue.TotalSimulations,
	})
}

// handleQueueStatus returns the queue row plus live aggregate counts
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	queueID := chi.URLParam(r, "id")

	progress, err := s.store.RefreshQueueProgress(queueID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	queue, err := s.store.GetQueue(queueID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"queue":    toQueuePayload(queue),
		"progress": toProgressPayload(progress),
	})
}

func (s *Server) handleQueueRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, _ = strconv.Atoi(v)
	}

	runs, err := s.store.ListRuns(runstore.RunListOptions{
		QueueID: chi.URLParam(r, "id"),
		Status:  domain.RunStatus(r.URL.Query().Get("status")),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}

	payload := make([]runPayload, 0, len(runs))
	for _, run := range runs {
		payload = append(payload, toRunPayload(run))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": payload})
}

// handleQueueExecute dispatches manually: mode "next" claims one run,
// mode "all" fills the queue's free concurrency slots
func (s *Server) handleQueueExecute(w http.ResponseWriter, r *http.Request) {
	queueID := chi.URLParam(r, "id")

	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	// Launches run on the server's base context, never the request's: the
	// request context is cancelled on return and would kill the worker.
	switch body.Mode {
	case "next":
		run, err := s.sched.ExecuteNext(s.baseCtx, queueID)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"run": toRunPayload(run)})
	case "all":
		n, err := s.sched.ExecuteAll(s.baseCtx, queueID)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]int{"dispatched": n})
	default:
		respondError(w, http.StatusBadRequest, `mode must be "next" or "all"`)
	}
}

func (s *Server) handleQueueStart(w http.ResponseWriter, r *http.Request) {
	s.queueTransition(w, r, s.sched.StartQueue)
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	s.queueTransition(w, r, s.sched.PauseQueue)
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	s.queueTransition(w, r, s.sched.ResumeQueue)
}

func (s *Server) handleQueueStop(w http.ResponseWriter, r *http.Request) {
	s.queueTransition(w, r, s.sched.StopQueue)
}

func (s *Server) queueTransition(w http.ResponseWriter, r *http.Request, op func(string) error) {
	queueID := chi.URLParam(r, "id")
	if err := op(queueID); err != nil {
		respondDomainError(w, err)
		return
	}

	queue, err := s.store.GetQueue(queueID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"queue": toQueuePayload(queue)})
}

func (s *Server) handleQueueRestartFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.sched.RestartFailed(chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"reset": n})
}

func (s *Server) handleQueueRetry(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RunIDs []string `json:"runIds"`
	}
	// An empty body means retry everything retryable
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	n, err := s.sched.Retry(chi.URLParam(r, "id"), body.RunIDs)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"reset": n})
}

// handleGetRun returns the full run record including conversation and
// denormalized result rows
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.store.GetRun(runID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	dims, err := s.store.ListDimensionResults(runID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	prods, err := s.store.ListProductResults(runID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"run":              toRunPayload(run),
		"conversation":     run.Conversation,
		"finalOffer":       run.FinalOffer,
		"dimensionResults": resultPayloads(dims),
		"productResults":   productPayloads(prods),
	})
}

func (s *Server) handleRunRestart(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.sched.RestartRun(runID); err != nil {
		respondDomainError(w, err)
		return
	}

	run, err := s.store.GetRun(runID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"run": toRunPayload(run)})
}

// handleRecoveryReport lists orphaned runs without touching them
func (s *Server) handleRecoveryReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.manager.DetectOrphans(chi.URLParam(r, "negotiationID"))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	orphans := make([]runPayload, 0, len(report.Orphans))
	for _, run := range report.Orphans {
		orphans = append(orphans, toRunPayload(run))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"negotiationId": report.NegotiationID,
		"checkedAt":     report.CheckedAt,
		"running":       report.Running,
		"orphans":       orphans,
	})
}

// handleRecover applies recovery to the named runs, or to every orphan
// of the negotiation when no ids are given
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RunIDs         []string `json:"runIds"`
		IncrementRetry bool     `json:"incrementRetry"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	n, err := s.manager.Recover(chi.URLParam(r, "negotiationID"), body.RunIDs, body.IncrementRetry)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"recovered": n})
}

// handleSystemStatus reports scheduler state, live workers and host load
func (s *Server) handleSystemStatus(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.store.GetStats()
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"uptimeSeconds":    int64(time.Since(s.started).Seconds()),
		"store":            stats,
		"processingQueues": s.sched.ProcessingQueues(),
		"runningWorkers":   s.manager.RunningCount(),
		"workers":          s.manager.WorkerStats(),
		"droppedEvents":    s.hub.Dropped(),
		"host":             s.host.collect(),
	})
}

func (s *Server) handleResetProcessing(w http.ResponseWriter, _ *http.Request) {
	n := s.sched.ResetProcessing()
	respondJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// dimensionResultPayload mirrors the denormalized per-dimension row
type dimensionResultPayload struct {
	ProductID     string  `json:"productId"`
	DimensionID   string  `json:"dimensionId"`
	Name          string  `json:"name"`
	Target        float64 `json:"target"`
	AchievedValue float64 `json:"achievedValue"`
	Achieved      bool    `json:"achieved"`
	DistanceAbs   float64 `json:"distanceAbs"`
	DistancePct   float64 `json:"distancePct"`
	WeightedScore float64 `json:"weightedScore"`
}

type productResultPayload struct {
	ProductID      string  `json:"productId"`
	Name           string  `json:"name"`
	DealValue      float64 `json:"dealValue"`
	DimensionCount int     `json:"dimensionCount"`
	AchievedCount  int     `json:"achievedCount"`
}

func resultPayloads(dims []domain.DimensionResult) []dimensionResultPayload {
	out := make([]dimensionResultPayload, 0, len(dims))
	for _, d := range dims {
		out = append(out, dimensionResultPayload{
			ProductID:     d.ProductID,
			DimensionID:   d.DimensionID,
			Name:          d.Name,
			Target:        d.Target,
			AchievedValue: d.AchievedValue,
			Achieved:      d.Achieved,
			DistanceAbs:   d.DistanceAbs,
			DistancePct:   d.DistancePct,
			WeightedScore: d.WeightedScore,
		})
	}
	return out
}

func productPayloads(prods []domain.ProductResult) []productResultPayload {
	out := make([]productResultPayload, 0, len(prods))
	for _, p := range prods {
		out = append(out, productResultPayload{
			ProductID:      p.ProductID,
			Name:           p.Name,
			DealValue:      p.DealValue,
			DimensionCount: p.DimensionCount,
			AchievedCount:  p.AchievedCount,
		})
	}
	return out
}
