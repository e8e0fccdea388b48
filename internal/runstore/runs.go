package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ch-au/negosim/internal/domain"
)

const runColumns = `id, queue_id, negotiation_id, technique, tactic, personality, zopa_distance,
	execution_order, status, outcome, retry_count, max_retries, total_rounds,
	conversation_log, final_offer, deal_value, cost_usd, error_message, started_at, completed_at`

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*domain.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, domain.ErrRunNotFound
	}
	return r, err
}

// RunListOptions specifies filters for listing runs
type RunListOptions struct {
	QueueID       string
	NegotiationID string
	Status        domain.RunStatus
	Limit         int
	Offset        int
}

// ListRuns returns runs matching the given options in execution order
func (s *Store) ListRuns(opts RunListOptions) ([]*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []interface{}

	if opts.QueueID != "" {
		query += " AND queue_id = ?"
		args = append(args, opts.QueueID)
	}
	if opts.NegotiationID != "" {
		query += " AND negotiation_id = ?"
		args = append(args, opts.NegotiationID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY execution_order"
	if opts.Limit > 0 || opts.Offset > 0 {
		// SQLite accepts OFFSET only after LIMIT; -1 means unlimited
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CountRunning returns the number of runs currently executing for a queue
func (s *Store) CountRunning(queueID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE queue_id = ? AND status = ?`,
		queueID, string(domain.RunRunning)).Scan(&count)
	return count, err
}

// ClaimNextPending atomically claims the lowest-order pending run of a
// queue: the status flips pending -> running in a single conditional
// update, so two concurrent ticks can never start the same run. Returns
// nil when nothing is pending or when another claimer won the race.
func (s *Store) ClaimNextPending(queueID string) (*domain.Run, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+runColumns+` FROM runs
		WHERE queue_id = ? AND status = ?
		ORDER BY execution_order ASC LIMIT 1`,
		queueID, string(domain.RunPending))
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	res, err := tx.Exec(`UPDATE runs SET status = ?, started_at = ?, completed_at = NULL, error_message = NULL
		WHERE id = ? AND status = ?`,
		string(domain.RunRunning), now, run.ID, string(domain.RunPending))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Claim lost; the next tick will retry.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	run.Status = domain.RunRunning
	run.StartedAt = &now
	return run, nil
}

// CompleteRun writes a run's successful terminal state plus its result
// rows in one transaction. The status guard makes the terminal write
// idempotent: a second completion attempt affects zero rows and the
// result rows are never duplicated.
func (s *Store) CompleteRun(run *domain.Run, dims []domain.DimensionResult, prods []domain.ProductResult) error {
	conversationJSON, err := json.Marshal(run.Conversation)
	if err != nil {
		return err
	}
	offerJSON, err := json.Marshal(run.FinalOffer)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.Exec(`UPDATE runs SET status = ?, outcome = ?, total_rounds = ?,
		conversation_log = ?, final_offer = ?, deal_value = ?, cost_usd = ?,
		error_message = NULL, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.RunCompleted), string(run.Outcome), run.TotalRounds,
		string(conversationJSON), string(offerJSON), run.DealValue, run.CostUSD,
		now, run.ID, string(domain.RunRunning))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Already terminal (or never claimed); keep the first write.
		return nil
	}

	// A restarted run may have result rows from its previous attempt.
	// Exactly one result set per run survives.
	if _, err := tx.Exec(`DELETE FROM dimension_results WHERE run_id = ?`, run.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM product_results WHERE run_id = ?`, run.ID); err != nil {
		return err
	}

	for _, d := range dims {
		_, err := tx.Exec(`INSERT INTO dimension_results
			(run_id, product_id, dimension_id, name, target, achieved_value, achieved, distance_abs, distance_pct, weighted_score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.RunID, d.ProductID, d.DimensionID, d.Name, d.Target, d.AchievedValue,
			d.Achieved, d.DistanceAbs, d.DistancePct, d.WeightedScore)
		if err != nil {
			return fmt.Errorf("inserting dimension result %s/%s: %w", d.ProductID, d.DimensionID, err)
		}
	}
	for _, p := range prods {
		_, err := tx.Exec(`INSERT INTO product_results
			(run_id, product_id, name, deal_value, dimension_count, achieved_count)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.RunID, p.ProductID, p.Name, p.DealValue, p.DimensionCount, p.AchievedCount)
		if err != nil {
			return fmt.Errorf("inserting product result %s: %w", p.ProductID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	run.CompletedAt = &now
	run.Status = domain.RunCompleted
	return nil
}

// FailRun writes a run's unsuccessful terminal state (failed, timeout or
// aborted). The partial conversation collected before the failure is kept
// for diagnosis. Idempotent under the same running-status guard as
// CompleteRun.
func (s *Store) FailRun(id string, status domain.RunStatus, errorMessage string, partial []domain.ConversationTurn) error {
	if !status.Terminal() || status == domain.RunCompleted {
		return fmt.Errorf("FailRun: %s is not a failure status", status)
	}

	var conversationJSON interface{}
	if len(partial) > 0 {
		b, err := json.Marshal(partial)
		if err != nil {
			return err
		}
		conversationJSON = string(b)
	}

	// No worker-reported outcome on a failure path; the status carries it.
	_, err := s.db.Exec(`UPDATE runs SET status = ?, outcome = NULL, error_message = ?,
		conversation_log = COALESCE(?, conversation_log), completed_at = ?
		WHERE id = ? AND status = ?`,
		string(status), errorMessage, conversationJSON,
		time.Now(), id, string(domain.RunRunning))
	return err
}

// ResetRunsForRetry resets every failed or timed-out run of a queue that
// still has retry budget back to pending and returns how many were reset.
// A no-op once all failed runs are at max_retries.
func (s *Store) ResetRunsForRetry(queueID string) (int, error) {
	res, err := s.db.Exec(`UPDATE runs SET status = ?, outcome = NULL, error_message = NULL,
		retry_count = retry_count + 1, started_at = NULL, completed_at = NULL
		WHERE queue_id = ? AND status IN (?, ?) AND retry_count < max_retries`,
		string(domain.RunPending), queueID,
		string(domain.RunFailed), string(domain.RunTimeout))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ResetRun resets one run to pending regardless of its retry budget
// (operator override). The prior conversation log is kept until the next
// attempt overwrites it.
func (s *Store) ResetRun(id string, incrementRetry bool) error {
	inc := 0
	if incrementRetry {
		inc = 1
	}
	res, err := s.db.Exec(`UPDATE runs SET status = ?, outcome = NULL, error_message = NULL,
		retry_count = retry_count + ?, total_rounds = 0, deal_value = 0,
		started_at = NULL, completed_at = NULL
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(domain.RunPending), inc, id,
		string(domain.RunPending), string(domain.RunRunning))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, domain.ErrInvalidTransition)
	}
	return nil
}

// ResetRuns resets an explicit list of runs within a queue, skipping any
// that are pending or running, and returns how many were reset
func (s *Store) ResetRuns(queueID string, runIDs []string, incrementRetry bool) (int, error) {
	if len(runIDs) == 0 {
		return 0, nil
	}
	inc := 0
	if incrementRetry {
		inc = 1
	}

	placeholders := make([]string, len(runIDs))
	args := []interface{}{string(domain.RunPending), inc, queueID}
	for i, id := range runIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, string(domain.RunPending), string(domain.RunRunning))

	res, err := s.db.Exec(`UPDATE runs SET status = ?, outcome = NULL, error_message = NULL,
		retry_count = retry_count + ?, total_rounds = 0, deal_value = 0,
		started_at = NULL, completed_at = NULL
		WHERE queue_id = ? AND id IN (`+strings.Join(placeholders, ", ")+`) AND status NOT IN (?, ?)`,
		args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListRunningRuns returns every run persisted as running, optionally
// filtered by negotiation. The recovery service diffs this against the
// supervisor's live handles to find orphans.
func (s *Store) ListRunningRuns(negotiationID string) ([]*domain.Run, error) {
	return s.ListRuns(RunListOptions{NegotiationID: negotiationID, Status: domain.RunRunning})
}

// RecoverRun resets an orphaned run back to pending so the dispatch loop
// picks it up again. Only rows persisted as running qualify; anything else
// is not an orphan and the call reports ErrInvalidTransition.
func (s *Store) RecoverRun(id string, incrementRetry bool) error {
	inc := 0
	if incrementRetry {
		inc = 1
	}
	res, err := s.db.Exec(`UPDATE runs SET status = ?, outcome = NULL, error_message = NULL,
		retry_count = retry_count + ?, started_at = NULL, completed_at = NULL
		WHERE id = ? AND status = ?`,
		string(domain.RunPending), inc, id, string(domain.RunRunning))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s is not orphaned: %w", id, domain.ErrInvalidTransition)
	}
	return nil
}

func scanRun(scan func(dest ...interface{}) error) (*domain.Run, error) {
	var r domain.Run
	var status string
	var outcome, conversationJSON, offerJSON, errorMessage sql.NullString
	var startedAt, completedAt sql.NullTime

	err := scan(&r.ID, &r.QueueID, &r.NegotiationID, &r.Technique, &r.Tactic, &r.Personality,
		&r.ZopaDistance, &r.ExecutionOrder, &status, &outcome, &r.RetryCount, &r.MaxRetries,
		&r.TotalRounds, &conversationJSON, &offerJSON, &r.DealValue, &r.CostUSD,
		&errorMessage, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	r.Status = domain.RunStatus(status)
	if outcome.Valid {
		r.Outcome = domain.Outcome(outcome.String)
	}
	if errorMessage.Valid {
		r.ErrorMessage = errorMessage.String
	}
	if conversationJSON.Valid && conversationJSON.String != "" && conversationJSON.String != "null" {
		if err := json.Unmarshal([]byte(conversationJSON.String), &r.Conversation); err != nil {
			return nil, fmt.Errorf("run %s: decoding conversation: %w", r.ID, err)
		}
	}
	if offerJSON.Valid && offerJSON.String != "" && offerJSON.String != "null" {
		if err := json.Unmarshal([]byte(offerJSON.String), &r.FinalOffer); err != nil {
			return nil, fmt.Errorf("run %s: decoding final offer: %w", r.ID, err)
		}
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}
