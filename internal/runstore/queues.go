package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ch-au/negosim/internal/domain"
)

const queueColumns = `id, negotiation_id, status, total_simulations, completed_count, failed_count,
	max_concurrent, actual_cost_usd, recovery_checkpoint, created_at, started_at, completed_at`

// CreateQueueWithRuns persists a queue and its runs in one transaction,
// so a queue is never observable without its full fan-out
func (s *Store) CreateQueueWithRuns(q *domain.Queue, runs []*domain.Run) error {
	if q.TotalSimulations != len(runs) {
		return fmt.Errorf("queue %s: total_simulations %d does not match %d runs", q.ID, q.TotalSimulations, len(runs))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	_, err = tx.Exec(`
		INSERT INTO queues (id, negotiation_id, status, total_simulations, max_concurrent, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, q.ID, q.NegotiationID, string(q.Status), q.TotalSimulations, q.MaxConcurrent, q.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting queue: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO runs (id, queue_id, negotiation_id, technique, tactic, personality, zopa_distance,
			execution_order, status, max_retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range runs {
		_, err := stmt.Exec(r.ID, r.QueueID, r.NegotiationID, r.Technique, r.Tactic, r.Personality,
			r.ZopaDistance, r.ExecutionOrder, string(r.Status), r.MaxRetries)
		if err != nil {
			return fmt.Errorf("inserting run %d: %w", r.ExecutionOrder, err)
		}
	}

	return tx.Commit()
}

// GetQueue retrieves a queue by ID
func (s *Store) GetQueue(id string) (*domain.Queue, error) {
	row := s.db.QueryRow(`SELECT `+queueColumns+` FROM queues WHERE id = ?`, id)
	q, err := scanQueue(row.Scan)
	if err == sql.ErrNoRows {
		return nil, domain.ErrQueueNotFound
	}
	return q, err
}

// QueueListOptions specifies filters for listing queues
type QueueListOptions struct {
	NegotiationID string
	Status        domain.QueueStatus
}

// ListQueues returns queues matching the given options, newest first
func (s *Store) ListQueues(opts QueueListOptions) ([]*domain.Queue, error) {
	query := `SELECT ` + queueColumns + ` FROM queues WHERE 1=1`
	var args []interface{}

	if opts.NegotiationID != "" {
		query += " AND negotiation_id = ?"
		args = append(args, opts.NegotiationID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []*domain.Queue
	for rows.Next() {
		q, err := scanQueue(rows.Scan)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

// ListDispatchableQueues returns every queue the dispatch loop should
// consider on the current tick
func (s *Store) ListDispatchableQueues() ([]*domain.Queue, error) {
	return s.ListQueues(QueueListOptions{Status: domain.QueueRunning})
}

// TransitionQueue performs a guarded state change: the update applies only
// if the queue's current status is one of from. Returns false when the
// queue was in none of the expected states.
func (s *Store) TransitionQueue(id string, from []domain.QueueStatus, to domain.QueueStatus) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition to %s: no source states", to)
	}

	placeholders := make([]string, len(from))
	args := []interface{}{string(to)}
	set := "status = ?"
	switch to {
	case domain.QueueRunning:
		set += ", started_at = COALESCE(started_at, ?)"
		args = append(args, time.Now())
	case domain.QueueCompleted, domain.QueueStopped, domain.QueueFailed:
		set += ", completed_at = ?"
		args = append(args, time.Now())
	}

	args = append(args, id)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	res, err := s.db.Exec(
		`UPDATE queues SET `+set+` WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// QueueProgress is the aggregate view the dispatch loop and the status
// endpoint share
type QueueProgress struct {
	Total     int
	Completed int
	Failed    int
	Running   int
	Pending   int
	ByStatus  map[domain.RunStatus]int
}

// Remaining returns the number of runs not yet in a terminal state
func (p QueueProgress) Remaining() int {
	return p.Total - p.Completed - p.Failed
}

// RefreshQueueProgress recomputes a queue's counters from its runs,
// persists them together with a recovery checkpoint, and returns the
// aggregate. completed_count counts completed runs; failed_count counts
// failed, timeout and aborted runs.
func (s *Store) RefreshQueueProgress(queueID string) (*QueueProgress, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM runs WHERE queue_id = ? GROUP BY status`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	progress := &QueueProgress{ByStatus: make(map[domain.RunStatus]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		st := domain.RunStatus(status)
		progress.ByStatus[st] = count
		progress.Total += count
		switch st {
		case domain.RunCompleted:
			progress.Completed += count
		case domain.RunFailed, domain.RunTimeout, domain.RunAborted:
			progress.Failed += count
		case domain.RunRunning:
			progress.Running += count
		case domain.RunPending:
			progress.Pending += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	checkpoint, err := json.Marshal(domain.Checkpoint{
		CompletedCount: progress.Completed,
		FailedCount:    progress.Failed,
		UpdatedAt:      time.Now(),
	})
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		UPDATE queues SET completed_count = ?, failed_count = ?, recovery_checkpoint = ?
		WHERE id = ?
	`, progress.Completed, progress.Failed, string(checkpoint), queueID)
	if err != nil {
		return nil, err
	}
	return progress, nil
}

// AddQueueCost accumulates a completed run's cost onto its queue
func (s *Store) AddQueueCost(queueID string, costUSD float64) error {
	_, err := s.db.Exec(`UPDATE queues SET actual_cost_usd = actual_cost_usd + ? WHERE id = ?`, costUSD, queueID)
	return err
}

func scanQueue(scan func(dest ...interface{}) error) (*domain.Queue, error) {
	var q domain.Queue
	var status string
	var checkpointJSON sql.NullString
	var startedAt, completedAt sql.NullTime

	err := scan(&q.ID, &q.NegotiationID, &status, &q.TotalSimulations, &q.CompletedCount,
		&q.FailedCount, &q.MaxConcurrent, &q.ActualCostUSD, &checkpointJSON,
		&q.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	q.Status = domain.QueueStatus(status)
	if checkpointJSON.Valid && checkpointJSON.String != "" {
		var cp domain.Checkpoint
		if err := json.Unmarshal([]byte(checkpointJSON.String), &cp); err == nil {
			q.Checkpoint = &cp
		}
	}
	if startedAt.Valid {
		q.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		q.CompletedAt = &completedAt.Time
	}
	return &q, nil
}
