// Package runstore provides SQLite-backed persistence for negotiations,
// simulation queues and their runs. All status transitions the scheduler
// relies on are single conditional UPDATEs so that concurrent dispatch
// ticks can never double-claim or double-complete a run.
package runstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ch-au/negosim/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed queue and run persistence
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	// A single write connection keeps claims serialized and makes
	// :memory: databases behave under the connection pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertNegotiation inserts or updates a negotiation definition
func (s *Store) UpsertNegotiation(n *domain.Negotiation) error {
	productsJSON, err := json.Marshal(n.Products)
	if err != nil {
		return err
	}
	counterpartJSON, err := json.Marshal(n.Counterpart)
	if err != nil {
		return err
	}

	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO negotiations (id, title, counterpart, products, max_rounds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			counterpart = excluded.counterpart,
			products = excluded.products,
			max_rounds = excluded.max_rounds,
			updated_at = excluded.updated_at
	`,
		n.ID,
		n.Title,
		string(counterpartJSON),
		string(productsJSON),
		n.MaxRounds,
		n.CreatedAt,
		n.UpdatedAt,
	)
	return err
}

// GetNegotiation retrieves a negotiation by ID
func (s *Store) GetNegotiation(id string) (*domain.Negotiation, error) {
	row := s.db.QueryRow(`
		SELECT id, title, counterpart, products, max_rounds, created_at, updated_at
		FROM negotiations WHERE id = ?
	`, id)

	var n domain.Negotiation
	var counterpartJSON, productsJSON sql.NullString
	err := row.Scan(&n.ID, &n.Title, &counterpartJSON, &productsJSON, &n.MaxRounds, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNegotiationNotFound
	}
	if err != nil {
		return nil, err
	}

	if counterpartJSON.Valid && counterpartJSON.String != "" && counterpartJSON.String != "null" {
		if err := json.Unmarshal([]byte(counterpartJSON.String), &n.Counterpart); err != nil {
			return nil, fmt.Errorf("negotiation %s: decoding counterpart: %w", id, err)
		}
	}
	if productsJSON.Valid && productsJSON.String != "" && productsJSON.String != "null" {
		if err := json.Unmarshal([]byte(productsJSON.String), &n.Products); err != nil {
			return nil, fmt.Errorf("negotiation %s: decoding products: %w", id, err)
		}
	}
	return &n, nil
}

// ListNegotiations returns all negotiations ordered by title
func (s *Store) ListNegotiations() ([]*domain.Negotiation, error) {
	rows, err := s.db.Query(`SELECT id FROM negotiations ORDER BY title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	negotiations := make([]*domain.Negotiation, 0, len(ids))
	for _, id := range ids {
		n, err := s.GetNegotiation(id)
		if err != nil {
			return nil, err
		}
		negotiations = append(negotiations, n)
	}
	return negotiations, nil
}

// Stats summarizes the store for the system status endpoint and dashboard
type Stats struct {
	Negotiations int            `json:"negotiations"`
	Queues       int            `json:"queues"`
	ActiveQueues int            `json:"activeQueues"`
	Runs         int            `json:"runs"`
	RunsByStatus map[string]int `json:"runsByStatus"`
}

// GetStats returns global row counts
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{RunsByStatus: make(map[string]int)}

	row := s.db.QueryRow(`SELECT
		(SELECT COUNT(*) FROM negotiations),
		(SELECT COUNT(*) FROM queues),
		(SELECT COUNT(*) FROM queues WHERE status IN ('running', 'paused')),
		(SELECT COUNT(*) FROM runs)`)
	if err := row.Scan(&stats.Negotiations, &stats.Queues, &stats.ActiveQueues, &stats.Runs); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.RunsByStatus[status] = count
	}
	return stats, rows.Err()
}
