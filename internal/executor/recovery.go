package executor

import (
	"log"
	"time"

	"github.com/ch-au/negosim/internal/domain"
)

// OrphanReport lists runs persisted as running that no live worker handle
// backs, typically the leftovers of a crashed scheduler process. Detection
// never mutates anything; recovery is a separate, explicit call.
type OrphanReport struct {
	NegotiationID string        `json:"negotiationId,omitempty"`
	CheckedAt     time.Time     `json:"checkedAt"`
	Running       int           `json:"running"`
	Orphans       []*domain.Run `json:"orphans"`
}

// DetectOrphans reports orphaned runs without touching them. An empty
// negotiation id scans everything.
func (m *Manager) DetectOrphans(negotiationID string) (*OrphanReport, error) {
	running, err := m.store.ListRunningRuns(negotiationID)
	if err != nil {
		return nil, err
	}

	report := &OrphanReport{
		NegotiationID: negotiationID,
		CheckedAt:     time.Now(),
		Running:       len(running),
	}
	for _, run := range running {
		if m.Get(run.ID) == nil {
			report.Orphans = append(report.Orphans, run)
		}
	}
	return report, nil
}

// Recover resets orphaned runs back to pending so the dispatch loop picks
// them up again. A non-empty runIDs restricts recovery to those runs; runs
// with live handles are never touched. Returns how many were reset.
func (m *Manager) Recover(negotiationID string, runIDs []string, incrementRetry bool) (int, error) {
	report, err := m.DetectOrphans(negotiationID)
	if err != nil {
		return 0, err
	}

	only := make(map[string]struct{}, len(runIDs))
	for _, id := range runIDs {
		only[id] = struct{}{}
	}

	recovered := 0
	for _, run := range report.Orphans {
		if len(only) > 0 {
			if _, ok := only[run.ID]; !ok {
				continue
			}
		}
		if err := m.store.RecoverRun(run.ID, incrementRetry); err != nil {
			log.Printf("executor: recovering run %s: %v", run.ID, err)
			continue
		}
		m.publishStatus(run.NegotiationID, run.QueueID, run.ID, domain.RunPending)
		recovered++
	}
	if recovered > 0 {
		log.Printf("executor: recovered %d orphaned run(s)", recovered)
	}
	return recovered, nil
}
