// Package batch starts negotiation queues on cron schedules, typically
// to push large sweeps into off-peak hours.
package batch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ch-au/negosim/internal/notify"
)

// tickInterval paces the due check; cron resolution is one minute anyway
const tickInterval = time.Minute

// StartReport describes the queue a due batch expanded into
type StartReport struct {
	QueueID     string
	Simulations int
}

// StartFunc expands a due batch into a queue and puts it into dispatch
// rotation. Each start runs on its own goroutine.
type StartFunc func(BatchConfig) (StartReport, error)

// entry is the scheduling state of one configured batch
type entry struct {
	cfg      BatchConfig
	schedule cron.Schedule
	lastRun  time.Time
	starting bool
}

// Scheduler starts negotiation queues on their cron schedules and reports
// each expansion through the notifier.
type Scheduler struct {
	mu       sync.Mutex
	entries  map[string]*entry
	notifier notify.Notifier
}

// NewScheduler validates the batch configs and parses each schedule once.
// A nil notifier disables the per-start notifications.
func NewScheduler(configs []BatchConfig, notifier notify.Notifier) (*Scheduler, error) {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	s := &Scheduler{
		entries:  make(map[string]*entry, len(configs)),
		notifier: notifier,
	}

	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		sched, err := ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("batch %s: %w", cfg.Name, err)
		}
		s.entries[cfg.Name] = &entry{cfg: cfg, schedule: sched}
	}

	return s, nil
}

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// Batches returns the configured batch names
func (s *Scheduler) Batches() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Config returns the config of a batch
func (s *Scheduler) Config(name string) (BatchConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return BatchConfig{}, false
	}
	return e.cfg, true
}

// NextRun returns the next scheduled start of a batch, or the zero time
// for an unknown name
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	return e.schedule.Next(time.Now())
}

// Due reports whether a batch's schedule point has passed since its last
// start. A batch that never started looks back at most 24 hours, and one
// whose previous start is still expanding is never due.
func (s *Scheduler) Due(name string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok || e.starting {
		return false
	}

	last := e.lastRun
	if last.IsZero() {
		last = now.Add(-24 * time.Hour)
	}
	return now.After(e.schedule.Next(last))
}

// claim marks a batch as starting; exactly one caller wins
func (s *Scheduler) claim(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok || e.starting {
		return false
	}
	e.starting = true
	return true
}

// release records a finished start attempt
func (s *Scheduler) release(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[name]; ok {
		e.starting = false
		e.lastRun = at
	}
}

// Run checks the schedules once per minute until ctx ends
func (s *Scheduler) Run(ctx context.Context, start StartFunc) {
	s.runEvery(ctx, tickInterval, start)
}

func (s *Scheduler) runEvery(ctx context.Context, interval time.Duration, start StartFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, name := range s.Batches() {
				if s.Due(name, now) && s.claim(name) {
					cfg, _ := s.Config(name)
					go s.start(cfg, start)
				}
			}
		}
	}
}

// start runs one batch start end to end and reports its outcome
func (s *Scheduler) start(cfg BatchConfig, start StartFunc) {
	defer s.release(cfg.Name, time.Now())

	report, err := start(cfg)
	if err != nil {
		log.Printf("batch: %s: %v", cfg.Name, err)
		s.notifier.Send(notify.BatchFailed(cfg.Name, cfg.NegotiationID, err))
		return
	}

	log.Printf("batch: %s queued %s (%d simulations)", cfg.Name, report.QueueID, report.Simulations)
	s.notifier.Send(notify.BatchStarted(cfg.Name, report.QueueID, cfg.NegotiationID, report.Simulations))
}
