//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ch-au/negosim/internal/broadcast"
	"github.com/ch-au/negosim/internal/config"
	"github.com/ch-au/negosim/internal/domain"
	"github.com/ch-au/negosim/internal/executor"
	"github.com/ch-au/negosim/internal/runstore"
	"github.com/ch-au/negosim/internal/scenario"
	"github.com/ch-au/negosim/internal/scheduler"
)

// steelScenario is the negotiation definition every integration test runs
// against. The ids matter: the worker scripts below report offers for
// product "coils".
const steelScenario = `id: steel-annual
title: Annual steel frame contract
maxRounds: 10
counterpart:
  name: Vulkan Metalworks
  style: direct
products:
  - id: coils
    name: Hot-rolled coils
    dimensions:
      - id: price
        name: Price per ton
        unit: EUR
        target: 680
        min: 620
        max: 760
        weight: 0.6
        direction: lower
      - id: volume
        name: Annual volume
        unit: t
        target: 12000
        min: 8000
        max: 15000
        weight: 0.4
`

// dealWorker is a stand-in worker: two round updates, then a clean
// DEAL_ACCEPTED payload. The shell receives the standard positional
// arguments ($1 negotiation, $2 run, $3 max rounds, $4 context).
const dealWorker = `
echo 'ROUND_UPDATE:{"round":1,"agent":"buyer","message":"opening at our floor","offer":{"coils":{"price":630,"volume":8500}}}'
echo 'ROUND_UPDATE:{"round":2,"agent":"seller","message":"countering high"}'
echo '{"outcome":"DEAL_ACCEPTED","totalRounds":2,"finalOffer":{"coils":{"price":655.5,"volume":11400}},"conversationLog":[{"round":1,"agent":"buyer","message":"opening at our floor"},{"round":2,"agent":"seller","message":"countering high"}],"costUsd":0.05}'
`

// slowDealWorker keeps each run in flight long enough for a test to catch
// the queue mid-drain
const slowDealWorker = `sleep 0.3` + dealWorker

// hangWorker claims its run and never reports back
const hangWorker = `
echo 'ROUND_UPDATE:{"round":1,"agent":"buyer","message":"opening at our floor"}'
exec sleep 60
`

// crashOnceWorker fails each run's first attempt and succeeds on the next,
// using a per-run marker file in dir
func crashOnceWorker(dir string) string {
	return fmt.Sprintf(`
if [ -e %[1]s/$2 ]; then
%s
else
  touch %[1]s/$2
  echo 'simulated worker crash' >&2
  exit 1
fi
`, dir, dealWorker)
}

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "negosim.db")
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
}

func openStore(t *testing.T, path string) *runstore.Store {
	t.Helper()
	store, err := runstore.New(path)
	if err != nil {
		t.Fatalf("opening store at %s: %v", path, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// writeScenario drops the steel scenario into a temp file and returns its path
func writeScenario(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steel-annual.yaml")
	if err := os.WriteFile(path, []byte(steelScenario), 0o644); err != nil {
		t.Fatalf("writing scenario file: %v", err)
	}
	return path
}

// importScenario imports the steel scenario through the file-based importer
// and returns the negotiation id
func importScenario(t *testing.T, store *runstore.Store) string {
	t.Helper()
	neg, err := scenario.NewImporter(store).ImportFile(writeScenario(t))
	if err != nil {
		t.Fatalf("importing scenario: %v", err)
	}
	return neg.ID
}

func workerConfig(script string) config.WorkerConfig {
	return config.WorkerConfig{
		Command:   "/bin/sh",
		Args:      []string{"-c", script, "worker"},
		Timeout:   config.Duration(30 * time.Second),
		MaxRounds: 10,
	}
}

// stack bundles the supervisor and scheduler a dispatch test runs against
// one store
type stack struct {
	store *runstore.Store
	mgr   *executor.Manager
	sched *scheduler.Scheduler
}

func newStack(t *testing.T, store *runstore.Store, script string) *stack {
	t.Helper()
	hub := broadcast.NewHub(0)
	mgr := executor.New(store, hub, workerConfig(script))
	t.Cleanup(func() { mgr.Shutdown(2 * time.Second) })
	sched := scheduler.New(store, mgr, hub, 25*time.Millisecond)
	return &stack{store: store, mgr: mgr, sched: sched}
}

// startLoop runs the dispatch loop in the background and returns a stop
// function that cancels it and waits for the loop to exit. Stop is safe to
// call more than once and runs at cleanup regardless.
func (s *stack) startLoop(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.sched.Run(ctx)
		close(done)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return stop
}

// waitForQueue polls the queue until pred holds
func waitForQueue(t *testing.T, store *runstore.Store, queueID string, pred func(*domain.Queue) bool) *domain.Queue {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		q, err := store.GetQueue(queueID)
		if err != nil {
			t.Fatal(err)
		}
		if pred(q) {
			return q
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue %s stuck: status %s, %d/%d completed, %d failed",
				queueID, q.Status, q.CompletedCount, q.TotalSimulations, q.FailedCount)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// waitForRuns polls the queue's runs until pred holds
func waitForRuns(t *testing.T, store *runstore.Store, queueID string, pred func([]*domain.Run) bool, what string) []*domain.Run {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for {
		runs, err := store.ListRuns(runstore.RunListOptions{QueueID: queueID})
		if err != nil {
			t.Fatal(err)
		}
		if pred(runs) {
			return runs
		}
		if time.Now().After(deadline) {
			t.Fatalf("waiting for %s: run statuses %v", what, countByStatus(runs))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func countByStatus(runs []*domain.Run) map[domain.RunStatus]int {
	counts := make(map[domain.RunStatus]int)
	for _, r := range runs {
		counts[r.Status]++
	}
	return counts
}

// workedSelection is 2 techniques x 3 tactics x 1 personality x 1 distance,
// the canonical 6-run batch
func workedSelection() domain.Selection {
	return domain.Selection{
		Techniques:    []string{"anchoring", "mirroring"},
		Tactics:       []string{"collaborative", "competitive", "compromising"},
		Personalities: []string{"analytical"},
		ZopaDistances: []string{"medium"},
	}
}
