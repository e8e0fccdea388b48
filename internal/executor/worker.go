package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ch-au/negosim/internal/domain"
	"github.com/ch-au/negosim/internal/results"
	"github.com/ch-au/negosim/internal/simproto"
)

// Worker is the live handle of one run's external process
type Worker struct {
	RunID         string
	QueueID       string
	NegotiationID string
	SessionID     string
	PID           int
	StartedAt     time.Time
	LogPath       string

	run *domain.Run
	neg *domain.Negotiation

	cmd     *exec.Cmd
	cancel  context.CancelFunc
	runCtx  context.Context
	timeout time.Duration
	done    chan struct{}

	mu      sync.Mutex
	logFile *os.File
	rounds  []domain.ConversationTurn
	output  []string // non-progress stdout, candidate final result
	errs    []string // stderr tail for failure messages
}

// Done returns a channel closed once the run's exit has been classified
// and the handle released
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Rounds returns how many progress updates the worker has emitted
func (w *Worker) Rounds() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rounds)
}

// IsProcessRunning checks the worker's OS process with signal 0
func (w *Worker) IsProcessRunning() bool {
	if w.PID == 0 {
		return false
	}
	process, err := os.FindProcess(w.PID)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func (w *Worker) kill() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Worker) appendRound(turn domain.ConversationTurn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rounds = append(w.rounds, turn)
}

func (w *Worker) appendOutput(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.output = append(w.output, line)
}

func (w *Worker) appendStderr(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logFile != nil {
		w.logFile.WriteString(line + "\n")
		w.logFile.Sync()
	}
	w.errs = append(w.errs, line)
}

func (w *Worker) writeLog(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logFile != nil {
		w.logFile.WriteString(line + "\n")
		w.logFile.Sync() // flush for tail -f
	}
}

func (w *Worker) closeLog() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logFile != nil {
		w.logFile.Close()
		w.logFile = nil
	}
}

func (w *Worker) outputLines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	lines := make([]string, len(w.output))
	copy(lines, w.output)
	return lines
}

func (w *Worker) conversation() []domain.ConversationTurn {
	w.mu.Lock()
	defer w.mu.Unlock()
	turns := make([]domain.ConversationTurn, len(w.rounds))
	copy(turns, w.rounds)
	return turns
}

func (w *Worker) stderrTail(n int) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.Join(tailLines(w.errs, n), " | ")
}

// Launch spawns the worker process for a claimed run. The run must already
// be persisted as running; the executor owns it until the finished
// callback fires. A spawn failure marks the run failed and is returned.
func (m *Manager) Launch(ctx context.Context, run *domain.Run, neg *domain.Negotiation) error {
	if m.Get(run.ID) != nil {
		return fmt.Errorf("run %s already has a live worker", run.ID)
	}

	maxRounds := neg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = m.cfg.MaxRounds
	}

	contextJSON, err := simproto.EncodeContext(&simproto.Context{
		NegotiationID: run.NegotiationID,
		RunID:         run.ID,
		QueueID:       run.QueueID,
		Title:         neg.Title,
		Technique:     run.Technique,
		Tactic:        run.Tactic,
		Personality:   run.Personality,
		ZopaDistance:  run.ZopaDistance,
		MaxRounds:     maxRounds,
		Counterpart:   neg.Counterpart,
		Products:      neg.Products,
	})
	if err != nil {
		err = fmt.Errorf("encoding worker context: %w", err)
		m.failSpawn(run, err)
		return err
	}

	timeout := m.cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	args := append(append([]string{}, m.cfg.Args...),
		run.NegotiationID, run.ID, strconv.Itoa(maxRounds), contextJSON)

	w := &Worker{
		RunID:         run.ID,
		QueueID:       run.QueueID,
		NegotiationID: run.NegotiationID,
		SessionID:     uuid.NewSHA1(workerNamespace, []byte(run.ID)).String(),
		StartedAt:     time.Now(),
		run:           run,
		neg:           neg,
		cmd:           exec.CommandContext(runCtx, m.cfg.Command, args...),
		cancel:        cancel,
		runCtx:        runCtx,
		timeout:       timeout,
		done:          make(chan struct{}),
	}

	abort := func(err error) error {
		w.closeLog()
		cancel()
		m.failSpawn(run, err)
		return err
	}

	if m.cfg.LogDir != "" {
		if err := os.MkdirAll(m.cfg.LogDir, 0755); err != nil {
			return abort(fmt.Errorf("creating log dir: %w", err))
		}
		w.LogPath = filepath.Join(m.cfg.LogDir, "run-"+run.ID+".log")
		logFile, err := os.Create(w.LogPath)
		if err != nil {
			return abort(fmt.Errorf("creating log file: %w", err))
		}
		w.logFile = logFile
	}

	stdout, err := w.cmd.StdoutPipe()
	if err != nil {
		return abort(err)
	}
	stderr, err := w.cmd.StderrPipe()
	if err != nil {
		return abort(err)
	}

	if err := w.cmd.Start(); err != nil {
		return abort(fmt.Errorf("starting %s: %w", m.cfg.Command, err))
	}
	w.PID = w.cmd.Process.Pid

	m.add(w)
	m.publishStatus(run.NegotiationID, run.QueueID, run.ID, domain.RunRunning)
	log.Printf("executor: run %s started (pid %d, %s)", run.ID, w.PID, run.Combo())

	go m.stream(w, stdout, stderr)
	return nil
}

// failSpawn terminalizes a claimed run whose worker never started
func (m *Manager) failSpawn(run *domain.Run, err error) {
	if serr := m.store.FailRun(run.ID, domain.RunFailed, err.Error(), nil); serr != nil {
		log.Printf("executor: persisting spawn failure for run %s: %v", run.ID, serr)
	}
	m.publishStatus(run.NegotiationID, run.QueueID, run.ID, domain.RunFailed)
	if cb := m.finishedCallback(); cb != nil {
		cb(run, domain.RunFailed)
	}
}

func (m *Manager) stream(w *Worker, stdout, stderr io.ReadCloser) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		// Context blobs and conversation logs can exceed the default size
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			m.consumeLine(w, scanner.Text())
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			w.appendStderr(scanner.Text())
		}
	}()
	wg.Wait()

	waitErr := w.cmd.Wait()
	m.finalize(w, waitErr)
	w.cancel() // release the timeout timer
}

// consumeLine routes one stdout line: tagged progress streams to the hub,
// everything else is kept for final result extraction.
func (m *Manager) consumeLine(w *Worker, line string) {
	w.writeLog(line)

	if !simproto.IsRoundUpdate(line) {
		w.appendOutput(line)
		return
	}
	update, err := simproto.ParseRoundUpdate(line)
	if err != nil {
		// Malformed progress is logged, never silently dropped.
		log.Printf("executor: run %s: %v", w.RunID, err)
		return
	}
	w.appendRound(domain.ConversationTurn{
		Round:   update.Round,
		Agent:   update.Agent,
		Message: update.Message,
		Offer:   update.Offer,
	})
	if m.hub != nil {
		m.hub.RoundUpdate(w.NegotiationID, w.QueueID, w.RunID, update)
	}
}

// finalize classifies a finished worker process, persists the terminal
// state, releases the handle and fires the callbacks. Every exit of a
// launched worker funnels through here exactly once.
func (m *Manager) finalize(w *Worker, waitErr error) {
	defer close(w.done)

	w.closeLog()
	wasCancelled := m.consumeCancelled(w.RunID)

	var status domain.RunStatus
	var errMsg string

	switch {
	case w.runCtx.Err() == context.DeadlineExceeded:
		status = domain.RunTimeout
		errMsg = fmt.Sprintf("worker exceeded the %s timeout", w.timeout)
	case wasCancelled:
		status = domain.RunAborted
		errMsg = "run cancelled by operator"
	case waitErr == nil:
		status, errMsg = m.persistResult(w)
	case w.runCtx.Err() == context.Canceled:
		// Supervisor shutdown: leave the run persisted as running so the
		// recovery service surfaces it as an orphan on the next start.
		log.Printf("executor: run %s interrupted by shutdown, left for recovery", w.RunID)
		m.remove(w.RunID)
		return
	default:
		status = domain.RunFailed
		errMsg = exitMessage(waitErr, w.stderrTail(3))
	}

	if status != domain.RunCompleted {
		if err := m.store.FailRun(w.RunID, status, errMsg, w.conversation()); err != nil {
			log.Printf("executor: persisting run %s failure: %v", w.RunID, err)
		}
		log.Printf("executor: run %s %s: %s", w.RunID, status, errMsg)
	} else {
		log.Printf("executor: run %s completed: %s after %d round(s), deal value %.1f",
			w.RunID, w.run.Outcome, w.run.TotalRounds, w.run.DealValue)
	}

	// The handle leaves the registry only after the terminal write, so a
	// live scheduler never sees a run both unhandled and still running.
	m.remove(w.RunID)
	m.publishStatus(w.NegotiationID, w.QueueID, w.RunID, status)
	if cb := m.finishedCallback(); cb != nil {
		cb(w.run, status)
	}
}

// persistResult extracts the trailing final payload from a cleanly exited
// worker and materializes its results. A missing or unparseable payload
// fails the run with the raw output tail logged for diagnosis.
func (m *Manager) persistResult(w *Worker) (domain.RunStatus, string) {
	lines := w.outputLines()
	final, err := simproto.ExtractFinalResult(lines)
	if err != nil {
		if tail := strings.Join(tailLines(lines, 3), " | "); tail != "" {
			log.Printf("executor: run %s output tail: %s", w.RunID, tail)
		}
		return domain.RunFailed, fmt.Sprintf("malformed worker output: %v", err)
	}

	run := w.run
	run.Outcome = domain.Outcome(final.Outcome)
	run.TotalRounds = final.TotalRounds
	run.FinalOffer = final.FinalOffer
	run.CostUSD = final.CostUSD
	if len(final.ConversationLog) > 0 {
		run.Conversation = final.ConversationLog
	} else {
		run.Conversation = w.conversation()
	}

	dims, prods, dealValue := results.Materialize(run, w.neg)
	run.DealValue = dealValue

	if err := m.store.CompleteRun(run, dims, prods); err != nil {
		return domain.RunFailed, fmt.Sprintf("persisting result: %v", err)
	}
	return domain.RunCompleted, ""
}

// exitMessage builds the failure reason from the wait error and stderr
func exitMessage(waitErr error, stderrTail string) string {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		msg := fmt.Sprintf("worker exited with code %d", exitErr.ExitCode())
		if stderrTail != "" {
			msg += ": " + stderrTail
		}
		return msg
	}
	if stderrTail != "" {
		return fmt.Sprintf("worker failed: %v: %s", waitErr, stderrTail)
	}
	return fmt.Sprintf("worker failed: %v", waitErr)
}

// tailLines returns the last n non-empty lines in original order
func tailLines(lines []string, n int) []string {
	var out []string
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			out = append(out, lines[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
