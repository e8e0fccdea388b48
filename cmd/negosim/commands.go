package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ch-au/negosim/internal/broadcast"
	"github.com/ch-au/negosim/internal/config"
	"github.com/ch-au/negosim/internal/domain"
	"github.com/ch-au/negosim/internal/executor"
	"github.com/ch-au/negosim/internal/expander"
	"github.com/ch-au/negosim/internal/runstore"
	"github.com/ch-au/negosim/internal/scenario"
	"github.com/ch-au/negosim/internal/scheduler"
	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"
)

var (
	importDir string

	createTechniques    []string
	createTactics       []string
	createPersonalities []string
	createZopa          []string
	createConcurrency   int

	listNegotiation string
	listStatus      string

	showConversation bool

	recoverIncrement bool

	exportOut string
)

func init() {
	// negotiation commands
	negotiationCmd := &cobra.Command{
		Use:   "negotiation",
		Short: "Manage negotiation scenarios",
	}
	importCmd := &cobra.Command{
		Use:   "import [FILE...]",
		Short: "Import scenario files (YAML or JSON)",
		RunE:  runImport,
	}
	importCmd.Flags().StringVar(&importDir, "dir", "", "import every scenario in a directory")
	negotiationCmd.AddCommand(importCmd)
	negotiationCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List imported negotiations",
		RunE:  runNegotiationList,
	})
	rootCmd.AddCommand(negotiationCmd)

	// queue commands
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage simulation queues",
	}
	createCmd := &cobra.Command{
		Use:   "create NEGOTIATION",
		Short: "Expand a parameter selection into a queue of runs",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueCreate,
	}
	createCmd.Flags().StringSliceVar(&createTechniques, "techniques", []string{"all"}, "influencing techniques")
	createCmd.Flags().StringSliceVar(&createTactics, "tactics", []string{"all"}, "negotiation tactics")
	createCmd.Flags().StringSliceVar(&createPersonalities, "personalities", []string{"all"}, "counterpart personalities")
	createCmd.Flags().StringSliceVar(&createZopa, "zopa", []string{"all"}, "ZOPA distances")
	createCmd.Flags().IntVar(&createConcurrency, "max-concurrent", 0, "concurrent workers for this queue (0 = config default)")
	queueCmd.AddCommand(createCmd)

	queueListCmd := &cobra.Command{
		Use:   "list",
		Short: "List queues",
		RunE:  runQueueList,
	}
	queueListCmd.Flags().StringVar(&listNegotiation, "negotiation", "", "filter by negotiation")
	queueListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	queueCmd.AddCommand(queueListCmd)

	queueCmd.AddCommand(&cobra.Command{
		Use:   "status QUEUE",
		Short: "Show queue progress",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueStatus,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "start QUEUE",
		Short: "Put a pending queue into dispatch rotation",
		Args:  cobra.ExactArgs(1),
		RunE:  queueOpCommand((*scheduler.Scheduler).StartQueue, "started"),
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "pause QUEUE",
		Short: "Suppress new dispatch; in-flight workers finish normally",
		Args:  cobra.ExactArgs(1),
		RunE:  queueOpCommand((*scheduler.Scheduler).PauseQueue, "paused"),
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "resume QUEUE",
		Short: "Put a paused queue back into rotation",
		Args:  cobra.ExactArgs(1),
		RunE:  queueOpCommand((*scheduler.Scheduler).ResumeQueue, "resumed"),
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "stop QUEUE",
		Short: "Stop a queue permanently and kill its in-flight workers",
		Args:  cobra.ExactArgs(1),
		RunE:  queueOpCommand((*scheduler.Scheduler).StopQueue, "stopped"),
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "run QUEUE",
		Short: "Execute a queue in the foreground until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueRun,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "retry QUEUE [RUN...]",
		Short: "Reset failed runs to pending (all eligible, or the given runs)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runQueueRetry,
	})
	rootCmd.AddCommand(queueCmd)

	// run commands
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect individual runs",
	}
	showCmd := &cobra.Command{
		Use:   "show RUN",
		Short: "Show a run's parameters, outcome and results",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunShow,
	}
	showCmd.Flags().BoolVar(&showConversation, "conversation", false, "print the conversation log")
	runCmd.AddCommand(showCmd)
	runCmd.AddCommand(&cobra.Command{
		Use:   "restart RUN",
		Short: "Reset a terminal run to pending",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunRestart,
	})
	rootCmd.AddCommand(runCmd)

	// recovery commands. These act on the local database; run them when no
	// server owns the workers, or the report will count live runs as orphans.
	recoveryCmd := &cobra.Command{
		Use:   "recovery",
		Short: "Detect and recover runs orphaned by a crash",
	}
	recoveryCmd.AddCommand(&cobra.Command{
		Use:   "report [NEGOTIATION]",
		Short: "List runs stuck in running with no live worker",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRecoveryReport,
	})
	recoverCmd := &cobra.Command{
		Use:   "recover NEGOTIATION [RUN...]",
		Short: "Reset orphaned runs to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRecoveryRecover,
	}
	recoverCmd.Flags().BoolVar(&recoverIncrement, "increment-retry", false, "count the recovery against each run's retry budget")
	recoveryCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(recoveryCmd)

	// results export
	resultsCmd := &cobra.Command{
		Use:   "results",
		Short: "Work with simulation results",
	}
	exportCmd := &cobra.Command{
		Use:   "export QUEUE",
		Short: "Export a queue's runs and results as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runResultsExport,
	}
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default queue-<id>.json)")
	resultsCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(resultsCmd)

	// status command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show store totals",
		RunE:  runStatusCmd,
	})
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*runstore.Store, error) {
	if dir := filepath.Dir(cfg.Scheduler.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return runstore.New(cfg.Scheduler.DatabasePath)
}

// openScheduler builds the store, worker supervisor and scheduler for
// one-shot CLI commands that drive queue state. No hub: these commands
// have no live event consumers.
func openScheduler(cfg *config.Config) (*runstore.Store, *scheduler.Scheduler, *executor.Manager, func(), error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	mgr := executor.New(store, nil, cfg.Worker)
	sched := scheduler.New(store, mgr, nil, cfg.Scheduler.TickInterval.Std())
	cleanup := func() { store.Close() }
	return store, sched, mgr, cleanup, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	if importDir == "" && len(args) == 0 {
		return fmt.Errorf("nothing to import: pass scenario files or --dir")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	im := scenario.NewImporter(store)

	if importDir != "" {
		n, err := im.ImportDir(importDir)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d scenarios from %s\n", n, importDir)
	}

	for _, path := range args {
		neg, err := im.ImportFile(path)
		if err != nil {
			return fmt.Errorf("importing %s: %w", path, err)
		}
		fmt.Printf("Imported %s: %s (%d products)\n", neg.ID, neg.Title, len(neg.Products))
	}
	return nil
}

func runNegotiationList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	negotiations, err := store.ListNegotiations()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tCOUNTERPART\tPRODUCTS\tMAX ROUNDS")
	for _, n := range negotiations {
		counterpart := "-"
		if name, ok := n.Counterpart["name"].(string); ok && name != "" {
			counterpart = name
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
			n.ID, n.Title, counterpart, len(n.Products), n.MaxRounds)
	}
	return w.Flush()
}

func runQueueCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sel := domain.Selection{
		Techniques:    createTechniques,
		Tactics:       createTactics,
		Personalities: createPersonalities,
		ZopaDistances: createZopa,
	}.ResolveAll()

	exp := expander.New(store, cfg.Scheduler.MaxConcurrent, cfg.Scheduler.MaxRetries)
	concurrency := createConcurrency
	if concurrency <= 0 {
		concurrency = cfg.Scheduler.MaxConcurrent
	}

	q, err := exp.ExpandWithLimit(args[0], sel, concurrency)
	if err != nil {
		return err
	}

	fmt.Printf("Queue %s created: %d simulations (%d techniques x %d tactics x %d personalities x %d zopa), %d concurrent\n",
		q.ID, q.TotalSimulations,
		len(sel.Techniques), len(sel.Tactics), len(sel.Personalities), len(sel.ZopaDistances),
		q.MaxConcurrent)
	fmt.Printf("Start it with: negosim queue start %s\n", q.ID)
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	queues, err := store.ListQueues(runstore.QueueListOptions{
		NegotiationID: listNegotiation,
		Status:        domain.QueueStatus(listStatus),
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNEGOTIATION\tSTATUS\tPROGRESS\tFAILED\tCOST\tCREATED")
	for _, q := range queues {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t$%.2f\t%s\n",
			q.ID, q.NegotiationID, q.Status,
			q.CompletedCount, q.TotalSimulations, q.FailedCount,
			q.ActualCostUSD, humanize.Time(q.CreatedAt))
	}
	return w.Flush()
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	q, err := store.GetQueue(args[0])
	if err != nil {
		return err
	}
	progress, err := store.RefreshQueueProgress(q.ID)
	if err != nil {
		return err
	}

	fmt.Printf("Queue:        %s\n", q.ID)
	fmt.Printf("Negotiation:  %s\n", q.NegotiationID)
	fmt.Printf("Status:       %s\n", q.Status)
	fmt.Printf("Progress:     %d/%d completed, %d failed, %d running, %d pending\n",
		progress.Completed, progress.Total, progress.Failed, progress.Running, progress.Pending)
	fmt.Printf("Concurrency:  %d\n", q.MaxConcurrent)
	fmt.Printf("Cost:         $%.2f\n", q.ActualCostUSD)
	fmt.Printf("Created:      %s\n", humanize.Time(q.CreatedAt))
	if q.StartedAt != nil {
		fmt.Printf("Started:      %s\n", humanize.Time(*q.StartedAt))
	}
	if q.CompletedAt != nil {
		fmt.Printf("Finished:     %s\n", humanize.Time(*q.CompletedAt))
	}
	if cp := q.Checkpoint; cp != nil {
		fmt.Printf("Checkpoint:   %d completed / %d failed at %s\n",
			cp.CompletedCount, cp.FailedCount, cp.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

// queueOpCommand wraps a scheduler queue operation as a cobra handler
func queueOpCommand(op func(*scheduler.Scheduler, string) error, verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		_, sched, _, cleanup, err := openScheduler(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := op(sched, args[0]); err != nil {
			return err
		}
		fmt.Printf("Queue %s %s\n", args[0], verb)
		return nil
	}
}

// runSummary is what the queue-finished callback hands back to the
// foreground loop
type runSummary struct {
	status   domain.QueueStatus
	progress *runstore.QueueProgress
}

func runQueueRun(cmd *cobra.Command, args []string) error {
	queueID := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := broadcast.NewHub(256)
	defer hub.Close()
	mgr := executor.New(store, hub, cfg.Worker)
	sched := scheduler.New(store, mgr, hub, cfg.Scheduler.TickInterval.Std())

	q, err := store.GetQueue(queueID)
	if err != nil {
		return err
	}
	if q.Status.Terminal() {
		fmt.Printf("Queue %s is already %s (%d completed, %d failed)\n",
			queueID, q.Status, q.CompletedCount, q.FailedCount)
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	finished := make(chan runSummary, 1)
	sched.SetOnQueueFinished(func(id, _ string, status domain.QueueStatus, progress *runstore.QueueProgress) {
		if id != queueID {
			return
		}
		select {
		case finished <- runSummary{status: status, progress: progress}:
		default:
		}
		cancel()
	})

	// Echo per-run status transitions while the queue drains
	events := hub.Subscribe(q.NegotiationID)
	go func() {
		for ev := range events {
			if ev.Type != broadcast.EventStatusChange || ev.QueueID != queueID {
				continue
			}
			status := ""
			if m, ok := ev.Data.(map[string]string); ok {
				status = m["status"]
			}
			id := ev.SimulationID
			if len(id) > 8 {
				id = id[:8]
			}
			fmt.Printf("  run %s %s\n", id, status)
		}
	}()

	fmt.Printf("Running queue %s: %d of %d remaining, %d concurrent, tick %s\n",
		queueID, q.Remaining(), q.TotalSimulations, q.MaxConcurrent, cfg.Scheduler.TickInterval.Std())

	if _, err := sched.ExecuteAll(runCtx, queueID); err != nil {
		return err
	}
	sched.Run(runCtx)

	select {
	case s := <-finished:
		fmt.Printf("\nQueue %s %s: %d completed, %d failed of %d\n",
			queueID, s.status, s.progress.Completed, s.progress.Failed, s.progress.Total)
		if final, err := store.GetQueue(queueID); err == nil && final.ActualCostUSD > 0 {
			fmt.Printf("Total cost: $%.2f\n", final.ActualCostUSD)
		}
		if s.status == domain.QueueFailed {
			return fmt.Errorf("queue %s failed: not a single run succeeded", queueID)
		}
		return nil
	default:
		fmt.Println("\nInterrupted; shutting down workers. Interrupted runs show up in the recovery report.")
		mgr.Shutdown(5 * time.Second)
		return nil
	}
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, sched, _, cleanup, err := openScheduler(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	var n int
	if len(args) > 1 {
		n, err = sched.Retry(args[0], args[1:])
	} else {
		n, err = sched.RestartFailed(args[0])
	}
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("No runs eligible for retry (retry budget exhausted?)")
		return nil
	}
	fmt.Printf("%d runs reset to pending\n", n)
	return nil
}

func runRunShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:          %s (#%d in queue %s)\n", run.ID, run.ExecutionOrder, run.QueueID)
	fmt.Printf("Negotiation:  %s\n", run.NegotiationID)
	fmt.Printf("Parameters:   %s / %s / %s / zopa=%s\n",
		run.Technique, run.Tactic, run.Personality, run.ZopaDistance)
	if run.Outcome != "" {
		fmt.Printf("Status:       %s (%s)\n", run.Status, run.Outcome)
	} else {
		fmt.Printf("Status:       %s\n", run.Status)
	}
	fmt.Printf("Rounds:       %d\n", run.TotalRounds)
	fmt.Printf("Retries:      %d/%d\n", run.RetryCount, run.MaxRetries)
	if run.Status == domain.RunCompleted {
		fmt.Printf("Deal value:   %.3f\n", run.DealValue)
		fmt.Printf("Cost:         $%.4f\n", run.CostUSD)
	}
	if run.ErrorMessage != "" {
		fmt.Printf("Error:        %s\n", run.ErrorMessage)
	}
	if run.StartedAt != nil && run.CompletedAt != nil {
		fmt.Printf("Duration:     %s\n", run.CompletedAt.Sub(*run.StartedAt).Round(time.Millisecond))
	}

	dims, err := store.ListDimensionResults(run.ID)
	if err != nil {
		return err
	}
	if len(dims) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DIMENSION\tPRODUCT\tTARGET\tACHIEVED\tSCORE")
		for _, d := range dims {
			achieved := fmt.Sprintf("%.2f", d.AchievedValue)
			if !d.Achieved {
				achieved = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%.3f\n",
				d.Name, d.ProductID, d.Target, achieved, d.WeightedScore)
		}
		w.Flush()
	}

	if showConversation {
		fmt.Println()
		for _, turn := range run.Conversation {
			fmt.Printf("  [%d] %s: %s\n", turn.Round, turn.Agent, turn.Message)
			if len(turn.Offer) > 0 {
				offer, _ := json.Marshal(turn.Offer)
				fmt.Printf("      offer: %s\n", offer)
			}
		}
	}
	return nil
}

func runRunRestart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, sched, _, cleanup, err := openScheduler(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := sched.RestartRun(args[0]); err != nil {
		return err
	}
	fmt.Printf("Run %s reset to pending\n", args[0])
	return nil
}

func runRecoveryReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, _, mgr, cleanup, err := openScheduler(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	negotiationID := ""
	if len(args) > 0 {
		negotiationID = args[0]
	}
	report, err := mgr.DetectOrphans(negotiationID)
	if err != nil {
		return err
	}

	if len(report.Orphans) == 0 {
		fmt.Println("No orphaned runs")
		return nil
	}

	fmt.Printf("%d orphaned runs (running in the store, no live worker):\n\n", len(report.Orphans))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tQUEUE\tPARAMETERS\tSTARTED\tRETRIES")
	for _, run := range report.Orphans {
		started := "-"
		if run.StartedAt != nil {
			started = humanize.Time(*run.StartedAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%d/%d\n",
			run.ID, run.QueueID, run.Technique, run.Tactic, started,
			run.RetryCount, run.MaxRetries)
	}
	w.Flush()
	fmt.Printf("\nRecover with: negosim recovery recover %s\n", report.NegotiationID)
	return nil
}

func runRecoveryRecover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, _, mgr, cleanup, err := openScheduler(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := mgr.Recover(args[0], args[1:], recoverIncrement)
	if err != nil {
		return err
	}
	fmt.Printf("%d runs recovered to pending\n", n)
	return nil
}

func runStatusCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.GetStats()
	if err != nil {
		return err
	}

	fmt.Printf("Negotiations: %s\n", humanize.Comma(int64(stats.Negotiations)))
	fmt.Printf("Queues:       %s (%d active)\n", humanize.Comma(int64(stats.Queues)), stats.ActiveQueues)
	fmt.Printf("Runs:         %s\n", humanize.Comma(int64(stats.Runs)))
	for _, status := range []string{"pending", "running", "completed", "failed", "timeout", "aborted"} {
		if n := stats.RunsByStatus[status]; n > 0 {
			fmt.Printf("  %-10s %d\n", status, n)
		}
	}

	if info, err := os.Stat(cfg.Scheduler.DatabasePath); err == nil {
		fmt.Printf("Database:     %s (%s)\n", cfg.Scheduler.DatabasePath, humanize.IBytes(uint64(info.Size())))
	}
	return nil
}

// exportRun is the JSON shape of one run in a results export
type exportRun struct {
	ID             string                    `json:"id"`
	ExecutionOrder int                       `json:"executionOrder"`
	Technique      string                    `json:"technique"`
	Tactic         string                    `json:"tactic"`
	Personality    string                    `json:"personality"`
	ZopaDistance   string                    `json:"zopaDistance"`
	Status         string                    `json:"status"`
	Outcome        string                    `json:"outcome,omitempty"`
	TotalRounds    int                       `json:"totalRounds"`
	RetryCount     int                       `json:"retryCount"`
	DealValue      float64                   `json:"dealValue"`
	CostUSD        float64                   `json:"costUsd"`
	ErrorMessage   string                    `json:"errorMessage,omitempty"`
	FinalOffer     map[string]any            `json:"finalOffer,omitempty"`
	StartedAt      *time.Time                `json:"startedAt,omitempty"`
	CompletedAt    *time.Time                `json:"completedAt,omitempty"`
	Dimensions     []exportDimension         `json:"dimensions,omitempty"`
	Products       []exportProduct           `json:"products,omitempty"`
}

type exportDimension struct {
	ProductID     string  `json:"productId"`
	DimensionID   string  `json:"dimensionId"`
	Name          string  `json:"name"`
	Target        float64 `json:"target"`
	AchievedValue float64 `json:"achievedValue"`
	Achieved      bool    `json:"achieved"`
	DistancePct   float64 `json:"distancePct"`
	WeightedScore float64 `json:"weightedScore"`
}

type exportProduct struct {
	ProductID      string  `json:"productId"`
	Name           string  `json:"name"`
	DealValue      float64 `json:"dealValue"`
	DimensionCount int     `json:"dimensionCount"`
	AchievedCount  int     `json:"achievedCount"`
}

func runResultsExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	q, err := store.GetQueue(args[0])
	if err != nil {
		return err
	}
	neg, err := store.GetNegotiation(q.NegotiationID)
	if err != nil {
		return err
	}
	runs, err := store.ListRuns(runstore.RunListOptions{QueueID: q.ID})
	if err != nil {
		return err
	}

	exported := make([]exportRun, 0, len(runs))
	for _, run := range runs {
		er := exportRun{
			ID:             run.ID,
			ExecutionOrder: run.ExecutionOrder,
			Technique:      run.Technique,
			Tactic:         run.Tactic,
			Personality:    run.Personality,
			ZopaDistance:   run.ZopaDistance,
			Status:         string(run.Status),
			Outcome:        string(run.Outcome),
			TotalRounds:    run.TotalRounds,
			RetryCount:     run.RetryCount,
			DealValue:      run.DealValue,
			CostUSD:        run.CostUSD,
			ErrorMessage:   run.ErrorMessage,
			FinalOffer:     run.FinalOffer,
			StartedAt:      run.StartedAt,
			CompletedAt:    run.CompletedAt,
		}
		dims, err := store.ListDimensionResults(run.ID)
		if err != nil {
			return err
		}
		for _, d := range dims {
			er.Dimensions = append(er.Dimensions, exportDimension{
				ProductID:     d.ProductID,
				DimensionID:   d.DimensionID,
				Name:          d.Name,
				Target:        d.Target,
				AchievedValue: d.AchievedValue,
				Achieved:      d.Achieved,
				DistancePct:   d.DistancePct,
				WeightedScore: d.WeightedScore,
			})
		}
		prods, err := store.ListProductResults(run.ID)
		if err != nil {
			return err
		}
		for _, p := range prods {
			er.Products = append(er.Products, exportProduct{
				ProductID:      p.ProductID,
				Name:           p.Name,
				DealValue:      p.DealValue,
				DimensionCount: p.DimensionCount,
				AchievedCount:  p.AchievedCount,
			})
		}
		exported = append(exported, er)
	}

	doc := map[string]interface{}{
		"queue": map[string]interface{}{
			"id":               q.ID,
			"negotiationId":    q.NegotiationID,
			"status":           q.Status,
			"totalSimulations": q.TotalSimulations,
			"completedCount":   q.CompletedCount,
			"failedCount":      q.FailedCount,
			"actualCostUsd":    q.ActualCostUSD,
			"createdAt":        q.CreatedAt,
			"completedAt":      q.CompletedAt,
		},
		"negotiation": map[string]interface{}{
			"id":    neg.ID,
			"title": neg.Title,
		},
		"exportedAt": time.Now().UTC(),
		"runs":       exported,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	out := exportOut
	if out == "" {
		out = fmt.Sprintf("queue-%s.json", q.ID)
	}
	// Atomic write: a crash mid-export never leaves a truncated file
	if err := renameio.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("Exported %d runs to %s (%s)\n", len(exported), out, humanize.IBytes(uint64(len(data))))
	return nil
}
