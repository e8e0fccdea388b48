package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ch-au/negosim/internal/batch"
	"github.com/ch-au/negosim/internal/broadcast"
	"github.com/ch-au/negosim/internal/config"
	"github.com/ch-au/negosim/internal/domain"
	"github.com/ch-au/negosim/internal/executor"
	"github.com/ch-au/negosim/internal/expander"
	"github.com/ch-au/negosim/internal/notify"
	"github.com/ch-au/negosim/internal/runstore"
	"github.com/ch-au/negosim/internal/scenario"
	"github.com/ch-au/negosim/internal/scheduler"
	"github.com/ch-au/negosim/tui"
	"github.com/ch-au/negosim/web/api"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveHost string
	servePort int

	dashboardServer string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch loop, API server and event hub",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveHost, "host", "", "bind host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "bind port (overrides config)")
	rootCmd.AddCommand(serveCmd)

	dashboardCmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Live terminal dashboard for a running server",
		RunE:  runDashboard,
	}
	dashboardCmd.Flags().StringVar(&dashboardServer, "server", "http://127.0.0.1:8080", "base URL of the negosim server")
	rootCmd.AddCommand(dashboardCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
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
	exp := expander.New(store, cfg.Scheduler.MaxConcurrent, cfg.Scheduler.MaxRetries)

	notifier := buildNotifier(cfg)
	if notifier != nil {
		sched.SetOnQueueFinished(func(queueID, negotiationID string, status domain.QueueStatus, progress *runstore.QueueProgress) {
			n := notify.QueueFinished(queueID, negotiationID, string(status),
				progress.Completed, progress.Failed, progress.Total)
			if err := notifier.Send(n); err != nil {
				log.Printf("serve: notification: %v", err)
			}
		})
	}

	// Surface runs orphaned by a previous crash. Recovery stays an explicit
	// operator action; nothing is reset here.
	if cfg.Scheduler.CheckOrphansOnStart {
		if report, err := mgr.DetectOrphans(""); err != nil {
			log.Printf("serve: orphan check: %v", err)
		} else if len(report.Orphans) > 0 {
			log.Printf("serve: %d runs orphaned by a previous session; inspect with `negosim recovery report`",
				len(report.Orphans))
		}
	}

	if cfg.Scenarios.Dir != "" {
		if n, err := scenario.NewImporter(store).ImportDir(cfg.Scenarios.Dir); err != nil {
			log.Printf("serve: scenario import: %v", err)
		} else if n > 0 {
			log.Printf("serve: imported %d scenarios from %s", n, cfg.Scenarios.Dir)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})

	host := serveHost
	if host == "" {
		host = cfg.Server.Host
	}
	port := servePort
	if port == 0 {
		port = cfg.Server.Port
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	srv := api.NewServer(store, exp, sched, mgr, hub,
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		api.WithBaseContext(ctx))
	g.Go(func() error {
		return srv.ListenAndServe(ctx, addr)
	})

	if cfg.Scenarios.Watch && cfg.Scenarios.Dir != "" {
		watcher, err := scenario.NewImporter(store).Watch(ctx, cfg.Scenarios.Dir)
		if err != nil {
			log.Printf("serve: scenario watch: %v", err)
		} else {
			defer watcher.Stop()
			log.Printf("serve: watching %s for scenario changes", cfg.Scenarios.Dir)
		}
	}

	if bs := loadBatchScheduler(cfg, notifier); bs != nil {
		g.Go(func() error {
			bs.Run(ctx, func(b batch.BatchConfig) (batch.StartReport, error) {
				q, err := exp.ExpandWithLimit(b.NegotiationID, b.Selection().ResolveAll(), b.MaxConcurrent)
				if err != nil {
					return batch.StartReport{}, fmt.Errorf("expanding: %w", err)
				}
				if err := sched.StartQueue(q.ID); err != nil {
					return batch.StartReport{}, fmt.Errorf("starting queue %s: %w", q.ID, err)
				}
				return batch.StartReport{QueueID: q.ID, Simulations: q.TotalSimulations}, nil
			})
			return nil
		})
	}

	err = g.Wait()

	// Workers owned by this process are killed without a terminal write;
	// their runs surface in the next orphan report.
	if n := mgr.RunningCount(); n > 0 {
		log.Printf("serve: shutting down with %d live workers", n)
	}
	mgr.Shutdown(10 * time.Second)
	log.Printf("serve: stopped")
	return err
}

// buildNotifier assembles the configured notification targets, or nil when
// none are enabled
func buildNotifier(cfg *config.Config) *notify.MultiNotifier {
	var targets []notify.Notifier
	if cfg.Notifications.Desktop {
		targets = append(targets, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		targets = append(targets, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(targets) == 0 {
		return nil
	}
	return notify.NewMultiNotifier(targets...)
}

// loadBatchScheduler reads the batch schedule file and returns a ready
// scheduler, or nil when no batches are configured. A broken schedule file
// is logged, never fatal: the server must come up regardless.
func loadBatchScheduler(cfg *config.Config, notifier *notify.MultiNotifier) *batch.Scheduler {
	schedCfg, err := batch.LoadScheduleConfig(cfg.Scheduler.BatchSchedules)
	if err != nil {
		log.Printf("serve: batch schedules: %v", err)
		return nil
	}
	if len(schedCfg.Batches) == 0 {
		return nil
	}
	// The nil *MultiNotifier must not leak into the interface as non-nil
	var target notify.Notifier
	if notifier != nil {
		target = notifier
	}
	bs, err := batch.NewScheduler(schedCfg.Batches, target)
	if err != nil {
		log.Printf("serve: batch scheduler: %v", err)
		return nil
	}
	log.Printf("serve: %d batch schedules loaded from %s",
		len(schedCfg.Batches), cfg.Scheduler.BatchSchedules)
	return bs
}

func runDashboard(cmd *cobra.Command, args []string) error {
	model := tui.NewModel(tui.ModelConfig{
		Source: tui.NewClient(dashboardServer),
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
