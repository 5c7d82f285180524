package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	punchagent "github.com/httprunner/PunchAgent"
	"github.com/httprunner/PunchAgent/internal/control"
	"github.com/httprunner/PunchAgent/internal/env"
)

type agentOptions struct {
	listen           string
	journal          string
	watchdog         string
	watchdogInterval time.Duration
	stopGrace        time.Duration
	// startWorker forces the worker on; otherwise auto_start decides.
	startWorker bool
}

func (o *agentOptions) bind(cmd *cobra.Command, listenDefault string) {
	cmd.Flags().StringVar(&o.listen, "listen", listenDefault, "Control API address, empty disables it ($"+env.ListenAddr+")")
	cmd.Flags().StringVar(&o.journal, "journal", "", "Cycle journal SQLite path, \"off\" disables it ($"+env.JournalPath+")")
	cmd.Flags().StringVar(&o.watchdog, "watchdog", "restart", "Watchdog policy when the worker dies: restart or report")
	cmd.Flags().DurationVar(&o.watchdogInterval, "watchdog-interval", punchagent.DefaultWatchdogInterval, "How often the watchdog checks the worker")
	cmd.Flags().DurationVar(&o.stopGrace, "stop-grace", env.Duration(env.StopGrace, punchagent.DefaultStopGrace), "How long stop waits for the worker ($"+env.StopGrace+")")
}

func newRunCmd() *cobra.Command {
	opts := agentOptions{startWorker: true}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync worker until interrupted",
		Long:  "Runs one cycle immediately and then one per interval_minutes. The control API is served too when --listen is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), opts)
		},
	}
	opts.bind(cmd, env.String(env.ListenAddr, ""))
	return cmd
}

func newServeCmd() *cobra.Command {
	opts := agentOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control API; the worker starts when auto_start is set or on POST /start",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.listen == "" {
				opts.listen = control.DefaultListenAddr
			}
			return runAgent(cmd.Context(), opts)
		},
	}
	opts.bind(cmd, env.String(env.ListenAddr, control.DefaultListenAddr))
	return cmd
}

func runAgent(ctx context.Context, opts agentOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	policy, err := parseWatchdogPolicy(opts.watchdog)
	if err != nil {
		return err
	}
	store := openStore()
	cfg := store.Get()
	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Str("path", store.Source()).Msg("configuration incomplete, cycles will fail until it is fixed")
	}

	j := openJournal(opts.journal)
	defer closeJournal(j)

	scheduler := punchagent.NewScheduler(store, newCycle(j), opts.stopGrace)
	watchdog := punchagent.NewWatchdog(scheduler, policy, opts.watchdogInterval, func(err error) {
		log.Error().Err(err).Msg("sync worker is down; restart it with POST /start or restart the process")
	})
	watchdog.Start()
	defer watchdog.Stop()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.startWorker || cfg.AutoStart {
		if err := scheduler.Start(); err != nil {
			return err
		}
	}
	log.Info().
		Str("station", cfg.StationName).
		Str("device", cfg.DeviceAddress).
		Int("interval_minutes", cfg.IntervalMinutes).
		Str("listen", opts.listen).
		Bool("worker", scheduler.IsRunning()).
		Msg("punchagent running")

	group, groupCtx := errgroup.WithContext(sigCtx)
	if opts.listen != "" {
		handler := &control.Handler{Scheduler: scheduler, Config: store}
		if j != nil {
			handler.History = j
		}
		group.Go(func() error {
			return control.Serve(groupCtx, opts.listen, control.NewRouter(handler))
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info().Msg("shutting down")
		scheduler.Stop()
		return nil
	})
	return group.Wait()
}
