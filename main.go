// ollamaguard — service manager and resource guard for a local Ollama daemon.
// Author: vesaa | License: MIT | https://github.com/vesaa/ollamaguard
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vesaa/ollamaguard/internal/config"
	"github.com/vesaa/ollamaguard/internal/monitor"
	"github.com/vesaa/ollamaguard/internal/proc"
	"github.com/vesaa/ollamaguard/internal/server"
	"github.com/vesaa/ollamaguard/internal/service"
	"github.com/vesaa/ollamaguard/internal/setup"
	"github.com/vesaa/ollamaguard/internal/store"
)

const version = "v0.1.0"

// newLogger builds the shared logger, teeing to logFile when set.
// The returned closer flushes the file handle.
func newLogger(logFile string) (*log.Logger, func(), error) {
	w := io.Writer(os.Stdout)
	closer := func() {}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w = io.MultiWriter(os.Stdout, f)
		closer = func() { _ = f.Close() }
	}
	return log.New(w, "", log.LstdFlags), closer, nil
}

// deps bundles the collaborators every subcommand needs.
func deps(cfg *config.Config, logger *log.Logger) (*proc.Manager, *monitor.Collector, *service.Manager) {
	procs := proc.NewManager(cfg.ProcessName, time.Duration(cfg.GraceSeconds)*time.Second, logger)
	collector := monitor.NewCollector(time.Duration(cfg.WindowSeconds) * time.Second)
	return procs, collector, service.New(cfg, logger, procs, collector)
}

// openHistory opens the sample store; a failure degrades to no history
// rather than aborting the command.
func openHistory(cfg *config.Config, logger *log.Logger) *store.Store {
	if cfg.DBPath == "" {
		return nil
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Printf("[main] history store unavailable: %v", err)
		return nil
	}
	return st
}

func main() {
	root := &cobra.Command{
		Use:   "ollamaguard",
		Short: "ollamaguard — manage and guard a local Ollama daemon",
		Long: `ollamaguard starts, stops and monitors a local Ollama model-serving
daemon. The monitor samples CPU, memory, GPU, temperature, battery and
network usage, warns on threshold breaches, throttles the daemon on
battery and stops it outright when a critical limit is crossed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// ── start ─────────────────────────────────────────────────────────────────
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Ollama daemon (detached)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger, closeLog, err := newLogger(cfg.LogFile)
			if err != nil {
				return err
			}
			defer closeLog()

			prio, _ := cmd.Flags().GetString("priority")
			switch service.Priority(prio) {
			case service.PriorityLow, service.PriorityNormal, service.PriorityHigh:
			default:
				return fmt.Errorf("invalid --priority %q (use low, normal or high)", prio)
			}

			_, _, svc := deps(cfg, logger)
			return svc.Start(service.Priority(prio))
		},
	}
	startCmd.Flags().String("priority", "normal", "Initial scheduling profile: low | normal | high")

	// ── stop ──────────────────────────────────────────────────────────────────
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop all Ollama processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger, closeLog, err := newLogger(cfg.LogFile)
			if err != nil {
				return err
			}
			defer closeLog()

			_, _, svc := deps(cfg, logger)
			return svc.Stop()
		},
	}

	// ── status ────────────────────────────────────────────────────────────────
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and resource status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := log.New(io.Discard, "", 0) // status output is the report itself

			_, _, svc := deps(cfg, logger)
			report := svc.Status()

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			report.Render(os.Stdout)
			return nil
		},
	}
	statusCmd.Flags().Bool("json", false, "Emit the report as JSON")

	// ── monitor ───────────────────────────────────────────────────────────────
	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Continuously monitor resources and guard the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if interval, _ := cmd.Flags().GetInt("interval"); interval > 0 {
				cfg.IntervalSeconds = interval
			}
			if logFile, _ := cmd.Flags().GetString("log-file"); logFile != "" {
				cfg.LogFile = logFile
			}

			logger, closeLog, err := newLogger(cfg.LogFile)
			if err != nil {
				return err
			}
			defer closeLog()

			procs, collector, _ := deps(cfg, logger)

			var history monitor.History
			if st := openHistory(cfg, logger); st != nil {
				defer st.Close()
				history = st
			}

			mon := monitor.New(cfg, logger, monitor.RealClock(), collector, procs, history)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = mon.Run(ctx)
			if errors.Is(err, context.Canceled) {
				logger.Printf("[monitor] monitoring stopped by user")
				return err // interruption still exits nonzero
			}
			return err
		},
	}
	monitorCmd.Flags().Int("interval", 0, "Seconds between polls (default from config)")
	monitorCmd.Flags().String("log-file", "", "Also append log output to this file")

	// ── serve ─────────────────────────────────────────────────────────────────
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				cfg.ListenAddr = listen
			}
			logger, closeLog, err := newLogger(cfg.LogFile)
			if err != nil {
				return err
			}
			defer closeLog()

			_, _, svc := deps(cfg, logger)

			var history server.HistoryReader
			if st := openHistory(cfg, logger); st != nil {
				defer st.Close()
				history = st
			}

			srv, err := server.New(cfg, svc, history)
			if err != nil {
				return err
			}
			logger.Printf("[serve] status API on http://%s (login: %s)", cfg.ListenAddr, cfg.AdminUser)
			return srv.Run()
		},
	}
	serveCmd.Flags().String("listen", "", "Listen address, e.g. 127.0.0.1:11500")

	// ── install / uninstall ───────────────────────────────────────────────────
	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the Ollama daemon using the official installer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger, closeLog, err := newLogger(cfg.LogFile)
			if err != nil {
				return err
			}
			defer closeLog()
			return setup.Install(cfg.ProcessName, logger)
		},
	}

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Completely remove the Ollama daemon and its data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger, closeLog, err := newLogger(cfg.LogFile)
			if err != nil {
				return err
			}
			defer closeLog()

			procs, _, _ := deps(cfg, logger)
			return setup.Uninstall(cfg.ProcessName, procs, logger)
		},
	}

	// ── version ───────────────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print ollamaguard version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ollamaguard %s\n", version)
		},
	}

	root.AddCommand(startCmd, stopCmd, statusCmd, monitorCmd, serveCmd, installCmd, uninstallCmd, versionCmd)

	if err := root.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
