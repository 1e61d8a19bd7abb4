package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"scheduled_poster/internal/app"
	"scheduled_poster/internal/infra/config"
	"scheduled_poster/internal/infra/logger"
	"scheduled_poster/internal/infra/scheduler"
)

var Version = "dev"

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		reportError(err)
	}
	os.Exit(exitCode(err))
}

func newRootCmd() *cobra.Command {
	var dryRun, force bool

	rootCmd := &cobra.Command{
		Use:           "poster",
		Short:         "Post the next queued message when a scheduled time is reached",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, dryRun, force)
		},
	}
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Simulate posting (overrides DRY_RUN)")
	rootCmd.Flags().BoolVar(&force, "force", false, "Post now, ignoring the schedule (overrides FORCE_POST_NOW)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(resetCmd())
	return rootCmd
}

// exitCode maps a command result to the process status. Every decided
// outcome returns nil; a Failed post, bad config and corrupt state do not.
func exitCode(err error) int {
	if err != nil {
		return 1
	}
	return 0
}

func reportError(err error) {
	entry := logger.Log.WithError(err)
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		entry = entry.WithField("hint", strings.Join(hints, "; "))
	}
	switch {
	case errors.Is(err, config.ErrConfig):
		entry = entry.WithField("kind", "config")
	case errors.Is(err, app.ErrInput):
		entry = entry.WithField("kind", "input")
	}
	entry.Error("Poster stopped")
}

// loadConfig applies CLI overrides before credentials are checked, so
// --dry-run works without them.
func loadConfig(cmd *cobra.Command, dryRun, force, needCredentials bool) (*config.AppConfig, error) {
	cfg, err := config.LoadSkippingCredentials()
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, cmd.Flags(), dryRun, force)
	logger.Init(cfg)

	if needCredentials {
		if err := cfg.ValidatePlatform(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyOverrides lets explicitly set flags win over the environment.
func applyOverrides(cfg *config.AppConfig, flags *pflag.FlagSet, dryRun, force bool) {
	if flags.Lookup("dry-run") != nil && flags.Changed("dry-run") {
		cfg.DryRun = dryRun
	}
	if flags.Lookup("force") != nil && flags.Changed("force") {
		cfg.ForcePostNow = force
	}
}

// disableForce turns FORCE_POST_NOW off for long-running mode. Force only
// applies to a single `poster run`.
func disableForce(cfg *config.AppConfig, log *logrus.Entry) {
	if !cfg.ForcePostNow {
		return
	}
	cfg.ForcePostNow = false
	log.Warn("FORCE_POST_NOW is ignored in daemon mode; use `poster run --force` for a one-off post")
}

func runCmd() *cobra.Command {
	var dryRun, force bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one decision cycle (the default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, dryRun, force)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Simulate posting (overrides DRY_RUN)")
	cmd.Flags().BoolVar(&force, "force", false, "Post now, ignoring the schedule (overrides FORCE_POST_NOW)")
	return cmd
}

func runOnce(cmd *cobra.Command, dryRun, force bool) error {
	cfg, err := loadConfig(cmd, dryRun, force, true)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	st, err := openStore(ctx, cfg, logger.Component("main"))
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := newPosterService(cfg, st)
	if err != nil {
		return err
	}
	_, err = engine.Run(ctx)
	return err
}

func daemonCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run decision cycles on CRON_SPEC until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, dryRun, false, true)
			if err != nil {
				return err
			}
			mainLogger := logger.Component("main")
			disableForce(cfg, mainLogger)

			st, err := openStore(cmd.Context(), cfg, mainLogger)
			if err != nil {
				return err
			}
			defer st.Close()

			engine, err := newPosterService(cfg, st)
			if err != nil {
				return err
			}

			posterScheduler := scheduler.NewPosterScheduler(engine, cfg.CronSpec, cfg.Location, logger.Component("scheduler"))
			if err := posterScheduler.Start(); err != nil {
				return err
			}
			mainLogger.WithFields(logrus.Fields{
				"platform": cfg.Platform,
				"timezone": cfg.Timezone,
				"dry_run":  cfg.DryRun,
			}).Info("Application setup complete. Scheduler is running...")

			// Graceful shutdown
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			mainLogger.Info("Shutting down application...")
			posterScheduler.Stop()
			mainLogger.Info("Application shut down gracefully.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Simulate posting (overrides DRY_RUN)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show progress, queue size and the next scheduled slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, false, false, false)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg, logger.Component("main"))
			if err != nil {
				return err
			}
			defer st.Close()

			status, err := newAdminService(cfg, st).Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(cmd, cfg, status)
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, cfg *config.AppConfig, s *app.Status) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Poster Status")
	fmt.Fprintln(out, strings.Repeat("=", 40))
	fmt.Fprintf(out, "  Platform:   %s\n", cfg.Platform)
	fmt.Fprintf(out, "  Backend:    %s\n", cfg.StateBackend)
	fmt.Fprintf(out, "  Cursor:     %d\n", s.Cursor)
	fmt.Fprintf(out, "  Queue:      %d messages, %d remaining\n", s.QueueLength, s.Remaining)

	targets := make([]string, 0, len(s.Targets))
	for _, t := range s.Targets {
		targets = append(targets, t.String())
	}
	fmt.Fprintf(out, "  Schedule:   %s (%s)\n", valueOrDefault(strings.Join(targets, ", "), "empty"), cfg.Timezone)

	if s.LastPostedAt != nil {
		fmt.Fprintf(out, "  Last post:  %s\n", s.LastPostedAt.In(cfg.Location).Format(time.RFC3339))
	} else {
		fmt.Fprintln(out, "  Last post:  never")
	}
	switch {
	case s.Exhausted:
		fmt.Fprintf(out, "  Next slot:  none, queue exhausted (ON_EXHAUSTION=%s)\n", cfg.OnExhaustion)
	case s.NextSlot != nil:
		fmt.Fprintf(out, "  Next slot:  %s\n", s.NextSlot.Format(time.RFC3339))
	default:
		fmt.Fprintln(out, "  Next slot:  none, schedule is empty")
	}
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func resetCmd() *cobra.Command {
	var cursor int
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Overwrite progress with the given cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, false, false, false)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RunTimeout)
			defer cancel()

			st, err := openStore(ctx, cfg, logger.Component("main"))
			if err != nil {
				return err
			}
			defer st.Close()

			state, err := newAdminService(cfg, st).Reset(ctx, cursor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Progress reset, next message index is %d\n", state.Cursor)
			return nil
		},
	}
	cmd.Flags().IntVar(&cursor, "cursor", 0, "Index of the next message to post")
	return cmd
}
