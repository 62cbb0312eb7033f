// Package main is the entrypoint for the guardian watchdog CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/MacJediWizard/guardian/internal/integrity"
	"github.com/MacJediWizard/guardian/internal/scheduler"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "guardian",
		Short: "guardian - self-healing infrastructure watchdog",
		Long: `guardian watches processes, systemd user services, Docker containers and
configuration files declared in guardian.conf. Unhealthy resources are
soft-restarted; when restarts keep failing, their protected files are
restored from backup before the final restart.

Run 'guardian run' to start the daemon.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default: $GUARDIAN_CONFIG, ./guardian.conf, /etc/guardian/guardian.conf)")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(flags),
		newCheckCmd(flags),
		newStatusCmd(flags),
		newSnapshotCmd(flags),
		newRestoreCmd(flags),
		newHistoryCmd(flags),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("guardian %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the watchdog daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(flags)
		},
	}
}

func runDaemon(flags *globalFlags) error {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return err
	}

	logger, logFile := newDaemonLogger(cfg, flags.debug)
	if logFile != nil {
		defer logFile.Close()
	}
	for _, problem := range cfg.Problems() {
		logger.Warn().Str("config", cfg.Path).Msg(problem)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := buildStack(ctx, cfg, logger)
	defer st.Close()

	opts := scheduler.Options{
		Config:       cfg,
		Checker:      st.checker,
		Orchestrator: st.orchestrator,
		Backups:      st.backups,
	}
	if cfg.Settings.IntegrityCheck {
		opts.Integrity = integrity.NewMonitor(integrity.SelfPaths(cfg.Path, cfg.Settings.SelfUnitFile), st.protector, logger)
	}
	if logFile != nil {
		opts.Rotator = logFile
	}
	if st.metrics != nil {
		opts.Metrics = st.metrics
	}
	if st.journal != nil {
		opts.Journal = st.journal
	}

	return scheduler.NewDaemon(opts, logger).Run(ctx)
}
