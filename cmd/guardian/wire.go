package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/MacJediWizard/guardian/internal/backup"
	"github.com/MacJediWizard/guardian/internal/config"
	"github.com/MacJediWizard/guardian/internal/docker"
	"github.com/MacJediWizard/guardian/internal/health"
	"github.com/MacJediWizard/guardian/internal/journal"
	"github.com/MacJediWizard/guardian/internal/logs"
	"github.com/MacJediWizard/guardian/internal/metrics"
	"github.com/MacJediWizard/guardian/internal/process"
	"github.com/MacJediWizard/guardian/internal/recovery"
	"github.com/MacJediWizard/guardian/internal/systemd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// stack holds every component built from one configuration.
type stack struct {
	cfg *config.Config

	protector    *backup.AttrProtector
	backups      *backup.Manager
	processes    *process.Table
	ports        *process.Ports
	services     *systemd.Controller
	containers   *docker.Client
	checker      *health.Checker
	state        *recovery.FileStore
	metrics      *metrics.PrometheusMetrics
	journal      *journal.Store
	orchestrator *recovery.Orchestrator
}

// loadConfig discovers and loads the configuration, making its path
// absolute so the integrity monitor watches the right file.
func loadConfig(override string) (*config.Config, error) {
	cfg, err := config.LoadDefault(override)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(cfg.Path); err == nil {
		cfg.Path = abs
	}
	return cfg, nil
}

func logLevel(cfg *config.Config, debug bool) zerolog.Level {
	if debug {
		return zerolog.DebugLevel
	}
	return cfg.Settings.LogLevel
}

// newDaemonLogger logs to stderr and to the rotating log file. When the log
// file cannot be opened the daemon keeps running with stderr only.
func newDaemonLogger(cfg *config.Config, debug bool) (zerolog.Logger, *logs.RotatingFile) {
	level := logLevel(cfg, debug)

	logFile, err := logs.OpenRotatingFile(cfg.Settings.LogFile, cfg.Settings.MaxLogSize)
	if err != nil {
		logger := logs.New(level, os.Stderr)
		logger.Warn().Err(err).Str("path", cfg.Settings.LogFile).Msg("log file unavailable, logging to stderr only")
		return logger, nil
	}
	return logs.New(level, logFile, os.Stderr), logFile
}

// newCommandLogger is used by the one-shot subcommands.
func newCommandLogger(cfg *config.Config, debug bool) zerolog.Logger {
	if debug {
		return logs.New(zerolog.DebugLevel, os.Stderr)
	}
	level := zerolog.WarnLevel
	if cfg.Settings.LogLevel > level {
		level = cfg.Settings.LogLevel
	}
	return logs.New(level, os.Stderr)
}

// buildStack wires the OS-backed implementations together. Optional parts
// (mirror, metrics, journal) that fail to initialise are logged and left out.
func buildStack(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *stack {
	s := &stack{cfg: cfg}
	settings := cfg.Settings

	s.protector = backup.NewAttrProtector(logger)
	s.backups = backup.NewManager(settings.BackupDir, settings.BackupGenerations, s.protector, logger)
	if settings.Mirror.Enabled() {
		if err := backup.ValidateMirror(settings.Mirror); err != nil {
			logger.Warn().Err(err).Msg("backup mirror disabled")
		} else if mirror, err := backup.NewS3Mirror(ctx, settings.Mirror); err != nil {
			logger.Warn().Err(err).Msg("backup mirror disabled")
		} else {
			s.backups.SetMirror(mirror)
			logger.Info().Str("bucket", settings.Mirror.Bucket).Msg("backup mirror enabled")
		}
	}

	s.processes = process.NewTable(logger)
	s.ports = process.NewPorts(logger)
	s.services = systemd.NewController(logger)
	s.containers = docker.NewClient(logger)

	s.checker = health.NewChecker(health.Options{
		Probes:         health.DefaultProbes(s.processes, s.services, s.containers, logger),
		Ports:          s.ports,
		ProbeTimeout:   settings.ProbeTimeout,
		CommandTimeout: settings.CommandTimeout,
	}, logger)

	s.state = recovery.NewFileStore(settings.StateDir)

	if settings.MetricsFile != "" {
		m, err := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
		if err != nil {
			logger.Warn().Err(err).Msg("metrics disabled")
		} else {
			s.metrics = m
		}
	}

	if settings.JournalFile != "" {
		store, err := journal.Open(settings.JournalFile, logger)
		if err != nil {
			logger.Warn().Err(err).Str("path", settings.JournalFile).Msg("journal disabled")
		} else {
			s.journal = store
		}
	}

	opts := recovery.Options{
		Config:  cfg,
		Backups: s.backups,
		Restarters: recovery.DefaultRestarters(recovery.Drivers{
			Processes:  s.processes,
			Ports:      s.ports,
			Launcher:   process.NewSpawner(logger),
			Services:   s.services,
			Containers: s.containers,
			Backups:    s.backups,
		}, logger),
		State:         s.state,
		ActionTimeout: settings.ActionTimeout,
	}
	if s.metrics != nil {
		opts.Metrics = s.metrics
	}
	if s.journal != nil {
		opts.Journal = s.journal
	}
	s.orchestrator = recovery.NewOrchestrator(opts, logger)

	return s
}

// Close releases the journal database.
func (s *stack) Close() {
	if s.journal != nil {
		_ = s.journal.Close()
	}
}
