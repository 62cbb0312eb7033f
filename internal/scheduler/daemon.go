// Package scheduler runs the watchdog's periodic check cycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/guardian/internal/config"
	"github.com/MacJediWizard/guardian/internal/health"
	"github.com/MacJediWizard/guardian/internal/journal"
	"github.com/MacJediWizard/guardian/internal/recovery"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JournalRetention is how long journal events are kept.
const JournalRetention = 90 * 24 * time.Hour

// SelfResource is the journal resource name used for the daemon's own files.
const SelfResource = "guardian"

// Checker evaluates resource health.
type Checker interface {
	Check(ctx context.Context, res *config.Resource) health.Verdict
}

// Handler applies the recovery policy to a verdict.
type Handler interface {
	Handle(ctx context.Context, res *config.Resource, v health.Verdict) recovery.Outcome
}

// Snapshotter takes backups of a resource's protected files.
type Snapshotter interface {
	Snapshot(ctx context.Context, res *config.Resource) (int, error)
}

// IntegrityVerifier re-protects the daemon's own files.
type IntegrityVerifier interface {
	Verify(ctx context.Context) int
}

// LogRotator rotates the daemon log when it grows too large.
type LogRotator interface {
	Rotate() (bool, error)
	Path() string
}

// CycleRecorder receives per-cycle metrics.
type CycleRecorder interface {
	ObserveCycle(d time.Duration)
	RecordIntegrityRepairs(n int)
	WriteTextfile(path string) error
}

// Journal records integrity repairs and drops old events.
type Journal interface {
	Record(ctx context.Context, e journal.Event) error
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Options wires a Daemon. Integrity, Rotator, Metrics and Journal may be nil.
type Options struct {
	Config       *config.Config
	Checker      Checker
	Orchestrator Handler
	Backups      Snapshotter
	Integrity    IntegrityVerifier
	Rotator      LogRotator
	Metrics      CycleRecorder
	Journal      Journal
}

// CycleReport summarises one check cycle.
type CycleReport struct {
	ID          string
	Checked     int
	Unhealthy   int
	Repairs     int
	Interrupted bool
	Duration    time.Duration
}

// Daemon evaluates every enabled resource once per interval.
type Daemon struct {
	cfg          *config.Config
	checker      Checker
	orchestrator Handler
	backups      Snapshotter
	integrity    IntegrityVerifier
	rotator      LogRotator
	metrics      CycleRecorder
	journal      Journal
	logger       zerolog.Logger
}

// NewDaemon creates a Daemon.
func NewDaemon(opts Options, logger zerolog.Logger) *Daemon {
	return &Daemon{
		cfg:          opts.Config,
		checker:      opts.Checker,
		orchestrator: opts.Orchestrator,
		backups:      opts.Backups,
		integrity:    opts.Integrity,
		rotator:      opts.Rotator,
		metrics:      opts.Metrics,
		journal:      opts.Journal,
		logger:       logger.With().Str("component", "scheduler").Logger(),
	}
}

// Bootstrap takes an initial snapshot of every enabled resource and prunes
// old journal entries. It returns the number of backup files written.
func (d *Daemon) Bootstrap(ctx context.Context) int {
	written := 0
	for _, res := range d.cfg.Enabled() {
		if ctx.Err() != nil {
			break
		}
		n, err := d.backups.Snapshot(context.WithoutCancel(ctx), res)
		if err != nil {
			d.logger.Warn().Err(err).Str("resource", res.Name).Msg("initial snapshot incomplete")
		}
		written += n
	}
	d.logger.Info().Int("files", written).Msg("initial snapshot complete")

	if d.journal != nil {
		if _, err := d.journal.Prune(ctx, time.Now().Add(-JournalRetention)); err != nil {
			d.logger.Warn().Err(err).Msg("failed to prune journal")
		}
	}
	return written
}

// RunCycle rotates the log, verifies self-integrity and then checks and
// handles every enabled resource in declaration order. Cancellation is
// honoured between resources only.
func (d *Daemon) RunCycle(ctx context.Context) CycleReport {
	start := time.Now()
	report := CycleReport{ID: uuid.NewString()}
	ctx = journal.WithCycle(ctx, report.ID)
	log := d.logger.With().Str("cycle", report.ID).Logger()

	if d.rotator != nil {
		rotated, err := d.rotator.Rotate()
		if err != nil {
			log.Warn().Err(err).Str("path", d.rotator.Path()).Msg("log rotation failed")
		} else if rotated {
			log.Info().Str("path", d.rotator.Path()).Msg("log rotated")
		}
	}

	if d.integrity != nil {
		report.Repairs = d.integrity.Verify(ctx)
		if d.metrics != nil {
			d.metrics.RecordIntegrityRepairs(report.Repairs)
		}
		if report.Repairs > 0 && d.journal != nil {
			err := d.journal.Record(ctx, journal.Event{
				Resource: SelfResource,
				Action:   journal.ActionIntegrityRepair,
				Outcome:  journal.OutcomeOK,
				Detail:   fmt.Sprintf("immutable flag re-applied to %d file(s)", report.Repairs),
			})
			if err != nil {
				log.Warn().Err(err).Msg("failed to record journal event")
			}
		}
	}

	for _, res := range d.cfg.Enabled() {
		if ctx.Err() != nil {
			report.Interrupted = true
			log.Info().Str("next", res.Name).Msg("cycle interrupted")
			break
		}

		v := d.checker.Check(context.WithoutCancel(ctx), res)
		report.Checked++
		if v.Healthy {
			log.Debug().Str("resource", res.Name).Msg("healthy")
		} else {
			report.Unhealthy++
		}
		d.orchestrator.Handle(ctx, res, v)
	}

	report.Duration = time.Since(start)
	if d.metrics != nil {
		d.metrics.ObserveCycle(report.Duration)
		if path := d.cfg.Settings.MetricsFile; path != "" {
			if err := d.metrics.WriteTextfile(path); err != nil {
				log.Warn().Err(err).Msg("failed to write metrics")
			}
		}
	}

	log.Debug().
		Int("checked", report.Checked).
		Int("unhealthy", report.Unhealthy).
		Int("repairs", report.Repairs).
		Dur("duration", report.Duration).
		Msg("cycle complete")
	return report
}

// Run bootstraps, runs a first cycle immediately and then one cycle per
// check interval until ctx is cancelled. Cycles never overlap; on
// cancellation Run waits for the running cycle to finish.
func (d *Daemon) Run(ctx context.Context) error {
	interval := d.cfg.Settings.CheckInterval
	if interval <= 0 {
		return errors.New("check interval must be positive")
	}

	d.logger.Info().
		Str("config", d.cfg.Path).
		Dur("interval", interval).
		Int("resources", len(d.cfg.Enabled())).
		Msg("guardian started")

	d.Bootstrap(ctx)

	cronLog := newCronLogger(d.logger)
	job := cron.NewChain(cron.SkipIfStillRunning(cronLog)).Then(cron.FuncJob(func() {
		d.RunCycle(ctx)
	}))

	c := cron.New(cron.WithLogger(cronLog))
	c.Schedule(cron.Every(interval), job)

	job.Run()
	if ctx.Err() == nil {
		c.Start()
		<-ctx.Done()
	}

	d.logger.Info().Msg("shutdown requested, waiting for running cycle")
	<-c.Stop().Done()
	d.logger.Info().Msg("guardian stopped")
	return nil
}
