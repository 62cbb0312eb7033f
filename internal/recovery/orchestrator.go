// Package recovery turns health verdicts into failure counting, restarts and
// backup restores.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/guardian/internal/config"
	"github.com/MacJediWizard/guardian/internal/health"
	"github.com/MacJediWizard/guardian/internal/journal"
	"github.com/rs/zerolog"
)

// DefaultActionTimeout bounds a single restart or restore.
const DefaultActionTimeout = 60 * time.Second

// Restart modes recorded in metrics.
const (
	ModeSoft    = "soft"
	ModeRestore = "restore"
	ModeRetry   = "retry"
)

// Backups is the part of the backup manager the orchestrator drives.
type Backups interface {
	Snapshot(ctx context.Context, res *config.Resource) (int, error)
	HasBackup(res *config.Resource) bool
	Restore(ctx context.Context, res *config.Resource) (bool, error)
}

// Recorder receives metric updates.
type Recorder interface {
	SetHealthy(resource string, healthy bool)
	SetFailures(resource string, n int)
	RecordRestart(resource, mode string)
	RecordRestore(resource string)
}

// Journal stores recovery events.
type Journal interface {
	Record(ctx context.Context, e journal.Event) error
}

// Action is what the orchestrator did for one verdict.
type Action string

const (
	ActionNone              Action = "none"
	ActionRecovered         Action = "recovered"
	ActionSoftRestart       Action = "soft_restart"
	ActionRestore           Action = "restore"
	ActionBackupUnavailable Action = "backup_unavailable"
)

// Outcome summarises one Handle call. Err carries the action failure, if
// any; it is informational and already logged.
type Outcome struct {
	Action   Action
	Failures int
	Target   string
	Err      error
}

// Options configures an Orchestrator.
type Options struct {
	Config        *config.Config
	Backups       Backups
	Restarters    map[config.Kind]Restarter
	State         FailureStore
	Metrics       Recorder
	Journal       Journal
	ActionTimeout time.Duration
	// Sleep waits out restartGrace. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration)
}

// Orchestrator applies the recovery policy to health verdicts.
type Orchestrator struct {
	cfg           *config.Config
	backups       Backups
	restarters    map[config.Kind]Restarter
	state         FailureStore
	metrics       Recorder
	journal       Journal
	actionTimeout time.Duration
	sleep         func(ctx context.Context, d time.Duration)
	logger        zerolog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(opts Options, logger zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:           opts.Config,
		backups:       opts.Backups,
		restarters:    opts.Restarters,
		state:         opts.State,
		metrics:       opts.Metrics,
		journal:       opts.Journal,
		actionTimeout: opts.ActionTimeout,
		sleep:         opts.Sleep,
		logger:        logger.With().Str("component", "recovery").Logger(),
	}
	if o.actionTimeout <= 0 {
		o.actionTimeout = DefaultActionTimeout
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}
	if o.restarters == nil {
		o.restarters = map[config.Kind]Restarter{}
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Handle applies the policy for one verdict. A healthy resource has its
// failure count reset and its backups refreshed. An unhealthy one is soft
// restarted until the count exceeds maxSoftRestarts, after which its files
// are restored from backup before each restart.
func (o *Orchestrator) Handle(ctx context.Context, res *config.Resource, v health.Verdict) Outcome {
	log := o.logger.With().Str("resource", res.Name).Logger()
	o.setHealthy(res.Name, v.Healthy)

	failures := o.loadFailures(res, log)

	if v.Healthy {
		out := Outcome{Action: ActionNone}
		if failures > 0 {
			log.Info().Int("failures", failures).Msg("resource recovered")
			o.saveFailures(res, 0, log)
			o.record(ctx, res, journal.ActionRecovered, nil, fmt.Sprintf("after %d failures", failures), 0)
			out.Action = ActionRecovered
		}
		o.setFailures(res.Name, 0)

		actx, cancel := o.actionContext(ctx)
		defer cancel()
		if _, err := o.backups.Snapshot(actx, res); err != nil {
			log.Warn().Err(err).Msg("snapshot incomplete")
		}
		return out
	}

	failures++
	o.saveFailures(res, failures, log)
	o.setFailures(res.Name, failures)
	log.Warn().Str("reason", v.Reason).Int("failures", failures).Msg("resource unhealthy")

	out := Outcome{Failures: failures}
	if failures <= res.MaxSoftRestarts {
		log.Warn().
			Str("attempt", fmt.Sprintf("%d/%d", failures, res.MaxSoftRestarts)).
			Msg("soft restart")
		out.Action = ActionSoftRestart
		out.Target, out.Err = o.restart(ctx, res, ModeSoft, failures)
	} else {
		log.Error().Int("failures", failures).Msg("RESTORING FROM BACKUP")
		out.Action, out.Target, out.Err = o.escalate(ctx, res, failures, log)
	}

	o.sleep(ctx, res.RestartGrace)
	return out
}

func (o *Orchestrator) escalate(ctx context.Context, res *config.Resource, failures int, log zerolog.Logger) (Action, string, error) {
	if !o.backups.HasBackup(res) {
		log.Error().
			Int("failures", failures).
			Msg("no backup available, manual intervention required; retrying restart")
		o.record(ctx, res, journal.ActionBackupUnavailable, nil, "", failures)
		target, err := o.restart(ctx, res, ModeRetry, failures)
		return ActionBackupUnavailable, target, err
	}

	actx, cancel := o.actionContext(ctx)
	restored, err := o.backups.Restore(actx, res)
	cancel()
	if err != nil {
		log.Error().Err(err).Bool("restored", restored).Msg("restore from backup failed")
	}
	if restored {
		o.recordRestore(res.Name)
	}
	o.record(ctx, res, journal.ActionRestore, err, "", failures)

	target, rerr := o.restart(ctx, res, ModeRestore, failures)
	return ActionRestore, target, errors.Join(err, rerr)
}

// restart runs the restart action of the resource at the end of res's
// restartVia chain. A broken chain falls back to res itself.
func (o *Orchestrator) restart(ctx context.Context, res *config.Resource, mode string, failures int) (string, error) {
	target := o.restartTarget(res)
	log := o.logger.With().Str("resource", res.Name).Str("target", target.Name).Logger()

	if target != res {
		log.Info().Msg("delegating restart")
	}

	restarter, ok := o.restarters[target.Kind]
	if !ok {
		err := fmt.Errorf("no restarter for kind %q", target.Kind)
		log.Error().Err(err).Msg("restart failed")
		o.record(ctx, res, journal.ActionRestart, err, target.Name, failures)
		return target.Name, err
	}

	actx, cancel := o.actionContext(ctx)
	defer cancel()

	o.recordRestart(res.Name, mode)
	err := restarter.Restart(actx, target)
	if err != nil {
		log.Error().Err(err).Str("mode", mode).Msg("restart failed")
	} else {
		log.Info().Str("mode", mode).Msg("restart issued")
	}

	action := journal.ActionRestart
	if mode == ModeSoft {
		action = journal.ActionSoftRestart
	}
	o.record(ctx, res, action, err, target.Name, failures)
	return target.Name, err
}

func (o *Orchestrator) restartTarget(res *config.Resource) *config.Resource {
	if o.cfg == nil {
		return res
	}
	chain, err := o.cfg.RestartChain(res)
	if err != nil {
		o.logger.Error().Err(err).Str("resource", res.Name).Msg("invalid restart_via chain, restarting resource itself")
		return res
	}
	return chain[len(chain)-1]
}

// actionContext detaches from cycle cancellation so an action that has
// started runs to completion, bounded by the action timeout.
func (o *Orchestrator) actionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.actionTimeout)
}

func (o *Orchestrator) loadFailures(res *config.Resource, log zerolog.Logger) int {
	if o.state == nil {
		return 0
	}
	n, err := o.state.Load(res.Name)
	if err != nil {
		log.Warn().Err(err).Msg("failure count unreadable, starting from zero")
	}
	return n
}

func (o *Orchestrator) saveFailures(res *config.Resource, n int, log zerolog.Logger) {
	if o.state == nil {
		return
	}
	if err := o.state.Save(res.Name, n); err != nil {
		log.Error().Err(err).Msg("failed to persist failure count")
	}
}

// Failures returns the persisted failure count for a resource.
func (o *Orchestrator) Failures(res *config.Resource) int {
	return o.loadFailures(res, o.logger)
}

func (o *Orchestrator) record(ctx context.Context, res *config.Resource, action journal.Action, err error, detail string, failures int) {
	if o.journal == nil {
		return
	}
	e := journal.Event{
		Resource: res.Name,
		Action:   action,
		Outcome:  journal.OutcomeOK,
		Detail:   detail,
		Failures: failures,
	}
	if err != nil {
		e.Outcome = journal.OutcomeFailed
		e.Detail = err.Error()
	}
	if jerr := o.journal.Record(context.WithoutCancel(ctx), e); jerr != nil {
		o.logger.Warn().Err(jerr).Msg("failed to journal event")
	}
}

func (o *Orchestrator) setHealthy(name string, healthy bool) {
	if o.metrics != nil {
		o.metrics.SetHealthy(name, healthy)
	}
}

func (o *Orchestrator) setFailures(name string, n int) {
	if o.metrics != nil {
		o.metrics.SetFailures(name, n)
	}
}

func (o *Orchestrator) recordRestart(name, mode string) {
	if o.metrics != nil {
		o.metrics.RecordRestart(name, mode)
	}
}

func (o *Orchestrator) recordRestore(name string) {
	if o.metrics != nil {
		o.metrics.RecordRestore(name)
	}
}
