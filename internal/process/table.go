// Package process inspects and controls OS processes, listening ports and
// detached process launches.
package process

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// pollInterval is how often Stop re-scans the table while waiting for
// terminated processes to exit.
var pollInterval = 200 * time.Millisecond

// Match is a process whose command line matched a pattern.
type Match struct {
	PID     int32
	Cmdline string
}

// Table queries the OS process table.
type Table struct {
	self   int32
	logger zerolog.Logger
}

// NewTable creates a Table that never reports or signals the calling process.
func NewTable(logger zerolog.Logger) *Table {
	return &Table{
		self:   int32(os.Getpid()),
		logger: logger.With().Str("component", "process").Logger(),
	}
}

// Find returns every process whose full command line matches pattern.
// Processes without a command line (kernel threads, zombies) are skipped.
func (t *Table) Find(ctx context.Context, pattern string) ([]Match, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile process pattern %q: %w", pattern, err)
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	var matches []Match
	for _, p := range procs {
		if p.Pid == t.self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		if re.MatchString(cmdline) {
			matches = append(matches, Match{PID: p.Pid, Cmdline: cmdline})
		}
	}
	return matches, nil
}

// Running reports whether any process matches pattern.
func (t *Table) Running(ctx context.Context, pattern string) (bool, error) {
	matches, err := t.Find(ctx, pattern)
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

// Stop sends SIGTERM to every matching process, waits up to grace for them
// to exit, then sends SIGKILL to the survivors. It returns the number of
// processes signalled.
func (t *Table) Stop(ctx context.Context, pattern string, grace time.Duration) (int, error) {
	matches, err := t.Find(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(matches) == 0 {
		return 0, nil
	}

	for _, m := range matches {
		t.logger.Info().Int32("pid", m.PID).Str("cmdline", m.Cmdline).Msg("terminating process")
		if err := signalPID(ctx, m.PID, false); err != nil {
			t.logger.Warn().Err(err).Int32("pid", m.PID).Msg("SIGTERM failed")
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		remaining, err := t.Find(ctx, pattern)
		if err != nil {
			return len(matches), err
		}
		if len(remaining) == 0 {
			return len(matches), nil
		}
		select {
		case <-ctx.Done():
			return len(matches), ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	remaining, err := t.Find(ctx, pattern)
	if err != nil {
		return len(matches), err
	}
	for _, m := range remaining {
		t.logger.Warn().Int32("pid", m.PID).Dur("grace", grace).Msg("process ignored SIGTERM, killing")
		if err := signalPID(ctx, m.PID, true); err != nil {
			t.logger.Warn().Err(err).Int32("pid", m.PID).Msg("SIGKILL failed")
		}
	}
	return len(matches), nil
}

func signalPID(ctx context.Context, pid int32, kill bool) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	if kill {
		return p.KillWithContext(ctx)
	}
	return p.TerminateWithContext(ctx)
}
