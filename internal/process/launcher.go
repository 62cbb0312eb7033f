package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/MacJediWizard/guardian/internal/config"
	"github.com/rs/zerolog"
)

// ErrNoStartCommand is returned when a resource has nothing to launch.
var ErrNoStartCommand = errors.New("no start command configured")

// Spawner launches detached processes.
type Spawner struct {
	logger zerolog.Logger
}

// NewSpawner creates a Spawner.
func NewSpawner(logger zerolog.Logger) *Spawner {
	return &Spawner{logger: logger.With().Str("component", "launcher").Logger()}
}

// Argv resolves the argument vector for a resource's start command. The
// interpreter comes from the launcher setting or, when unset, the suffix of
// the first word: .py runs under python3 (the virtualenv's python when one
// is set), .sh under bash, .js under node and anything else through sh -c.
func Argv(res *config.Resource) ([]string, error) {
	command := strings.TrimSpace(res.StartCommand)
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, ErrNoStartCommand
	}

	launcher := res.Launcher
	if launcher == config.LauncherAuto {
		launcher = inferLauncher(fields[0])
	}

	switch launcher {
	case config.LauncherPython:
		python := "python3"
		if res.Venv != "" {
			python = filepath.Join(res.Venv, "bin", "python")
		}
		return append([]string{python}, fields...), nil
	case config.LauncherBash:
		return append([]string{"bash"}, fields...), nil
	case config.LauncherNode:
		return append([]string{"node"}, fields...), nil
	case config.LauncherExec:
		return fields, nil
	case config.LauncherShell:
		return []string{"sh", "-c", command}, nil
	default:
		return nil, fmt.Errorf("unknown launcher %q", launcher)
	}
}

func inferLauncher(program string) config.Launcher {
	switch strings.ToLower(filepath.Ext(program)) {
	case ".py":
		return config.LauncherPython
	case ".sh":
		return config.LauncherBash
	case ".js", ".mjs", ".cjs":
		return config.LauncherNode
	default:
		return config.LauncherShell
	}
}

// Environ returns the child environment: the daemon's own environment with
// the virtualenv activated when one is set.
func Environ(res *config.Resource) []string {
	env := os.Environ()
	if res.Venv == "" {
		return env
	}

	bin := filepath.Join(res.Venv, "bin")
	out := make([]string, 0, len(env)+2)
	path := bin
	for _, kv := range env {
		switch {
		case strings.HasPrefix(kv, "PATH="):
			path = bin + string(os.PathListSeparator) + strings.TrimPrefix(kv, "PATH=")
		case strings.HasPrefix(kv, "VIRTUAL_ENV="), strings.HasPrefix(kv, "PYTHONHOME="):
		default:
			out = append(out, kv)
		}
	}
	return append(out, "VIRTUAL_ENV="+res.Venv, "PATH="+path)
}

// Start launches the resource's start command in its own session and
// returns the child's PID. The child outlives ctx; only resolution and
// spawning are bound by it.
func (s *Spawner) Start(ctx context.Context, res *config.Resource) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	argv, err := Argv(res)
	if err != nil {
		return 0, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = res.WorkingDir
	cmd.Env = Environ(res)

	attr, err := sysProcAttr(res.User)
	if err != nil {
		return 0, err
	}
	cmd.SysProcAttr = attr

	var logFile *os.File
	if res.StartLog != "" {
		if err := os.MkdirAll(filepath.Dir(res.StartLog), 0o755); err != nil {
			return 0, fmt.Errorf("create start log dir: %w", err)
		}
		logFile, err = os.OpenFile(res.StartLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open start log: %w", err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return 0, fmt.Errorf("start %s: %w", argv[0], err)
	}

	pid := cmd.Process.Pid
	s.logger.Info().
		Str("resource", res.Name).
		Int("pid", pid).
		Strs("argv", argv).
		Msg("process launched")

	go func() {
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		s.logger.Debug().Err(err).Str("resource", res.Name).Int("pid", pid).Msg("launched process exited")
	}()

	return pid, nil
}
