package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/guardian/internal/config"
	"github.com/rs/zerolog"
)

// Restarter performs the kind-specific restart of a resource.
type Restarter interface {
	Restart(ctx context.Context, res *config.Resource) error
}

// RestarterFunc adapts a function to Restarter.
type RestarterFunc func(ctx context.Context, res *config.Resource) error

// Restart implements Restarter.
func (f RestarterFunc) Restart(ctx context.Context, res *config.Resource) error {
	return f(ctx, res)
}

// ProcessStopper terminates processes matching a pattern.
type ProcessStopper interface {
	Stop(ctx context.Context, pattern string, grace time.Duration) (int, error)
}

// PortReleaser kills whatever still listens on a port.
type PortReleaser interface {
	Release(ctx context.Context, port int) (int, error)
}

// Launcher starts a resource's process.
type Launcher interface {
	Start(ctx context.Context, res *config.Resource) (int, error)
}

// ServiceController restarts user systemd units.
type ServiceController interface {
	Restart(ctx context.Context, user, unit string) error
	DaemonReload(ctx context.Context, user string) error
}

// ContainerController restarts containers.
type ContainerController interface {
	Restart(ctx context.Context, container string) error
}

// ProcessRestarter stops matching processes, frees their ports and launches
// the start command again.
type ProcessRestarter struct {
	Processes ProcessStopper
	Ports     PortReleaser
	Launcher  Launcher
	Logger    zerolog.Logger
}

func (r *ProcessRestarter) Restart(ctx context.Context, res *config.Resource) error {
	if pattern := res.MatchPattern(); pattern != "" {
		n, err := r.Processes.Stop(ctx, pattern, res.StopGrace)
		if err != nil {
			r.Logger.Warn().Err(err).Str("resource", res.Name).Msg("failed to stop processes")
		} else if n > 0 {
			r.Logger.Info().Str("resource", res.Name).Int("stopped", n).Msg("processes stopped")
		}
	}

	if res.ReleasePorts && r.Ports != nil {
		for _, port := range res.RequiredPorts {
			if _, err := r.Ports.Release(ctx, port); err != nil {
				r.Logger.Warn().Err(err).Str("resource", res.Name).Int("port", port).Msg("failed to release port")
			}
		}
	}

	if res.StartCommand == "" {
		return fmt.Errorf("restart %s: no start command", res.Name)
	}
	if _, err := r.Launcher.Start(ctx, res); err != nil {
		return fmt.Errorf("launch %s: %w", res.Name, err)
	}
	return nil
}

// SystemdRestarter restarts a user unit, reloading unit files first when the
// unit file itself is protected.
type SystemdRestarter struct {
	Services ServiceController
	Logger   zerolog.Logger
}

func (r *SystemdRestarter) Restart(ctx context.Context, res *config.Resource) error {
	if res.ProtectedServiceFile != "" {
		if err := r.Services.DaemonReload(ctx, res.User); err != nil {
			r.Logger.Warn().Err(err).Str("resource", res.Name).Msg("daemon-reload failed")
		}
	}
	return r.Services.Restart(ctx, res.User, res.Service)
}

// DockerRestarter restarts a container.
type DockerRestarter struct {
	Containers ContainerController
}

func (r *DockerRestarter) Restart(ctx context.Context, res *config.Resource) error {
	return r.Containers.Restart(ctx, res.Container)
}

// FileRestarter "restarts" a file-integrity resource by restoring its files.
type FileRestarter struct {
	Backups Backups
}

func (r *FileRestarter) Restart(ctx context.Context, res *config.Resource) error {
	ok, err := r.Backups.Restore(ctx, res)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("nothing restored")
	}
	return nil
}

// Drivers bundles the OS-facing controllers used by the default restarters.
type Drivers struct {
	Processes  ProcessStopper
	Ports      PortReleaser
	Launcher   Launcher
	Services   ServiceController
	Containers ContainerController
	Backups    Backups
}

// DefaultRestarters returns the restarter registry for the built-in kinds.
func DefaultRestarters(d Drivers, logger zerolog.Logger) map[config.Kind]Restarter {
	logger = logger.With().Str("component", "restarter").Logger()
	return map[config.Kind]Restarter{
		config.KindProcess: &ProcessRestarter{
			Processes: d.Processes,
			Ports:     d.Ports,
			Launcher:  d.Launcher,
			Logger:    logger,
		},
		config.KindSystemdUser:   &SystemdRestarter{Services: d.Services, Logger: logger},
		config.KindDocker:        &DockerRestarter{Containers: d.Containers},
		config.KindFileIntegrity: &FileRestarter{Backups: d.Backups},
	}
}
