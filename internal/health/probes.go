package health

import (
	"context"

	"github.com/MacJediWizard/guardian/internal/config"
	"github.com/rs/zerolog"
)

// ProcessMatcher finds processes by command line pattern.
type ProcessMatcher interface {
	Running(ctx context.Context, pattern string) (bool, error)
}

// ServiceController reports unit state in a user's systemd instance.
type ServiceController interface {
	IsActive(ctx context.Context, user, unit string) (bool, error)
}

// ContainerController reports container state.
type ContainerController interface {
	IsRunning(ctx context.Context, container string) (bool, error)
	IsHealthy(ctx context.Context, container string) (bool, error)
}

// ProbeFunc adapts a function to LivenessProbe.
type ProbeFunc func(ctx context.Context, res *config.Resource) Verdict

// Probe implements LivenessProbe.
func (f ProbeFunc) Probe(ctx context.Context, res *config.Resource) Verdict {
	return f(ctx, res)
}

// ProcessProbe checks that a matching process is running. A resource with
// no pattern is left to its secondary probes.
type ProcessProbe struct {
	Matcher ProcessMatcher
}

func (p ProcessProbe) Probe(ctx context.Context, res *config.Resource) Verdict {
	pattern := res.MatchPattern()
	if pattern == "" {
		return Pass()
	}
	running, err := p.Matcher.Running(ctx, pattern)
	if err != nil {
		return Fail("process check failed: %v", err)
	}
	if !running {
		return Fail("no process matching %q", pattern)
	}
	return Pass()
}

// SystemdProbe checks that the resource's user unit is active.
type SystemdProbe struct {
	Services ServiceController
}

func (p SystemdProbe) Probe(ctx context.Context, res *config.Resource) Verdict {
	active, err := p.Services.IsActive(ctx, res.User, res.Service)
	if err != nil {
		return Fail("systemd check failed: %v", err)
	}
	if !active {
		return Fail("unit %s is not active", res.Service)
	}
	return Pass()
}

// DockerProbe checks the running flag of the resource's container, plus the
// container's own healthcheck when DockerHealth is set.
type DockerProbe struct {
	Containers ContainerController
}

func (p DockerProbe) Probe(ctx context.Context, res *config.Resource) Verdict {
	running, err := p.Containers.IsRunning(ctx, res.Container)
	if err != nil {
		return Fail("docker check failed: %v", err)
	}
	if !running {
		return Fail("container %s is not running", res.Container)
	}
	if !res.DockerHealth {
		return Pass()
	}

	healthy, err := p.Containers.IsHealthy(ctx, res.Container)
	if err != nil {
		return Fail("docker check failed: %v", err)
	}
	if !healthy {
		return Fail("container %s is failing its healthcheck", res.Container)
	}
	return Pass()
}

// DefaultProbes returns the liveness probe registry for the built-in kinds.
func DefaultProbes(matcher ProcessMatcher, services ServiceController, containers ContainerController, logger zerolog.Logger) map[config.Kind]LivenessProbe {
	return map[config.Kind]LivenessProbe{
		config.KindProcess:       ProcessProbe{Matcher: matcher},
		config.KindSystemdUser:   SystemdProbe{Services: services},
		config.KindDocker:        DockerProbe{Containers: containers},
		config.KindFileIntegrity: NewFileIntegrityProbe(logger),
	}
}
