// Package docker controls containers through the Docker CLI.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ContainerState is the State block of `docker inspect`.
type ContainerState struct {
	Status     string       `json:"Status"`
	Running    bool         `json:"Running"`
	Paused     bool         `json:"Paused"`
	Restarting bool         `json:"Restarting"`
	OOMKilled  bool         `json:"OOMKilled"`
	Dead       bool         `json:"Dead"`
	Pid        int          `json:"Pid"`
	ExitCode   int          `json:"ExitCode"`
	Error      string       `json:"Error"`
	StartedAt  string       `json:"StartedAt"`
	FinishedAt string       `json:"FinishedAt"`
	Health     *HealthState `json:"Health,omitempty"`
}

// HealthState is the container's HEALTHCHECK status, when it defines one.
type HealthState struct {
	Status        string `json:"Status"`
	FailingStreak int    `json:"FailingStreak"`
}

// Healthy reports whether the container is running, not paused or
// restarting, and not failing its own healthcheck.
func (s *ContainerState) Healthy() bool {
	if !s.Running || s.Restarting || s.Paused {
		return false
	}
	return s.Health == nil || s.Health.Status != "unhealthy"
}

// waitDelay bounds how long a killed docker command may hold its output
// pipes open.
const waitDelay = time.Second

// Client wraps the Docker CLI.
type Client struct {
	binary string
	logger zerolog.Logger
}

// NewClient creates a Client using the docker binary on PATH.
func NewClient(logger zerolog.Logger) *Client {
	return NewClientWithBinary("docker", logger)
}

// NewClientWithBinary creates a Client with a custom binary path.
func NewClientWithBinary(binary string, logger zerolog.Logger) *Client {
	return &Client{
		binary: binary,
		logger: logger.With().Str("component", "docker").Logger(),
	}
}

// State returns the container's runtime state.
func (c *Client) State(ctx context.Context, container string) (*ContainerState, error) {
	output, err := c.run(ctx, "inspect", "--format", "{{json .State}}", container)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", container, err)
	}

	var state ContainerState
	if err := json.Unmarshal(bytes.TrimSpace(output), &state); err != nil {
		return nil, fmt.Errorf("parse state of %s: %w", container, err)
	}
	return &state, nil
}

// IsRunning reports the container's running flag.
func (c *Client) IsRunning(ctx context.Context, container string) (bool, error) {
	state, err := c.State(ctx, container)
	if err != nil {
		return false, err
	}
	if !state.Running {
		c.logger.Debug().
			Str("container", container).
			Str("status", state.Status).
			Msg("container not running")
	}
	return state.Running, nil
}

// IsHealthy reports whether the container is running and passing its own
// healthcheck. Containers without a healthcheck only need to be running.
func (c *Client) IsHealthy(ctx context.Context, container string) (bool, error) {
	state, err := c.State(ctx, container)
	if err != nil {
		return false, err
	}
	if !state.Healthy() {
		c.logger.Debug().
			Str("container", container).
			Str("status", state.Status).
			Msg("container not healthy")
	}
	return state.Healthy(), nil
}

// Restart restarts the container.
func (c *Client) Restart(ctx context.Context, container string) error {
	c.logger.Info().Str("container", container).Msg("restarting container")
	if _, err := c.run(ctx, "restart", container); err != nil {
		return fmt.Errorf("restart container %s: %w", container, err)
	}
	return nil
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug().
		Str("command", c.binary).
		Strs("args", args).
		Msg("executing docker command")

	if err := cmd.Run(); err != nil {
		errMsg := stderr.String()
		if errMsg == "" {
			errMsg = stdout.String()
		}
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(errMsg))
	}

	return stdout.Bytes(), nil
}
