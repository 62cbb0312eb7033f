// Package systemd controls units of a user's systemd instance through
// systemctl.
package systemd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const waitDelay = time.Second

// Controller wraps systemctl --user.
type Controller struct {
	binary string
	logger zerolog.Logger
}

// NewController creates a Controller using systemctl from PATH.
func NewController(logger zerolog.Logger) *Controller {
	return NewControllerWithBinary("systemctl", logger)
}

// NewControllerWithBinary creates a Controller with a custom binary path.
func NewControllerWithBinary(binary string, logger zerolog.Logger) *Controller {
	return &Controller{
		binary: binary,
		logger: logger.With().Str("component", "systemd").Logger(),
	}
}

// userArgs targets the named user's manager, or the caller's own when user
// is empty.
func userArgs(user string, args ...string) []string {
	out := []string{"--user"}
	if user != "" {
		out = append(out, "--machine="+user+"@")
	}
	return append(out, args...)
}

// IsActive reports whether unit is active. An inactive or failed unit is
// not an error.
func (c *Controller) IsActive(ctx context.Context, user, unit string) (bool, error) {
	stdout, _, err := c.run(ctx, userArgs(user, "is-active", unit))
	state := strings.TrimSpace(string(stdout))

	var exitErr *exec.ExitError
	if err != nil && !(errors.As(err, &exitErr) && state != "") {
		return false, fmt.Errorf("query unit %s: %w", unit, err)
	}

	if state != "active" {
		c.logger.Debug().Str("unit", unit).Str("user", user).Str("state", state).Msg("unit not active")
	}
	return state == "active", nil
}

// Restart restarts unit.
func (c *Controller) Restart(ctx context.Context, user, unit string) error {
	c.logger.Info().Str("unit", unit).Str("user", user).Msg("restarting unit")
	if _, stderr, err := c.run(ctx, userArgs(user, "restart", unit)); err != nil {
		return fmt.Errorf("restart unit %s: %w: %s", unit, err, strings.TrimSpace(string(stderr)))
	}
	return nil
}

// DaemonReload makes the user's manager re-read unit files.
func (c *Controller) DaemonReload(ctx context.Context, user string) error {
	c.logger.Info().Str("user", user).Msg("reloading unit files")
	if _, stderr, err := c.run(ctx, userArgs(user, "daemon-reload")); err != nil {
		return fmt.Errorf("daemon-reload: %w: %s", err, strings.TrimSpace(string(stderr)))
	}
	return nil
}

func (c *Controller) run(ctx context.Context, args []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug().
		Str("command", c.binary).
		Strs("args", args).
		Msg("executing systemctl")

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
