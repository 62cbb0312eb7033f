// Package health decides whether a monitored resource is healthy.
package health

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MacJediWizard/guardian/internal/config"
	"github.com/MacJediWizard/guardian/internal/httpclient"
	"github.com/rs/zerolog"
)

// Default probe timeouts.
const (
	DefaultProbeTimeout   = 10 * time.Second
	DefaultCommandTimeout = 30 * time.Second
	DefaultHTTPTimeout    = httpclient.DefaultTimeout
)

// commandOutputLimit caps health command output carried in a reason.
const commandOutputLimit = 200

// Verdict is the outcome of a health check. Reason is empty when healthy.
type Verdict struct {
	Healthy bool
	Reason  string
}

// Pass returns a healthy verdict.
func Pass() Verdict {
	return Verdict{Healthy: true}
}

// Fail returns an unhealthy verdict with a formatted reason.
func Fail(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

func (v Verdict) String() string {
	if v.Healthy {
		return "healthy"
	}
	return "unhealthy: " + v.Reason
}

// LivenessProbe is the kind-specific primary check for a resource.
type LivenessProbe interface {
	Probe(ctx context.Context, res *config.Resource) Verdict
}

// PortProber reports whether a TCP port is listening.
type PortProber interface {
	Listening(ctx context.Context, port int) (bool, error)
}

// HTTPProbe fetches a URL and returns its status code.
type HTTPProbe interface {
	Status(ctx context.Context, url string) (int, error)
}

// CommandRunner runs a shell command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, command string) ([]byte, error)
}

// Options configures a Checker.
type Options struct {
	Probes   map[config.Kind]LivenessProbe
	Ports    PortProber
	HTTP     HTTPProbe
	Commands CommandRunner

	ProbeTimeout   time.Duration
	CommandTimeout time.Duration
	HTTPTimeout    time.Duration
}

// Checker runs the kind probe and then the secondary probes of a resource.
type Checker struct {
	probes   map[config.Kind]LivenessProbe
	ports    PortProber
	http     HTTPProbe
	commands CommandRunner

	probeTimeout   time.Duration
	commandTimeout time.Duration
	httpTimeout    time.Duration

	logger zerolog.Logger
}

// NewChecker creates a Checker.
func NewChecker(opts Options, logger zerolog.Logger) *Checker {
	c := &Checker{
		probes:         make(map[config.Kind]LivenessProbe, len(opts.Probes)),
		ports:          opts.Ports,
		http:           opts.HTTP,
		commands:       opts.Commands,
		probeTimeout:   opts.ProbeTimeout,
		commandTimeout: opts.CommandTimeout,
		httpTimeout:    opts.HTTPTimeout,
		logger:         logger.With().Str("component", "health").Logger(),
	}
	for kind, probe := range opts.Probes {
		c.probes[kind] = probe
	}
	if c.probeTimeout <= 0 {
		c.probeTimeout = DefaultProbeTimeout
	}
	if c.commandTimeout <= 0 {
		c.commandTimeout = DefaultCommandTimeout
	}
	if c.httpTimeout <= 0 {
		c.httpTimeout = DefaultHTTPTimeout
	}
	if c.http == nil {
		c.http = httpclient.NewProber(c.httpTimeout)
	}
	if c.commands == nil {
		c.commands = ShellRunner{}
	}
	return c
}

// Register installs the liveness probe for a kind.
func (c *Checker) Register(kind config.Kind, probe LivenessProbe) {
	c.probes[kind] = probe
}

// Check evaluates res. The first failing probe decides the reason.
func (c *Checker) Check(ctx context.Context, res *config.Resource) Verdict {
	if probe, ok := c.probes[res.Kind]; ok {
		pctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
		v := probe.Probe(pctx, res)
		cancel()
		if !v.Healthy {
			return v
		}
	} else {
		c.logger.Warn().
			Str("resource", res.Name).
			Str("kind", string(res.Kind)).
			Msg("unknown resource kind, skipping liveness probe")
	}

	for _, port := range res.RequiredPorts {
		if v := c.checkPort(ctx, port, "required port"); !v.Healthy {
			return v
		}
	}

	if res.HealthURL != "" {
		if v := c.checkURL(ctx, res.HealthURL); !v.Healthy {
			return v
		}
	}

	if res.HealthPort > 0 {
		if v := c.checkPort(ctx, res.HealthPort, "health port"); !v.Healthy {
			return v
		}
	}

	if res.HealthCommand != "" {
		if v := c.checkCommand(ctx, res.HealthCommand); !v.Healthy {
			return v
		}
	}

	return Pass()
}

func (c *Checker) checkPort(ctx context.Context, port int, label string) Verdict {
	if c.ports == nil {
		return Fail("%s %d: no port prober available", label, port)
	}
	pctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	listening, err := c.ports.Listening(pctx, port)
	if err != nil {
		return Fail("%s %d check failed: %v", label, port, err)
	}
	if !listening {
		return Fail("%s %d not listening", label, port)
	}
	return Pass()
}

func (c *Checker) checkURL(ctx context.Context, url string) Verdict {
	hctx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()

	code, err := c.http.Status(hctx, url)
	if err != nil {
		return Fail("health URL %s unreachable: %v", url, err)
	}
	if !httpclient.IsSuccess(code) {
		return Fail("health URL %s returned %d", url, code)
	}
	return Pass()
}

func (c *Checker) checkCommand(ctx context.Context, command string) Verdict {
	cctx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()

	output, err := c.commands.Run(cctx, command)
	if err == nil {
		return Pass()
	}

	detail := strings.TrimSpace(string(output))
	if detail == "" {
		detail = err.Error()
	}
	return Fail("health command failed: %s", truncate(detail, commandOutputLimit))
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
