package process

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/net"
)

const statusListen = "LISTEN"

// Ports inspects the TCP connection table.
type Ports struct {
	self   int32
	logger zerolog.Logger
}

// NewPorts creates a Ports inspector.
func NewPorts(logger zerolog.Logger) *Ports {
	return &Ports{
		self:   int32(os.Getpid()),
		logger: logger.With().Str("component", "ports").Logger(),
	}
}

func (p *Ports) listeners(ctx context.Context, port int) ([]net.ConnectionStat, error) {
	conns, err := net.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("read connection table: %w", err)
	}
	var out []net.ConnectionStat
	for _, c := range conns {
		if c.Status == statusListen && int(c.Laddr.Port) == port {
			out = append(out, c)
		}
	}
	return out, nil
}

// Listening reports whether something accepts TCP connections on port.
func (p *Ports) Listening(ctx context.Context, port int) (bool, error) {
	ls, err := p.listeners(ctx, port)
	if err != nil {
		return false, err
	}
	return len(ls) > 0, nil
}

// Holders returns the PIDs listening on port. Sockets whose owner is not
// visible to this process are omitted.
func (p *Ports) Holders(ctx context.Context, port int) ([]int32, error) {
	ls, err := p.listeners(ctx, port)
	if err != nil {
		return nil, err
	}
	seen := make(map[int32]bool)
	var pids []int32
	for _, c := range ls {
		if c.Pid <= 0 || seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		pids = append(pids, c.Pid)
	}
	return pids, nil
}

// Release kills every process still listening on port, other than this one.
// It returns the number of processes killed.
func (p *Ports) Release(ctx context.Context, port int) (int, error) {
	pids, err := p.Holders(ctx, port)
	if err != nil {
		return 0, err
	}
	killed := 0
	for _, pid := range pids {
		if pid == p.self {
			continue
		}
		p.logger.Warn().Int("port", port).Int32("pid", pid).Msg("killing stale port holder")
		if err := signalPID(ctx, pid, true); err != nil {
			p.logger.Warn().Err(err).Int32("pid", pid).Msg("failed to kill port holder")
			continue
		}
		killed++
	}
	return killed, nil
}
