package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 1 * time.Second
)

// Target is the part of the registry the prober reads and writes.
type Target interface {
	Snapshot() []backend.Backend
	MarkHealth(index int, online bool) (bool, error)
}

// Dialer opens probe connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Option func(*Prober)

func WithInterval(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithDialer(d Dialer) Option {
	return func(p *Prober) {
		p.dialer = d
	}
}

// Prober periodically checks if every backend accepts TCP connections.
type Prober struct {
	target   Target
	logger   *slog.Logger
	dialer   Dialer
	interval time.Duration
	timeout  time.Duration
}

func New(target Target, logger *slog.Logger, opts ...Option) *Prober {
	p := &Prober{
		target:   target,
		logger:   logger,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.dialer == nil {
		p.dialer = &net.Dialer{Timeout: p.timeout}
	}

	return p
}

// Run probes all backends once immediately and then once per interval until
// ctx is cancelled. It always returns nil; probe failures only drive health.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Health check stopped")
			return nil

		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce visits every backend sequentially and records the result.
func (p *Prober) ProbeOnce(ctx context.Context) {
	for _, b := range p.target.Snapshot() {
		if ctx.Err() != nil {
			return
		}

		online := p.probe(ctx, b)
		if ctx.Err() != nil {
			return
		}

		changed, err := p.target.MarkHealth(b.Index, online)
		if err != nil {
			p.logger.Error("Failed to record health",
				slog.String("backend", b.Address()),
				slog.Any("err", err))
			continue
		}

		if !changed {
			continue
		}

		if online {
			p.logger.Info(fmt.Sprintf("Backend %d is back UP", b.Port),
				slog.String("backend", b.Address()))
		} else {
			p.logger.Warn(fmt.Sprintf("Backend %d is DOWN", b.Port),
				slog.String("backend", b.Address()))
		}
	}
}

func (p *Prober) probe(ctx context.Context, b backend.Backend) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer.DialContext(dialCtx, "tcp", b.Address())
	if err != nil {
		p.logger.Debug("Probe failed",
			slog.String("backend", b.Address()),
			slog.Any("err", err))
		return false
	}
	conn.Close()

	return true
}
