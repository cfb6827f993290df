package acceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/angeloszaimis/tcp-load-balancer/internal/forwarder"
	"github.com/angeloszaimis/tcp-load-balancer/pkg/netaddr"
)

const (
	DefaultAddress = ":8080"

	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = 1 * time.Second
)

// Handler serves one accepted connection and owns closing it.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn) forwarder.Result
}

// Spawner starts a connection task. An admission limit belongs here.
type Spawner interface {
	Spawn(fn func())
}

// SpawnFunc adapts a function to Spawner.
type SpawnFunc func(fn func())

func (f SpawnFunc) Spawn(fn func()) {
	f(fn)
}

// Unbounded starts a bare goroutine per connection.
var Unbounded Spawner = SpawnFunc(func(fn func()) {
	go fn()
})

type Acceptor struct {
	listener net.Listener
	handler  Handler
	spawner  Spawner
	logger   *slog.Logger
}

// Listen validates addr and binds a TCP listener on it.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	if err := netaddr.ValidateHostPort(addr); err != nil {
		return nil, fmt.Errorf("listen address %q: %w", addr, err)
	}

	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}

func New(listener net.Listener, handler Handler, spawner Spawner, logger *slog.Logger) *Acceptor {
	if spawner == nil {
		spawner = Unbounded
	}

	return &Acceptor{
		listener: listener,
		handler:  handler,
		spawner:  spawner,
		logger:   logger,
	}
}

func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, which closes the
// listener. Accept errors are logged and retried with a short backoff.
func (a *Acceptor) Serve(ctx context.Context) error {
	defer a.listener.Close()

	stop := context.AfterFunc(ctx, func() {
		a.listener.Close()
	})
	defer stop()

	_, port, _ := net.SplitHostPort(a.listener.Addr().String())
	a.logger.Info(fmt.Sprintf("Load Balancer running on port %s", port),
		slog.String("address", a.listener.Addr().String()))

	var backoff time.Duration
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				a.logger.Info("Acceptor stopped")
				return nil
			}

			if errors.Is(err, net.ErrClosed) {
				return err
			}

			backoff = nextBackoff(backoff)
			a.logger.Warn("Accept failed",
				slog.Any("err", err),
				slog.Duration("retry_in", backoff))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			continue
		}
		backoff = 0

		a.spawner.Spawn(func() {
			res := a.handler.Handle(ctx, conn)
			a.logger.Debug("Connection finished",
				slog.String("client", conn.RemoteAddr().String()),
				slog.String("backend", res.Backend.Address()),
				slog.String("state", res.State.String()),
				slog.Int64("bytes_in", res.BytesIn),
				slog.Int64("bytes_out", res.BytesOut),
				slog.Duration("duration", res.Duration))
		})
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return minAcceptBackoff
	}

	current *= 2
	if current > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return current
}
