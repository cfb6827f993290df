package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
	"github.com/angeloszaimis/tcp-load-balancer/internal/metrics"
	"github.com/angeloszaimis/tcp-load-balancer/internal/registry"
)

// BufferSize bounds the single request read and each response chunk.
const BufferSize = 4096

// UnavailableResponse is written verbatim when every backend is offline.
const UnavailableResponse = "HTTP/1.1 503 Service Unavailable\r\nContent-Length: 21\r\n\r\nNo servers available."

// lingerTimeout bounds how long a refused client may keep sending before the
// connection is closed.
const (
	lingerTimeout = 250 * time.Millisecond
	lingerLimit   = 64 << 10
)

var ErrEmptyRequest = errors.New("forwarder: client sent no data")

// Selector picks the backend for a new connection.
type Selector interface {
	SelectNext() (backend.Backend, error)
}

// Dialer opens backend connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Result summarises one handled connection.
type Result struct {
	Backend  backend.Backend
	State    State
	BytesIn  int64
	BytesOut int64
	Duration time.Duration
	Err      error
}

type Option func(*Forwarder)

func WithDialer(d Dialer) Option {
	return func(f *Forwarder) {
		f.dialer = d
	}
}

func WithCollector(c *metrics.Collector) Option {
	return func(f *Forwarder) {
		f.metricsCollector = c
	}
}

type Forwarder struct {
	selector         Selector
	logger           *slog.Logger
	dialer           Dialer
	metricsCollector *metrics.Collector
}

func New(selector Selector, logger *slog.Logger, opts ...Option) *Forwarder {
	f := &Forwarder{
		selector: selector,
		logger:   logger,
		dialer:   &net.Dialer{},
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Handle runs the connection through
// SelectBackend, ReadRequest, ConnectBackend, RelayRequest, RelayResponse
// and ends in Closed or ErrorClosed. Both connections are closed on return.
// Client and backend I/O carry no deadlines.
func (f *Forwarder) Handle(ctx context.Context, client net.Conn) (res Result) {
	defer client.Close()

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
	}()

	res.State = SelectBackend
	target, err := f.selector.SelectNext()
	if err != nil {
		if !errors.Is(err, registry.ErrNoBackendAvailable) {
			return f.fail(res, err)
		}

		f.logger.Warn("No backends available", slog.String("client", remoteAddr(client)))
		f.metricsCollector.Emit(metrics.MetricEvent{Type: metrics.EventNoBackendAvailable})

		n, err := io.WriteString(client, UnavailableResponse)
		res.BytesOut = int64(n)
		if err != nil {
			return f.fail(res, fmt.Errorf("write unavailable response: %w", err))
		}
		linger(client)

		res.State = Closed
		return res
	}

	res.Backend = target
	f.metricsCollector.Emit(metrics.MetricEvent{
		Type:    metrics.EventBackendSelected,
		Backend: target.Address(),
	})

	f.logger.Info(fmt.Sprintf("Forwarding to %d", target.Port),
		slog.String("client", remoteAddr(client)),
		slog.String("backend", target.Address()))

	res.State = ReadRequest
	request := make([]byte, BufferSize)
	n, err := client.Read(request)
	if err != nil || n == 0 {
		if err == nil {
			err = ErrEmptyRequest
		}
		return f.fail(res, fmt.Errorf("read request: %w", err))
	}
	request = request[:n]

	res.State = ConnectBackend
	// In-flight connections are not cancelled by shutdown.
	server, err := f.dialer.DialContext(context.WithoutCancel(ctx), "tcp", target.Address())
	if err != nil {
		f.logger.Warn(fmt.Sprintf("Failed to connect to backend %d", target.Port),
			slog.String("backend", target.Address()),
			slog.Any("err", err))
		f.metricsCollector.Emit(metrics.MetricEvent{
			Type:    metrics.EventConnectFailed,
			Backend: target.Address(),
		})
		return f.fail(res, fmt.Errorf("connect %s: %w", target.Address(), err))
	}
	defer server.Close()

	res.State = RelayRequest
	written, err := server.Write(request)
	res.BytesIn = int64(written)
	if err != nil {
		return f.complete(res, start, fmt.Errorf("relay request: %w", err))
	}

	res.State = RelayResponse
	chunk := make([]byte, BufferSize)
	for {
		n, readErr := server.Read(chunk)
		if n > 0 {
			w, err := client.Write(chunk[:n])
			res.BytesOut += int64(w)
			if err != nil {
				return f.complete(res, start, fmt.Errorf("relay response: %w", err))
			}
		}

		if readErr == io.EOF {
			res.State = Closed
			return f.complete(res, start, nil)
		}
		if readErr != nil {
			return f.complete(res, start, fmt.Errorf("read response: %w", readErr))
		}
	}
}

func (f *Forwarder) fail(res Result, err error) Result {
	f.logger.Debug("Connection closed with error",
		slog.String("state", res.State.String()),
		slog.Any("err", err))

	res.State = ErrorClosed
	res.Err = err
	return res
}

// complete finishes a connection that reached the backend and reports the
// relay to the collector.
func (f *Forwarder) complete(res Result, start time.Time, err error) Result {
	if err != nil {
		res = f.fail(res, err)
	}

	f.metricsCollector.Emit(metrics.MetricEvent{
		Type:     metrics.EventRelayCompleted,
		Backend:  res.Backend.Address(),
		BytesIn:  res.BytesIn,
		BytesOut: res.BytesOut,
		Duration: time.Since(start),
		Failed:   err != nil,
	})

	return res
}

// linger half-closes conn and discards what the client already sent, so the
// close ends in FIN rather than RST.
func linger(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}

	if err := conn.SetReadDeadline(time.Now().Add(lingerTimeout)); err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, lingerLimit))
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
