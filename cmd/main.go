package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/angeloszaimis/tcp-load-balancer/config"
	"github.com/angeloszaimis/tcp-load-balancer/internal/acceptor"
	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
	"github.com/angeloszaimis/tcp-load-balancer/internal/forwarder"
	"github.com/angeloszaimis/tcp-load-balancer/internal/healthcheck"
	"github.com/angeloszaimis/tcp-load-balancer/internal/httpserver"
	"github.com/angeloszaimis/tcp-load-balancer/internal/metrics"
	"github.com/angeloszaimis/tcp-load-balancer/internal/registry"
	"github.com/angeloszaimis/tcp-load-balancer/internal/supervisor"
	"github.com/angeloszaimis/tcp-load-balancer/pkg/logger"
)

const metricsBufferSize = 1000

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, false, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Load balancer exited", slog.Any("err", err))
		os.Exit(1)
	}

	log.Info("Shut down gracefully")
}

// run binds the listen address and serves until ctx is cancelled. A bind
// failure is returned before any background task starts.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	ln, err := acceptor.Listen(ctx, cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Address, err)
	}

	return serve(ctx, cfg, log, ln)
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger, ln net.Listener) error {
	collector := metrics.NewCollector(metricsBufferSize, log)

	reg, err := initializeRegistry(cfg.BackendAddresses(), collector)
	if err != nil {
		ln.Close()
		return err
	}

	// Bound before any task starts so a port conflict fails startup.
	var (
		admin   *httpserver.Server
		adminLn net.Listener
	)
	if cfg.Metrics.Enabled {
		admin, err = httpserver.New(cfg.Metrics.Address, setupRouter(collector, reg), log)
		if err == nil {
			adminLn, err = admin.Listen(ctx)
		}
		if err != nil {
			ln.Close()
			return fmt.Errorf("admin listen on %s: %w", cfg.Metrics.Address, err)
		}
	}

	sup := supervisor.New(ctx, log)

	sup.Go("metrics", collector.Run)

	prober := healthcheck.New(reg, log,
		healthcheck.WithInterval(cfg.HealthCheckInterval()),
		healthcheck.WithTimeout(cfg.HealthCheckTimeout()),
	)
	sup.Go("healthcheck", prober.Run)

	fwd := forwarder.New(reg, log, forwarder.WithCollector(collector))
	acc := acceptor.New(ln, fwd, sup, log)
	sup.Go("acceptor", acc.Serve)

	if admin != nil {
		sup.Go("admin", func(ctx context.Context) error {
			return admin.Serve(ctx, adminLn)
		})
	}

	sup.Go("shutdown", func(ctx context.Context) error {
		<-ctx.Done()
		log.Info("Shutting down, waiting for in-flight connections",
			slog.Int64("active", sup.Active()))
		return nil
	})

	return sup.Wait()
}

// initializeRegistry builds the backend set in configuration order and
// mirrors every health transition into the metrics collector.
func initializeRegistry(addresses []string, collector *metrics.Collector) (*registry.Registry, error) {
	backends := make([]backend.Backend, 0, len(addresses))
	for i, addr := range addresses {
		b, err := backend.New(i, addr)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
		collector.RegisterBackend(b.Address(), b.Online())
	}

	return registry.New(backends, registry.WithTransitionHook(func(t registry.Transition) {
		collector.Emit(metrics.MetricEvent{
			Type:      metrics.EventHealthChanged,
			Timestamp: t.At,
			Backend:   t.Backend.Address(),
			Healthy:   t.To == backend.Online,
		})
	}))
}
