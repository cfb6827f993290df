package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type Supervisor struct {
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	active atomic.Int64
}

// New derives the supervisor context from parent. The first long-lived task
// to fail cancels it for all others.
func New(parent context.Context, logger *slog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	group, groupCtx := errgroup.WithContext(ctx)

	return &Supervisor{
		group:  group,
		ctx:    groupCtx,
		cancel: cancel,
		logger: logger,
	}
}

// Go starts a named long-lived task.
func (s *Supervisor) Go(name string, task func(ctx context.Context) error) {
	s.group.Go(func() error {
		s.logger.Debug("Task started", slog.String("task", name))

		if err := task(s.ctx); err != nil {
			s.logger.Error("Task failed", slog.String("task", name), slog.Any("err", err))
			return fmt.Errorf("%s: %w", name, err)
		}

		s.logger.Debug("Task stopped", slog.String("task", name))
		return nil
	})
}

// Spawn runs fn on its own goroutine with no limit on how many run at once.
// It satisfies acceptor.Spawner.
func (s *Supervisor) Spawn(fn func()) {
	s.active.Add(1)
	s.group.Go(func() error {
		defer s.active.Add(-1)
		fn()
		return nil
	})
}

// Active returns the number of spawned tasks still running.
func (s *Supervisor) Active() int64 {
	return s.active.Load()
}

func (s *Supervisor) Shutdown() {
	s.cancel()
}

// Wait blocks until every task has returned and reports the first failure.
func (s *Supervisor) Wait() error {
	defer s.cancel()
	return s.group.Wait()
}
