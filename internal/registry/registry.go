package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
)

var (
	ErrNoBackends         = errors.New("registry: at least one backend is required")
	ErrNoBackendAvailable = errors.New("registry: no backend available")
	ErrUnknownBackend     = errors.New("registry: unknown backend index")
)

// Transition describes a single change of a backend's health.
type Transition struct {
	Backend backend.Backend
	From    backend.Health
	To      backend.Health
	At      time.Time
}

// TransitionHook receives one call per actual health change.
type TransitionHook func(Transition)

type Option func(*Registry)

// WithTransitionHook registers the function called on every health change.
func WithTransitionHook(hook TransitionHook) Option {
	return func(r *Registry) {
		r.hook = hook
	}
}

// Registry is the lock-protected store of backends and the round-robin cursor.
type Registry struct {
	mutex    sync.Mutex
	backends []backend.Backend
	cursor   int
	hook     TransitionHook
	now      func() time.Time
}

// New builds a registry from the configured backends. The slice order is the
// rotation order; indexes are re-stamped to match it.
func New(backends []backend.Backend, opts ...Option) (*Registry, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}

	owned := make([]backend.Backend, len(backends))
	copy(owned, backends)
	for i := range owned {
		owned[i].Index = i
	}

	r := &Registry{
		backends: owned,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// SelectNext returns the first Online backend in rotation order starting at
// the cursor. The cursor moves one position for every backend inspected, so
// it always advances at least once, and at most N positions are scanned.
func (r *Registry) SelectNext() (backend.Backend, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	n := len(r.backends)
	for scanned := 0; scanned < n; scanned++ {
		candidate := r.backends[r.cursor]
		r.cursor = (r.cursor + 1) % n

		if candidate.Online() {
			return candidate, nil
		}
	}

	return backend.Backend{}, ErrNoBackendAvailable
}

// MarkHealth records the probe outcome for the backend at index. It reports
// whether the stored state changed; repeated identical calls are no-ops and
// do not reach the transition hook.
func (r *Registry) MarkHealth(index int, online bool) (bool, error) {
	next := backend.Offline
	if online {
		next = backend.Online
	}

	r.mutex.Lock()
	if index < 0 || index >= len(r.backends) {
		r.mutex.Unlock()
		return false, fmt.Errorf("%w: %d", ErrUnknownBackend, index)
	}

	current := r.backends[index].Health
	if current == next {
		r.mutex.Unlock()
		return false, nil
	}

	r.backends[index].Health = next
	t := Transition{
		Backend: r.backends[index],
		From:    current,
		To:      next,
		At:      r.now(),
	}
	hook := r.hook
	r.mutex.Unlock()

	if hook != nil {
		hook(t)
	}

	return true, nil
}

// Snapshot returns a copy of every backend in rotation order.
func (r *Registry) Snapshot() []backend.Backend {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	out := make([]backend.Backend, len(r.backends))
	copy(out, r.backends)
	return out
}

// Len returns the number of backends. The set never changes after New.
func (r *Registry) Len() int {
	return len(r.backends)
}

// Cursor returns the position the next selection starts from.
func (r *Registry) Cursor() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.cursor
}
