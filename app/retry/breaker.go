package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 60 * time.Second
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

type breaker struct {
	failures    int
	lastFailure time.Time
}

// Registry owns the circuit breakers for a process, keyed by operation name.
// Create one per application and pass it to every component that writes to the store.
type Registry struct {
	mu          sync.Mutex
	breakers    map[string]*breaker
	threshold   int
	openTimeout time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	rnd         func() float64
	onOpen      func(key string)
}

type RegistryOption func(*Registry)

func WithThreshold(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.threshold = n
		}
	}
}

func WithOpenTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.openTimeout = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithSleeper replaces the context-aware sleep between attempts, for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) RegistryOption {
	return func(r *Registry) { r.sleep = sleep }
}

func WithRandom(rnd func() float64) RegistryOption {
	return func(r *Registry) { r.rnd = rnd }
}

// WithOpenHook is called once each time a breaker trips.
func WithOpenHook(fn func(key string)) RegistryOption {
	return func(r *Registry) { r.onOpen = fn }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers:    make(map[string]*breaker),
		threshold:   DefaultFailureThreshold,
		openTimeout: DefaultOpenTimeout,
		now:         time.Now,
		sleep:       sleepContext,
		rnd:         rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) State(key string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked(key)
}

func (r *Registry) Failures(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b.failures
	}
	return 0
}

// Reset closes the breaker for key.
func (r *Registry) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}

func (r *Registry) stateLocked(key string) State {
	b, ok := r.breakers[key]
	if !ok || b.failures < r.threshold {
		return StateClosed
	}
	if r.now().Sub(b.lastFailure) >= r.openTimeout {
		return StateHalfOpen
	}
	return StateOpen
}

func (r *Registry) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked(key) != StateOpen
}

func (r *Registry) recordSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, key)
}

func (r *Registry) recordFailure(key string) {
	r.mu.Lock()
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{}
		r.breakers[key] = b
	}
	now := r.now()
	// Failures only count as consecutive within one open window.
	if b.failures > 0 && b.failures < r.threshold && now.Sub(b.lastFailure) >= r.openTimeout {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now
	tripped := b.failures >= r.threshold
	failures := b.failures
	hook := r.onOpen
	r.mu.Unlock()

	if tripped {
		slog.Warn("Circuit breaker open", "operation", key, "failures", failures, "open_timeout", r.openTimeout.String())
		if hook != nil {
			hook(key)
		}
	}
}
