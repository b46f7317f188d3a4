// Package resilience holds the retry, circuit-breaking and failure
// bookkeeping shared by the browser, currency and queue layers.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the state of a Breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is refused without being attempted.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// BreakerConfig controls when a Breaker opens and how it recovers.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit. Default: 5.
	FailureThreshold int

	// Cooldown is how long the circuit stays open. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of half-open successes needed to close. Default: 1.
	Probes int

	// ShouldTrip decides which errors count as failures. Default: any error.
	ShouldTrip func(err error) bool

	// OnStateChange observes transitions.
	OnStateChange func(from, to CircuitState)
}

// DefaultBreakerConfig returns the breaker settings used per marketplace host.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, Probes: 1}
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	openedAt  time.Time
	successes int

	nowFunc func() time.Time
}

// NewBreaker creates a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Probes <= 0 {
		cfg.Probes = def.Probes
	}
	return &Breaker{cfg: cfg, nowFunc: time.Now}
}

// Execute runs fn unless the circuit is open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// ExecuteVal is Execute for calls that produce a value.
func ExecuteVal[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

// State returns the effective state, reporting half-open once the cooldown
// has elapsed.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.cooled() {
		return CircuitHalfOpen
	}
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures, b.successes = 0, 0
	if b.state != CircuitClosed {
		b.transition(CircuitClosed)
	}
}

func (b *Breaker) cooled() bool {
	return b.nowFunc().Sub(b.openedAt) >= b.cfg.Cooldown
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitOpen {
		return nil
	}
	if b.cooled() {
		b.transition(CircuitHalfOpen)
		return nil
	}
	return ErrCircuitOpen
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	trip := err != nil
	if trip && b.cfg.ShouldTrip != nil {
		trip = b.cfg.ShouldTrip(err)
	}

	if !trip {
		switch b.state {
		case CircuitHalfOpen:
			b.successes++
			if b.successes >= b.cfg.Probes {
				b.failures, b.successes = 0, 0
				b.transition(CircuitClosed)
			}
		case CircuitClosed:
			b.failures = 0
		}
		return
	}

	b.failures++
	switch b.state {
	case CircuitClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.nowFunc()
			b.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.successes = 0
		b.openedAt = b.nowFunc()
		b.transition(CircuitOpen)
	}
}

func (b *Breaker) transition(to CircuitState) {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// HostBreakers lazily creates one Breaker per key (usually a hostname).
type HostBreakers struct {
	cfg BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewHostBreakers creates an empty set sharing cfg.
func NewHostBreakers(cfg BreakerConfig) *HostBreakers {
	return &HostBreakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for key, creating it on first use.
func (h *HostBreakers) Get(key string) *Breaker {
	h.mu.RLock()
	b, ok := h.breakers[key]
	h.mu.RUnlock()
	if ok {
		return b
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok = h.breakers[key]; ok {
		return b
	}
	b = NewBreaker(h.cfg)
	h.breakers[key] = b
	return b
}

// States snapshots every breaker's state.
func (h *HostBreakers) States() map[string]CircuitState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]CircuitState, len(h.breakers))
	for k, b := range h.breakers {
		out[k] = b.State()
	}
	return out
}
