package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without running the call while the breaker rejects.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int
	// SuccessThreshold trial successes close it again.
	SuccessThreshold int
	// Cooldown is how long the breaker stays open before allowing trial calls.
	Cooldown time.Duration
	// TrialCalls caps concurrent calls while half-open. Zero means one.
	TrialCalls int
}

// Breaker fails calls fast after repeated failures of a dependency.
type Breaker struct {
	cfg      Config
	now      func() time.Time
	onChange func(from, to State)

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	inflight  int
	openedAt  time.Time
}

// New returns a closed breaker. onChange, if not nil, runs in its own
// goroutine after every transition.
func New(cfg Config, onChange func(from, to State)) *Breaker {
	if cfg.TrialCalls <= 0 {
		cfg.TrialCalls = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{cfg: cfg, now: time.Now, onChange: onChange}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call runs fn through the breaker. A call that fails only because ctx
// ended does not count against the dependency.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}

	v, err := fn(ctx)
	switch {
	case err == nil:
		b.record(true)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.abandon()
	default:
		b.record(false)
	}
	return v, err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		wait := b.cfg.Cooldown - b.now().Sub(b.openedAt)
		if wait > 0 {
			return fmt.Errorf("%w, retry in %s", ErrOpen, wait.Round(time.Second))
		}
		b.setState(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.inflight >= b.cfg.TrialCalls {
			return fmt.Errorf("%w, trial call in flight", ErrOpen)
		}
		b.inflight++
	}
	return nil
}

func (b *Breaker) abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.inflight > 0 {
		b.inflight--
	}
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.inflight > 0 {
		b.inflight--
	}
	if !ok {
		b.successes = 0
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
		}
		return
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

// setState must be called with mu held.
func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.failures, b.successes, b.inflight = 0, 0, 0
	if next == StateOpen {
		b.openedAt = b.now()
	}
	if b.onChange != nil {
		go b.onChange(prev, next)
	}
}
