package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"vaultline/internal/domain"
)

// ErrCircuitOpen is returned when the breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker opens after maxFailures consecutive failures and stays open for
// timeout before letting a single trial call through.
type Breaker struct {
	mu          sync.Mutex
	state       state
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	// trial is set while the half-open call is running.
	trial       bool
	now         func() time.Time
}

func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Breaker{maxFailures: maxFailures, timeout: timeout, now: time.Now}
}

// Do runs fn unless the circuit is open.
func (b *Breaker) Do(fn func() error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
	if err != nil {
		// A cancelled call says nothing about the target's health.
		if errors.Is(err, context.Canceled) {
			return err
		}
		b.failures++
		if b.state == stateHalfOpen || b.failures >= b.maxFailures {
			b.state = stateOpen
			b.openedAt = b.now()
		}
		return err
	}
	b.failures = 0
	b.state = stateClosed
	return nil
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			return false
		}
		b.state = stateHalfOpen
		b.trial = true
		return true
	case stateHalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	default:
		return true
	}
}

// Open reports whether calls are currently rejected.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen && b.now().Sub(b.openedAt) < b.timeout
}

type guarded struct {
	Channel
	breaker *Breaker
}

// WithBreaker wraps ch so repeated failures short-circuit with
// ErrCircuitOpen.
func WithBreaker(ch Channel, maxFailures int, timeout time.Duration) Channel {
	return &guarded{Channel: ch, breaker: NewBreaker(maxFailures, timeout)}
}

func (g *guarded) Execute(ctx context.Context, r domain.ApprovalRequest) error {
	return g.breaker.Do(func() error { return g.Channel.Execute(ctx, r) })
}

func (g *guarded) Close() error {
	if c, ok := g.Channel.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
