package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the state of a BreakerPublisher.
type BreakerState int

const (
	// BreakerClosed passes every event to the broker.
	BreakerClosed BreakerState = iota
	// BreakerOpen drops events without contacting the broker.
	BreakerOpen
	// BreakerHalfOpen lets a single probe through to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ErrBreakerOpen is returned by BreakerPublisher.Publish while the broker is
// considered down.
var ErrBreakerOpen = errors.New("event publisher circuit is open")

// BreakerConfig configures a BreakerPublisher.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive publish failures that
	// open the circuit. Defaults to 5.
	FailureThreshold int
	// OpenTimeout is how long the circuit stays open before a probe is
	// allowed. Defaults to 30 seconds.
	OpenTimeout time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

// BreakerPublisher wraps a Publisher with a circuit breaker. A lifecycle
// operation has already committed when its event is published, so once
// the broker keeps failing, events are dropped immediately instead of
// stalling every request on a broker timeout.
type BreakerPublisher struct {
	next   Publisher
	cfg    BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreakerPublisher wraps next.
func NewBreakerPublisher(next Publisher, cfg BreakerConfig, logger *slog.Logger) *BreakerPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerPublisher{
		next:   next,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// Publish forwards e unless the circuit is open.
func (b *BreakerPublisher) Publish(ctx context.Context, e Event) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := b.next.Publish(ctx, e)
	b.record(err)
	return err
}

// Close closes the wrapped publisher.
func (b *BreakerPublisher) Close() error { return b.next.Close() }

// State reports the current state.
func (b *BreakerPublisher) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *BreakerPublisher) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return ErrBreakerOpen
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
		return nil
	default:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	}
}

func (b *BreakerPublisher) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state == BreakerHalfOpen {
			b.probing = false
			b.transition(BreakerClosed)
		}
		return
	}

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.probing = false
		b.openedAt = b.now()
		b.transition(BreakerOpen)
	}
}

// transition must be called with b.mu held.
func (b *BreakerPublisher) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.logger.Warn("event publisher circuit changed state", "from", from.String(), "to", to.String())
}
