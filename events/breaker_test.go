package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyPublisher struct {
	err   error
	calls int
}

func (f *flakyPublisher) Publish(context.Context, Event) error {
	f.calls++
	return f.err
}

func (f *flakyPublisher) Close() error { return nil }

func newTestBreaker(next Publisher) (*BreakerPublisher, *time.Time) {
	b := NewBreakerPublisher(next, BreakerConfig{FailureThreshold: 3, OpenTimeout: time.Minute},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown(9)", BreakerState(9).String())
}

func TestBreakerPublisher_OpensAfterConsecutiveFailures(t *testing.T) {
	down := errors.New("broker unreachable")
	next := &flakyPublisher{err: down}
	b, _ := newTestBreaker(next)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Publish(ctx, Event{Type: TypePurchased}), down)
	}
	assert.Equal(t, BreakerOpen, b.State())

	assert.ErrorIs(t, b.Publish(ctx, Event{Type: TypePurchased}), ErrBreakerOpen)
	assert.Equal(t, 3, next.calls, "open circuit must not reach the broker")
}

func TestBreakerPublisher_SuccessResetsFailureCount(t *testing.T) {
	next := &flakyPublisher{err: errors.New("timeout")}
	b, _ := newTestBreaker(next)
	ctx := context.Background()

	_ = b.Publish(ctx, Event{})
	_ = b.Publish(ctx, Event{})
	next.err = nil
	require.NoError(t, b.Publish(ctx, Event{}))
	next.err = errors.New("timeout")
	_ = b.Publish(ctx, Event{})
	_ = b.Publish(ctx, Event{})
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerPublisher_HalfOpenProbe(t *testing.T) {
	next := &flakyPublisher{err: errors.New("down")}
	b, clock := newTestBreaker(next)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Publish(ctx, Event{})
	}
	require.Equal(t, BreakerOpen, b.State())

	*clock = clock.Add(2 * time.Minute)
	assert.Error(t, b.Publish(ctx, Event{}), "failed probe")
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 4, next.calls)

	*clock = clock.Add(2 * time.Minute)
	next.err = nil
	require.NoError(t, b.Publish(ctx, Event{}))
	assert.Equal(t, BreakerClosed, b.State())
	require.NoError(t, b.Publish(ctx, Event{}))
	assert.Equal(t, 6, next.calls)
}
