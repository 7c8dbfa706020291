package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream failure")

func fail(context.Context) (interface{}, error) { return nil, errUpstream }

func succeed(context.Context) (interface{}, error) { return "ok", nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{
		Name: "rates",
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Execute(ctx, fail)
		assert.Equal(t, errUpstream, err)
	}
	assert.Equal(t, StateOpen, b.State())

	// open breaker rejects without calling through
	called := false
	_, err := b.Execute(ctx, func(context.Context) (interface{}, error) {
		called = true
		return nil, nil
	})
	assert.Equal(t, ErrCircuitOpen, err)
	assert.False(t, called)
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	b := New(Config{
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 2
		},
	})
	ctx := context.Background()

	_, _ = b.Execute(ctx, fail)
	_, _ = b.Execute(ctx, succeed)
	_, _ = b.Execute(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	var transitions []State
	b := New(Config{
		MaxRequests: 1,
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 1
		},
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, to)
		},
	})
	ctx := context.Background()

	_, _ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// a successful probe closes the breaker
	result, err := b.Execute(ctx, succeed)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{
		Timeout: 10 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 1
		},
	})
	ctx := context.Background()

	_, _ = b.Execute(ctx, fail)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_, err := b.Execute(ctx, fail)
	assert.Equal(t, errUpstream, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	b := New(Config{
		MaxRequests: 1,
		Timeout:     10 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 1
		},
	})
	ctx := context.Background()

	_, _ = b.Execute(ctx, fail)
	time.Sleep(20 * time.Millisecond)

	blocked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = b.Execute(ctx, func(context.Context) (interface{}, error) {
			close(blocked)
			<-release
			return nil, nil
		})
	}()
	<-blocked

	_, err := b.Execute(ctx, succeed)
	assert.Equal(t, ErrTooManyRequests, err)
	close(release)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
