package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateNextDelayGrowsExponentially(t *testing.T) {
	p, err := New(
		WithInitialInterval(10*time.Millisecond),
		WithBackoffCoefficient(2),
		WithMaximumInterval(time.Second),
		WithExpirationInterval(time.Hour),
		WithMaximumAttempts(4),
	)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Millisecond, p.CalculateNextDelay())
	assert.Equal(t, 20*time.Millisecond, p.CalculateNextDelay())
	assert.Equal(t, 40*time.Millisecond, p.CalculateNextDelay())
	assert.Equal(t, 80*time.Millisecond, p.CalculateNextDelay())
	assert.Equal(t, Done, p.CalculateNextDelay())
}

func TestCalculateNextDelayCapped(t *testing.T) {
	p, err := New(
		WithInitialInterval(time.Second),
		WithBackoffCoefficient(10),
		WithMaximumInterval(2*time.Second),
		WithExpirationInterval(time.Hour),
		WithMaximumAttempts(3),
	)
	require.NoError(t, err)

	assert.Equal(t, time.Second, p.CalculateNextDelay())
	assert.Equal(t, 2*time.Second, p.CalculateNextDelay())
	assert.Equal(t, 2*time.Second, p.CalculateNextDelay())
}

func TestNoRetry(t *testing.T) {
	assert.Equal(t, Done, NoRetry().CalculateNextDelay())
}

func TestOptionValidation(t *testing.T) {
	_, err := New(WithInitialInterval(-time.Second))
	assert.Error(t, err)
	_, err = New(WithBackoffCoefficient(0.5))
	assert.Error(t, err)
	_, err = New(WithMaximumAttempts(-1))
	assert.Error(t, err)
}
