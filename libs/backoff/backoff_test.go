package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quillpay/platform/libs/backoff/retrypolicy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRetriable = errors.New("retriable")

func retriable(err error) bool { return errors.Is(err, errRetriable) }

func testPolicy(t *testing.T, attempts int) retrypolicy.Retry {
	t.Helper()
	p, err := retrypolicy.New(
		retrypolicy.WithInitialInterval(time.Millisecond),
		retrypolicy.WithMaximumAttempts(attempts),
	)
	require.NoError(t, err)
	return p
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	op := func() (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, errRetriable
		}
		return "done", nil
	}

	result, err := Retry(context.Background(), op, testPolicy(t, 5), retriable)
	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetriable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	op := func() (interface{}, error) {
		calls++
		return nil, fatal
	}

	_, err := Retry(context.Background(), op, testPolicy(t, 5), retriable)
	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsPolicy(t *testing.T) {
	calls := 0
	op := func() (interface{}, error) {
		calls++
		return nil, errRetriable
	}

	_, err := Retry(context.Background(), op, testPolicy(t, 2), retriable)
	assert.Equal(t, errRetriable, err)
	// initial attempt plus two retries
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Retry(ctx, func() (interface{}, error) {
		return nil, errRetriable
	}, testPolicy(t, 5), retriable)
	assert.Equal(t, context.Canceled, err)
}
