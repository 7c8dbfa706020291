package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quillpay/platform/libs/backoff/retrypolicy"
	appctx "github.com/quillpay/platform/libs/context"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCTXKey string

func noRetries() Option {
	return WithRetryPolicy(retrypolicy.NoRetry)
}

func TestExecuteSuccess(t *testing.T) {
	engine := NewEngine(nil)
	var order []string

	def := Definition{
		Name: "test.success",
		Steps: []Step{
			{
				Name: "first",
				Execute: func(ctx context.Context) (context.Context, error) {
					order = append(order, "first")
					return context.WithValue(ctx, testCTXKey("ref"), "charge-1"), nil
				},
			},
			{
				Name: "second",
				Execute: func(ctx context.Context) (context.Context, error) {
					order = append(order, "second")
					// values set by earlier steps are visible
					assert.Equal(t, "charge-1", ctx.Value(testCTXKey("ref")))
					return ctx, nil
				},
			},
		},
	}

	result := engine.Execute(context.Background(), def, noRetries())

	assert.True(t, result.Success)
	assert.NoError(t, result.Err)
	assert.NotEmpty(t, result.SagaID)
	assert.Empty(t, result.FailedStep)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, "charge-1", result.Context.Value(testCTXKey("ref")))
}

func TestExecutePutsSagaIDInContext(t *testing.T) {
	engine := NewEngine(nil)
	var seen string

	def := Definition{
		Name: "test.sagaid",
		Steps: []Step{{
			Name: "only",
			Execute: func(ctx context.Context) (context.Context, error) {
				seen = appctx.GetSagaID(ctx)
				return ctx, nil
			},
		}},
	}

	result := engine.Execute(context.Background(), def, noRetries())
	require.True(t, result.Success)
	assert.Equal(t, result.SagaID, seen)
}

func TestExecuteWithSagaIDPinsID(t *testing.T) {
	engine := NewEngine(nil)
	var seen string

	def := Definition{
		Name: "test.pinned",
		Steps: []Step{{
			Name: "only",
			Execute: func(ctx context.Context) (context.Context, error) {
				seen = appctx.GetSagaID(ctx)
				return ctx, nil
			},
		}},
	}

	// a redelivered request re-runs under the caller's idempotency key
	result := engine.Execute(context.Background(), def, noRetries(), WithSagaID("idem-key-1"))
	require.True(t, result.Success)
	assert.Equal(t, "idem-key-1", result.SagaID)
	assert.Equal(t, "idem-key-1", seen)

	again := engine.Execute(context.Background(), def, noRetries(), WithSagaID("idem-key-1"))
	assert.Equal(t, result.SagaID, again.SagaID)
}

func TestExecuteCompensatesInReverseOrder(t *testing.T) {
	engine := NewEngine(nil)
	var order []string
	boom := errors.New("step blew up")

	def := Definition{
		Name: "test.rollback",
		Steps: []Step{
			{
				Name: "first",
				Execute: func(ctx context.Context) (context.Context, error) {
					order = append(order, "exec-first")
					return ctx, nil
				},
				Compensate: func(ctx context.Context) error {
					order = append(order, "comp-first")
					return nil
				},
			},
			{
				Name: "second",
				Execute: func(ctx context.Context) (context.Context, error) {
					order = append(order, "exec-second")
					return ctx, nil
				},
				Compensate: func(ctx context.Context) error {
					order = append(order, "comp-second")
					return nil
				},
			},
			{
				Name: "third",
				Execute: func(ctx context.Context) (context.Context, error) {
					return nil, boom
				},
			},
		},
	}

	result := engine.Execute(context.Background(), def, noRetries())

	assert.False(t, result.Success)
	assert.True(t, errors.Is(result.Err, boom))
	assert.Equal(t, "third", result.FailedStep)
	assert.Equal(t,
		[]string{"exec-first", "exec-second", "comp-second", "comp-first"},
		order)
}

func TestExecuteCompensationSeesStepContext(t *testing.T) {
	engine := NewEngine(nil)
	var compensated string

	def := Definition{
		Name: "test.compctx",
		Steps: []Step{
			{
				Name: "charge",
				Execute: func(ctx context.Context) (context.Context, error) {
					return context.WithValue(ctx, testCTXKey("providerRef"), "psp-42"), nil
				},
				Compensate: func(ctx context.Context) error {
					// the refund needs the reference produced by its own execute
					compensated, _ = ctx.Value(testCTXKey("providerRef")).(string)
					return nil
				},
			},
			{
				Name: "post",
				Execute: func(ctx context.Context) (context.Context, error) {
					return nil, errors.New("ledger rejected the posting")
				},
			},
		},
	}

	result := engine.Execute(context.Background(), def, noRetries())
	require.False(t, result.Success)
	assert.Equal(t, "psp-42", compensated)
}

func TestExecuteCompensationSurvivesCancelledRequest(t *testing.T) {
	engine := NewEngine(nil)
	compensated := false

	ctx, cancel := context.WithCancel(context.Background())

	def := Definition{
		Name: "test.detach",
		Steps: []Step{
			{
				Name: "first",
				Execute: func(ctx context.Context) (context.Context, error) {
					return ctx, nil
				},
				Compensate: func(ctx context.Context) error {
					// the detached context outlives the request cancellation
					assert.NoError(t, ctx.Err())
					compensated = true
					return nil
				},
			},
			{
				Name: "second",
				Execute: func(ctx context.Context) (context.Context, error) {
					cancel()
					return nil, errors.New("failed after request went away")
				},
			},
		},
	}

	result := engine.Execute(ctx, def, noRetries())
	assert.False(t, result.Success)
	assert.True(t, compensated)
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	engine := NewEngine(nil)
	attempts := 0

	def := Definition{
		Name: "test.retry",
		Steps: []Step{{
			Name: "flaky",
			Execute: func(ctx context.Context) (context.Context, error) {
				attempts++
				if attempts < 3 {
					return nil, errorutils.Transient(errors.New("write conflict"), "retry")
				}
				return ctx, nil
			},
		}},
	}

	policy := func() retrypolicy.Retry {
		p, err := retrypolicy.New(
			retrypolicy.WithInitialInterval(time.Millisecond),
			retrypolicy.WithMaximumAttempts(5),
		)
		require.NoError(t, err)
		return p
	}

	result := engine.Execute(context.Background(), def, WithRetryPolicy(policy))
	assert.True(t, result.Success)
	assert.Equal(t, 3, attempts)
}

func TestExecuteDoesNotRetryClassifiedFailures(t *testing.T) {
	engine := NewEngine(nil)
	attempts := 0

	def := Definition{
		Name: "test.noretry",
		Steps: []Step{{
			Name: "fatal",
			Execute: func(ctx context.Context) (context.Context, error) {
				attempts++
				return nil, errorutils.Precondition("insufficient funds", nil)
			},
		}},
	}

	result := engine.Execute(context.Background(), def)
	assert.False(t, result.Success)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, errorutils.KindPrecondition, errorutils.KindOf(result.Err))
}

func TestExecuteTransactionalWithoutMongo(t *testing.T) {
	engine := NewEngine(nil)

	result := engine.Execute(context.Background(), Definition{Name: "test.txn"}, WithMongoTransaction())
	assert.False(t, result.Success)
	assert.Equal(t, errorutils.KindFatal, errorutils.KindOf(result.Err))
}

func TestTransactionalRunDoesNotCompensate(t *testing.T) {
	engine := NewEngine(nil)
	compensated := false

	def := Definition{
		Name: "test.txnabort",
		Steps: []Step{
			{
				Name: "first",
				Execute: func(ctx context.Context) (context.Context, error) {
					return ctx, nil
				},
				Compensate: func(ctx context.Context) error {
					compensated = true
					return nil
				},
			},
			{
				Name: "second",
				Execute: func(ctx context.Context) (context.Context, error) {
					return nil, errorutils.Precondition("constraint violated", nil)
				},
			},
		},
	}

	// the transaction abort undoes the writes; running compensations too
	// would undo them twice when the driver retries the callback
	opts := execOptions{transactional: true, policyFor: retrypolicy.NoRetry}
	_, err := engine.runSteps(context.Background(), def, opts, "txn-saga-1")
	require.Error(t, err)
	assert.Equal(t, "second", err.(*stepError).step)
	assert.False(t, compensated)
}

func TestExecuteCompensationFailureDoesNotMaskStepError(t *testing.T) {
	engine := NewEngine(nil)
	boom := errors.New("step failed")

	def := Definition{
		Name: "test.compfail",
		Steps: []Step{
			{
				Name: "first",
				Execute: func(ctx context.Context) (context.Context, error) {
					return ctx, nil
				},
				Compensate: func(ctx context.Context) error {
					return errors.New("compensation also failed")
				},
			},
			{
				Name: "second",
				Execute: func(ctx context.Context) (context.Context, error) {
					return nil, boom
				},
			},
		},
	}

	result := engine.Execute(context.Background(), def, noRetries())
	assert.True(t, errors.Is(result.Err, boom))
	assert.Equal(t, "second", result.FailedStep)
}
