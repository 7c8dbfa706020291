// Package saga executes multi step operations with compensation. Steps run
// in order; when one fails after its retries are exhausted, the already
// completed steps are compensated in reverse. Compensations run under a
// detached context so request cancellation cannot orphan half applied
// state.
package saga

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quillpay/platform/libs/backoff"
	"github.com/quillpay/platform/libs/backoff/retrypolicy"
	appctx "github.com/quillpay/platform/libs/context"
	"github.com/quillpay/platform/libs/datastore"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/logging"
	uuid "github.com/satori/go.uuid"
	"go.mongodb.org/mongo-driver/mongo"
)

var (
	sagaRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_runs_total",
			Help: "Count of saga executions by name and outcome.",
		},
		[]string{"saga", "outcome"},
	)
	sagaCompensationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "saga_compensation_failures_total",
			Help: "Count of compensations that themselves failed.",
		},
	)
)

func init() {
	prometheus.MustRegister(sagaRunsTotal, sagaCompensationFailures)
}

// Step is one unit of saga work. Execute may return a derived context to
// pass data to later steps. Compensate undoes Execute and may be nil for
// steps with no side effects.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) (context.Context, error)
	Compensate func(ctx context.Context) error
}

// Definition names an ordered list of steps
type Definition struct {
	Name  string
	Steps []Step
}

// Result is the outcome of one saga execution
type Result struct {
	Success       bool
	SagaID        string
	Context       context.Context
	Err           error
	FailedStep    string
	ExecutionTime time.Duration
}

// Option configures a single execution
type Option func(*execOptions)

type execOptions struct {
	transactional bool
	sagaID        string
	policyFor     func() retrypolicy.Retry
}

// WithMongoTransaction wraps the whole saga in one mongo transaction so
// the database writes of every step commit or abort together. Steps with
// external side effects still need compensations.
func WithMongoTransaction() Option {
	return func(o *execOptions) { o.transactional = true }
}

// WithSagaID pins the saga id instead of minting a fresh one. Callers
// pass a client supplied idempotency key here so a redelivered request
// re-runs under the same id, and steps keyed on the saga id (ledger
// postings use it as their externalRef) dedupe instead of reapplying.
func WithSagaID(id string) Option {
	return func(o *execOptions) { o.sagaID = id }
}

// WithRetryPolicy overrides the per step retry policy factory
func WithRetryPolicy(factory func() retrypolicy.Retry) Option {
	return func(o *execOptions) { o.policyFor = factory }
}

// Engine runs sagas. The mongo handle is only needed for transactional
// executions and may be nil otherwise.
type Engine struct {
	mongo *datastore.Mongo
}

// NewEngine creates a saga engine
func NewEngine(m *datastore.Mongo) *Engine {
	return &Engine{mongo: m}
}

// Execute runs the saga and returns a Result; the error inside the result
// is the step error, not a compensation error. Compensation errors are
// logged and counted, never returned, because the caller cannot act on
// them.
func (e *Engine) Execute(ctx context.Context, def Definition, opts ...Option) Result {
	options := execOptions{policyFor: retrypolicy.Default}
	for _, opt := range opts {
		opt(&options)
	}

	sagaID := options.sagaID
	if sagaID == "" {
		sagaID = uuid.NewV4().String()
	}
	ctx = context.WithValue(ctx, appctx.SagaIDCTXKey, sagaID)
	logger := logging.Logger(ctx, "saga.Execute").With().
		Str("saga", def.Name).Str("sagaId", sagaID).Logger()

	start := time.Now()

	run := func(ctx context.Context) (context.Context, error) {
		return e.runSteps(ctx, def, options, sagaID)
	}

	var (
		outCtx context.Context
		err    error
	)
	if options.transactional {
		if e.mongo == nil {
			err = errorutils.NewKind(errorutils.KindFatal, nil, "saga engine has no mongo client for transactional execution", nil)
			outCtx = ctx
		} else {
			var res interface{}
			res, err = e.mongo.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
				return run(sc)
			})
			outCtx = ctx
			if c, ok := res.(context.Context); ok {
				outCtx = c
			}
		}
	} else {
		outCtx, err = run(ctx)
	}

	result := Result{
		Success:       err == nil,
		SagaID:        sagaID,
		Context:       outCtx,
		Err:           err,
		ExecutionTime: time.Since(start),
	}

	if err != nil {
		var se *stepError
		if errors.As(err, &se) {
			result.FailedStep = se.step
		}
		sagaRunsTotal.WithLabelValues(def.Name, "failure").Inc()
		logger.Error().Err(err).Str("failedStep", result.FailedStep).
			Dur("executionTime", result.ExecutionTime).Msg("saga failed")
		return result
	}

	sagaRunsTotal.WithLabelValues(def.Name, "success").Inc()
	logger.Info().Dur("executionTime", result.ExecutionTime).Msg("saga completed")
	return result
}

// stepError tags a step failure with the step name
type stepError struct {
	step  string
	cause error
}

func (se *stepError) Error() string { return se.step + ": " + se.cause.Error() }
func (se *stepError) Unwrap() error { return se.cause }

// runSteps executes steps in order, compensating on failure
func (e *Engine) runSteps(ctx context.Context, def Definition, options execOptions, sagaID string) (context.Context, error) {
	logger := logging.Logger(ctx, "saga.runSteps")

	completed := make([]Step, 0, len(def.Steps))
	cur := ctx

	for _, step := range def.Steps {
		policy := options.policyFor()
		stepCtx := cur

		out, err := backoff.Retry(stepCtx, func() (interface{}, error) {
			next, execErr := step.Execute(stepCtx)
			if execErr != nil {
				return nil, execErr
			}
			return next, nil
		}, policy, errorutils.IsTransient)

		if err != nil {
			if options.transactional {
				// the surrounding transaction aborts and undoes every
				// step's writes; compensating here would double undo if
				// the driver retries the callback
				logger.Error().Err(err).Str("sagaId", sagaID).Str("step", step.Name).Msg("saga step failed, aborting transaction")
				return cur, &stepError{step: step.Name, cause: err}
			}
			logger.Error().Err(err).Str("sagaId", sagaID).Str("step", step.Name).Msg("saga step failed, compensating")
			e.compensate(cur, completed)
			return cur, &stepError{step: step.Name, cause: err}
		}

		if next, ok := out.(context.Context); ok && next != nil {
			cur = next
		}
		completed = append(completed, step)
	}

	return cur, nil
}

// compensate undoes completed steps in reverse order under a detached
// context with a hard deadline.
func (e *Engine) compensate(ctx context.Context, completed []Step) {
	detached, cancel := context.WithTimeout(appctx.Detach(ctx), 30*time.Second)
	defer cancel()
	logger := logging.Logger(detached, "saga.compensate")

	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(detached); err != nil {
			sagaCompensationFailures.Inc()
			logger.Error().Err(err).Str("step", step.Name).Msg("compensation failed, manual intervention may be required")
		}
	}
}
