// Package retrypolicy implements a capped exponential backoff policy
// with maximum attempt and expiration limits.
package retrypolicy

import (
	"errors"
	"time"
)

// Done signals the policy will produce no further delays
const Done time.Duration = -1

const (
	defaultInitialInterval    = 50 * time.Millisecond
	defaultBackoffCoefficient = 2.0
	defaultMaximumInterval    = 10 * time.Second
	defaultExpirationInterval = time.Minute
	defaultMaximumAttempts    = 10
)

// Retry - a policy which calculates successive retry delays
type Retry interface {
	CalculateNextDelay() time.Duration
}

type policy struct {
	currentAttempt     int
	maximumAttempt     int
	initialInterval    time.Duration
	backoffCoefficient float64
	maximumInterval    time.Duration
	expirationInterval time.Duration
	startTime          time.Time
}

// Option - the functional option type for policies
type Option func(*policy) error

// WithInitialInterval sets the first retry delay
func WithInitialInterval(d time.Duration) Option {
	return func(p *policy) error {
		if d < 0 {
			return errors.New("initial interval must not be negative")
		}
		p.initialInterval = d
		return nil
	}
}

// WithBackoffCoefficient sets the delay growth factor
func WithBackoffCoefficient(c float64) Option {
	return func(p *policy) error {
		if c < 1 {
			return errors.New("backoff coefficient must be at least 1")
		}
		p.backoffCoefficient = c
		return nil
	}
}

// WithMaximumInterval caps any single delay
func WithMaximumInterval(d time.Duration) Option {
	return func(p *policy) error {
		if d < 0 {
			return errors.New("maximum interval must not be negative")
		}
		p.maximumInterval = d
		return nil
	}
}

// WithExpirationInterval bounds the total retry window
func WithExpirationInterval(d time.Duration) Option {
	return func(p *policy) error {
		if d < 0 {
			return errors.New("expiration interval must not be negative")
		}
		p.expirationInterval = d
		return nil
	}
}

// WithMaximumAttempts bounds the number of retries
func WithMaximumAttempts(n int) Option {
	return func(p *policy) error {
		if n < 0 {
			return errors.New("maximum attempts must not be negative")
		}
		p.maximumAttempt = n
		return nil
	}
}

// New creates a retry policy from the given options
func New(opts ...Option) (Retry, error) {
	p := &policy{
		initialInterval:    defaultInitialInterval,
		backoffCoefficient: defaultBackoffCoefficient,
		maximumInterval:    defaultMaximumInterval,
		expirationInterval: defaultExpirationInterval,
		maximumAttempt:     defaultMaximumAttempts,
		startTime:          time.Now(),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Default returns the default retry policy
func Default() Retry {
	p, _ := New()
	return p
}

// NoRetry returns a policy which never retries
func NoRetry() Retry {
	p, _ := New(WithMaximumAttempts(0))
	return p
}

// CalculateNextDelay returns the next delay or Done when retries are exhausted
func (p *policy) CalculateNextDelay() time.Duration {
	if p.maximumAttempt != 0 && p.currentAttempt >= p.maximumAttempt {
		return Done
	}

	if p.expirationInterval != 0 && !p.startTime.IsZero() &&
		time.Since(p.startTime) > p.expirationInterval {
		return Done
	}

	next := float64(p.initialInterval)
	for i := 0; i < p.currentAttempt; i++ {
		next *= p.backoffCoefficient
	}

	nextInterval := time.Duration(next)
	if nextInterval <= 0 {
		return Done
	}

	if p.maximumInterval != 0 && nextInterval > p.maximumInterval {
		nextInterval = p.maximumInterval
	}

	p.currentAttempt++
	return nextInterval
}
