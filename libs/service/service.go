package service

import (
	"context"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/quillpay/platform/libs/logging"
)

// JobFunc - type that defines what a Job Function should look like
type JobFunc func(context.Context) (bool, error)

// Job - Structure defining what a common job meta-information
type Job struct {
	Func    JobFunc
	Workers int
	Cadence time.Duration
}

// JobService - interface defining what can have jobs
type JobService interface {
	Jobs() []Job
}

// JobWorker - a job worker, runs the job every duration until the context is done
func JobWorker(ctx context.Context, job JobFunc, duration time.Duration) {
	logger := logging.Logger(ctx, "service.JobWorker")
	for {
		if _, err := job(ctx); err != nil {
			logger.Error().Err(err).Msg("error encountered in job run")
			sentry.CaptureException(err)
		}
		// regardless if attempted or not, wait for the duration until retrying
		select {
		case <-ctx.Done():
			return
		case <-time.After(duration):
		}
	}
}
