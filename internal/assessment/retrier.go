package assessment

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mind-engage/mindengage-lti-tool/internal/logger"
	"github.com/mind-engage/mindengage-lti-tool/internal/lti"
)

// Retrier resubmits failed passbacks whose failure was transient.
type Retrier struct {
	Passback    *Passback
	Store       Store
	Interval    time.Duration
	MaxAttempts int
	// TriesPerSweep caps attempts on one record within a single sweep.
	TriesPerSweep uint
	// NewBackOff builds the wait policy between tries; defaults to exponential.
	NewBackOff func() backoff.BackOff
}

// Run sweeps every Interval until ctx is done.
func (r *Retrier) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	log := logger.Named("passback-retrier")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("recovered", n).Msg("sweep finished")
			}
		}
	}
}

// Sweep retries every eligible record once through the backoff policy and
// returns how many reached success.
func (r *Retrier) Sweep(ctx context.Context) (int, error) {
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	items, err := r.Store.ListRetryable(ctx, maxAttempts, 100)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, a := range items {
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}
		if r.retryOne(ctx, a.ID, maxAttempts) == nil {
			recovered++
		}
	}
	return recovered, nil
}

func (r *Retrier) retryOne(ctx context.Context, id string, maxAttempts int) error {
	tries := r.TriesPerSweep
	if tries == 0 {
		tries = 3
	}
	b := backoff.BackOff(backoff.NewExponentialBackOff())
	if r.NewBackOff != nil {
		b = r.NewBackOff()
	}
	_, err := backoff.Retry(ctx, func() (Result, error) {
		res, err := r.Passback.Submit(ctx, id)
		if err == nil {
			return res, nil
		}
		if !lti.KindOf(err).Retryable() || res.Assessment.PassbackAttempts >= maxAttempts {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
	return err
}
