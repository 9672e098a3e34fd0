package netutil

import (
	"context"
	"errors"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
)

// ErrThresholdReached is returned when retries ran for longer than the
// threshold.
var ErrThresholdReached = errors.New("threshold timeout has been reached")

// RetryFunc is a fallible operation.
type RetryFunc func() error

// Retrier calls a RetryFunc with exponential backoff.
type Retrier struct {
	log                *logging.Logger
	exponentialBackoff time.Duration
	exponentialFactor  uint32
	threshold          time.Duration
	errWhitelist       map[error]struct{}
}

// NewRetrier creates a Retrier waiting exponentialBackoff after the first
// failure, multiplying the wait by factor after each further one, and
// giving up once threshold has elapsed.
func NewRetrier(exponentialBackoff, threshold time.Duration, factor uint32) *Retrier {
	return &Retrier{
		log:                logging.MustGetLogger("retrier"),
		exponentialBackoff: exponentialBackoff,
		threshold:          threshold,
		exponentialFactor:  factor,
		errWhitelist:       make(map[error]struct{}),
	}
}

// WithErrWhitelist sets errors which are returned at once instead of being
// retried.
func (r *Retrier) WithErrWhitelist(errors ...error) *Retrier {
	m := make(map[error]struct{})
	for _, err := range errors {
		m[err] = struct{}{}
	}

	r.errWhitelist = m
	return r
}

// WithLogger sets the logger reporting failed attempts.
func (r *Retrier) WithLogger(log *logging.Logger) *Retrier {
	r.log = log
	return r
}

// Do calls f until it succeeds, fails with a whitelisted error, ctx is
// done or the threshold is reached.
func (r *Retrier) Do(ctx context.Context, f RetryFunc) error {
	deadline := time.Now().Add(r.threshold)
	backoff := r.exponentialBackoff

	for {
		err := f()
		if err == nil {
			return nil
		}
		if r.isWhitelisted(err) {
			return err
		}
		if time.Now().Add(backoff).After(deadline) {
			return ErrThresholdReached
		}
		r.log.WithError(err).WithField("backoff", backoff).Warn("Retrying")

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= time.Duration(r.exponentialFactor)
	}
}

func (r *Retrier) isWhitelisted(err error) bool {
	_, ok := r.errWhitelist[err]
	return ok
}
