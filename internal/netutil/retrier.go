// Package netutil provides networking-related utilities.
package netutil

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrThresholdReached is returned when the retrier gives up.
var ErrThresholdReached = errors.New("threshold timeout has been reached")

// RetryFunc is an operation the retrier attempts.
type RetryFunc func() error

// Retrier retries an operation with exponential backoff until it succeeds,
// a whitelisted error occurs, or the total threshold elapses.
type Retrier struct {
	log                *logrus.Entry
	exponentialBackoff time.Duration
	exponentialFactor  uint32
	threshold          time.Duration
	errWhitelist       map[error]struct{}
}

// NewRetrier creates a Retrier with the given initial backoff, total
// threshold and backoff factor.
func NewRetrier(log *logrus.Entry, exponentialBackoff, threshold time.Duration, factor uint32) *Retrier {
	return &Retrier{
		log:                log,
		exponentialBackoff: exponentialBackoff,
		threshold:          threshold,
		exponentialFactor:  factor,
		errWhitelist:       make(map[error]struct{}),
	}
}

// WithErrWhitelist sets errors that abort retrying and are returned as-is.
func (r *Retrier) WithErrWhitelist(errs ...error) *Retrier {
	m := make(map[error]struct{})
	for _, err := range errs {
		m[err] = struct{}{}
	}
	r.errWhitelist = m
	return r
}

// Do runs f until it succeeds, a whitelisted error occurs, the threshold
// elapses, or ctx is cancelled.
func (r *Retrier) Do(ctx context.Context, f RetryFunc) error {
	backoff := r.exponentialBackoff
	deadline := time.NewTimer(r.threshold)
	defer deadline.Stop()

	for {
		err := f()
		if err == nil {
			return nil
		}
		if r.isWhitelisted(err) {
			return err
		}
		if r.log != nil {
			r.log.WithError(err).Warn("Attempt failed, retrying")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrThresholdReached
		case <-time.After(backoff):
			backoff *= time.Duration(r.exponentialFactor)
		}
	}
}

func (r *Retrier) isWhitelisted(err error) bool {
	_, ok := r.errWhitelist[err]
	return ok
}
