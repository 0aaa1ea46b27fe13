package faults

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry policy for transient edges: three attempts, 500 ms base interval,
// exponential growth with jitter. Errors whose code is not Transient stop
// the loop immediately.
const (
	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
)

// Retry runs fn until it succeeds, returns a non-transient error, or the
// attempt budget is spent. The context bounds the whole loop.
func Retry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBase
	bo.MaxElapsedTime = 0 // the context is the clock

	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var fe *Error
		if errors.As(err, &fe) && !Transient(fe.Code) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retryAttempts-1), ctx))
}
