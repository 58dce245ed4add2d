// Package retry provides the timed-retry combinator shared by the port,
// listening and health probes: run an attempt, pause a fixed interval,
// give up at a deadline.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout is returned by Until when the deadline elapses before an attempt succeeds.
var ErrTimeout = errors.New("retry: deadline exceeded")

// Attempt is one try. Returning nil stops the loop with success; wrapping the
// error with Permanent stops it with that error.
type Attempt func(ctx context.Context) error

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Until calls attempt immediately and then every interval until it succeeds,
// returns a permanent error, or timeout elapses. A non-positive timeout means
// a single attempt. The context passed to attempt carries the overall deadline.
func Until(ctx context.Context, interval, timeout time.Duration, attempt Attempt) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		err := attempt(ctx)
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		if err != nil {
			return ErrTimeout
		}
		return nil
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), cctx)
	err := backoff.Retry(func() error {
		if cctx.Err() != nil {
			return backoff.Permanent(cctx.Err())
		}
		return attempt(cctx)
	}, b)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return ErrTimeout
	}
	return err
}
