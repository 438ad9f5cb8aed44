package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how often a conflicting transaction is re-run.
type RetryPolicy struct {
	MaxRetries uint64
	Base       time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, Base: 10 * time.Millisecond}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	b = retry.WithCappedDuration(time.Second, b)
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// runWithRetry runs attempt until it succeeds, fails with a non-conflict
// error, or the policy gives up.
func runWithRetry(ctx context.Context, p RetryPolicy, attempt func(ctx context.Context) error) error {
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := attempt(ctx)
		if errors.Is(err, ErrConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}
