package backoff

import (
	"context"
	"time"
)

// Sleep waits for d or until ctx is done or wake fires. It returns
// ctx.Err() on cancellation and nil otherwise. A nil wake channel never
// fires.
func Sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timer.C:
		return nil
	}
}

// SleepAttempt sleeps for the policy delay of the given attempt.
func SleepAttempt(ctx context.Context, p Policy, attempt int, wake <-chan struct{}) error {
	return Sleep(ctx, p.Delay(attempt), wake)
}
