// Package backoff expresses retry policies as data: a fixed schedule of
// waits consumed by Do. The same schedule type drives event bus redelivery
// and order submission retries.
package backoff

import (
	"context"
	"time"
)

// Schedule is the sequence of waits between attempts. An operation run
// against a schedule is attempted len(schedule)+1 times.
type Schedule []time.Duration

// Default is the standard 1s/2s/4s schedule.
func Default() Schedule {
	return Schedule{1 * time.Second, 2 * time.Second, 4 * time.Second}
}

// Retryable decides whether an error is worth another attempt. A nil
// predicate retries everything.
type Retryable func(error) bool

// Do runs fn, retrying per the schedule while retryable approves the error.
// It returns the last error once the schedule is exhausted, the error itself
// when retryable declines it, and ctx.Err() if the context is cancelled
// during a wait.
func Do(ctx context.Context, schedule Schedule, fn func(context.Context) error, retryable Retryable) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt >= len(schedule) {
			return err
		}
		timer := time.NewTimer(schedule[attempt])
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
