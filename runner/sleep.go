package runner

import (
	"context"
	"time"
)

// SleepFunc pauses for the given duration or until the context is done.
// Tests substitute a recording implementation so cooldowns and pacing run
// against a mock clock.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
