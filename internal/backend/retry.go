package backend

import (
	"context"
	"time"
)

// Poll calls fn up to attempts times, waiting delay before each call.
// It returns true as soon as fn reports done, false once the budget is
// exhausted, and fn's error immediately if one occurs. The wait is
// context-aware. TrueNAS acknowledges destructive operations before
// they complete, so every delete path converges through this helper.
func Poll(ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) (bool, error)) (bool, error) {
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}

		done, err := fn(ctx)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
	}
	return false, nil
}
