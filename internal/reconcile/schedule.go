package reconcile

import (
	"context"
	"time"
)

// Schedule runs cycle immediately and then every interval until ctx is
// cancelled. Cycles run on the calling goroutine, so they never overlap;
// a tick that fires while a cycle is still running is dropped rather than
// queued. The first error from cycle stops the schedule and is returned.
// Cancellation returns nil.
func Schedule(ctx context.Context, interval time.Duration, cycle func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		// Drop a tick that came due during the cycle.
		select {
		case <-ticker.C:
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
