// Package drain waits for in-flight bridge requests to settle before shutdown.
package drain

import (
	"context"
	"time"
)

// PollInterval is how often Wait samples the pending count.
var PollInterval = 250 * time.Millisecond

// Wait blocks until pending reports zero, timeout elapses or ctx ends. It
// returns true only when the count reached zero.
func Wait(ctx context.Context, pending func() int, timeout time.Duration) bool {
	if pending() == 0 {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
			if pending() == 0 {
				return true
			}
		}
	}
}
