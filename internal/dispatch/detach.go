package dispatch

import (
	"context"
	"time"
)

// detached returns a context that ignores the parent's cancellation, so a
// worker can finish completing or abandoning a work item's lease after the
// dispatcher's run context has already been cancelled during shutdown
// drain. The returned context is cancelled when stopCh closes or timeout
// expires, whichever comes first.
func detached(stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
