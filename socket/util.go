package socket

import (
	"context"
	"time"
)

const backpressureDelay = 100 * time.Millisecond

// sleepBackpressure pauses for the vendor's back-pressure retry interval,
// returning early if ctx is canceled.
func sleepBackpressure(ctx context.Context) {
	timer := time.NewTimer(backpressureDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
