// Package scheduling provides the retry- and poll-interval helpers shared
// by the replicator, connector, and recovery coordinator: fixed-interval
// retries with jitter, so many links don't all wake in lockstep.
package scheduling

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zhangyunhao116/fastrand"
)

// UnboundedFixedInterval returns a fixed-interval backoff with no retry
// limit that stops when ctx is cancelled. It drives the connector's
// endpoint-info poll ticker: a constant interval, not exponential growth,
// so polling stays predictable under sustained partition.
func UnboundedFixedInterval(ctx context.Context, interval time.Duration) backoff.BackOffContext {
	return backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
}

// Jitter returns d perturbed by up to +/- fraction of itself, spreading out
// synchronized wakeups (e.g. many links all on a 1s poll interval).
func Jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	span := float64(d) * fraction
	delta := (fastrand.Float64()*2 - 1) * span
	result := time.Duration(float64(d) + delta)
	if result < 0 {
		return 0
	}
	return result
}
