package utils

import (
	"context"
	"sync"
	"time"
)

// Periodic runs fn every interval until the returned stop function is
// called or ctx is cancelled. The underlying ticker is always released,
// whichever exit path fires first. Stop is idempotent and safe to call
// from any goroutine.
//
// The heartbeat broadcaster and the rtc stats sampler both run on this;
// keeping timer lifecycles in one place makes "no timer survives
// teardown" checkable.
func Periodic(ctx context.Context, interval time.Duration, fn func(now time.Time)) (stop func()) {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case now := <-ticker.C:
				fn(now)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
