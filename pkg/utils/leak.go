// Package utils holds small test helpers shared across packages.
package utils

import (
	"runtime"
	"testing"
	"time"
)

// LeakCheck snapshots the goroutine count and returns a function that fails
// the test if the count has not returned to the baseline by the deadline.
// Both session and listener spawn background loops per connection, so tests
// that open connections defer the returned check to prove every loop exits.
//
// Usage:
//
//	defer utils.LeakCheck(t, 2*time.Second)()
func LeakCheck(t *testing.T, deadline time.Duration) func() {
	t.Helper()
	baseline := runtime.NumGoroutine()

	return func() {
		t.Helper()
		var current int
		until := time.Now().Add(deadline)
		for time.Now().Before(until) {
			current = runtime.NumGoroutine()
			if current <= baseline {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}

		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		t.Errorf("goroutines leaked: %d at baseline, %d after deadline\n%s",
			baseline, current, buf[:n])
	}
}
