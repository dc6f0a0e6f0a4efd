package testutil

import (
	"testing"
	"time"
)

// WaitFor polls a condition function until it returns true or times out.
// It's useful for waiting on asynchronous operations in tests, such as a
// registry watch delivering an update or a matching pass firing.
func WaitFor(t testing.TB, timeout time.Duration, message string, condition func() bool) {
	t.Helper()

	if condition() {
		return
	}

	tickerInterval := 50 * time.Millisecond
	if timeout < tickerInterval {
		timeout = tickerInterval
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()

	for range ticker.C {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s (waited %v)", message, timeout)
		}
	}
}
