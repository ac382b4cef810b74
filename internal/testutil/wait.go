// Package testutil holds the polling helpers the asynchronous tests lean
// on: most pipeline assertions are "this counter reaches N soon", not
// "this call returns X".
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// WaitOptions tunes a single wait.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption overrides one WaitOptions field.
type WaitOption func(*WaitOptions)

// WithTimeout bounds the whole wait. The default is 30s.
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Timeout = d }
}

// WithInterval sets the recheck cadence. The default is 100ms.
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Interval = d }
}

func options(opts []WaitOption) WaitOptions {
	o := WaitOptions{
		Timeout:  30 * time.Second,
		Interval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor rechecks condition until it holds or the timeout passes,
// reporting which happened. The first check is immediate.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()

	o := options(opts)
	timeout := time.NewTimer(o.Timeout)
	defer timeout.Stop()
	tick := time.NewTicker(o.Interval)
	defer tick.Stop()

	for {
		if condition() {
			return true
		}
		select {
		case <-timeout.C:
			return false
		case <-tick.C:
		}
	}
}

// WaitForCount waits for counter to reach at least target.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool { return counter.Load() >= target }, opts...)
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("condition not reached before timeout")
	}
}

// MustWaitForCount is WaitForCount that fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("counter = %d at timeout, want at least %d", counter.Load(), target)
	}
}
