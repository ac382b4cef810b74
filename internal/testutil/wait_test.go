package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor(t *testing.T) {
	t.Parallel()

	t.Run("immediately true", func(t *testing.T) {
		t.Parallel()
		if !WaitFor(t, func() bool { return true }, WithTimeout(time.Second)) {
			t.Error("WaitFor = false for a condition that already holds")
		}
	})

	t.Run("true after a few checks", func(t *testing.T) {
		t.Parallel()
		checks := 0
		ok := WaitFor(t, func() bool {
			checks++
			return checks >= 3
		}, WithTimeout(time.Second), WithInterval(10*time.Millisecond))

		if !ok {
			t.Error("WaitFor = false for a condition that turns true")
		}
		if checks < 3 {
			t.Errorf("condition checked %d times, want at least 3", checks)
		}
	})

	t.Run("never true", func(t *testing.T) {
		t.Parallel()
		ok := WaitFor(t, func() bool { return false },
			WithTimeout(50*time.Millisecond), WithInterval(10*time.Millisecond))
		if ok {
			t.Error("WaitFor = true for a condition that never holds")
		}
	})
}

func TestWaitForCount(t *testing.T) {
	t.Parallel()

	t.Run("reaches target", func(t *testing.T) {
		t.Parallel()
		var counter atomic.Int64
		go func() {
			for range 5 {
				time.Sleep(10 * time.Millisecond)
				counter.Add(1)
			}
		}()

		ok := WaitForCount(t, &counter, 5,
			WithTimeout(time.Second), WithInterval(10*time.Millisecond))
		if !ok {
			t.Error("WaitForCount = false for a counter that reaches the target")
		}
	})

	t.Run("stalls below target", func(t *testing.T) {
		t.Parallel()
		var counter atomic.Int64
		counter.Store(2)

		ok := WaitForCount(t, &counter, 10,
			WithTimeout(50*time.Millisecond), WithInterval(10*time.Millisecond))
		if ok {
			t.Error("WaitForCount = true for a counter stuck below the target")
		}
	})
}

func TestMustVariantsPassWhenConditionHolds(t *testing.T) {
	t.Parallel()

	MustWaitFor(t, func() bool { return true }, WithTimeout(time.Second))

	var counter atomic.Int64
	counter.Store(5)
	MustWaitForCount(t, &counter, 5, WithTimeout(time.Second))
}

func TestOptions(t *testing.T) {
	t.Parallel()

	def := options(nil)
	if def.Timeout != 30*time.Second || def.Interval != 100*time.Millisecond {
		t.Errorf("defaults = %+v, want 30s timeout and 100ms interval", def)
	}

	tuned := options([]WaitOption{
		WithTimeout(5 * time.Second),
		WithInterval(50 * time.Millisecond),
	})
	if tuned.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", tuned.Timeout)
	}
	if tuned.Interval != 50*time.Millisecond {
		t.Errorf("Interval = %v, want 50ms", tuned.Interval)
	}
}
