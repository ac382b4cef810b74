// Package backoff computes retry delays.
package backoff

import "time"

// Config bounds the delay curve. Zero fields fall back to 100ms initial and
// a 5s ceiling.
type Config struct {
	Initial time.Duration
	Max     time.Duration
}

// Exponential returns the delay before the given retry attempt: the initial
// delay doubled once per attempt, capped at the ceiling. Attempts below 1
// get the initial delay.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	ceiling := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			ceiling = cfg.Max
		}
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		// The early return keeps delay under the ceiling between
		// iterations, so a single doubling cannot overflow.
		delay *= 2
		if delay >= ceiling || delay < 0 {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}
