// Package circuitbreaker gates repeated calls to endpoints that keep
// failing.
//
// Each breaker tracks a consecutive-failure streak for one endpoint. Once
// the streak reaches a threshold the breaker opens and callers are told to
// back off. After a cooldown the breaker turns half-open and lets traffic
// through again; the next recorded success closes it, the next recorded
// failure opens it for another cooldown.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the position of a breaker in its open/closed cycle.
type State int

const (
	Closed   State = iota // calls pass through
	Open                  // calls are refused until the cooldown elapses
	HalfOpen              // cooldown elapsed, probing the endpoint again
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker. Zero or negative fields fall back to the
// DefaultConfig values.
type Config struct {
	Threshold int           // consecutive failures before the breaker opens
	Cooldown  time.Duration // how long an open breaker refuses calls
}

// DefaultConfig returns the stock tuning: open after 5 straight failures,
// stay open for 30 seconds.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// Breaker guards a single endpoint.
type Breaker struct {
	mu        sync.RWMutex
	state     State
	streak    int           // consecutive failures since the last success
	failedAt  time.Time     // cooldown clock, restarted by every failure
	threshold int
	cooldown  time.Duration
}

// New builds a breaker from cfg, substituting defaults for unset fields.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{
		state:     Closed,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
	}
}

// Allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed flips to half-open and admits the call as a probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return true
	}
	if time.Since(b.failedAt) <= b.cooldown {
		return false
	}
	b.state = HalfOpen
	return true
}

// RecordSuccess closes the breaker and clears the failure streak. A
// successful half-open probe lands here too.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.streak = 0
}

// RecordFailure extends the failure streak and restarts the cooldown
// clock. A failed half-open probe reopens the breaker immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.streak++
	b.failedAt = time.Now()

	switch {
	case b.state == HalfOpen:
		b.state = Open
	case b.streak >= b.threshold:
		b.state = Open
	}
}

// State reports where the breaker sits in its cycle right now.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Failures returns the length of the current failure streak.
func (b *Breaker) Failures() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.streak
}

// Reset forces the breaker closed and clears the streak.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.streak = 0
}
