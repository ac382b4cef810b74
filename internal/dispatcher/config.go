package dispatcher

import (
	"time"

	"aqpredict/internal/config"
)

// Delivery tuning. None of these have needed to be operator-facing; the
// env-tunable knobs live in MemoryConfig.
const (
	maxSendRetries   = 3
	backoffInitial   = 100 * time.Millisecond
	backoffCeiling   = 5 * time.Second
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
	maxRequeues      = 10
)

// MemoryConfig sizes the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           // events that can wait for a worker (default 10000)
	Workers     int           // delivery goroutines (default 10)
	HTTPTimeout time.Duration // budget for a single POST (default 10s)
}

// LoadConfigFromEnv reads the DISPATCHER_* environment variables.
func LoadConfigFromEnv() MemoryConfig {
	return MemoryConfig{
		BufferSize:  config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 10000),
		Workers:     config.GetIntEnv("DISPATCHER_WORKERS", 10),
		HTTPTimeout: config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
	}.withDefaults()
}

// withDefaults replaces zero and negative fields so a hand-built config does
// not have to spell out every knob.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	return c
}
