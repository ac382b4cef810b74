package docker

import (
	"time"

	"aqpredict/internal/config"
)

// RuntimeConfig carries the env-tunable knobs of the container runtime.
// The required wiring (data root, dispatcher, completion URL) comes from
// the service config instead; see Config.
type RuntimeConfig struct {
	JobRetention        time.Duration // How long finished transform containers linger
	MaintenanceInterval time.Duration // Cleanup sweep cadence
	ExtraHosts          []string      // /etc/hosts entries injected into model containers
}

// LoadConfigFromEnv reads TRANSFORM_RETENTION, MAINTENANCE_INTERVAL, and
// EXTRA_HOSTS (comma-separated, e.g. "registry.test:host-gateway").
func LoadConfigFromEnv() RuntimeConfig {
	return RuntimeConfig{
		JobRetention:        config.GetDurationEnv("TRANSFORM_RETENTION", 15*time.Minute),
		MaintenanceInterval: config.GetDurationEnv("MAINTENANCE_INTERVAL", 1*time.Minute),
		ExtraHosts:          config.GetListEnv("EXTRA_HOSTS", nil),
	}
}
