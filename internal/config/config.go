// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"time"
)

// ServiceConfig holds configuration for the prediction service.
// It is constructed once in main and passed by parameter; no component
// reads process environment directly.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	EventSigningKey   string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	// Pipeline
	TargetParameter string   // measurement parameter predictions are produced for
	FeatureColumns  []string // columns projected into the prediction input file
	SentinelValue   int      // value marking "missing, needs prediction"
	WindowHours     int      // default lookback window per run

	// Prediction runtime
	ModelID       string // model image/identifier; checked at dispatch time
	InstanceType  string
	InstanceCount int

	// Stores
	DataDir           string // object storage root directory
	DatabaseDriver    string // "postgres" or "sqlite"
	DatabaseURL       string
	MeasurementsTable string
	MetadataBackend   string // "memory" or "redis"
	RedisAddr         string
	RedisPassword     string
	RedisDB           int

	// Stage timeouts. Job/Run ceilings bound the suspended wait.
	QueryTimeout    time.Duration
	DispatchTimeout time.Duration
	WriteTimeout    time.Duration
	JobTimeout      time.Duration
	RunTimeout      time.Duration

	// Engine housekeeping
	ScanInterval time.Duration // parked-run deadline scanner cadence
	Retention    time.Duration // how long finished runs stay listable

	// Periodic trigger
	ScheduleEnabled  bool
	ScheduleInterval time.Duration

	// Event delivery
	CompletionURL string // where the runtime posts completion events; defaults to this service
	NotifyURL     string // optional webhook for run-finished notifications
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		EventSigningKey:   GetSecretFile(GetEnv("EVENT_SIGNING_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),

		TargetParameter: GetEnv("TARGET_PARAMETER", "pm25"),
		FeatureColumns:  GetListEnv("FEATURE_COLUMNS", []string{"timestamp", "parameter", "device_id", "location_id", "deployment_date"}),
		SentinelValue:   GetIntEnv("SENTINEL_VALUE", 65535),
		WindowHours:     GetIntEnv("WINDOW_HOURS", 24),

		ModelID:       GetEnv("MODEL_ID", ""),
		InstanceType:  GetEnv("INSTANCE_TYPE", "standard"),
		InstanceCount: GetIntEnv("INSTANCE_COUNT", 1),

		DataDir:           GetEnv("DATA_DIR", "./data"),
		DatabaseDriver:    GetEnv("DB_DRIVER", "sqlite"),
		DatabaseURL:       GetEnv("DB_URL", "aqpredict.db"),
		MeasurementsTable: GetEnv("MEASUREMENTS_TABLE", "measurements"),
		MetadataBackend:   GetEnv("METADATA_BACKEND", "memory"),
		RedisAddr:         GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     GetSecretFile(GetEnv("REDIS_PASSWORD_FILE", "")),
		RedisDB:           GetIntEnv("REDIS_DB", 0),

		QueryTimeout:    GetDurationEnv("QUERY_TIMEOUT", 2*time.Hour),
		DispatchTimeout: GetDurationEnv("DISPATCH_TIMEOUT", 2*time.Hour),
		WriteTimeout:    GetDurationEnv("WRITE_TIMEOUT", 2*time.Hour),
		JobTimeout:      GetDurationEnv("JOB_TIMEOUT", 6*time.Hour),
		RunTimeout:      GetDurationEnv("RUN_TIMEOUT", 12*time.Hour),

		ScanInterval: GetDurationEnv("SCAN_INTERVAL", 30*time.Second),
		Retention:    GetDurationEnv("RUN_RETENTION", 24*time.Hour),

		ScheduleEnabled:  GetBoolEnv("SCHEDULE_ENABLED", false),
		ScheduleInterval: GetDurationEnv("SCHEDULE_INTERVAL", 24*time.Hour),

		CompletionURL: GetEnv("COMPLETION_URL", ""),
		NotifyURL:     GetEnv("NOTIFY_URL", ""),
	}
}

// Validate checks the configuration for values that would only fail later
// and deeper in the pipeline. ModelID is deliberately not required here:
// an unconfigured model is a per-run dispatch failure, not a startup error.
func (c *ServiceConfig) Validate() error {
	if c.TargetParameter == "" {
		return fmt.Errorf("TARGET_PARAMETER must not be empty")
	}
	if len(c.FeatureColumns) == 0 {
		return fmt.Errorf("FEATURE_COLUMNS must name at least one column")
	}
	if c.SentinelValue < 0 {
		return fmt.Errorf("SENTINEL_VALUE must be non-negative, got %d", c.SentinelValue)
	}
	if c.WindowHours <= 0 {
		return fmt.Errorf("WINDOW_HOURS must be positive, got %d", c.WindowHours)
	}
	if c.InstanceCount < 1 {
		return fmt.Errorf("INSTANCE_COUNT must be at least 1, got %d", c.InstanceCount)
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}
	switch c.MetadataBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when METADATA_BACKEND is redis")
		}
	default:
		return fmt.Errorf("METADATA_BACKEND must be memory or redis, got %q", c.MetadataBackend)
	}
	for name, d := range map[string]time.Duration{
		"QUERY_TIMEOUT":    c.QueryTimeout,
		"DISPATCH_TIMEOUT": c.DispatchTimeout,
		"WRITE_TIMEOUT":    c.WriteTimeout,
		"JOB_TIMEOUT":      c.JobTimeout,
		"RUN_TIMEOUT":      c.RunTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if c.RunTimeout < c.JobTimeout {
		return fmt.Errorf("RUN_TIMEOUT (%v) must not be shorter than JOB_TIMEOUT (%v)", c.RunTimeout, c.JobTimeout)
	}
	return nil
}
