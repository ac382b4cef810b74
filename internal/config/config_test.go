package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              "8080",
		MetricsPort:       "9090",
		TargetParameter:   "pm25",
		FeatureColumns:    []string{"timestamp", "device_id"},
		SentinelValue:     65535,
		WindowHours:       24,
		InstanceType:      "standard",
		InstanceCount:     1,
		DatabaseDriver:    "sqlite",
		DatabaseURL:       "aqpredict.db",
		MeasurementsTable: "measurements",
		MetadataBackend:   "memory",
		QueryTimeout:      time.Hour,
		DispatchTimeout:   time.Hour,
		WriteTimeout:      time.Hour,
		JobTimeout:        2 * time.Hour,
		RunTimeout:        4 * time.Hour,
	}
}

func TestServiceConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*ServiceConfig)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *ServiceConfig) {},
		},
		{
			name:    "empty target parameter",
			mutate:  func(c *ServiceConfig) { c.TargetParameter = "" },
			wantErr: "TARGET_PARAMETER",
		},
		{
			name:    "no feature columns",
			mutate:  func(c *ServiceConfig) { c.FeatureColumns = nil },
			wantErr: "FEATURE_COLUMNS",
		},
		{
			name:    "negative sentinel",
			mutate:  func(c *ServiceConfig) { c.SentinelValue = -1 },
			wantErr: "SENTINEL_VALUE",
		},
		{
			name:    "zero window",
			mutate:  func(c *ServiceConfig) { c.WindowHours = 0 },
			wantErr: "WINDOW_HOURS",
		},
		{
			name:    "unknown database driver",
			mutate:  func(c *ServiceConfig) { c.DatabaseDriver = "oracle" },
			wantErr: "DB_DRIVER",
		},
		{
			name:    "redis backend without address",
			mutate:  func(c *ServiceConfig) { c.MetadataBackend = "redis"; c.RedisAddr = "" },
			wantErr: "REDIS_ADDR",
		},
		{
			name:    "unknown metadata backend",
			mutate:  func(c *ServiceConfig) { c.MetadataBackend = "etcd" },
			wantErr: "METADATA_BACKEND",
		},
		{
			name:    "zero stage timeout",
			mutate:  func(c *ServiceConfig) { c.WriteTimeout = 0 },
			wantErr: "WRITE_TIMEOUT",
		},
		{
			name:    "run ceiling below job ceiling",
			mutate:  func(c *ServiceConfig) { c.RunTimeout = time.Hour },
			wantErr: "RUN_TIMEOUT",
		},
		{
			name:    "zero instance count",
			mutate:  func(c *ServiceConfig) { c.InstanceCount = 0 },
			wantErr: "INSTANCE_COUNT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}
