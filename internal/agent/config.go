package agent

import (
	"time"

	"aqpredict/internal/config"
)

// Config holds configuration for the transform agent. The TRANSFORM_*
// variables are injected by the prediction runtime when it creates the
// container; the rest come from the model image.
type Config struct {
	JobID           string
	BatchID         string
	InputPath       string
	OutputPath      string
	ModelCommand    string
	CallbackURL     string
	CallbackEvents  string
	CallbackKey     string
	CallbackTimeout time.Duration
	TimeoutSeconds  int
}

// LoadConfigFromEnv loads agent configuration from environment variables.
func LoadConfigFromEnv() *Config {
	return &Config{
		JobID:           config.GetEnv("TRANSFORM_JOB_ID", ""),
		BatchID:         config.GetEnv("TRANSFORM_BATCH_ID", ""),
		InputPath:       config.GetEnv("TRANSFORM_INPUT", ""),
		OutputPath:      config.GetEnv("TRANSFORM_OUTPUT", ""),
		ModelCommand:    config.GetEnv("MODEL_COMMAND", ""),
		CallbackURL:     config.GetEnv("CALLBACK_URL", ""),
		CallbackEvents:  config.GetEnv("CALLBACK_EVENTS", ""),
		CallbackKey:     config.GetEnv("CALLBACK_KEY", ""),
		CallbackTimeout: config.GetDurationEnv("CALLBACK_TIMEOUT", 30*time.Second),
		TimeoutSeconds:  config.GetIntEnv("TIMEOUT_SECONDS", 1800),
	}
}
