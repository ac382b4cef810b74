package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv reads key, falling back when the variable is unset or empty.
func GetEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

// GetIntEnv reads key as an integer. Unset, empty, and unparsable values
// all fall back.
func GetIntEnv(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return n
}

// GetDurationEnv reads key in time.ParseDuration syntax, like "90s" or
// "15m". Unset, empty, and unparsable values all fall back.
func GetDurationEnv(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return d
}

// GetBoolEnv reads key in strconv.ParseBool syntax. Unset, empty, and
// unparsable values all fall back.
func GetBoolEnv(key string, fallback bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return b
}

// GetListEnv reads key as a comma-separated list, trimming whitespace and
// dropping empty elements. A value with no usable elements falls back.
func GetListEnv(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}

	var items []string
	for _, part := range strings.Split(v, ",") {
		if item := strings.TrimSpace(part); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}

// GetSecretFile reads and trims a secret mounted at path, the shape Docker
// and Kubernetes secret volumes present. Unreadable paths yield "".
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
