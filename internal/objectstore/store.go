// Package objectstore abstracts the object storage collaborator: whole-object
// reads and writes plus prefix listing, the only operations the pipeline
// needs.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Stable key layout for pipeline objects.
const (
	PrefixRetrieved   = "retrieved_from_db"
	PrefixInputBatch  = "input_batch"
	PrefixOutputBatch = "output_batch"
	PrefixPredicted   = "predicted_values_output"
)

// ErrNotExist is returned when a key has no object behind it.
var ErrNotExist = errors.New("object does not exist")

// Info describes a stored object.
type Info struct {
	Key     string    `json:"key"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Store is the narrow object-storage contract used by the pipeline stages.
type Store interface {
	// Read returns the full object at key, or ErrNotExist.
	Read(ctx context.Context, key string) ([]byte, error)
	// Write stores data at key, replacing any existing object.
	Write(ctx context.Context, key string, data []byte) error
	// Stat reports object metadata without reading it, or ErrNotExist.
	Stat(ctx context.Context, key string) (Info, error)
	// List returns all keys under prefix, sorted. A prefix with no objects
	// yields an empty slice, not an error.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ValidateKey rejects keys that would escape the store's namespace.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("object key must not be empty")
	}
	if strings.HasPrefix(key, "/") || filepath.IsAbs(key) {
		return fmt.Errorf("object key must be relative, got %q", key)
	}
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Errorf("object key must not traverse outside the store, got %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("object key must not traverse outside the store, got %q", key)
		}
	}
	return nil
}
