// Package metastore abstracts the durable key-value store holding job
// metadata and parked workflow runs: put, get, delete by key.
package metastore

import (
	"context"
	"errors"
)

// Key prefixes used by the pipeline.
const (
	JobPrefix = "jobs/" // job metadata, one entry per external job id
	RunPrefix = "runs/" // parked executions, one entry per resumption token
)

// ErrNotFound is returned when a key has no entry.
var ErrNotFound = errors.New("metadata entry not found")

// Store is the narrow metadata contract the pipeline depends on. Entries are
// transient: written by the dispatcher, deleted by the completion handler.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// KeyLister is implemented by backends that can enumerate keys. The workflow
// engine uses it to recover parked runs after a restart and to scan for
// expired deadlines; the pipeline stages never need it.
type KeyLister interface {
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}
