// Package measurements is the relational-store collaborator. The pipeline
// sees exactly two operations: select candidate rows needing prediction, and
// update one row by id with its predicted value.
package measurements

import (
	"context"

	"aqpredict/internal/records"
)

// CandidateQuery bounds a candidate selection.
type CandidateQuery struct {
	Parameter   string // target measurement parameter
	Sentinel    int    // value marking "missing"
	WindowHours int    // recency bound, applied only when a time column exists
}

// Store is the narrow relational contract used by the query stage and the
// DB writer.
type Store interface {
	// SelectCandidates returns every unpredicted row for the parameter whose
	// value equals the sentinel, in stable order, with column names.
	SelectCandidates(ctx context.Context, q CandidateQuery) (*records.Frame, error)
	// ApplyPrediction sets the value and predicted flag on one row.
	// It reports false when no row has that id.
	ApplyPrediction(ctx context.Context, id, value string) (bool, error)
	// Ready verifies the store can serve requests.
	Ready(ctx context.Context) error
	Close() error
}
