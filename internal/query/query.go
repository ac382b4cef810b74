// Package query implements the pipeline's first stage: select candidate rows
// from the measurements store and export them as CSV to object storage.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"aqpredict/internal/measurements"
	"aqpredict/internal/objectstore"
	"aqpredict/internal/workflow"
)

// Stage selects candidate rows and exports them under retrieved_from_db/.
type Stage struct {
	db       measurements.Store
	objects  objectstore.Store
	sentinel int
	logger   *slog.Logger
}

// New creates a query stage. Sentinel is the value marking a row as missing
// its prediction.
func New(db measurements.Store, objects objectstore.Store, sentinel int) *Stage {
	return &Stage{
		db:       db,
		objects:  objects,
		sentinel: sentinel,
		logger:   slog.With("component", "query"),
	}
}

// Run selects every candidate row for the parameter and writes the export,
// header row included. Zero candidates is a 204 result, not an error, and no
// file is written for it.
func (s *Stage) Run(ctx context.Context, parameter string, windowHours int) (*workflow.QueryResult, error) {
	frame, err := s.db.SelectCandidates(ctx, measurements.CandidateQuery{
		Parameter:   parameter,
		Sentinel:    s.sentinel,
		WindowHours: windowHours,
	})
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}

	if frame.Len() == 0 {
		s.logger.Info("No candidate records", "parameter", parameter, "windowHours", windowHours)
		return &workflow.QueryResult{Status: http.StatusNoContent}, nil
	}

	data, err := frame.MarshalCSV()
	if err != nil {
		return nil, fmt.Errorf("marshal export: %w", err)
	}

	key := exportKey(parameter, time.Now().UTC())
	if err := s.objects.Write(ctx, key, data); err != nil {
		return nil, fmt.Errorf("write export %s: %w", key, err)
	}

	s.logger.Info("Exported candidate records",
		"parameter", parameter,
		"records", frame.Len(),
		"key", key)

	return &workflow.QueryResult{
		Status:  http.StatusOK,
		Records: frame.Len(),
		Key:     key,
		Columns: frame.Columns,
	}, nil
}

func exportKey(parameter string, now time.Time) string {
	name := fmt.Sprintf("%s_%s.csv", parameter, now.Format("20060102T150405"))
	return objectstore.Key(objectstore.PrefixRetrieved, name)
}

var _ workflow.QueryStage = (*Stage)(nil)
