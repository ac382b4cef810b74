// Package writer implements the pipeline's final stage: read the reconciled
// output from object storage and apply each prediction to its measurement row.
package writer

import (
	"context"
	"fmt"
	"log/slog"

	"aqpredict/internal/measurements"
	"aqpredict/internal/objectstore"
	"aqpredict/internal/reconcile"
	"aqpredict/internal/records"
	"aqpredict/internal/workflow"
)

// idColumn identifies the measurement row a prediction belongs to.
const idColumn = "id"

// Stage writes reconciled predictions back to the measurements store.
type Stage struct {
	db      measurements.Store
	objects objectstore.Store
	logger  *slog.Logger
}

// New creates a write-back stage.
func New(db measurements.Store, objects objectstore.Store) *Stage {
	return &Stage{
		db:      db,
		objects: objects,
		logger:  slog.With("component", "writer"),
	}
}

// Run reads the reconciled CSV at outputKey and updates one measurement row
// per prediction. Bad rows are skipped and logged, never fatal: a single
// unparsable value must not strand the rest of the batch. Store errors are
// fatal, the run retries from a consistent state.
//
// The reconciled file carries raw prediction values; rounding to two decimal
// places happens here, at parse time, so the stored value and the file can
// disagree in precision but never in magnitude.
func (s *Stage) Run(ctx context.Context, outputKey string, expected int) (*workflow.WriteResult, error) {
	data, err := s.objects.Read(ctx, outputKey)
	if err != nil {
		return nil, fmt.Errorf("read reconciled output %s: %w", outputKey, err)
	}
	frame, err := records.ParseCSV(data)
	if err != nil {
		return nil, fmt.Errorf("parse reconciled output %s: %w", outputKey, err)
	}

	result := &workflow.WriteResult{Total: frame.Len()}
	if frame.Len() == 0 {
		s.logger.Info("No prediction rows to write", "key", outputKey)
		return result, nil
	}
	if expected > 0 && frame.Len() != expected {
		s.logger.Warn("Reconciled row count differs from the dispatched batch",
			"key", outputKey,
			"records", frame.Len(),
			"expected", expected)
	}

	idIdx := frame.ColumnIndex(idColumn)
	predIdx := frame.ColumnIndex(reconcile.PredictionColumn)
	if idIdx < 0 || predIdx < 0 {
		s.logger.Error("Reconciled output lacks required columns",
			"key", outputKey,
			"columns", frame.Columns)
		return result, nil
	}

	for i, row := range frame.Rows {
		id := row[idIdx]
		if id == "" {
			s.logger.Warn("Row has no id, skipping", "key", outputKey, "row", i)
			continue
		}
		value, err := records.RoundHalfUp(row[predIdx])
		if err != nil {
			s.logger.Warn("Prediction is not numeric, skipping row",
				"key", outputKey,
				"row", i,
				"id", id,
				"error", err)
			continue
		}
		ok, err := s.db.ApplyPrediction(ctx, id, value)
		if err != nil {
			return nil, fmt.Errorf("apply prediction for id %s: %w", id, err)
		}
		if !ok {
			s.logger.Warn("No measurement row with this id", "key", outputKey, "id", id)
			continue
		}
		result.Updated++
	}

	s.logger.Info("Predictions written back",
		"key", outputKey,
		"records", result.Total,
		"updated", result.Updated)
	return result, nil
}

var _ workflow.WriteStage = (*Stage)(nil)
