// Package reconcile joins batch prediction output back onto the input rows
// it was computed from. Correlation is purely positional: row i of the output
// is the prediction for row i of the input. The id-ordered export and the
// order-preserving job input are what make that pairing sound.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"

	"aqpredict/internal/records"
)

const (
	// PredictionColumn holds the raw predicted value in the merged output.
	PredictionColumn = "predicted_value"
	// FlagColumn marks every merged row as predicted.
	FlagColumn = "predicted_label"

	flagValue = "TRUE"
)

// ErrShortfall marks the unrecoverable mismatch: fewer predictions than
// inputs. There is no safe position mapping for a partial output.
var ErrShortfall = errors.New("insufficient predictions")

// ParseOutput extracts prediction values from the runtime's raw output file:
// one CSV row per input row, first field is the prediction.
func ParseOutput(data []byte) ([]string, error) {
	rows, err := records.ParseHeaderless(data)
	if err != nil {
		return nil, fmt.Errorf("parse prediction output: %w", err)
	}
	values := make([]string, 0, len(rows))
	for i, row := range rows {
		if len(row) == 0 || row[0] == "" {
			return nil, fmt.Errorf("prediction output row %d has no value", i)
		}
		values = append(values, row[0])
	}
	return values, nil
}

// PositionalJoin pairs each input row with the prediction at the same index
// and appends the prediction and flag columns. Excess predictions are
// truncated to the input length; a shortfall returns ErrShortfall. The
// result's columns are the original order followed by the added columns.
func PositionalJoin(input *records.Frame, predictions []string, originalColumns []string) (*records.Frame, error) {
	if len(predictions) < input.Len() {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrShortfall, len(predictions), input.Len())
	}
	if len(predictions) > input.Len() {
		slog.Warn("Truncating predictions to input length",
			"predictions", len(predictions),
			"inputs", input.Len())
		predictions = predictions[:input.Len()]
	}

	joined, err := input.AppendColumn(PredictionColumn, predictions)
	if err != nil {
		return nil, err
	}

	flags := make([]string, joined.Len())
	for i := range flags {
		flags[i] = flagValue
	}
	joined, err = joined.AppendColumn(FlagColumn, flags)
	if err != nil {
		return nil, err
	}

	return reorder(joined, originalColumns)
}

// reorder puts the original columns first, in their original order, followed
// by whatever the join added. Original columns absent from the frame are
// logged and dropped rather than invented.
func reorder(f *records.Frame, originalColumns []string) (*records.Frame, error) {
	if len(originalColumns) == 0 {
		return f, nil
	}

	have := make(map[string]bool, len(f.Columns))
	for _, c := range f.Columns {
		have[c] = true
	}

	ordered := make([]string, 0, len(f.Columns))
	var missing []string
	for _, c := range originalColumns {
		if have[c] {
			ordered = append(ordered, c)
		} else {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		slog.Warn("Original columns absent from reconciled output", "columns", missing)
	}

	original := make(map[string]bool, len(originalColumns))
	for _, c := range originalColumns {
		original[c] = true
	}
	for _, c := range f.Columns {
		if !original[c] {
			ordered = append(ordered, c)
		}
	}

	return f.Project(ordered)
}
