package reconcile

import (
	"errors"
	"reflect"
	"testing"

	"aqpredict/internal/records"
)

func inputFrame() *records.Frame {
	return &records.Frame{
		Columns: []string{"id", "timestamp", "value"},
		Rows: [][]string{
			{"1", "2024-03-01 10:00:00", "65535"},
			{"2", "2024-03-01 11:00:00", "65535"},
			{"3", "2024-03-01 12:00:00", "65535"},
		},
	}
}

func TestParseOutput(t *testing.T) {
	t.Parallel()

	values, err := ParseOutput([]byte("12.34\n56.78\n90.12\n"))
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if !reflect.DeepEqual(values, []string{"12.34", "56.78", "90.12"}) {
		t.Errorf("values = %v", values)
	}
}

func TestParseOutputMultiColumn(t *testing.T) {
	t.Parallel()

	// Only the first field of each row is the prediction
	values, err := ParseOutput([]byte("12.34,0.9\n56.78,0.8\n"))
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if !reflect.DeepEqual(values, []string{"12.34", "56.78"}) {
		t.Errorf("values = %v", values)
	}
}

func TestParseOutputEmpty(t *testing.T) {
	t.Parallel()

	values, err := ParseOutput(nil)
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("values = %v, want none", values)
	}
}

func TestPositionalJoinPairsByIndex(t *testing.T) {
	t.Parallel()
	input := inputFrame()

	joined, err := PositionalJoin(input, []string{"10.5", "20.5", "30.5"}, input.Columns)
	if err != nil {
		t.Fatalf("PositionalJoin: %v", err)
	}

	want := []string{"id", "timestamp", "value", PredictionColumn, FlagColumn}
	if !reflect.DeepEqual(joined.Columns, want) {
		t.Fatalf("columns = %v, want %v", joined.Columns, want)
	}
	if joined.Len() != 3 {
		t.Fatalf("rows = %d, want 3", joined.Len())
	}

	// Row i carries prediction i
	for i, wantValue := range []string{"10.5", "20.5", "30.5"} {
		row := joined.Rows[i]
		if row[3] != wantValue {
			t.Errorf("row %d prediction = %q, want %q", i, row[3], wantValue)
		}
		if row[4] != "TRUE" {
			t.Errorf("row %d flag = %q, want TRUE", i, row[4])
		}
	}
	if joined.Rows[1][0] != "2" {
		t.Errorf("row 1 id = %q, original fields must survive the join", joined.Rows[1][0])
	}
}

func TestPositionalJoinTruncatesExcess(t *testing.T) {
	t.Parallel()
	input := inputFrame()

	joined, err := PositionalJoin(input, []string{"1.1", "2.2", "3.3", "4.4", "5.5"}, input.Columns)
	if err != nil {
		t.Fatalf("PositionalJoin: %v", err)
	}
	if joined.Len() != 3 {
		t.Fatalf("rows = %d, want input length 3", joined.Len())
	}
	if joined.Rows[2][3] != "3.3" {
		t.Errorf("last prediction = %q, want 3.3", joined.Rows[2][3])
	}
}

func TestPositionalJoinShortfallIsFatal(t *testing.T) {
	t.Parallel()
	input := inputFrame()

	_, err := PositionalJoin(input, []string{"1.1", "2.2"}, input.Columns)
	if !errors.Is(err, ErrShortfall) {
		t.Fatalf("err = %v, want ErrShortfall", err)
	}
}

func TestPositionalJoinRestoresColumnOrder(t *testing.T) {
	t.Parallel()

	// The frame arrives with columns shuffled relative to the recorded
	// original order; the join must restore the original order.
	input := &records.Frame{
		Columns: []string{"value", "id", "timestamp"},
		Rows: [][]string{
			{"65535", "1", "2024-03-01 10:00:00"},
		},
	}

	joined, err := PositionalJoin(input, []string{"42.0"}, []string{"id", "timestamp", "value"})
	if err != nil {
		t.Fatalf("PositionalJoin: %v", err)
	}

	want := []string{"id", "timestamp", "value", PredictionColumn, FlagColumn}
	if !reflect.DeepEqual(joined.Columns, want) {
		t.Fatalf("columns = %v, want %v", joined.Columns, want)
	}
	wantRow := []string{"1", "2024-03-01 10:00:00", "65535", "42.0", "TRUE"}
	if !reflect.DeepEqual(joined.Rows[0], wantRow) {
		t.Errorf("row = %v, want %v", joined.Rows[0], wantRow)
	}
}

func TestPositionalJoinDropsAbsentOriginalColumns(t *testing.T) {
	t.Parallel()
	input := &records.Frame{
		Columns: []string{"id"},
		Rows:    [][]string{{"1"}},
	}

	// "location" was recorded at export time but is gone from the frame;
	// it is dropped, not fabricated.
	joined, err := PositionalJoin(input, []string{"7.7"}, []string{"id", "location"})
	if err != nil {
		t.Fatalf("PositionalJoin: %v", err)
	}
	want := []string{"id", PredictionColumn, FlagColumn}
	if !reflect.DeepEqual(joined.Columns, want) {
		t.Errorf("columns = %v, want %v", joined.Columns, want)
	}
}

func TestPositionalJoinEmptyInput(t *testing.T) {
	t.Parallel()
	input := &records.Frame{Columns: []string{"id", "value"}}

	joined, err := PositionalJoin(input, nil, input.Columns)
	if err != nil {
		t.Fatalf("PositionalJoin: %v", err)
	}
	if joined.Len() != 0 {
		t.Errorf("rows = %d, want 0", joined.Len())
	}
}
