package query

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"aqpredict/internal/measurements"
	"aqpredict/internal/objectstore"
	"aqpredict/internal/records"
)

type fakeDB struct {
	frame *records.Frame
	err   error
	query measurements.CandidateQuery
}

func (f *fakeDB) SelectCandidates(_ context.Context, q measurements.CandidateQuery) (*records.Frame, error) {
	f.query = q
	return f.frame, f.err
}

func (f *fakeDB) ApplyPrediction(context.Context, string, string) (bool, error) {
	return false, nil
}

func (f *fakeDB) Ready(context.Context) error { return nil }
func (f *fakeDB) Close() error                { return nil }

type failingStore struct {
	objectstore.Store
}

func (failingStore) Write(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func newObjects(t *testing.T) *objectstore.FS {
	t.Helper()
	store, err := objectstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return store
}

func TestRunExportsCandidates(t *testing.T) {
	t.Parallel()
	db := &fakeDB{frame: &records.Frame{
		Columns: []string{"id", "timestamp", "value"},
		Rows: [][]string{
			{"1", "2024-03-01 10:00:00", "65535"},
			{"2", "2024-03-01 11:00:00", "65535"},
		},
	}}
	objects := newObjects(t)
	stage := New(db, objects, 65535)

	res, err := stage.Run(context.Background(), "pm25", 24)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", res.Status)
	}
	if res.Records != 2 {
		t.Errorf("Records = %d, want 2", res.Records)
	}
	if !strings.HasPrefix(res.Key, objectstore.PrefixRetrieved+"/") {
		t.Errorf("Key = %q, want under %s/", res.Key, objectstore.PrefixRetrieved)
	}
	if len(res.Columns) != 3 || res.Columns[0] != "id" {
		t.Errorf("Columns = %v", res.Columns)
	}

	if db.query.Parameter != "pm25" || db.query.Sentinel != 65535 || db.query.WindowHours != 24 {
		t.Errorf("CandidateQuery = %+v", db.query)
	}

	// Export must round-trip with header intact
	data, err := objects.Read(context.Background(), res.Key)
	if err != nil {
		t.Fatalf("Read export: %v", err)
	}
	frame, err := records.ParseCSV(data)
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if frame.Len() != 2 || frame.Columns[2] != "value" {
		t.Errorf("exported frame = %+v", frame)
	}
}

func TestRunNoRecords(t *testing.T) {
	t.Parallel()
	db := &fakeDB{frame: &records.Frame{Columns: []string{"id", "value"}}}
	objects := newObjects(t)
	stage := New(db, objects, 65535)

	res, err := stage.Run(context.Background(), "pm25", 24)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Status != http.StatusNoContent {
		t.Errorf("Status = %d, want 204", res.Status)
	}
	if res.Records != 0 || res.Key != "" {
		t.Errorf("result = %+v, want zero records and no key", res)
	}

	// Nothing should be written for an empty candidate set
	keys, err := objects.List(context.Background(), objectstore.PrefixRetrieved)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("export written for empty set: %v", keys)
	}
}

func TestRunQueryError(t *testing.T) {
	t.Parallel()
	db := &fakeDB{err: errors.New("connection refused")}
	stage := New(db, newObjects(t), 65535)

	if _, err := stage.Run(context.Background(), "pm25", 24); err == nil {
		t.Fatal("expected error from failing select")
	}
}

func TestRunWriteError(t *testing.T) {
	t.Parallel()
	db := &fakeDB{frame: &records.Frame{
		Columns: []string{"id", "value"},
		Rows:    [][]string{{"1", "65535"}},
	}}
	stage := New(db, failingStore{}, 65535)

	if _, err := stage.Run(context.Background(), "pm25", 24); err == nil {
		t.Fatal("expected error from failing write")
	}
}
