package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aqpredict/internal/metastore"
	"aqpredict/internal/testutil"
)

type fakeQuery struct {
	res   *QueryResult
	err   error
	block bool
	calls atomic.Int32
}

func (q *fakeQuery) Run(ctx context.Context, parameter string, windowHours int) (*QueryResult, error) {
	q.calls.Add(1)
	if q.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if q.err != nil {
		return nil, q.err
	}
	return q.res, nil
}

type fakeDispatch struct {
	mu      sync.Mutex
	token   string
	calls   int
	resumer Resumer
	failure *Outcome // when set, delivered to the token before returning an error
}

func (d *fakeDispatch) Run(ctx context.Context, req *DispatchRequest) (*DispatchReceipt, error) {
	d.mu.Lock()
	d.token = req.Token
	d.calls++
	d.mu.Unlock()

	if d.failure != nil {
		_ = d.resumer.Resume(ctx, req.Token, *d.failure)
		return nil, fmt.Errorf("dispatch rejected: %s", d.failure.Code)
	}
	return &DispatchReceipt{JobID: "transform-1", BatchID: "batch-1"}, nil
}

func (d *fakeDispatch) Token() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

func (d *fakeDispatch) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeWrite struct {
	mu       sync.Mutex
	res      *WriteResult
	err      error
	calls    int
	key      string
	expected int
}

func (w *fakeWrite) Run(ctx context.Context, outputKey string, expected int) (*WriteResult, error) {
	w.mu.Lock()
	w.calls++
	w.key = outputKey
	w.expected = expected
	w.mu.Unlock()

	if w.err != nil {
		return nil, w.err
	}
	if w.res != nil {
		return w.res, nil
	}
	return &WriteResult{Total: expected, Updated: expected}, nil
}

func (w *fakeWrite) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func newTestEngine(t *testing.T, cfg EngineConfig, q QueryStage, d *fakeDispatch, w WriteStage) (*Engine, *metastore.Memory) {
	t.Helper()
	store := metastore.NewMemory()
	engine, err := NewEngine(context.Background(), cfg, store, q, d, w, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	d.resumer = engine
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		engine.Close(ctx)
	})
	return engine, store
}

func waitTerminal(t *testing.T, engine *Engine, runID string) *Execution {
	t.Helper()
	testutil.MustWaitFor(t, func() bool {
		exec, ok := engine.Get(runID)
		return ok && exec.Terminal()
	}, testutil.WithTimeout(5*time.Second))
	exec, _ := engine.Get(runID)
	return exec
}

func waitParked(t *testing.T, engine *Engine, d *fakeDispatch, runID string) string {
	t.Helper()
	testutil.MustWaitFor(t, func() bool {
		exec, ok := engine.Get(runID)
		return ok && exec.Stage == StageAwaitingCompletion && d.Token() != ""
	}, testutil.WithTimeout(5*time.Second))
	return d.Token()
}

func TestEngine_NoRecords(t *testing.T) {
	query := &fakeQuery{res: &QueryResult{Status: 204, Records: 0}}
	dispatch := &fakeDispatch{}
	write := &fakeWrite{}
	engine, _ := newTestEngine(t, EngineConfig{}, query, dispatch, write)

	exec, err := engine.Start(context.Background(), "pm25", 24)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitTerminal(t, engine, exec.ID)
	if final.Status != 204 || final.Code != CodeNoRecords {
		t.Errorf("final = %d %s, want 204 NoRecords", final.Status, final.Code)
	}
	if final.Records != 0 {
		t.Errorf("records = %d, want 0", final.Records)
	}
	if dispatch.Calls() != 0 {
		t.Error("dispatcher must not be invoked when no records matched")
	}
	if write.Calls() != 0 {
		t.Error("writer must not be invoked when no records matched")
	}
}

func TestEngine_FullPipeline(t *testing.T) {
	query := &fakeQuery{res: &QueryResult{
		Status:  200,
		Records: 10,
		Key:     "retrieved_from_db/output_2026.csv",
		Columns: []string{"id", "timestamp", "parameter", "value"},
	}}
	dispatch := &fakeDispatch{}
	write := &fakeWrite{}
	engine, store := newTestEngine(t, EngineConfig{}, query, dispatch, write)

	exec, err := engine.Start(context.Background(), "pm25", 24)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	token := waitParked(t, engine, dispatch, exec.ID)

	// Parked state is durable while the run is suspended.
	if _, err := store.Get(context.Background(), metastore.RunPrefix+token); err != nil {
		t.Errorf("parked run not persisted: %v", err)
	}

	suspended, _ := engine.Get(exec.ID)
	if suspended.JobID != "transform-1" || suspended.BatchID != "batch-1" {
		t.Errorf("suspended run missing job correlation: %+v", suspended)
	}

	err = engine.Resume(context.Background(), token, Outcome{
		Status:  200,
		Records: 10,
		Output:  "predicted_values_output/output_results_2026.csv",
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	final := waitTerminal(t, engine, exec.ID)
	if final.Status != 200 || final.Code != CodeDone {
		t.Fatalf("final = %d %s, want 200 Done", final.Status, final.Code)
	}
	if final.Records != 10 || final.Updated != 10 {
		t.Errorf("records/updated = %d/%d, want 10/10", final.Records, final.Updated)
	}
	if write.Calls() != 1 {
		t.Errorf("write calls = %d, want 1", write.Calls())
	}
	write.mu.Lock()
	key, expected := write.key, write.expected
	write.mu.Unlock()
	if key != "predicted_values_output/output_results_2026.csv" || expected != 10 {
		t.Errorf("write got (%q, %d)", key, expected)
	}

	// The claimed token is gone from the store.
	if _, err := store.Get(context.Background(), metastore.RunPrefix+token); !errors.Is(err, metastore.ErrNotFound) {
		t.Errorf("parked entry should be deleted after resume, got err=%v", err)
	}
}

func TestEngine_QueryFailed(t *testing.T) {
	query := &fakeQuery{err: errors.New("connection refused")}
	dispatch := &fakeDispatch{}
	engine, _ := newTestEngine(t, EngineConfig{}, query, dispatch, &fakeWrite{})

	exec, err := engine.Start(context.Background(), "pm25", 24)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitTerminal(t, engine, exec.ID)
	if final.Status != 500 || final.Code != CodeQueryFailed {
		t.Errorf("final = %d %s, want 500 QueryFailed", final.Status, final.Code)
	}
	if dispatch.Calls() != 0 {
		t.Error("dispatcher must not run after a query failure")
	}
}

func TestEngine_QueryTimeout(t *testing.T) {
	query := &fakeQuery{block: true}
	engine, _ := newTestEngine(t, EngineConfig{QueryTimeout: 50 * time.Millisecond}, query, &fakeDispatch{}, &fakeWrite{})

	exec, err := engine.Start(context.Background(), "pm25", 24)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitTerminal(t, engine, exec.ID)
	if final.Status != 504 || final.Code != CodeQueryTimeout {
		t.Errorf("final = %d %s, want 504 QueryTimeout", final.Status, final.Code)
	}
}

func TestEngine_DispatchFailureSignalsToken(t *testing.T) {
	query := &fakeQuery{res: &QueryResult{Status: 200, Records: 3, Key: "retrieved_from_db/x.csv"}}
	dispatch := &fakeDispatch{failure: &Outcome{
		Status: 500,
		Code:   CodeSubmissionFailed,
		Error:  "runtime rejected the job",
	}}
	engine, _ := newTestEngine(t, EngineConfig{}, query, dispatch, &fakeWrite{})

	exec, err := engine.Start(context.Background(), "pm25", 24)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitTerminal(t, engine, exec.ID)
	if final.Status != 500 || final.Code != CodeSubmissionFailed {
		t.Errorf("final = %d %s, want 500 SubmissionFailed", final.Status, final.Code)
	}
	if final.Error != "runtime rejected the job" {
		t.Errorf("error = %q", final.Error)
	}
}

func TestEngine_JobFailure(t *testing.T) {
	query := &fakeQuery{res: &QueryResult{Status: 200, Records: 5, Key: "retrieved_from_db/x.csv"}}
	dispatch := &fakeDispatch{}
	write := &fakeWrite{}
	engine, _ := newTestEngine(t, EngineConfig{}, query, dispatch, write)

	exec, _ := engine.Start(context.Background(), "pm25", 24)
	token := waitParked(t, engine, dispatch, exec.ID)

	err := engine.Resume(context.Background(), token, Outcome{
		Status: 500,
		Code:   CodeJobFailed,
		Error:  "external status Failed",
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	final := waitTerminal(t, engine, exec.ID)
	if final.Code != CodeJobFailed {
		t.Errorf("code = %s, want JobFailed", final.Code)
	}
	if write.Calls() != 0 {
		t.Error("writer must not run after a job failure")
	}
}

func TestEngine_ResumeTokenSingleUse(t *testing.T) {
	query := &fakeQuery{res: &QueryResult{Status: 200, Records: 2, Key: "retrieved_from_db/x.csv"}}
	dispatch := &fakeDispatch{}
	engine, _ := newTestEngine(t, EngineConfig{}, query, dispatch, &fakeWrite{})

	exec, _ := engine.Start(context.Background(), "pm25", 24)
	token := waitParked(t, engine, dispatch, exec.ID)

	first := engine.Resume(context.Background(), token, Outcome{Status: 500, Code: CodeJobFailed})
	if first != nil {
		t.Fatalf("first Resume: %v", first)
	}

	second := engine.Resume(context.Background(), token, Outcome{Status: 200, Output: "x"})
	if !errors.Is(second, ErrUnknownToken) {
		t.Fatalf("second Resume = %v, want ErrUnknownToken", second)
	}

	final := waitTerminal(t, engine, exec.ID)
	if final.Code != CodeJobFailed {
		t.Errorf("second delivery must not override the first, code = %s", final.Code)
	}
}

func TestEngine_ResumeUnknownToken(t *testing.T) {
	engine, _ := newTestEngine(t, EngineConfig{}, &fakeQuery{res: &QueryResult{Records: 0}}, &fakeDispatch{}, &fakeWrite{})

	err := engine.Resume(context.Background(), "rt-missing", Outcome{Status: 200})
	if !errors.Is(err, ErrUnknownToken) {
		t.Errorf("Resume = %v, want ErrUnknownToken", err)
	}
}

func TestEngine_WriteFailed(t *testing.T) {
	query := &fakeQuery{res: &QueryResult{Status: 200, Records: 4, Key: "retrieved_from_db/x.csv"}}
	dispatch := &fakeDispatch{}
	write := &fakeWrite{err: errors.New("update failed")}
	engine, _ := newTestEngine(t, EngineConfig{}, query, dispatch, write)

	exec, _ := engine.Start(context.Background(), "pm25", 24)
	token := waitParked(t, engine, dispatch, exec.ID)

	if err := engine.Resume(context.Background(), token, Outcome{Status: 200, Records: 4, Output: "predicted_values_output/y.csv"}); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	final := waitTerminal(t, engine, exec.ID)
	if final.Status != 500 || final.Code != CodeWriteFailed {
		t.Errorf("final = %d %s, want 500 WriteFailed", final.Status, final.Code)
	}
}

func TestEngine_DeadlineDeliversJobTimeout(t *testing.T) {
	query := &fakeQuery{res: &QueryResult{Status: 200, Records: 2, Key: "retrieved_from_db/x.csv"}}
	dispatch := &fakeDispatch{}
	engine, store := newTestEngine(t, EngineConfig{JobTimeout: 20 * time.Millisecond, ScanInterval: time.Hour}, query, dispatch, &fakeWrite{})

	exec, _ := engine.Start(context.Background(), "pm25", 24)
	token := waitParked(t, engine, dispatch, exec.ID)

	testutil.MustWaitFor(t, func() bool {
		return engine.expireDeadlines(context.Background()) > 0
	}, testutil.WithTimeout(5*time.Second))

	final := waitTerminal(t, engine, exec.ID)
	if final.Status != 504 || final.Code != CodeJobTimeout {
		t.Errorf("final = %d %s, want 504 JobTimeout", final.Status, final.Code)
	}
	if _, err := store.Get(context.Background(), metastore.RunPrefix+token); !errors.Is(err, metastore.ErrNotFound) {
		t.Errorf("parked entry should be deleted after expiry, got err=%v", err)
	}
}

func TestEngine_RecoverSuspendedRun(t *testing.T) {
	store := metastore.NewMemory()
	query := &fakeQuery{res: &QueryResult{Status: 200, Records: 6, Key: "retrieved_from_db/x.csv"}}
	dispatch := &fakeDispatch{}
	write := &fakeWrite{}

	first, err := NewEngine(context.Background(), EngineConfig{}, store, query, dispatch, write, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	dispatch.resumer = first

	exec, _ := first.Start(context.Background(), "pm25", 24)
	token := waitParked(t, first, dispatch, exec.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A fresh engine over the same store rebuilds the parking table.
	second, err := NewEngine(context.Background(), EngineConfig{}, store, query, dispatch, write, nil, nil)
	if err != nil {
		t.Fatalf("NewEngine (restart): %v", err)
	}
	defer second.Close(context.Background())

	restored, ok := second.Get(exec.ID)
	if !ok {
		t.Fatal("suspended run not restored after restart")
	}
	if restored.Stage != StageAwaitingCompletion {
		t.Errorf("restored stage = %s, want AwaitingCompletion", restored.Stage)
	}
	if restored.JobID != "transform-1" {
		t.Errorf("restored jobId = %q, want transform-1", restored.JobID)
	}

	if err := second.Resume(context.Background(), token, Outcome{Status: 200, Records: 6, Output: "predicted_values_output/y.csv"}); err != nil {
		t.Fatalf("Resume after restart: %v", err)
	}

	final := waitTerminal(t, second, exec.ID)
	if final.Code != CodeDone {
		t.Errorf("code = %s, want Done", final.Code)
	}
}

func TestEngine_StartValidation(t *testing.T) {
	engine, _ := newTestEngine(t, EngineConfig{}, &fakeQuery{res: &QueryResult{Records: 0}}, &fakeDispatch{}, &fakeWrite{})

	if _, err := engine.Start(context.Background(), "", 24); err == nil {
		t.Error("expected error for empty parameter")
	}
	if _, err := engine.Start(context.Background(), "pm25", -1); err == nil {
		t.Error("expected error for negative window")
	}
}

func TestEngine_ActiveFor(t *testing.T) {
	query := &fakeQuery{res: &QueryResult{Status: 200, Records: 1, Key: "retrieved_from_db/x.csv"}}
	dispatch := &fakeDispatch{}
	engine, _ := newTestEngine(t, EngineConfig{}, query, dispatch, &fakeWrite{})

	if engine.ActiveFor("pm25") {
		t.Error("no runs yet, ActiveFor should be false")
	}

	exec, _ := engine.Start(context.Background(), "pm25", 24)
	token := waitParked(t, engine, dispatch, exec.ID)

	if !engine.ActiveFor("pm25") {
		t.Error("suspended run should count as active")
	}
	if engine.ActiveFor("pm10") {
		t.Error("other parameters are not active")
	}

	_ = engine.Resume(context.Background(), token, Outcome{Status: 500, Code: CodeJobFailed})
	waitTerminal(t, engine, exec.ID)

	if engine.ActiveFor("pm25") {
		t.Error("terminal run should not count as active")
	}
}

func TestEngine_PruneFinished(t *testing.T) {
	query := &fakeQuery{res: &QueryResult{Status: 204, Records: 0}}
	engine, _ := newTestEngine(t, EngineConfig{Retention: time.Minute}, query, &fakeDispatch{}, &fakeWrite{})

	exec, _ := engine.Start(context.Background(), "pm25", 24)
	waitTerminal(t, engine, exec.ID)

	if n := engine.pruneFinished(time.Now()); n != 0 {
		t.Errorf("pruned %d runs inside the retention window", n)
	}
	if n := engine.pruneFinished(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Errorf("pruned %d runs past the retention window, want 1", n)
	}
	if _, ok := engine.Get(exec.ID); ok {
		t.Error("pruned run should no longer be listed")
	}
}

func TestEngine_ListNewestFirst(t *testing.T) {
	query := &fakeQuery{res: &QueryResult{Status: 204, Records: 0}}
	engine, _ := newTestEngine(t, EngineConfig{}, query, &fakeDispatch{}, &fakeWrite{})

	a, _ := engine.Start(context.Background(), "pm25", 24)
	waitTerminal(t, engine, a.ID)
	time.Sleep(5 * time.Millisecond)
	b, _ := engine.Start(context.Background(), "pm10", 24)
	waitTerminal(t, engine, b.ID)

	list := engine.List()
	if len(list) != 2 {
		t.Fatalf("list = %d entries, want 2", len(list))
	}
	if list[0].ID != b.ID {
		t.Errorf("newest run should come first, got %s", list[0].ID)
	}
}
