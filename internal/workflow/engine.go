package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"aqpredict/internal/apperrors"
	"aqpredict/internal/dispatcher"
	"aqpredict/internal/metastore"
	"aqpredict/internal/observability"

	"github.com/google/uuid"
)

// RunStore is the slice of the metadata store the engine needs: durable
// parking plus key listing for crash recovery.
type RunStore interface {
	metastore.Store
	metastore.KeyLister
}

// QueryStage selects candidate rows and exports them to object storage.
type QueryStage interface {
	Run(ctx context.Context, parameter string, windowHours int) (*QueryResult, error)
}

// DispatchStage prepares and submits the batch job. On success the run stays
// suspended until the completion handler delivers the outcome; on any failure
// the stage must deliver a failure outcome to the request's token before
// returning, so a suspended run is never left unsignalled. A nil receipt with
// a nil error means nothing was submitted and the stage already resolved the
// run through its token (an empty export).
type DispatchStage interface {
	Run(ctx context.Context, req *DispatchRequest) (*DispatchReceipt, error)
}

// DispatchReceipt reports a successful submission.
type DispatchReceipt struct {
	JobID   string
	BatchID string
}

// WriteStage applies reconciled predictions to the relational store.
type WriteStage interface {
	Run(ctx context.Context, outputKey string, expected int) (*WriteResult, error)
}

// Resumer delivers an outcome for a resumption token. The engine implements
// it; the dispatcher and the completion handler hold this narrow view.
type Resumer interface {
	Resume(ctx context.Context, token string, outcome Outcome) error
}

// ResumerFunc adapts a function to the Resumer interface. The dispatch stage
// and the engine reference each other, so composition roots bind the stage to
// a closure over the engine variable instead of the engine value itself.
type ResumerFunc func(ctx context.Context, token string, outcome Outcome) error

// Resume calls f.
func (f ResumerFunc) Resume(ctx context.Context, token string, outcome Outcome) error {
	return f(ctx, token, outcome)
}

// EngineConfig holds configuration for the workflow engine.
type EngineConfig struct {
	QueryTimeout    time.Duration // per-stage ceiling for the query stage
	DispatchTimeout time.Duration // per-stage ceiling for the dispatch stage
	WriteTimeout    time.Duration // per-stage ceiling for the write-back stage
	JobTimeout      time.Duration // how long a parked run waits for the completion signal
	RunTimeout      time.Duration // ceiling for the whole execution
	ScanInterval    time.Duration // how often maintenance checks deadlines (default 30s)
	Retention       time.Duration // how long finished executions stay listable (default 24h)
	NotifyURL       string        // optional operator webhook for run.finished events
	SigningKey      string        // HMAC key for outbound events
}

// withDefaults fills in zero values with defaults.
func (c EngineConfig) withDefaults() EngineConfig {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 2 * time.Hour
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 2 * time.Hour
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Hour
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 6 * time.Hour
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 12 * time.Hour
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

type parkedEntry struct {
	runID    string
	deadline time.Time
}

// Engine drives pipeline executions. Each run is a short-lived goroutine for
// the synchronous stages; while the external job executes, the run is parked
// as a resumption token and holds no goroutine at all. Parked state is
// mirrored into the metadata store so a restart can pick the runs back up.
type Engine struct {
	cfg      EngineConfig
	store    RunStore
	query    QueryStage
	dispatch DispatchStage
	write    WriteStage
	events   dispatcher.Dispatcher
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	runs   map[string]*Execution
	parked map[string]parkedEntry

	cancelMaintenance context.CancelFunc
	wg                sync.WaitGroup
	closed            atomic.Bool
}

// NewEngine creates a workflow engine and restores any runs that were
// suspended when the previous process stopped. The events dispatcher and
// metrics are optional.
func NewEngine(ctx context.Context, cfg EngineConfig, store RunStore, query QueryStage, dispatch DispatchStage, write WriteStage, events dispatcher.Dispatcher, metrics *observability.Metrics) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("run store is required")
	}
	if query == nil || dispatch == nil || write == nil {
		return nil, fmt.Errorf("all pipeline stages are required")
	}

	e := &Engine{
		cfg:      cfg.withDefaults(),
		store:    store,
		query:    query,
		dispatch: dispatch,
		write:    write,
		events:   events,
		metrics:  metrics,
		logger:   slog.With("component", "workflow"),
		runs:     make(map[string]*Execution),
		parked:   make(map[string]parkedEntry),
	}

	if err := e.recover(ctx); err != nil {
		e.logger.Warn("Failed to restore suspended runs", "error", err)
	}

	maintenanceCtx, cancel := context.WithCancel(context.Background())
	e.cancelMaintenance = cancel
	go e.runMaintenance(maintenanceCtx)

	return e, nil
}

// Start begins a new execution and returns its initial snapshot. The pipeline
// continues in the background; callers observe progress via Get.
func (e *Engine) Start(ctx context.Context, parameter string, windowHours int) (*Execution, error) {
	if e.closed.Load() {
		return nil, apperrors.Internal("workflow.start", fmt.Errorf("engine is closed"))
	}
	if parameter == "" {
		return nil, apperrors.Validation("parameter", "parameter is required")
	}
	if windowHours < 0 {
		return nil, apperrors.Validation("windowHours", "window must not be negative")
	}

	exec := &Execution{
		ID:          "run-" + uuid.NewString(),
		Parameter:   parameter,
		WindowHours: windowHours,
		Stage:       StageQuerying,
		StartedAt:   time.Now().UTC(),
	}

	e.mu.Lock()
	e.runs[exec.ID] = exec
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordRunStarted(ctx, parameter)
	}
	e.logger.Info("Run started", "runId", exec.ID, "parameter", parameter, "windowHours", windowHours)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(exec)
	}()

	return e.snapshot(exec.ID), nil
}

// run drives the synchronous stages. The goroutine ends once the run parks;
// a suspended run consumes no compute until its outcome is delivered.
func (e *Engine) run(exec *Execution) {
	logger := e.logger.With("runId", exec.ID, "parameter", exec.Parameter)

	queryCtx, cancel := context.WithTimeout(context.Background(), e.cfg.QueryTimeout)
	res, err := e.query.Run(queryCtx, exec.Parameter, exec.WindowHours)
	cancel()
	if err != nil {
		code, status := CodeQueryFailed, 500
		if errors.Is(err, context.DeadlineExceeded) {
			code, status = CodeQueryTimeout, 504
		}
		e.finish(exec.ID, Outcome{Status: status, Code: code, Error: err.Error()})
		return
	}

	if res.Records == 0 {
		e.finish(exec.ID, Outcome{Status: 204, Code: CodeNoRecords})
		return
	}

	if e.metrics != nil {
		e.metrics.RecordRecordsExported(context.Background(), exec.Parameter, int64(res.Records))
	}

	token, err := NewToken()
	if err != nil {
		e.finish(exec.ID, Outcome{Status: 500, Code: CodeDispatchFailed, Error: err.Error()})
		return
	}

	e.mu.Lock()
	exec.Stage = StageDispatching
	exec.Records = res.Records
	e.mu.Unlock()

	// Park before dispatching so the token is live the moment anyone, the
	// dispatcher's failure path included, wants to signal it.
	parkCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = e.park(parkCtx, token, exec)
	cancel()
	if err != nil {
		e.finish(exec.ID, Outcome{Status: 500, Code: CodeDispatchFailed, Error: err.Error()})
		return
	}

	req := &DispatchRequest{
		RunID:     exec.ID,
		Token:     token,
		Parameter: exec.Parameter,
		SourceKey: res.Key,
		Records:   res.Records,
		Columns:   res.Columns,
	}

	dispatchCtx, cancel := context.WithTimeout(context.Background(), e.cfg.DispatchTimeout)
	receipt, err := e.dispatch.Run(dispatchCtx, req)
	cancel()
	if err != nil {
		// The dispatcher delivered the failure outcome itself; by the time
		// it returns with an error the run is already terminal.
		logger.Warn("Dispatch failed", "error", err)
		return
	}
	if receipt == nil {
		// No job was submitted (the export turned out empty) and the
		// dispatcher already resolved the run through its token.
		return
	}

	e.mu.Lock()
	if !exec.Terminal() {
		exec.JobID = receipt.JobID
		exec.BatchID = receipt.BatchID
		if exec.Stage == StageDispatching {
			exec.Stage = StageAwaitingCompletion
		}
	}
	e.mu.Unlock()

	// Refresh the durable snapshot so a restart sees the job correlation.
	e.repark(token)

	logger.Info("Run suspended awaiting completion", "jobId", receipt.JobID, "batchId", receipt.BatchID, "records", res.Records)
}

// park registers the token in the parking table and persists the execution
// snapshot so a restart can rebuild it.
func (e *Engine) park(ctx context.Context, token string, exec *Execution) error {
	deadline := time.Now().Add(e.cfg.JobTimeout)
	if ceiling := exec.StartedAt.Add(e.cfg.RunTimeout); ceiling.Before(deadline) {
		deadline = ceiling
	}

	e.mu.Lock()
	e.parked[token] = parkedEntry{runID: exec.ID, deadline: deadline}
	snapshot := exec.clone()
	e.mu.Unlock()

	raw, err := json.Marshal(&ParkedRun{Token: token, Execution: snapshot, Deadline: deadline})
	if err == nil {
		err = e.store.Put(ctx, metastore.RunPrefix+token, raw)
	}
	if err != nil {
		e.mu.Lock()
		delete(e.parked, token)
		e.mu.Unlock()
		return fmt.Errorf("persist parked run: %w", err)
	}
	return nil
}

// repark rewrites the durable snapshot for a still-parked token. Best effort:
// the in-memory parking table stays authoritative either way.
func (e *Engine) repark(token string) {
	e.mu.Lock()
	entry, ok := e.parked[token]
	var snapshot *Execution
	if ok {
		if exec := e.runs[entry.runID]; exec != nil {
			snapshot = exec.clone()
		}
	}
	e.mu.Unlock()
	if snapshot == nil {
		return
	}

	raw, err := json.Marshal(&ParkedRun{Token: token, Execution: snapshot, Deadline: entry.deadline})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.Put(ctx, metastore.RunPrefix+token, raw); err != nil {
		e.logger.Warn("Failed to refresh parked run", "runId", entry.runID, "error", err)
	}
}

// Resume delivers an outcome for a resumption token. The token is single
// use: the first delivery claims it and drives the run to its next state; a
// second delivery returns ErrUnknownToken.
func (e *Engine) Resume(ctx context.Context, token string, outcome Outcome) error {
	e.mu.Lock()
	entry, ok := e.parked[token]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownToken
	}
	delete(e.parked, token)
	exec := e.runs[entry.runID]
	e.mu.Unlock()

	if err := e.store.Delete(ctx, metastore.RunPrefix+token); err != nil {
		e.logger.Warn("Failed to delete parked run", "runId", entry.runID, "error", err)
	}

	if exec == nil {
		return fmt.Errorf("%w: no execution for claimed token", ErrUnknownToken)
	}

	if !outcome.Success() || outcome.Output == "" {
		e.finish(exec.ID, outcome)
		return nil
	}

	// Completed with an output file: apply the predictions.
	e.mu.Lock()
	exec.Stage = StageWriting
	exec.Output = outcome.Output
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runWrite(exec, outcome)
	}()
	return nil
}

// runWrite drives the write-back stage after a successful completion.
func (e *Engine) runWrite(exec *Execution, outcome Outcome) {
	writeCtx, cancel := context.WithTimeout(context.Background(), e.cfg.WriteTimeout)
	defer cancel()

	res, err := e.write.Run(writeCtx, outcome.Output, outcome.Records)
	if err != nil {
		code, status := CodeWriteFailed, 500
		if errors.Is(err, context.DeadlineExceeded) {
			code, status = CodeWriteTimeout, 504
		}
		e.finish(exec.ID, Outcome{Status: status, Code: code, Output: outcome.Output, Error: err.Error()})
		return
	}

	e.mu.Lock()
	exec.Updated = res.Updated
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordPredictionsWritten(context.Background(), exec.Parameter, int64(res.Updated))
	}

	e.finish(exec.ID, Outcome{Status: 200, Code: CodeDone, Records: res.Total, Output: outcome.Output})
}

// finish moves an execution to its terminal state. Safe to call twice; only
// the first call takes effect.
func (e *Engine) finish(runID string, outcome Outcome) {
	e.mu.Lock()
	exec := e.runs[runID]
	if exec == nil || exec.Terminal() {
		e.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	exec.Stage = StageFinished
	exec.Status = outcome.Status
	exec.Code = outcome.Code
	if exec.Code == "" {
		switch {
		case outcome.Status == 204:
			exec.Code = CodeNoRecords
		case outcome.Success():
			exec.Code = CodeDone
		default:
			exec.Code = CodeJobFailed
		}
	}
	exec.Error = outcome.Error
	if outcome.Output != "" {
		exec.Output = outcome.Output
	}
	exec.FinishedAt = &now
	snapshot := exec.clone()
	e.mu.Unlock()

	success := snapshot.Status < 400
	if e.metrics != nil {
		duration := now.Sub(snapshot.StartedAt).Seconds()
		e.metrics.RecordRunFinished(context.Background(), snapshot.Parameter, string(snapshot.Code), success, duration)
	}

	if success {
		e.logger.Info("Run finished",
			"runId", snapshot.ID,
			"code", snapshot.Code,
			"records", snapshot.Records,
			"updated", snapshot.Updated,
		)
	} else {
		e.logger.Error("Run failed",
			"runId", snapshot.ID,
			"code", snapshot.Code,
			"status", snapshot.Status,
			"error", snapshot.Error,
		)
	}

	e.notifyFinished(snapshot)
}

// notifyFinished dispatches the run.finished event to the operator webhook.
func (e *Engine) notifyFinished(exec *Execution) {
	if e.events == nil || e.cfg.NotifyURL == "" {
		return
	}
	builder := NewEventBuilder(exec.ID, "aqpredict/service", nil)
	event := builder.BuildRunFinishedEvent(exec)
	if err := e.events.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: e.cfg.NotifyURL,
		SigningKey:  e.cfg.SigningKey,
	}); err != nil {
		e.logger.Warn("Failed to dispatch run finished event", "runId", exec.ID, "error", err)
	}
}

// recover rebuilds the parking table from the metadata store after a restart.
// Restored runs are not re-counted in the run metrics; they were counted by
// the process that started them.
func (e *Engine) recover(ctx context.Context) error {
	keys, err := e.store.ListKeys(ctx, metastore.RunPrefix)
	if err != nil {
		return fmt.Errorf("list parked runs: %w", err)
	}

	var restored int
	for _, key := range keys {
		raw, err := e.store.Get(ctx, key)
		if err != nil {
			e.logger.Warn("Failed to load parked run", "key", key, "error", err)
			continue
		}

		var parked ParkedRun
		if err := json.Unmarshal(raw, &parked); err != nil || parked.Token == "" || parked.Execution == nil {
			e.logger.Warn("Dropping malformed parked run", "key", key)
			_ = e.store.Delete(ctx, key)
			continue
		}

		exec := parked.Execution
		// Whatever stage the run was parked in, the external side owns it
		// now; the deadline scan delivers JobTimeout if nothing ever does.
		exec.Stage = StageAwaitingCompletion

		e.mu.Lock()
		e.runs[exec.ID] = exec
		e.parked[parked.Token] = parkedEntry{runID: exec.ID, deadline: parked.Deadline}
		e.mu.Unlock()
		restored++
	}

	if restored > 0 {
		e.logger.Info("Restored suspended runs", "count", restored)
	}
	return nil
}

// Get returns a snapshot of one execution.
func (e *Engine) Get(runID string) (*Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.runs[runID]
	if !ok {
		return nil, false
	}
	return exec.clone(), true
}

// List returns snapshots of all retained executions, newest first.
func (e *Engine) List() []*Execution {
	e.mu.Lock()
	out := make([]*Execution, 0, len(e.runs))
	for _, exec := range e.runs {
		out = append(out, exec.clone())
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// ActiveFor reports whether a run for the parameter is still in flight.
func (e *Engine) ActiveFor(parameter string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, exec := range e.runs {
		if exec.Parameter == parameter && !exec.Terminal() {
			return true
		}
	}
	return false
}

func (e *Engine) snapshot(runID string) *Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	if exec, ok := e.runs[runID]; ok {
		return exec.clone()
	}
	return nil
}

// Close stops the maintenance loop and waits for in-flight stage goroutines.
// Parked runs are not disturbed; they survive in the metadata store and are
// restored on the next start.
func (e *Engine) Close(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	if e.cancelMaintenance != nil {
		e.cancelMaintenance()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Verify Engine implements Resumer
var _ Resumer = (*Engine)(nil)
