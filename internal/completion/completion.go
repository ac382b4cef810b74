// Package completion handles the terminal signal of a batch transform job:
// look up the job metadata, reconcile the job's output against the input it
// was computed from, publish the merged file and resume the suspended run.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"aqpredict/internal/apperrors"
	"aqpredict/internal/metastore"
	"aqpredict/internal/objectstore"
	"aqpredict/internal/predictor"
	"aqpredict/internal/reconcile"
	"aqpredict/internal/records"
	"aqpredict/internal/workflow"
)

// Handler settles completed batch jobs. A handler invocation always resumes
// the suspended run when one exists; metadata cleanup is best effort and
// never changes the reported outcome.
type Handler struct {
	objects objectstore.Store
	meta    metastore.Store
	resumer workflow.Resumer
	logger  *slog.Logger
}

// NewHandler creates a completion handler.
func NewHandler(objects objectstore.Store, meta metastore.Store, resumer workflow.Resumer) *Handler {
	return &Handler{
		objects: objects,
		meta:    meta,
		resumer: resumer,
		logger:  slog.With("component", "completion"),
	}
}

// HandleTransformCompleted processes one completion event. An unknown job id
// is an anomaly to log, not an error: there is nothing left to resume. A
// returned error means the lookup itself failed and the delivery is worth
// retrying.
func (h *Handler) HandleTransformCompleted(ctx context.Context, event *workflow.TransformCompleted) error {
	logger := h.logger.With("jobId", event.JobID, "jobStatus", event.Status)

	raw, err := h.meta.Get(ctx, metastore.JobPrefix+event.JobID)
	if err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			// The run may have timed out, the event may be a redelivery, or
			// the job belongs to an older deployment.
			logger.Warn("Completion for unknown job, nothing to resume")
			return nil
		}
		return fmt.Errorf("load job metadata: %w", err)
	}

	var meta workflow.JobMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		logger.Error("Job metadata is unreadable, dropping it", "error", err)
		h.deleteMetadata(ctx, event.JobID, logger)
		return nil
	}

	if meta.Token == "" {
		logger.Error("Job metadata carries no resumption token", "code", workflow.CodeMissingToken)
		h.deleteMetadata(ctx, event.JobID, logger)
		return nil
	}

	if !predictor.JobStatus(event.Status).Succeeded() {
		cause := fmt.Sprintf("batch job finished with status %s", event.Status)
		if event.Error != "" {
			cause += ": " + event.Error
		}
		h.resume(ctx, meta.Token, workflow.Outcome{
			Status:  http.StatusInternalServerError,
			Code:    workflow.CodeJobFailed,
			Records: meta.Records,
			Error:   cause,
		}, logger)
		h.deleteMetadata(ctx, event.JobID, logger)
		return nil
	}

	outcome := h.reconcileOutput(ctx, &meta, logger)
	h.resume(ctx, meta.Token, outcome, logger)
	h.deleteMetadata(ctx, event.JobID, logger)
	return nil
}

// reconcileOutput joins the job's output onto its input and publishes the
// merged file. Failures become a ReconcileFailed outcome rather than an
// error: the run has to be resumed either way, and no final file is written
// for a failed join.
func (h *Handler) reconcileOutput(ctx context.Context, meta *workflow.JobMetadata, logger *slog.Logger) workflow.Outcome {
	fail := func(err error) workflow.Outcome {
		logger.Error("Reconciliation failed", "error", err)
		return workflow.Outcome{
			Status: http.StatusInternalServerError,
			Code:   workflow.CodeReconcileFailed,
			Error:  err.Error(),
		}
	}

	source, err := h.objects.Read(ctx, meta.SourceKey)
	if err != nil {
		return fail(fmt.Errorf("read input %s: %w", meta.SourceKey, err))
	}
	input, err := records.ParseCSV(source)
	if err != nil {
		return fail(fmt.Errorf("parse input %s: %w", meta.SourceKey, err))
	}

	if _, err := h.objects.Stat(ctx, meta.OutputKey); err != nil {
		return fail(h.describeMissingOutput(ctx, meta, err))
	}
	raw, err := h.objects.Read(ctx, meta.OutputKey)
	if err != nil {
		return fail(fmt.Errorf("read output %s: %w", meta.OutputKey, err))
	}
	predictions, err := reconcile.ParseOutput(raw)
	if err != nil {
		return fail(err)
	}

	merged, err := reconcile.PositionalJoin(input, predictions, meta.Columns)
	if err != nil {
		return fail(err)
	}

	data, err := merged.MarshalCSV()
	if err != nil {
		return fail(fmt.Errorf("marshal merged output: %w", err))
	}

	finalKey := finalOutputKey(time.Now().UTC())
	if err := h.objects.Write(ctx, finalKey, data); err != nil {
		return fail(fmt.Errorf("write merged output %s: %w", finalKey, err))
	}

	logger.Info("Reconciled batch output", "records", merged.Len(), "output", finalKey)
	return workflow.Outcome{
		Status:  http.StatusOK,
		Records: merged.Len(),
		Output:  finalKey,
	}
}

// describeMissingOutput lists the output prefix so the error names what is
// actually there instead of a bare not-found.
func (h *Handler) describeMissingOutput(ctx context.Context, meta *workflow.JobMetadata, cause error) error {
	keys, err := h.objects.List(ctx, strings.TrimSuffix(meta.OutputPrefix, "/"))
	if err != nil || len(keys) == 0 {
		return fmt.Errorf("output file %s not found and prefix %s holds nothing: %w", meta.OutputKey, meta.OutputPrefix, cause)
	}
	return fmt.Errorf("output file %s not found, prefix %s holds %v: %w", meta.OutputKey, meta.OutputPrefix, keys, cause)
}

func (h *Handler) resume(ctx context.Context, token string, outcome workflow.Outcome, logger *slog.Logger) {
	if err := h.resumer.Resume(ctx, token, outcome); err != nil {
		if errors.Is(err, workflow.ErrUnknownToken) {
			// Someone else won the token, most likely the deadline scanner.
			logger.Warn("Run was already resumed, dropping this delivery")
			return
		}
		logger.Error("Failed to resume run", "error", err)
	}
}

func (h *Handler) deleteMetadata(ctx context.Context, jobID string, logger *slog.Logger) {
	if err := h.meta.Delete(ctx, metastore.JobPrefix+jobID); err != nil {
		logger.Warn("Failed to delete job metadata", "error", err)
	}
}

func finalOutputKey(now time.Time) string {
	name := fmt.Sprintf("output_results_%s.csv", now.Format("20060102_150405"))
	return objectstore.Key(objectstore.PrefixPredicted, name)
}

// Reconcile settles jobs that reached a terminal state while the service was
// down: it scans the persisted job metadata, asks the runtime for each job's
// state, and feeds terminal ones through the normal completion path. Jobs
// still in flight are left alone; their completion events are still coming.
// It returns how many jobs were settled.
func (h *Handler) Reconcile(ctx context.Context, keys metastore.KeyLister, runtime predictor.Predictor) (int, error) {
	ids, err := keys.ListKeys(ctx, metastore.JobPrefix)
	if err != nil {
		return 0, fmt.Errorf("list job metadata: %w", err)
	}

	settled := 0
	for _, key := range ids {
		jobID := strings.TrimPrefix(key, metastore.JobPrefix)
		event := &workflow.TransformCompleted{JobID: jobID}

		job, err := runtime.Describe(ctx, jobID)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			// Metadata exists but the runtime has never heard of the job:
			// no completion will ever arrive, so settle it as stopped.
			event.Status = string(predictor.StatusStopped)
			event.Error = "job no longer known to the prediction runtime"
		case err != nil:
			h.logger.Warn("Cannot describe job during startup reconciliation", "jobId", jobID, "error", err)
			continue
		case !job.Status.Terminal():
			continue
		default:
			event.Status = string(job.Status)
			event.Error = job.FailureReason
		}

		if err := h.HandleTransformCompleted(ctx, event); err != nil {
			h.logger.Warn("Failed to settle job during startup reconciliation", "jobId", jobID, "error", err)
			continue
		}
		settled++
	}

	if settled > 0 {
		h.logger.Info("Settled jobs left over from a previous process", "count", settled)
	}
	return settled, nil
}
