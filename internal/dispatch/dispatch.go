// Package dispatch implements the pipeline's submission stage: shape the
// exported candidates into the runtime's input format, submit the batch job,
// and persist the metadata the completion handler will need.
//
// The stage owns its own failure signalling. Whatever goes wrong between
// reading the export and persisting the metadata, the run's resumption token
// receives a failure outcome before Run returns; an error return alone would
// leave the run suspended forever.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"aqpredict/internal/apperrors"
	"aqpredict/internal/metastore"
	"aqpredict/internal/objectstore"
	"aqpredict/internal/predictor"
	"aqpredict/internal/records"
	"aqpredict/internal/workflow"

	"github.com/google/uuid"
)

// Config holds dispatch-time knobs, fixed at construction.
type Config struct {
	Model          string   // model identifier; empty means not configured
	FeatureColumns []string // columns projected into the job input
	InstanceType   string   // instance shape for the batch job
	InstanceCount  int
}

// Stage prepares and submits batch prediction jobs.
type Stage struct {
	cfg     Config
	objects objectstore.Store
	meta    metastore.Store
	runtime predictor.Predictor
	resumer workflow.Resumer
	logger  *slog.Logger
}

// New creates a dispatch stage. Instance shape defaults are applied here so
// the submission path never sees zero values.
func New(cfg Config, objects objectstore.Store, meta metastore.Store, runtime predictor.Predictor, resumer workflow.Resumer) *Stage {
	if cfg.InstanceType == "" {
		cfg.InstanceType = "standard"
	}
	if cfg.InstanceCount < 1 {
		cfg.InstanceCount = 1
	}
	return &Stage{
		cfg:     cfg,
		objects: objects,
		meta:    meta,
		runtime: runtime,
		resumer: resumer,
		logger:  slog.With("component", "dispatch"),
	}
}

// Run reads the export, projects it to the feature columns, writes the
// header-less job input, verifies the model, submits the job and persists
// its metadata. An empty export resolves the run as success without
// submitting anything and returns a nil receipt.
func (s *Stage) Run(ctx context.Context, req *workflow.DispatchRequest) (receipt *workflow.DispatchReceipt, err error) {
	if req == nil || req.Token == "" {
		// With no token there is no run to signal; the engine never produces
		// this, so a plain error is all that is left.
		return nil, apperrors.Validation("token", string(workflow.CodeMissingToken))
	}

	logger := s.logger.With("runId", req.RunID)

	failureCode := workflow.CodeDispatchFailed
	failureStatus := http.StatusInternalServerError
	defer func() {
		if err == nil {
			return
		}
		code, status := failureCode, failureStatus
		if errors.Is(err, context.DeadlineExceeded) {
			code, status = workflow.CodeDispatchTimeout, http.StatusGatewayTimeout
		}
		outcome := workflow.Outcome{Status: status, Code: code, Error: err.Error()}
		if rerr := s.resumer.Resume(context.WithoutCancel(ctx), req.Token, outcome); rerr != nil {
			logger.Error("Failed to deliver dispatch failure", "code", code, "error", rerr)
		}
	}()

	data, err := s.objects.Read(ctx, req.SourceKey)
	if err != nil {
		return nil, fmt.Errorf("read export %s: %w", req.SourceKey, err)
	}
	frame, err := records.ParseCSV(data)
	if err != nil {
		return nil, fmt.Errorf("parse export %s: %w", req.SourceKey, err)
	}

	if frame.Len() == 0 {
		logger.Info("Export holds no rows, resolving run without a job", "sourceKey", req.SourceKey)
		outcome := workflow.Outcome{Status: http.StatusNoContent, Code: workflow.CodeNoRecords}
		if rerr := s.resumer.Resume(ctx, req.Token, outcome); rerr != nil {
			return nil, fmt.Errorf("resolve empty export: %w", rerr)
		}
		return nil, nil
	}

	failureCode, failureStatus = workflow.CodeMissingColumns, http.StatusBadRequest
	projected, err := frame.Project(s.cfg.FeatureColumns)
	if err != nil {
		return nil, fmt.Errorf("project features: %w", err)
	}

	failureCode, failureStatus = workflow.CodeDispatchFailed, http.StatusInternalServerError
	input, err := records.MarshalHeaderless(projected.Rows)
	if err != nil {
		return nil, fmt.Errorf("marshal job input: %w", err)
	}

	batchID := uuid.NewString()
	inputKey := objectstore.Key(objectstore.PrefixInputBatch, batchID, "input.csv")
	if err := s.objects.Write(ctx, inputKey, input); err != nil {
		return nil, fmt.Errorf("write job input %s: %w", inputKey, err)
	}

	failureCode, failureStatus = workflow.CodeModelNotConfigured, http.StatusBadRequest
	if s.cfg.Model == "" {
		return nil, fmt.Errorf("no model configured for dispatch")
	}
	known, err := s.runtime.ModelExists(ctx, s.cfg.Model)
	if err != nil {
		failureCode, failureStatus = workflow.CodeDispatchFailed, http.StatusInternalServerError
		return nil, fmt.Errorf("check model %s: %w", s.cfg.Model, err)
	}
	if !known {
		failureCode, failureStatus = workflow.CodeModelNotFound, http.StatusNotFound
		return nil, fmt.Errorf("model %s is not available to the prediction runtime", s.cfg.Model)
	}

	failureCode, failureStatus = workflow.CodeSubmissionFailed, http.StatusBadGateway
	outputPrefix := objectstore.Key(objectstore.PrefixOutputBatch, batchID) + "/"
	jobID, err := s.runtime.Submit(ctx, &predictor.SubmitRequest{
		BatchID:       batchID,
		Model:         s.cfg.Model,
		InputKey:      inputKey,
		OutputPrefix:  outputPrefix,
		InstanceType:  s.cfg.InstanceType,
		InstanceCount: s.cfg.InstanceCount,
		Records:       projected.Len(),
	})
	if err != nil {
		return nil, fmt.Errorf("submit batch job: %w", err)
	}

	failureCode, failureStatus = workflow.CodeDispatchFailed, http.StatusInternalServerError
	meta := &workflow.JobMetadata{
		JobID:        jobID,
		BatchID:      batchID,
		CreatedAt:    time.Now().UTC(),
		Token:        req.Token,
		InputKey:     inputKey,
		OutputKey:    predictor.OutputKeyFor(outputPrefix, inputKey),
		OutputPrefix: outputPrefix,
		SourceKey:    req.SourceKey,
		Dataset:      req.Parameter,
		Records:      frame.Len(),
		Columns:      frame.Columns,
	}
	raw, err := json.Marshal(meta)
	if err == nil {
		err = s.meta.Put(ctx, metastore.JobPrefix+jobID, raw)
	}
	if err != nil {
		return nil, fmt.Errorf("persist job metadata: %w", err)
	}

	logger.Info("Batch job submitted",
		"jobId", jobID,
		"batchId", batchID,
		"model", s.cfg.Model,
		"records", projected.Len())

	// Accepted. Success or failure of the job itself belongs to the
	// completion handler.
	return &workflow.DispatchReceipt{JobID: jobID, BatchID: batchID}, nil
}

var _ workflow.DispatchStage = (*Stage)(nil)
