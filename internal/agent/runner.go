// Package agent implements the entrypoint helper for model containers: read
// the batch input from the mounted data root, run the model command over it,
// validate the predictions and write them where the completion handler looks.
//
// The agent's exit code is the transform's verdict. The runtime watcher reads
// it off the container, so a validation failure here must end the process
// with a non-zero code rather than limp on with a bad output file.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"aqpredict/internal/predictor"
	"aqpredict/internal/records"
	"aqpredict/internal/workflow"
	"aqpredict/pkg/cloudevent"
)

// Runner executes one batch transform inside a model container.
type Runner struct {
	config       *Config
	events       []string // parsed from config
	sender       *cloudevent.Sender
	eventBuilder *workflow.EventBuilder
}

// NewRunner creates a new transform runner.
func NewRunner(cfg *Config) (*Runner, error) {
	if cfg.JobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	if cfg.InputPath == "" || cfg.OutputPath == "" {
		return nil, fmt.Errorf("input and output paths are required")
	}
	if cfg.ModelCommand == "" {
		return nil, fmt.Errorf("model command is required")
	}

	var events []string
	if cfg.CallbackEvents != "" {
		events = strings.Split(cfg.CallbackEvents, ",")
	}

	return &Runner{
		config:       cfg,
		events:       events,
		sender:       cloudevent.NewSender(cfg.CallbackTimeout),
		eventBuilder: workflow.NewEventBuilder(cfg.JobID, "aqpredict/agent", nil),
	}, nil
}

// Run executes the transform flow:
//  1. Read and count the header-less input rows.
//  2. Pipe them through the model command.
//  3. Validate one numeric prediction per input row.
//  4. Write the prediction file next to the input, as the runtime promised
//     the completion handler.
//
// Start and exit events go to the callback URL when one is configured.
func (r *Runner) Run(ctx context.Context) error {
	logger := slog.With("jobId", r.config.JobID, "batchId", r.config.BatchID)
	logger.Info("Transform agent starting", "input", r.config.InputPath, "output", r.config.OutputPath)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.config.TimeoutSeconds)*time.Second)
	defer cancel()

	r.sendEvent(ctx, r.eventBuilder.BuildTransformStartEvent(r.config.BatchID))

	err := r.transform(ctx, logger)

	status, exitCode := predictor.StatusCompleted, 0
	if err != nil {
		status, exitCode = predictor.StatusFailed, 1
	}
	// The exit event must go out even when the transform timed out
	r.sendEvent(context.WithoutCancel(ctx),
		r.eventBuilder.BuildTransformCompletedEvent(r.config.BatchID, string(status), exitCode, err))

	if err != nil {
		logger.Error("Transform failed", "error", err)
		return err
	}
	logger.Info("Transform agent completed")
	return nil
}

func (r *Runner) transform(ctx context.Context, logger *slog.Logger) error {
	input, err := os.ReadFile(r.config.InputPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	rows, err := records.ParseHeaderless(input)
	if err != nil {
		return fmt.Errorf("parse input: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("input %s has no rows", r.config.InputPath)
	}

	output, err := r.runModel(ctx, input)
	if err != nil {
		return err
	}

	if err := validatePredictions(output, len(rows)); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(r.config.OutputPath), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(r.config.OutputPath, output, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	logger.Info("Predictions written", "records", len(rows), "path", r.config.OutputPath)
	return nil
}

// runModel pipes the input CSV through the model command and captures its
// stdout as the prediction output.
func (r *Runner) runModel(ctx context.Context, input []byte) ([]byte, error) {
	parts := strings.Fields(r.config.ModelCommand)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := tail(stderr.String()); msg != "" {
			return nil, fmt.Errorf("model command failed: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("model command failed: %w", err)
	}
	return stdout.Bytes(), nil
}

// validatePredictions checks the model emitted exactly one numeric prediction
// per input row. The first field of each output row is the prediction; extra
// fields are allowed and ignored downstream.
func validatePredictions(output []byte, want int) error {
	rows, err := records.ParseHeaderless(output)
	if err != nil {
		return fmt.Errorf("parse model output: %w", err)
	}
	if len(rows) != want {
		return fmt.Errorf("model produced %d predictions for %d input rows", len(rows), want)
	}
	for i, row := range rows {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			return fmt.Errorf("prediction row %d is empty", i)
		}
		if _, err := strconv.ParseFloat(strings.TrimSpace(row[0]), 64); err != nil {
			return fmt.Errorf("prediction row %d is not numeric: %q", i, row[0])
		}
	}
	return nil
}

// tail trims stderr to its last part so command failures stay loggable.
func tail(s string) string {
	s = strings.TrimSpace(s)
	const max = 512
	if len(s) > max {
		return "..." + s[len(s)-max:]
	}
	return s
}

func (r *Runner) sendEvent(ctx context.Context, event *cloudevent.CloudEvent) {
	if r.config.CallbackURL == "" {
		return
	}
	if !workflow.EventWanted(event.Type, r.events) {
		return
	}

	opts := cloudevent.SendOptions{}
	if r.config.CallbackKey != "" {
		signature, err := cloudevent.Sign(event, r.config.CallbackKey)
		if err != nil {
			slog.Warn("Failed to sign event", "type", event.Type, "error", err)
			return
		}
		opts.Signature = signature
	}

	if err := r.sender.Send(ctx, r.config.CallbackURL, event, opts); err != nil {
		slog.Warn("Failed to send event", "type", event.Type, "error", err)
	}
}

// Close releases resources.
func (r *Runner) Close() error {
	return nil
}
