// Package docker implements the predictor.Predictor interface using the
// Docker API. Each batch transform job runs as a single container of the
// model image on the host Docker daemon, with the object-storage directory
// bind-mounted so the job reads its input and writes its output in place.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"aqpredict/internal/apperrors"
	"aqpredict/internal/dispatcher"
	"aqpredict/internal/observability"
	"aqpredict/internal/predictor"
	"aqpredict/internal/workflow"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// containerDataRoot is where the object-storage directory is mounted
	// inside every model container.
	containerDataRoot = "/data"

	eventSource = "aqpredict/runtime"

	labelJob       = "transform.job"
	labelBatch     = "transform.batch"
	labelModel     = "transform.model"
	labelManagedBy = "managed-by"

	managedByValue = "prediction-service"
)

// instanceShape maps a logical instance type onto container resources.
type instanceShape struct {
	nanoCPUs int64
	memoryMB int64
}

var instanceShapes = map[string]instanceShape{
	"standard": {nanoCPUs: 1_000_000_000, memoryMB: 2048},
	"large":    {nanoCPUs: 2_000_000_000, memoryMB: 4096},
	"xlarge":   {nanoCPUs: 4_000_000_000, memoryMB: 8192},
}

func shapeFor(instanceType string) instanceShape {
	if shape, ok := instanceShapes[instanceType]; ok {
		return shape
	}
	return instanceShapes["standard"]
}

// Runtime implements predictor.Predictor using Docker.
type Runtime struct {
	client          *client.Client
	dataRoot        string
	completionURL   string
	signingKey      string
	retentionPeriod time.Duration
	dispatcher      dispatcher.Dispatcher
	extraHosts      []string
	metrics         *observability.Metrics
	state           *stateRepo

	cancelMaintenance context.CancelFunc
	watchWg           sync.WaitGroup
}

// Config holds configuration for the Docker runtime.
type Config struct {
	DataRoot            string                 // Host directory bind-mounted into model containers (required)
	CompletionURL       string                 // Where transform.completed events are delivered (required)
	SigningKey          string                 // HMAC key for completion events
	RetentionPeriod     time.Duration          // How long finished transform containers linger (default 15m)
	MaintenanceInterval time.Duration          // Cleanup sweep cadence (default 1m)
	Dispatcher          dispatcher.Dispatcher  // Completion event dispatcher (required)
	ExtraHosts          []string               // Extra /etc/hosts entries for model containers
	Metrics             *observability.Metrics // Optional metrics recorder
}

// NewRuntime creates a new Docker prediction runtime.
// It automatically reconciles any transform containers left over from a
// previous process: running ones get their exit watcher back, finished ones
// get their completion event delivered now.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("completion dispatcher is required")
	}
	if cfg.DataRoot == "" {
		return nil, fmt.Errorf("data root is required")
	}
	if cfg.CompletionURL == "" {
		return nil, fmt.Errorf("completion URL is required")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	retentionPeriod := cfg.RetentionPeriod
	if retentionPeriod <= 0 {
		retentionPeriod = 15 * time.Minute
	}

	maintenanceInterval := cfg.MaintenanceInterval
	if maintenanceInterval <= 0 {
		maintenanceInterval = 1 * time.Minute
	}

	o := &Runtime{
		client:          dockerClient,
		dataRoot:        cfg.DataRoot,
		completionURL:   cfg.CompletionURL,
		signingKey:      cfg.SigningKey,
		retentionPeriod: retentionPeriod,
		dispatcher:      cfg.Dispatcher,
		extraHosts:      cfg.ExtraHosts,
		metrics:         cfg.Metrics,
		state:           newStateRepo(),
	}

	if err := o.reconcile(ctx); err != nil {
		slog.Warn("Failed to reconcile transform jobs", "error", err)
	}

	// The cleanup sweep outlives the constructor context.
	maintenanceCtx, cancel := context.WithCancel(context.Background())
	o.cancelMaintenance = cancel
	go o.runMaintenance(maintenanceCtx, maintenanceInterval)

	return o, nil
}

// ModelExists reports whether the model image is usable on this daemon. A
// missing image is pulled once; a model that cannot be pulled is
// definitively unavailable rather than an infrastructure error, so pull
// failures come back as (false, nil).
func (o *Runtime) ModelExists(ctx context.Context, model string) (bool, error) {
	if model == "" {
		return false, nil
	}

	if _, err := o.client.ImageInspect(ctx, model); err == nil {
		return true, nil
	}

	reader, err := o.client.ImagePull(ctx, model, image.PullOptions{})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		slog.Warn("Model image unavailable", "model", model, "error", err)
		return false, nil
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		slog.Warn("Model image pull interrupted", "model", model, "error", err)
		return false, nil
	}
	return true, nil
}

// Submit creates and starts one transform container for the request. The
// returned job id doubles as the container name, so a job stays addressable
// by id even when local state is lost.
func (o *Runtime) Submit(ctx context.Context, req *predictor.SubmitRequest) (string, error) {
	if req == nil {
		return "", apperrors.Validation("request", "must not be nil")
	}
	if req.BatchID == "" {
		return "", apperrors.Validation("batchId", "must not be empty")
	}
	if req.Model == "" {
		return "", apperrors.Validation("model", "must not be empty")
	}
	if req.InputKey == "" {
		return "", apperrors.Validation("inputKey", "must not be empty")
	}

	jobID := "transform-" + req.BatchID

	if err := o.state.reserve(jobID); err != nil {
		return "", err
	}

	// Keep the pull alive even if the caller gives up; a half-pulled image
	// helps nobody.
	if err := o.pullImageIfNeeded(context.WithoutCancel(ctx), req.Model); err != nil {
		o.state.release(jobID)
		return "", apperrors.Internal("runtime.pullImage", err)
	}

	containerID, err := o.createTransformContainer(ctx, jobID, req)
	if err != nil {
		o.state.release(jobID)
		return "", apperrors.Internal("runtime.createContainer", err)
	}

	ts := &transformState{
		containerID: containerID,
		model:       req.Model,
		batchID:     req.BatchID,
		startedAt:   time.Now(),
	}

	if err := o.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		o.removeContainer(context.WithoutCancel(ctx), containerID, 10)
		o.state.release(jobID)
		return "", apperrors.Internal("runtime.startContainer", err)
	}

	o.state.commit(jobID, ts)
	if o.metrics != nil {
		o.metrics.RecordTransformStarted(ctx, req.Model)
	}

	o.watch(jobID, ts)

	slog.Info("Transform job submitted",
		"jobId", jobID,
		"batchId", req.BatchID,
		"model", req.Model,
		"records", req.Records)

	return jobID, nil
}

// Describe returns the current state of a transform job from its
// container's point of view.
func (o *Runtime) Describe(ctx context.Context, jobID string) (*predictor.Job, error) {
	ts, exists := o.state.get(jobID)
	if !exists {
		return nil, apperrors.NotFound("transform job", jobID)
	}
	if ts == nil {
		// Reserved but not committed; submission is still in flight.
		return &predictor.Job{ID: jobID, Status: predictor.StatusInProgress}, nil
	}

	inspect, err := o.client.ContainerInspect(ctx, ts.containerID)
	if err != nil {
		return nil, apperrors.Internal("runtime.inspectContainer", err)
	}

	job := &predictor.Job{ID: jobID}
	switch inspect.State.Status {
	case "created", "running", "paused", "restarting":
		job.Status = predictor.StatusInProgress
	default:
		if inspect.State.ExitCode == 0 {
			job.Status = predictor.StatusCompleted
		} else {
			job.Status = predictor.StatusFailed
			job.FailureReason = fmt.Sprintf("exit code %d", inspect.State.ExitCode)
			if inspect.State.Error != "" {
				job.FailureReason += ": " + inspect.State.Error
			}
		}
	}
	return job, nil
}

// reconcile scans Docker for transform containers from a previous process.
// Redelivering a completion for an already-handled job is safe: the
// completion handler treats jobs it no longer knows about as a no-op.
func (o *Runtime) reconcile(ctx context.Context) error {
	logger := slog.With("component", "reconcile")

	containers, err := o.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return fmt.Errorf("list transform containers: %w", err)
	}

	resumed, finished := 0, 0
	for _, c := range containers {
		jobID := c.Labels[labelJob]
		if jobID == "" {
			continue
		}
		if err := o.state.reserve(jobID); err != nil {
			continue
		}

		inspect, err := o.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			o.state.release(jobID)
			logger.Warn("Failed to inspect container during reconcile", "jobId", jobID, "error", err)
			continue
		}

		ts := &transformState{
			containerID: c.ID,
			model:       c.Labels[labelModel],
			batchID:     c.Labels[labelBatch],
			startedAt:   time.Now(),
		}
		if startedAt, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil && !startedAt.IsZero() {
			ts.startedAt = startedAt
		}
		o.state.commit(jobID, ts)

		if inspect.State.Running {
			o.watch(jobID, ts)
			resumed++
			logger.Info("Resumed watching transform job", "jobId", jobID)
			continue
		}

		// The container exited while nobody was watching. The suspended run
		// is still waiting, so deliver the completion now.
		exitCode := inspect.State.ExitCode
		status := predictor.StatusCompleted
		var failure error
		if exitCode != 0 {
			status = predictor.StatusFailed
			failure = fmt.Errorf("transform exited with code %d", exitCode)
		}
		o.sendCompletionEvent(jobID, ts.batchID, status, exitCode, failure)
		finished++
		logger.Info("Delivered completion for transform that exited while down",
			"jobId", jobID, "exitCode", exitCode)
	}

	if resumed > 0 || finished > 0 {
		logger.Info("Reconcile pass done", "resumed", resumed, "finished", finished)
	}
	return nil
}

// watch starts the exit watcher for a running transform container.
func (o *Runtime) watch(jobID string, ts *transformState) {
	watchCtx, cancel := context.WithCancel(context.Background())
	ts.cancelWatch = cancel
	o.watchWg.Add(1)
	go func() {
		defer o.watchWg.Done()
		o.watchTransform(watchCtx, jobID, ts)
	}()
}

// watchTransform blocks until the container exits, then reports the terminal
// status as a transform.completed event. That event is the only completion
// signal the pipeline gets.
func (o *Runtime) watchTransform(ctx context.Context, jobID string, ts *transformState) {
	logger := slog.With("jobId", jobID, "batchId", ts.batchID)

	exitCode, err := o.waitForExit(ctx, ts.containerID)
	if ctx.Err() != nil {
		// Shutdown; reconcile picks the container up on the next start.
		return
	}

	status := predictor.StatusCompleted
	if err != nil || exitCode != 0 {
		status = predictor.StatusFailed
	}

	duration := time.Since(ts.startedAt)
	if status == predictor.StatusFailed {
		logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		tail := o.tailLogs(logCtx, ts.containerID)
		cancel()
		logger.Warn("Transform job failed", "exitCode", exitCode, "error", err, "logTail", tail)
		if err == nil {
			err = fmt.Errorf("transform exited with code %d", exitCode)
		}
	} else {
		logger.Info("Transform job completed", "duration", duration.Round(time.Millisecond))
	}

	if o.metrics != nil {
		o.metrics.RecordTransformCompleted(context.Background(), ts.model, status.Succeeded(), duration.Seconds())
	}

	o.sendCompletionEvent(jobID, ts.batchID, status, exitCode, err)
}

// sendCompletionEvent delivers the terminal status to the completion URL.
func (o *Runtime) sendCompletionEvent(jobID, batchID string, status predictor.JobStatus, exitCode int, failure error) {
	builder := workflow.NewEventBuilder(jobID, eventSource, nil)
	event := builder.BuildTransformCompletedEvent(batchID, string(status), exitCode, failure)

	err := o.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: o.completionURL,
		SigningKey:  o.signingKey,
	})
	if err != nil {
		// The deadline scanner eventually times the run out, but that can
		// be hours away.
		slog.Error("Failed to dispatch transform completion", "jobId", jobID, "error", err)
	}
}

func (o *Runtime) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := o.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), errors.New(status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// tailLogs fetches the last lines a failed container wrote, for the failure
// log entry.
func (o *Runtime) tailLogs(ctx context.Context, containerID string) []string {
	logs, err := o.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "20",
	})
	if err != nil {
		return nil
	}
	defer logs.Close()

	// The daemon multiplexes stdout and stderr into one framed stream;
	// stdcopy strips the frame headers. Both streams land in one buffer
	// since the tail is only for a log entry.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil && buf.Len() == 0 {
		return nil
	}
	return nonEmptyLines(buf.String())
}

// nonEmptyLines splits log output into lines, dropping blanks. The scanner
// handles CRLF endings from Windows-built images.
func nonEmptyLines(s string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func (o *Runtime) createTransformContainer(ctx context.Context, jobID string, req *predictor.SubmitRequest) (string, error) {
	outputKey := predictor.OutputKeyFor(req.OutputPrefix, req.InputKey)

	env := []string{
		fmt.Sprintf("TRANSFORM_JOB_ID=%s", jobID),
		fmt.Sprintf("TRANSFORM_BATCH_ID=%s", req.BatchID),
		fmt.Sprintf("TRANSFORM_INPUT=%s", path.Join(containerDataRoot, req.InputKey)),
		fmt.Sprintf("TRANSFORM_OUTPUT=%s", path.Join(containerDataRoot, outputKey)),
	}

	if req.InstanceCount > 1 {
		// A single daemon runs one container per job regardless of the
		// requested fleet size.
		slog.Debug("Instance count capped at one container", "jobId", jobID, "instanceCount", req.InstanceCount)
	}
	shape := shapeFor(req.InstanceType)

	containerConfig := &container.Config{
		Image: req.Model,
		Env:   env,
		Labels: map[string]string{
			labelJob:       jobID,
			labelBatch:     req.BatchID,
			labelModel:     req.Model,
			labelManagedBy: managedByValue,
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: o.dataRoot,
				Target: containerDataRoot,
			},
		},
		Resources: container.Resources{
			NanoCPUs: shape.nanoCPUs,
			Memory:   shape.memoryMB * 1024 * 1024,
		},
		ExtraHosts: o.extraHosts,
	}

	resp, err := o.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, jobID)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (o *Runtime) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := o.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := o.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (o *Runtime) removeContainer(ctx context.Context, containerID string, stopTimeout int) {
	if containerID == "" {
		return
	}
	_ = o.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})
	_ = o.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// runMaintenance periodically cleans up expired finished transforms.
func (o *Runtime) runMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.cleanupExpiredTransforms(ctx)
		}
	}
}

// cleanupExpiredTransforms removes containers that finished more than
// retentionPeriod ago. Keeping them around until then leaves logs
// inspectable and keeps Describe answerable for startup reconciliation.
func (o *Runtime) cleanupExpiredTransforms(ctx context.Context) {
	logger := slog.With("component", "maintenance")
	now := time.Now()

	var expired []string
	for jobID, ts := range o.state.list() {
		if ts == nil {
			// Submission still in flight.
			continue
		}
		inspect, err := o.client.ContainerInspect(ctx, ts.containerID)
		if err != nil {
			// The container vanished underneath us; drop the record.
			expired = append(expired, jobID)
			continue
		}
		if inspect.State.Running {
			continue
		}
		finishedAt, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
		if err != nil || now.Sub(finishedAt) <= o.retentionPeriod {
			continue
		}
		expired = append(expired, jobID)
	}
	if len(expired) == 0 {
		return
	}

	for _, jobID := range expired {
		ts, ok := o.state.release(jobID)
		if !ok || ts == nil {
			continue
		}
		if ts.cancelWatch != nil {
			ts.cancelWatch()
		}
		o.removeContainer(ctx, ts.containerID, 10)
		logger.Debug("Cleaned up expired transform", "jobId", jobID)
	}
	logger.Info("Cleanup sweep done", "removed", len(expired))
}

// Close stops the cleanup sweep, tears down the exit watchers, and
// releases the Docker client. Running transforms are left alone; the next
// process picks them up through reconcile.
func (o *Runtime) Close() error {
	if o.cancelMaintenance != nil {
		o.cancelMaintenance()
	}

	for _, ts := range o.state.list() {
		if ts != nil && ts.cancelWatch != nil {
			ts.cancelWatch()
		}
	}
	o.watchWg.Wait()

	return o.client.Close()
}

// Ready reports whether the Docker daemon answers a ping.
func (o *Runtime) Ready(ctx context.Context) error {
	_, err := o.client.Ping(ctx)
	return err
}

var _ predictor.Predictor = (*Runtime)(nil)
