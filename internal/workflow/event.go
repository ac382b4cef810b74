package workflow

import (
	"encoding/json"
	"fmt"
	"slices"

	"aqpredict/pkg/cloudevent"

	"github.com/google/uuid"
)

// CloudEvent types emitted across a run's lifecycle.
const (
	EventTypeTransformStart     = "aqpredict.transform.start"
	EventTypeTransformCompleted = "aqpredict.transform.completed"
	EventTypeRunFinished        = "aqpredict.run.finished"
)

// EventWanted reports whether eventType passes the subscriber's filter.
// An empty filter subscribes to everything.
func EventWanted(eventType string, filter []string) bool {
	return len(filter) == 0 || slices.Contains(filter, eventType)
}

// TransformCompleted is the payload of a transform.completed event: the
// external job reached a terminal status and the suspended run can move on.
type TransformCompleted struct {
	JobID    string `json:"jobId"`
	BatchID  string `json:"batchId,omitempty"`
	Status   string `json:"status"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

// ParseTransformCompleted extracts the completion payload from a CloudEvent.
func ParseTransformCompleted(event *cloudevent.CloudEvent) (*TransformCompleted, error) {
	if event.Type != EventTypeTransformCompleted {
		return nil, fmt.Errorf("unexpected event type %q", event.Type)
	}
	raw, err := json.Marshal(event.Data)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	var payload TransformCompleted
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode transform.completed payload: %w", err)
	}
	if payload.JobID == "" {
		return nil, fmt.Errorf("transform.completed payload missing jobId")
	}
	return &payload, nil
}

// EventBuilder stamps lifecycle events with a shared subject, source, and
// metadata so call sites only supply the per-event payload. The subject is
// the job id for transform events and the run id for run events.
type EventBuilder struct {
	source  string
	subject string
	meta    map[string]string
}

func NewEventBuilder(subject, source string, meta map[string]string) *EventBuilder {
	return &EventBuilder{
		source:  source,
		subject: subject,
		meta:    meta,
	}
}

func (b *EventBuilder) build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	// The subject prefix keeps event ids greppable next to run logs.
	eventID := b.subject + "-" + uuid.NewString()
	return cloudevent.New(eventType, b.source, b.subject, eventID, data)
}

// BuildTransformStartEvent announces that a transform job began executing.
func (b *EventBuilder) BuildTransformStartEvent(batchID string) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":   b.subject,
		"batchId": batchID,
		"meta":    b.meta,
	}
	return b.build(EventTypeTransformStart, data)
}

// BuildTransformCompletedEvent reports a transform job's terminal status
// (Completed, Failed, or Stopped) along with its exit code.
func (b *EventBuilder) BuildTransformCompletedEvent(batchID, status string, exitCode int, err error) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":    b.subject,
		"batchId":  batchID,
		"status":   status,
		"exitCode": exitCode,
		"meta":     b.meta,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	return b.build(EventTypeTransformCompleted, data)
}

// BuildRunFinishedEvent carries the terminal execution snapshot of a run.
func (b *EventBuilder) BuildRunFinishedEvent(exec *Execution) *cloudevent.CloudEvent {
	data := map[string]any{
		"runId":     exec.ID,
		"parameter": exec.Parameter,
		"stage":     string(exec.Stage),
		"status":    exec.Status,
		"code":      string(exec.Code),
		"records":   exec.Records,
		"updated":   exec.Updated,
		"meta":      b.meta,
	}
	if exec.Output != "" {
		data["output"] = exec.Output
	}
	if exec.Error != "" {
		data["error"] = exec.Error
	}
	return b.build(EventTypeRunFinished, data)
}
