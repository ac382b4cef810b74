package workflow

import (
	"testing"
	"time"

	"aqpredict/pkg/cloudevent"
)

func TestEventWanted(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		eventType string
		filter    []string
		want      bool
	}{
		{"empty filter allows all", EventTypeTransformCompleted, nil, true},
		{"matching filter", EventTypeTransformCompleted, []string{EventTypeTransformCompleted}, true},
		{"non-matching filter", EventTypeTransformStart, []string{EventTypeTransformCompleted}, false},
		{"multiple entries", EventTypeRunFinished, []string{EventTypeTransformCompleted, EventTypeRunFinished}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EventWanted(tt.eventType, tt.filter); got != tt.want {
				t.Errorf("EventWanted(%q, %v) = %v, want %v", tt.eventType, tt.filter, got, tt.want)
			}
		})
	}
}

func TestParseTransformCompleted(t *testing.T) {
	t.Parallel()

	builder := NewEventBuilder("transform-abc", "aqpredict/predictor", map[string]string{"env": "test"})
	event := builder.BuildTransformCompletedEvent("batch-1", "Failed", 2, nil)

	payload, err := ParseTransformCompleted(event)
	if err != nil {
		t.Fatalf("ParseTransformCompleted: %v", err)
	}
	if payload.JobID != "transform-abc" {
		t.Errorf("jobId = %q", payload.JobID)
	}
	if payload.BatchID != "batch-1" {
		t.Errorf("batchId = %q", payload.BatchID)
	}
	if payload.Status != "Failed" || payload.ExitCode != 2 {
		t.Errorf("status/exitCode = %s/%d", payload.Status, payload.ExitCode)
	}
}

func TestParseTransformCompleted_WrongType(t *testing.T) {
	t.Parallel()

	event := cloudevent.New("some.other.event", "test", "sub", "id", nil)
	if _, err := ParseTransformCompleted(event); err == nil {
		t.Error("expected error for wrong event type")
	}
}

func TestParseTransformCompleted_MissingJobID(t *testing.T) {
	t.Parallel()

	event := cloudevent.New(EventTypeTransformCompleted, "test", "sub", "id", map[string]any{"status": "Completed"})
	if _, err := ParseTransformCompleted(event); err == nil {
		t.Error("expected error for missing jobId")
	}
}

func TestBuildRunFinishedEvent(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	exec := &Execution{
		ID:         "run-1",
		Parameter:  "pm25",
		Stage:      StageFinished,
		Status:     200,
		Code:       CodeDone,
		Records:    12,
		Updated:    11,
		Output:     "predicted_values_output/output_results_x.csv",
		StartedAt:  now,
		FinishedAt: &now,
	}

	event := NewEventBuilder(exec.ID, "aqpredict/service", nil).BuildRunFinishedEvent(exec)

	if event.Type != EventTypeRunFinished {
		t.Errorf("type = %q", event.Type)
	}
	if event.Subject != "run-1" {
		t.Errorf("subject = %q", event.Subject)
	}
	if event.Data["code"] != "Done" {
		t.Errorf("code = %v", event.Data["code"])
	}
	if event.Data["records"] != 12 || event.Data["updated"] != 11 {
		t.Errorf("records/updated = %v/%v", event.Data["records"], event.Data["updated"])
	}
	if event.Data["output"] != exec.Output {
		t.Errorf("output = %v", event.Data["output"])
	}
}
