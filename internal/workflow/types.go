// Package workflow drives the prediction pipeline: query candidates, dispatch
// a batch job, suspend on a resumption token, and write predictions back once
// the completion signal arrives.
package workflow

import (
	"errors"
	"time"
)

// Stage identifies where in the pipeline an execution currently is.
type Stage string

const (
	StageQuerying           Stage = "Querying"
	StageDispatching        Stage = "Dispatching"
	StageAwaitingCompletion Stage = "AwaitingCompletion"
	StageWriting            Stage = "Writing"
	StageFinished           Stage = "Finished"
)

// Code classifies how an execution (or a single stage) ended. Failure codes
// distinguish "got an explicit error" from "never got an answer" so operators
// can tell the two apart.
type Code string

const (
	CodeDone      Code = "Done"
	CodeNoRecords Code = "NoRecords"

	CodeQueryFailed  Code = "QueryFailed"
	CodeQueryTimeout Code = "QueryTimeout"

	CodeDispatchFailed     Code = "DispatchFailed"
	CodeDispatchTimeout    Code = "DispatchTimeout"
	CodeMissingToken       Code = "MissingResumptionToken"
	CodeMissingColumns     Code = "MissingColumns"
	CodeModelNotConfigured Code = "ModelNotConfigured"
	CodeModelNotFound      Code = "ModelNotFound"
	CodeSubmissionFailed   Code = "SubmissionFailed"

	CodeJobFailed       Code = "JobFailed"
	CodeJobTimeout      Code = "JobTimeout"
	CodeReconcileFailed Code = "ReconcileFailed"

	CodeWriteFailed  Code = "WriteFailed"
	CodeWriteTimeout Code = "WriteTimeout"
)

// ErrUnknownToken is returned by Resume when the token does not name a parked
// execution. A second delivery for an already-claimed token lands here; the
// caller logs it as an anomaly and moves on.
var ErrUnknownToken = errors.New("unknown resumption token")

// Outcome is the result a stage delivers for a suspended execution. Status
// uses small integer families: 2xx success, 204 explicit "no candidate
// records", 4xx caller or data error, 5xx submission or processing fault.
type Outcome struct {
	Status  int    `json:"status"`
	Code    Code   `json:"code,omitempty"`
	Records int    `json:"records"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Success reports whether the outcome is in the 2xx family.
func (o Outcome) Success() bool { return o.Status >= 200 && o.Status < 300 }

// Execution is one pipeline run from trigger to terminal state.
type Execution struct {
	ID          string     `json:"id"`
	Parameter   string     `json:"parameter"`
	WindowHours int        `json:"windowHours"`
	Stage       Stage      `json:"stage"`
	Status      int        `json:"status,omitempty"`
	Code        Code       `json:"code,omitempty"`
	Error       string     `json:"error,omitempty"`
	Records     int        `json:"records"`
	Updated     int        `json:"updated"`
	Output      string     `json:"output,omitempty"`
	JobID       string     `json:"jobId,omitempty"`
	BatchID     string     `json:"batchId,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Terminal reports whether the execution has reached a final state.
func (e *Execution) Terminal() bool { return e.Stage == StageFinished }

func (e *Execution) clone() *Execution {
	c := *e
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// JobMetadata is persisted at submission time, keyed by the external job id.
// It carries everything the completion handler needs to reconcile the job's
// output and resume the suspended execution: the single-use token, both file
// locations, the expected row count and the original column order.
type JobMetadata struct {
	JobID        string    `json:"jobId"`
	BatchID      string    `json:"batchId"`
	CreatedAt    time.Time `json:"createdAt"`
	Token        string    `json:"token"`
	InputKey     string    `json:"inputKey"`
	OutputKey    string    `json:"outputKey"`
	OutputPrefix string    `json:"outputPrefix"`
	SourceKey    string    `json:"sourceKey"`
	Dataset      string    `json:"dataset"`
	Records      int       `json:"records"`
	Columns      []string  `json:"columns"`
}

// ParkedRun is the durable form of a suspended execution, stored in the
// metadata store under the resumption token so a restart can rebuild the
// in-memory parking table.
type ParkedRun struct {
	Token     string     `json:"token"`
	Execution *Execution `json:"execution"`
	Deadline  time.Time  `json:"deadline"`
}

// QueryResult is the query stage's product: how many candidate rows matched
// and where the export landed. Status is 204 when nothing matched.
type QueryResult struct {
	Status  int      `json:"status"`
	Records int      `json:"records"`
	Key     string   `json:"key,omitempty"`
	Columns []string `json:"columns,omitempty"`
}

// DispatchRequest hands the query stage's product to the job dispatcher
// together with the resumption token the dispatcher must signal on failure.
type DispatchRequest struct {
	RunID     string
	Token     string
	Parameter string
	SourceKey string
	Records   int
	Columns   []string
}

// WriteResult reports the DB writer's work: rows parsed vs rows updated.
// The two differ when ids have gone missing between export and write-back.
type WriteResult struct {
	Total   int `json:"totalRecords"`
	Updated int `json:"updatedRecords"`
}
