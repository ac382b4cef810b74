// Package predictor defines the contract between the pipeline and the
// prediction runtime that executes asynchronous batch transform jobs.
package predictor

import (
	"context"
	"path"
)

// JobStatus is the lifecycle state the runtime reports for a batch job.
type JobStatus string

const (
	StatusInProgress JobStatus = "InProgress"
	StatusCompleted  JobStatus = "Completed"
	StatusFailed     JobStatus = "Failed"
	StatusStopped    JobStatus = "Stopped"
)

// Terminal reports whether the job has finished, successfully or not.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Succeeded reports whether the job produced usable output. Every terminal
// status other than Completed counts as failure.
func (s JobStatus) Succeeded() bool { return s == StatusCompleted }

// SubmitRequest describes one batch transform job.
type SubmitRequest struct {
	BatchID       string // correlation id generated at dispatch time
	Model         string // model identifier; an image reference for the Docker runtime
	InputKey      string // object-storage key of the header-less input CSV
	OutputPrefix  string // object-storage prefix the runtime writes its output under
	InstanceType  string
	InstanceCount int
	Records       int // input row count, for sizing and logging
}

// Job is the runtime's view of a submitted batch job.
type Job struct {
	ID            string
	Status        JobStatus
	FailureReason string
}

// OutputKeyFor returns the object key a transform job writes for the given
// input: the input's base name with ".out" appended, under the output prefix.
// Dispatch and the runtime both derive the key from this convention, so the
// completion handler can find the output without the runtime reporting it.
func OutputKeyFor(outputPrefix, inputKey string) string {
	return outputPrefix + path.Base(inputKey) + ".out"
}

// Predictor is the prediction runtime as the pipeline sees it: check a model,
// submit a job, describe a job. Submission is asynchronous; completion is
// signalled out of band.
type Predictor interface {
	// ModelExists reports whether the runtime can serve the named model.
	// (false, nil) means the model is definitively unavailable; a non-nil
	// error means the check itself failed.
	ModelExists(ctx context.Context, model string) (bool, error)

	// Submit starts a batch job and returns the runtime's job id. The job
	// keeps running after Submit returns.
	Submit(ctx context.Context, req *SubmitRequest) (string, error)

	// Describe returns the current state of a previously submitted job.
	Describe(ctx context.Context, jobID string) (*Job, error)
}
