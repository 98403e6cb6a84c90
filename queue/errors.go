package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrJobFailed is wrapped by the *JobError of a job that ended Failed.
	ErrJobFailed = errors.New("job failed")
	// ErrPartialBatchFailure is wrapped by the *JobError of a job that
	// completed with fewer artifacts than requested.
	ErrPartialBatchFailure = errors.New("partial batch failure")
	// ErrUnknownJob is returned for job ids the manager does not track.
	ErrUnknownJob = errors.New("unknown job")
)

// Error kinds recorded on jobs.
const (
	KindExecutionError      = "job_failed"
	KindInterrupted         = "interrupted"
	KindNoArtifacts         = "no_artifacts"
	KindPartialBatchFailure = "partial_batch_failure"
	KindChannelDisconnected = "channel_disconnected"
	KindPromptLost          = "prompt_lost"
	KindSubmissionFailed    = "submission_failed"
)

// ErrorClassifier allows errors to declare their classification. The kind is
// stored on the job and used by the HTTP layer for status mapping.
type ErrorClassifier interface {
	ErrorKind() string
}

// ErrorKindOf returns the classification of err, or fallback when err does
// not carry one.
func ErrorKindOf(err error, fallback string) string {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		if kind := classifier.ErrorKind(); kind != "" {
			return kind
		}
	}
	return fallback
}

// JobError describes why a job failed or completed only partially.
type JobError struct {
	JobID  string
	Kind   string
	Detail string
}

func (e *JobError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("job %s: %s", e.JobID, e.Kind)
	}
	return fmt.Sprintf("job %s: %s: %s", e.JobID, e.Kind, e.Detail)
}

func (e *JobError) Unwrap() error {
	if e.Kind == KindPartialBatchFailure {
		return ErrPartialBatchFailure
	}
	return ErrJobFailed
}

// ErrorKind implements ErrorClassifier.
func (e *JobError) ErrorKind() string { return e.Kind }
