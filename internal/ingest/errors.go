package ingest

import "fmt"

// FailureKind classifies terminal failures surfaced to the display layer.
type FailureKind string

// Failure kinds.
const (
	FailureUploadInitiation FailureKind = "upload_initiation"
	FailurePollTransport    FailureKind = "poll_transport"
	FailurePollServer       FailureKind = "poll_server"
	FailureJob              FailureKind = "job_failed"
	FailureTimeout          FailureKind = "poll_timeout"
)

// JobError is a terminal failure for one job. Message is the human-readable
// text recorded in the ledger.
type JobError struct {
	Kind    FailureKind
	JobID   string
	Message string
	Err     error
}

func (e *JobError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s (job %s): %s", e.Kind, e.JobID, e.Message)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
