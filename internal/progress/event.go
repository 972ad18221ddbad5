package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/ingest-progress/internal/ingest"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageUploadStart Stage = "UPLOAD_START"
	StageTransfer    Stage = "TRANSFER"
	StageJobStart    Stage = "JOB_START"
	StagePoll        Stage = "POLL"
	StageJobDone     Stage = "JOB_DONE"
	StageJobError    Stage = "JOB_ERROR"
)

// Event captures one step of an upload attempt.
type Event struct {
	// JobID is the backend job id; empty before the upload response arrives.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// FileName is the uploaded file's name.
	FileName string
	// Status is the job status after a poll.
	Status ingest.JobStatus
	// IntakePercent and InsertPercent are the normalized phase percentages.
	IntakePercent int
	InsertPercent int
	// Bytes and BytesTotal are cumulative transfer counters.
	Bytes      int64
	BytesTotal int64
	// Speed is the transfer rate in bytes per second.
	Speed float64
	// Kind classifies JOB_ERROR events.
	Kind ingest.FailureKind
	// Dur is the poll request latency, or the job runtime on terminal stages.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageUploadStart, StageTransfer:
		if e.FileName == "" {
			return fmt.Errorf("%s requires file name", e.Stage)
		}
		if e.Bytes < 0 {
			return errors.New("bytes must be >= 0")
		}
	case StageJobStart, StagePoll, StageJobDone:
		if e.JobID == "" {
			return fmt.Errorf("%s requires job id", e.Stage)
		}
	case StageJobError:
		if e.JobID == "" {
			return errors.New("job error requires job id")
		}
		if e.Kind == "" {
			return errors.New("job error requires failure kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes a job.
func (e Event) Terminal() bool {
	return e.Stage == StageJobDone || e.Stage == StageJobError
}
