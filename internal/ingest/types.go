package ingest

import (
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of an ingestion job.
type JobStatus string

// Job status values reported by the backend and kept in the ledger.
const (
	JobStatusPending  JobStatus = "pending"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// Session-only states shown before a job id exists.
const (
	JobStatusIdle      JobStatus = "idle"
	JobStatusUploading JobStatus = "uploading"
)

// ParseJobStatus maps a raw payload status onto a JobStatus. Unknown values
// are reported as pending with ok=false so callers keep polling.
func ParseJobStatus(raw string) (status JobStatus, ok bool) {
	switch JobStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case JobStatusPending:
		return JobStatusPending, true
	case JobStatusComplete:
		return JobStatusComplete, true
	case JobStatusFailed:
		return JobStatusFailed, true
	default:
		return JobStatusPending, false
	}
}

// IsTerminal reports whether no further polling happens in this status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

// Phase names one of the three independently evolving sub-phases of a job.
type Phase string

// Known phases.
const (
	PhaseTransfer  Phase = "transfer"
	PhaseIntake    Phase = "intake"
	PhaseInsertion Phase = "insertion"
)

// Payload is a status document decoded verbatim from the backend. It has no
// fixed schema and must be treated as partial on every access.
type Payload = map[string]any

// JobRecord is the ledger entry for one job.
type JobRecord struct {
	ID            string     `json:"id"`
	FileName      string     `json:"file_name"`
	Status        JobStatus  `json:"status"`
	Percent       int        `json:"percent"`
	InsertPercent int        `json:"insert_percent"`
	InsertedCount *int64     `json:"inserted_count,omitempty"`
	InsertTotal   *int64     `json:"insert_total,omitempty"`
	Error         string     `json:"error,omitempty"`
	Created       time.Time  `json:"created_at"`
	Updated       time.Time  `json:"updated_at"`
	Finished      *time.Time `json:"finished_at,omitempty"`
}

// Snapshot is the read-only view of the active job handed to the display layer.
type Snapshot struct {
	JobID              string    `json:"job_id,omitempty"`
	FileName           string    `json:"file_name,omitempty"`
	Status             JobStatus `json:"status"`
	TransferPercent    int       `json:"transfer_percent"`
	TransferBytesSent  int64     `json:"transfer_bytes_sent"`
	TransferBytesTotal int64     `json:"transfer_bytes_total"`
	SpeedBytesPerSec   float64   `json:"speed_bytes_per_sec"`
	ETASeconds         *int64    `json:"eta_seconds"`
	IntakePercent      int       `json:"intake_percent"`
	InsertPercent      int       `json:"insert_percent"`
	InsertedCount      *int64    `json:"inserted_count"`
	InsertTotal        *int64    `json:"insert_total"`
	LastRawPayload     Payload   `json:"last_raw_payload,omitempty"`
	Error              string    `json:"error,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Upload describes the file handed to the backend's upload endpoint.
type Upload struct {
	Name string
	// Size is the body length in bytes; zero or negative means unknown.
	Size int64
	Body Reader
}

// Initiation is the decoded success response of the upload endpoint.
type Initiation struct {
	// JobID is empty when the response carried neither job_id nor id.
	JobID   string
	Percent *float64
	Raw     Payload
}
