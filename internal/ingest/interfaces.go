package ingest

import (
	"context"
	"io"
	"time"
)

// Reader is the upload body; aliased so callers need not import io.
type Reader = io.Reader

// TransferFunc receives cumulative byte counts while an upload body is sent.
type TransferFunc func(sent, total int64, at time.Time)

// Uploader starts a job by sending a file to the backend.
type Uploader interface {
	Initiate(ctx context.Context, upload Upload, onProgress TransferFunc) (Initiation, error)
}

// StatusFetcher retrieves the current status payload of a job.
type StatusFetcher interface {
	Status(ctx context.Context, jobID string) (Payload, error)
}

// Backend is the full set of endpoints a session consumes.
type Backend interface {
	Uploader
	StatusFetcher
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces local placeholder job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
