// Package session owns the single active upload attempt of an operator
// session: the transfer tracker, the poll loop, the current snapshot and the
// job ledger shared by every attempt.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-progress/internal/backend"
	"github.com/JakeFAU/ingest-progress/internal/ingest"
	"github.com/JakeFAU/ingest-progress/internal/ledger"
	"github.com/JakeFAU/ingest-progress/internal/metrics"
	"github.com/JakeFAU/ingest-progress/internal/normalize"
	"github.com/JakeFAU/ingest-progress/internal/poller"
	"github.com/JakeFAU/ingest-progress/internal/progress"
	"github.com/JakeFAU/ingest-progress/internal/transfer"
)

const (
	uploadFailureTemplate = "Upload failed (%d)"
	networkErrorMessage   = "Network error"
	missingJobIDMessage   = "upload response missing job id"
)

// ErrClosed is returned by StartUpload after Close.
var ErrClosed = errors.New("session closed")

// ErrSuperseded is returned when another attempt started while this one was
// still uploading.
var ErrSuperseded = errors.New("upload superseded by a newer attempt")

// Config wires a Session.
type Config struct {
	Backend    ingest.Backend
	Ledger     *ledger.Ledger
	Normalizer *normalize.Normalizer
	IDs        ingest.IDGenerator
	Clock      ingest.Clock
	Events     progress.Emitter
	Logger     *zap.Logger

	PollInterval   time.Duration
	RequestTimeout time.Duration
	MaxDuration    time.Duration
}

// Session runs at most one attempt at a time. It is safe for concurrent use.
type Session struct {
	cfg     Config
	ledger  *ledger.Ledger
	tracker *transfer.Tracker
	logger  *zap.Logger
	now     func() time.Time
	base    context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	gen      uint64
	active   *attempt
	snapshot ingest.Snapshot
	closed   bool
}

// attempt is one StartUpload call and the poll loop it spawned.
type attempt struct {
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	outcome poller.Outcome
}

// New validates cfg and returns an idle Session.
func New(cfg Config) (*Session, error) {
	if cfg.Backend == nil {
		return nil, errors.New("session requires a backend")
	}
	if cfg.IDs == nil {
		return nil, errors.New("session requires an id generator")
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = normalize.New()
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.New(cfg.Clock)
	}
	if cfg.Events == nil {
		cfg.Events = progress.Nop
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := func() time.Time { return time.Now().UTC() }
	if cfg.Clock != nil {
		now = cfg.Clock.Now
	}
	base, stop := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		ledger:  cfg.Ledger,
		tracker: transfer.New(),
		logger:  logger.Named("session"),
		now:     now,
		base:    base,
		stop:    stop,
	}
	s.snapshot = s.idleSnapshot()
	return s, nil
}

// StartUpload cancels any running attempt, uploads upload and starts polling
// the job the backend assigned. It returns once the upload response has been
// handled. Initiation failures are recorded in the ledger under a locally
// generated placeholder id, which is returned together with the error.
func (s *Session) StartUpload(ctx context.Context, upload ingest.Upload) (string, error) {
	att, attemptCtx, err := s.begin(upload)
	if err != nil {
		return "", err
	}
	logger := s.logger.With(zap.String("file", upload.Name))
	s.emit(progress.Event{
		Stage:      progress.StageUploadStart,
		FileName:   upload.Name,
		BytesTotal: max(upload.Size, 0),
	})

	// The upload stops when either the caller gives up or the attempt is
	// superseded; polling outlives the caller.
	initCtx, stopInit := context.WithCancel(attemptCtx)
	defer stopInit()
	unhook := context.AfterFunc(ctx, stopInit)
	defer unhook()

	started := s.now()
	init, err := s.cfg.Backend.Initiate(initCtx, upload, func(sent, total int64, at time.Time) {
		s.observeTransfer(att.gen, upload.Name, sent, total, at)
	})
	if err != nil {
		return s.failInitiation(att, upload, initiationMessage(err), err, logger)
	}
	if init.JobID == "" {
		return s.failInitiation(att, upload, missingJobIDMessage, nil, logger)
	}

	rec := s.ledger.Upsert(init.JobID, func(r *ingest.JobRecord) {
		r.FileName = upload.Name
		r.Status = ingest.JobStatusPending
		if init.Percent != nil {
			r.Percent = normalize.Percent(*init.Percent)
		}
	})
	s.emit(progress.Event{JobID: init.JobID, Stage: progress.StageJobStart, FileName: upload.Name})
	metrics.ObserveUpload("accepted")
	logger.Info("upload accepted", zap.String("job_id", init.JobID))

	s.mu.Lock()
	if s.gen != att.gen {
		s.mu.Unlock()
		close(att.done)
		return init.JobID, ErrSuperseded
	}
	s.snapshot.JobID = init.JobID
	s.snapshot.Status = ingest.JobStatusPending
	s.snapshot.IntakePercent = rec.Percent
	s.snapshot.LastRawPayload = init.Raw
	s.snapshot.UpdatedAt = s.now()
	s.mu.Unlock()

	p := poller.New(poller.Config{
		Fetcher:        s.cfg.Backend,
		Ledger:         s.ledger,
		Normalizer:     s.cfg.Normalizer,
		Interval:       s.cfg.PollInterval,
		RequestTimeout: s.cfg.RequestTimeout,
		MaxDuration:    s.cfg.MaxDuration,
		OnUpdate:       func(u poller.Update) { s.applyUpdate(att.gen, u) },
		Events:         s.cfg.Events,
		Logger:         s.logger,
		Clock:          s.cfg.Clock,
	})
	job := poller.Job{ID: init.JobID, FileName: upload.Name, Started: started}
	go func() {
		defer close(att.done)
		att.outcome = p.Run(attemptCtx, job)
	}()
	return init.JobID, nil
}

// begin supersedes the running attempt and registers a new one.
func (s *Session) begin(upload ingest.Upload) (*attempt, context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	s.cancelActiveLocked()
	s.gen++
	ctx, cancel := context.WithCancel(s.base)
	att := &attempt{gen: s.gen, cancel: cancel, done: make(chan struct{})}
	s.active = att
	s.tracker.Reset()
	s.snapshot = ingest.Snapshot{
		FileName:           upload.Name,
		Status:             ingest.JobStatusUploading,
		TransferBytesTotal: max(upload.Size, 0),
		UpdatedAt:          s.now(),
	}
	return att, ctx, nil
}

func (s *Session) failInitiation(
	att *attempt,
	upload ingest.Upload,
	msg string,
	cause error,
	logger *zap.Logger,
) (string, error) {
	defer close(att.done)
	id, idErr := s.cfg.IDs.NewID()
	if idErr != nil {
		return "", fmt.Errorf("record upload failure: %w", idErr)
	}
	jobErr := &ingest.JobError{Kind: ingest.FailureUploadInitiation, JobID: id, Message: msg, Err: cause}
	s.ledger.Upsert(id, func(r *ingest.JobRecord) {
		r.FileName = upload.Name
		r.Status = ingest.JobStatusFailed
		r.Error = msg
	})
	s.emit(progress.Event{
		JobID:    id,
		Stage:    progress.StageJobError,
		FileName: upload.Name,
		Kind:     jobErr.Kind,
		Note:     msg,
	})
	metrics.ObserveUpload("failed")
	logger.Warn("upload failed", zap.String("placeholder_id", id), zap.String("error", msg))

	att.outcome = poller.Outcome{JobID: id, Result: poller.ResultFailed, Err: jobErr}
	s.mu.Lock()
	if s.gen == att.gen {
		s.snapshot.JobID = id
		s.snapshot.Status = ingest.JobStatusFailed
		s.snapshot.Error = msg
		s.snapshot.UpdatedAt = s.now()
	}
	s.mu.Unlock()
	return id, jobErr
}

func (s *Session) observeTransfer(gen uint64, name string, sent, total int64, at time.Time) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.tracker.Observe(sent, total, at)
	st := s.tracker.State()
	s.snapshot.TransferPercent = st.Percent()
	s.snapshot.TransferBytesSent = st.BytesSent
	s.snapshot.TransferBytesTotal = st.BytesTotal
	s.snapshot.SpeedBytesPerSec = st.SpeedBytesPerSec
	s.snapshot.ETASeconds = st.ETASeconds
	s.snapshot.UpdatedAt = s.now()
	s.mu.Unlock()

	s.emit(progress.Event{
		Stage:      progress.StageTransfer,
		FileName:   name,
		Bytes:      st.BytesSent,
		BytesTotal: st.BytesTotal,
		Speed:      st.SpeedBytesPerSec,
	})
}

// applyUpdate publishes a poll result to the snapshot unless a newer attempt
// has taken over.
func (s *Session) applyUpdate(gen uint64, u poller.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.snapshot.JobID = u.JobID
	s.snapshot.Status = u.Record.Status
	s.snapshot.IntakePercent = u.Record.Percent
	s.snapshot.InsertPercent = u.Record.InsertPercent
	s.snapshot.InsertedCount = u.Record.InsertedCount
	s.snapshot.InsertTotal = u.Record.InsertTotal
	if u.Payload != nil {
		s.snapshot.LastRawPayload = u.Payload
	}
	s.snapshot.Error = ""
	if u.Err != nil {
		s.snapshot.Error = u.Err.Message
	}
	s.snapshot.UpdatedAt = s.now()
}

// Reset cancels the running attempt and returns the snapshot to idle. The
// ledger is kept.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelActiveLocked()
	s.gen++
	s.tracker.Reset()
	s.snapshot = s.idleSnapshot()
}

// Snapshot returns a copy of the active attempt's view.
func (s *Session) Snapshot() ingest.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot
	if snap.ETASeconds != nil {
		eta := *snap.ETASeconds
		snap.ETASeconds = &eta
	}
	return snap
}

// Jobs returns the ledger, most recent first.
func (s *Session) Jobs() []ingest.JobRecord {
	return s.ledger.List()
}

// Job returns one ledger record.
func (s *Session) Job(id string) (ingest.JobRecord, error) {
	rec, err := s.ledger.Get(id)
	if err != nil {
		return ingest.JobRecord{}, fmt.Errorf("job %s: %w", id, err)
	}
	return rec, nil
}

// Wait blocks until the most recent attempt's poll loop exits and returns its
// outcome. With no attempt it returns immediately.
func (s *Session) Wait(ctx context.Context) (poller.Outcome, error) {
	s.mu.Lock()
	att := s.active
	s.mu.Unlock()
	if att == nil {
		return poller.Outcome{}, nil
	}
	select {
	case <-att.done:
		return att.outcome, nil
	case <-ctx.Done():
		return poller.Outcome{}, fmt.Errorf("wait for job: %w", ctx.Err())
	}
}

// Close cancels the running attempt and waits for its poll loop to exit.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	att := s.active
	s.cancelActiveLocked()
	s.mu.Unlock()
	s.stop()
	if att == nil {
		return nil
	}
	select {
	case <-att.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close session: %w", ctx.Err())
	}
}

func (s *Session) cancelActiveLocked() {
	if s.active != nil {
		s.active.cancel()
	}
}

func (s *Session) idleSnapshot() ingest.Snapshot {
	return ingest.Snapshot{Status: ingest.JobStatusIdle, UpdatedAt: s.now()}
}

func (s *Session) emit(evt progress.Event) {
	evt.TS = s.now().UTC()
	s.cfg.Events.Emit(evt)
}

// initiationMessage is the ledger text for a failed upload request.
func initiationMessage(err error) string {
	if se, ok := backend.AsStatusError(err); ok {
		return se.Message(uploadFailureTemplate)
	}
	if text := strings.TrimSpace(err.Error()); text != "" {
		return text
	}
	return networkErrorMessage
}
