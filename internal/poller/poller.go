// Package poller drives the fixed-interval status loop for one ingestion job.
package poller

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-progress/internal/backend"
	"github.com/JakeFAU/ingest-progress/internal/discovery"
	"github.com/JakeFAU/ingest-progress/internal/ingest"
	"github.com/JakeFAU/ingest-progress/internal/ledger"
	"github.com/JakeFAU/ingest-progress/internal/normalize"
	"github.com/JakeFAU/ingest-progress/internal/progress"
)

const (
	defaultInterval       = time.Second
	defaultRequestTimeout = 10 * time.Second

	serverFailureTemplate = "Status fetch failed (%d)"
	transportFallback     = "Network error while polling"
	jobFailedFallback     = "Job failed"
	timeoutMessage        = "polling timed out"
)

// Result is how a poll loop ended.
type Result string

// Loop results. Cancelled is never written to the ledger.
const (
	ResultComplete  Result = "complete"
	ResultFailed    Result = "failed"
	ResultCancelled Result = "cancelled"
)

// Job identifies the job being polled.
type Job struct {
	ID       string
	FileName string
	// Started is when the job was accepted; runtime metrics are measured from it.
	Started time.Time
}

// Update is handed to OnUpdate after every handled tick.
type Update struct {
	JobID    string
	Progress normalize.Progress
	Payload  ingest.Payload
	Record   ingest.JobRecord
	// Err is set when the tick ended the job with a failure.
	Err *ingest.JobError
}

// Outcome summarizes a finished Run.
type Outcome struct {
	JobID  string
	Result Result
	Polls  int
	Err    *ingest.JobError
}

// Config wires a Poller.
type Config struct {
	Fetcher    ingest.StatusFetcher
	Ledger     *ledger.Ledger
	Normalizer *normalize.Normalizer

	Interval       time.Duration
	RequestTimeout time.Duration
	// MaxDuration bounds the whole loop; zero disables the bound.
	MaxDuration time.Duration

	// OnUpdate receives every handled tick, including those of a cancelled
	// loop whose request was already in flight.
	OnUpdate func(Update)
	Events   progress.Emitter
	Logger   *zap.Logger
	Clock    ingest.Clock
}

// Poller polls job status until a terminal state, cancellation or timeout.
type Poller struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New builds a Poller, filling in defaults for zero values.
func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
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
	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock.Now
	}
	return &Poller{cfg: cfg, logger: logger.Named("poller"), now: now}
}

// Run blocks until the job is terminal or ctx is cancelled. The timer is
// re-armed only after a tick has been fully handled, so at most one request
// is outstanding. A request in flight when ctx is cancelled is allowed to
// finish; its result is applied to this job's ledger entry and the loop exits
// without polling again.
func (p *Poller) Run(ctx context.Context, job Job) Outcome {
	logger := p.logger.With(zap.String("job_id", job.ID))
	if job.Started.IsZero() {
		job.Started = p.now()
	}
	out := Outcome{JobID: job.ID}

	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()
	var expired <-chan time.Time
	if p.cfg.MaxDuration > 0 {
		deadline := time.NewTimer(p.cfg.MaxDuration)
		defer deadline.Stop()
		expired = deadline.C
	}

	logger.Debug("polling started", zap.Duration("interval", p.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return p.cancelled(logger, out)
		case <-expired:
			jobErr := &ingest.JobError{Kind: ingest.FailureTimeout, JobID: job.ID, Message: timeoutMessage}
			p.fail(job, jobErr, nil, normalize.Progress{}, 0)
			out.Result, out.Err = ResultFailed, jobErr
			logger.Warn("polling timed out", zap.Int("polls", out.Polls))
			return out
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return p.cancelled(logger, out)
		}

		out.Polls++
		result, jobErr := p.tick(ctx, job)
		if result != "" {
			out.Result, out.Err = result, jobErr
			logger.Info("polling finished", zap.String("result", string(result)), zap.Int("polls", out.Polls))
			return out
		}
		if ctx.Err() != nil {
			return p.cancelled(logger, out)
		}
		timer.Reset(p.cfg.Interval)
	}
}

func (p *Poller) cancelled(logger *zap.Logger, out Outcome) Outcome {
	out.Result = ResultCancelled
	logger.Info("polling cancelled", zap.Int("polls", out.Polls))
	return out
}

// tick performs one status request and applies it. It returns a non-empty
// Result when the job reached a terminal state.
func (p *Poller) tick(ctx context.Context, job Job) (Result, *ingest.JobError) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RequestTimeout)
	defer cancel()

	start := p.now()
	payload, err := p.cfg.Fetcher.Status(reqCtx, job.ID)
	latency := p.now().Sub(start)
	if err != nil {
		jobErr := classify(job.ID, err)
		p.fail(job, jobErr, nil, normalize.Progress{}, latency)
		return ResultFailed, jobErr
	}

	prog := p.cfg.Normalizer.Normalize(payload)
	if !prog.Known {
		raw, _ := discovery.String(payload, "status")
		p.logger.Debug("unrecognized job status", zap.String("job_id", job.ID), zap.String("status", raw))
	}
	if prog.Status == ingest.JobStatusFailed {
		jobErr := &ingest.JobError{Kind: ingest.FailureJob, JobID: job.ID, Message: failureMessage(payload)}
		p.fail(job, jobErr, payload, prog, latency)
		return ResultFailed, jobErr
	}

	rec := p.cfg.Ledger.Upsert(job.ID, func(r *ingest.JobRecord) {
		applyProgress(r, job, prog)
		r.Error = ""
	})
	p.emit(progress.Event{
		JobID:         job.ID,
		Stage:         progress.StagePoll,
		FileName:      job.FileName,
		Status:        prog.Status,
		IntakePercent: prog.Intake,
		InsertPercent: prog.Insertion.Percent,
		Dur:           latency,
	})
	p.publish(Update{JobID: job.ID, Progress: prog, Payload: payload, Record: rec})

	if prog.Status != ingest.JobStatusComplete {
		return "", nil
	}
	p.emit(progress.Event{
		JobID:         job.ID,
		Stage:         progress.StageJobDone,
		FileName:      job.FileName,
		Status:        prog.Status,
		IntakePercent: prog.Intake,
		InsertPercent: prog.Insertion.Percent,
		Dur:           p.runtime(job),
	})
	return ResultComplete, nil
}

// fail records a terminal failure for job. A nil payload keeps the record's
// last known percentages.
func (p *Poller) fail(job Job, jobErr *ingest.JobError, payload ingest.Payload, prog normalize.Progress, latency time.Duration) {
	rec := p.cfg.Ledger.Upsert(job.ID, func(r *ingest.JobRecord) {
		if payload != nil {
			applyProgress(r, job, prog)
		}
		if r.FileName == "" {
			r.FileName = job.FileName
		}
		r.Status = ingest.JobStatusFailed
		r.Error = jobErr.Message
	})
	if payload != nil {
		p.emit(progress.Event{
			JobID:         job.ID,
			Stage:         progress.StagePoll,
			FileName:      job.FileName,
			Status:        ingest.JobStatusFailed,
			IntakePercent: prog.Intake,
			InsertPercent: prog.Insertion.Percent,
			Dur:           latency,
		})
	}
	p.emit(progress.Event{
		JobID:    job.ID,
		Stage:    progress.StageJobError,
		FileName: job.FileName,
		Status:   ingest.JobStatusFailed,
		Kind:     jobErr.Kind,
		Dur:      p.runtime(job),
		Note:     jobErr.Message,
	})
	prog.Status = ingest.JobStatusFailed
	p.publish(Update{JobID: job.ID, Progress: prog, Payload: payload, Record: rec, Err: jobErr})
}

func (p *Poller) publish(u Update) {
	if p.cfg.OnUpdate != nil {
		p.cfg.OnUpdate(u)
	}
}

func (p *Poller) emit(evt progress.Event) {
	evt.TS = p.now().UTC()
	p.cfg.Events.Emit(evt)
}

func (p *Poller) runtime(job Job) time.Duration {
	if d := p.now().Sub(job.Started); d > 0 {
		return d
	}
	return 0
}

func applyProgress(r *ingest.JobRecord, job Job, prog normalize.Progress) {
	if r.FileName == "" {
		r.FileName = job.FileName
	}
	r.Status = prog.Status
	r.Percent = prog.Intake
	r.InsertPercent = prog.Insertion.Percent
	r.InsertedCount = prog.Insertion.InsertedCount
	r.InsertTotal = prog.Insertion.InsertTotal
}

// classify maps a fetch error onto a poll failure.
func classify(jobID string, err error) *ingest.JobError {
	if se, ok := backend.AsStatusError(err); ok {
		return &ingest.JobError{
			Kind:    ingest.FailurePollServer,
			JobID:   jobID,
			Message: se.Message(serverFailureTemplate),
			Err:     err,
		}
	}
	msg := transportFallback
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "status request timed out"
	} else if text := strings.TrimSpace(err.Error()); text != "" {
		msg = text
	}
	return &ingest.JobError{Kind: ingest.FailurePollTransport, JobID: jobID, Message: msg, Err: err}
}

// failureMessage picks the backend's own explanation of a failed job.
func failureMessage(payload ingest.Payload) string {
	for _, key := range []string{"error", "message", "detail"} {
		if msg, ok := discovery.String(payload, key); ok && msg != "" {
			return msg
		}
	}
	return jobFailedFallback
}
