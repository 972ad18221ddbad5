package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ingest-progress/internal/backend"
	"github.com/JakeFAU/ingest-progress/internal/ingest"
	"github.com/JakeFAU/ingest-progress/internal/ledger"
	"github.com/JakeFAU/ingest-progress/internal/progress"
)

const testInterval = 5 * time.Millisecond

type step struct {
	payload ingest.Payload
	err     error
}

// scriptedFetcher replays steps, repeating the last one once exhausted.
type scriptedFetcher struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (f *scriptedFetcher) Status(_ context.Context, _ string) (ingest.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	idx := f.calls - 1
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	return f.steps[idx].payload, f.steps[idx].err
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) Emit(evt progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) Stages() []progress.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]progress.Stage, 0, len(l.events))
	for _, evt := range l.events {
		out = append(out, evt.Stage)
	}
	return out
}

func newPoller(fetcher ingest.StatusFetcher, led *ledger.Ledger, events progress.Emitter) *Poller {
	return New(Config{
		Fetcher:  fetcher,
		Ledger:   led,
		Interval: testInterval,
		Events:   events,
	})
}

func TestRunCompletesAndStops(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []step{
		{payload: ingest.Payload{"status": "pending", "percent": 0.5, "inserted": 40, "total": 200}},
		{payload: ingest.Payload{"status": "complete", "percent": 1, "inserted": 150, "total": 200}},
	}}
	led := ledger.New(nil)
	events := &eventLog{}
	var updates []Update
	p := New(Config{
		Fetcher:  fetcher,
		Ledger:   led,
		Interval: testInterval,
		Events:   events,
		OnUpdate: func(u Update) { updates = append(updates, u) },
	})

	out := p.Run(context.Background(), Job{ID: "job-1", FileName: "prices.csv"})
	require.Equal(t, ResultComplete, out.Result)
	require.Equal(t, 2, out.Polls)
	require.Nil(t, out.Err)

	rec, err := led.Get("job-1")
	require.NoError(t, err)
	require.Equal(t, ingest.JobStatusComplete, rec.Status)
	require.Equal(t, 100, rec.Percent)
	require.Equal(t, 100, rec.InsertPercent)
	require.Equal(t, "prices.csv", rec.FileName)
	require.NotNil(t, rec.Finished)

	require.Len(t, updates, 2)
	require.Equal(t, 20, updates[0].Progress.Insertion.Percent)
	require.Equal(t, 50, updates[0].Record.Percent)

	time.Sleep(10 * testInterval)
	require.Equal(t, 2, fetcher.Calls())
	require.Equal(t, []progress.Stage{progress.StagePoll, progress.StagePoll, progress.StageJobDone}, events.Stages())
}

func TestRunUnknownStatusKeepsPolling(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []step{
		{payload: ingest.Payload{"status": "queued"}},
		{payload: ingest.Payload{"status": "processing", "progress": 30}},
		{payload: ingest.Payload{"status": "complete"}},
	}}
	led := ledger.New(nil)
	var statuses []ingest.JobStatus
	p := New(Config{
		Fetcher:  fetcher,
		Ledger:   led,
		Interval: testInterval,
		OnUpdate: func(u Update) { statuses = append(statuses, u.Record.Status) },
	})

	out := p.Run(context.Background(), Job{ID: "job-2"})
	require.Equal(t, ResultComplete, out.Result)
	require.Equal(t, 3, out.Polls)
	require.Equal(t, []ingest.JobStatus{
		ingest.JobStatusPending,
		ingest.JobStatusPending,
		ingest.JobStatusComplete,
	}, statuses)
}

func TestRunFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		step     step
		wantKind ingest.FailureKind
		wantMsg  string
	}{
		{
			name:     "server error without body",
			step:     step{err: &backend.StatusError{Code: 503}},
			wantKind: ingest.FailurePollServer,
			wantMsg:  "Status fetch failed (503)",
		},
		{
			name:     "server error with body",
			step:     step{err: &backend.StatusError{Code: 404, Body: "job not found"}},
			wantKind: ingest.FailurePollServer,
			wantMsg:  "job not found",
		},
		{
			name:     "transport error",
			step:     step{err: errors.New("connection refused")},
			wantKind: ingest.FailurePollTransport,
			wantMsg:  "connection refused",
		},
		{
			name:     "failed payload with message",
			step:     step{payload: ingest.Payload{"status": "failed", "error": "row 12: bad price"}},
			wantKind: ingest.FailureJob,
			wantMsg:  "row 12: bad price",
		},
		{
			name:     "failed payload without message",
			step:     step{payload: ingest.Payload{"status": "FAILED"}},
			wantKind: ingest.FailureJob,
			wantMsg:  "Job failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fetcher := &scriptedFetcher{steps: []step{tt.step}}
			led := ledger.New(nil)
			events := &eventLog{}
			out := newPoller(fetcher, led, events).Run(context.Background(), Job{ID: "job-f", FileName: "a.csv"})

			require.Equal(t, ResultFailed, out.Result)
			require.NotNil(t, out.Err)
			require.Equal(t, tt.wantKind, out.Err.Kind)
			require.Equal(t, tt.wantMsg, out.Err.Message)

			rec, err := led.Get("job-f")
			require.NoError(t, err)
			require.Equal(t, ingest.JobStatusFailed, rec.Status)
			require.Equal(t, tt.wantMsg, rec.Error)

			time.Sleep(5 * testInterval)
			require.Equal(t, 1, fetcher.Calls())
			stages := events.Stages()
			require.Equal(t, progress.StageJobError, stages[len(stages)-1])
		})
	}
}

func TestRunFailureKeepsLastPercent(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []step{
		{payload: ingest.Payload{"status": "pending", "percent": 40, "insert_percent": 0.25}},
		{err: &backend.StatusError{Code: 500}},
	}}
	led := ledger.New(nil)
	out := newPoller(fetcher, led, nil).Run(context.Background(), Job{ID: "job-k"})
	require.Equal(t, ResultFailed, out.Result)

	rec, err := led.Get("job-k")
	require.NoError(t, err)
	require.Equal(t, 40, rec.Percent)
	require.Equal(t, 25, rec.InsertPercent)
}

// blockingFetcher holds each request until release is closed.
type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
	calls   int
	mu      sync.Mutex
}

func (f *blockingFetcher) Status(ctx context.Context, _ string) (ingest.Payload, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	close(f.started)
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return ingest.Payload{"status": "pending", "percent": 70}, nil
}

func TestRunCancelledWhileInFlight(t *testing.T) {
	t.Parallel()

	fetcher := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	led := ledger.New(nil)
	var (
		mu      sync.Mutex
		updates []Update
	)
	p := New(Config{
		Fetcher:  fetcher,
		Ledger:   led,
		Interval: testInterval,
		OnUpdate: func(u Update) {
			mu.Lock()
			defer mu.Unlock()
			updates = append(updates, u)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() { done <- p.Run(ctx, Job{ID: "old-job"}) }()

	<-fetcher.started
	cancel()
	close(fetcher.release)

	var out Outcome
	select {
	case out = <-done:
	case <-time.After(time.Second):
		t.Fatal("poll loop did not exit after cancellation")
	}
	require.Equal(t, ResultCancelled, out.Result)
	require.Equal(t, 1, out.Polls)

	rec, err := led.Get("old-job")
	require.NoError(t, err)
	require.Equal(t, 70, rec.Percent)
	require.Equal(t, ingest.JobStatusPending, rec.Status)

	time.Sleep(5 * testInterval)
	fetcher.mu.Lock()
	require.Equal(t, 1, fetcher.calls)
	fetcher.mu.Unlock()
	mu.Lock()
	require.Len(t, updates, 1)
	mu.Unlock()
}

func TestRunCancelledBeforeFirstTick(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []step{{payload: ingest.Payload{"status": "pending"}}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := newPoller(fetcher, ledger.New(nil), nil).Run(ctx, Job{ID: "job-c"})
	require.Equal(t, ResultCancelled, out.Result)
	require.Zero(t, fetcher.Calls())
}

func TestRunMaxDuration(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{steps: []step{{payload: ingest.Payload{"status": "pending"}}}}
	led := ledger.New(nil)
	p := New(Config{
		Fetcher:     fetcher,
		Ledger:      led,
		Interval:    testInterval,
		MaxDuration: 30 * time.Millisecond,
	})

	out := p.Run(context.Background(), Job{ID: "job-t"})
	require.Equal(t, ResultFailed, out.Result)
	require.Equal(t, ingest.FailureTimeout, out.Err.Kind)

	rec, err := led.Get("job-t")
	require.NoError(t, err)
	require.Equal(t, ingest.JobStatusFailed, rec.Status)
	require.Equal(t, "polling timed out", rec.Error)
}

func TestRunRequestTimeout(t *testing.T) {
	t.Parallel()

	fetcher := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	p := New(Config{
		Fetcher:        fetcher,
		Interval:       testInterval,
		RequestTimeout: 20 * time.Millisecond,
	})
	out := p.Run(context.Background(), Job{ID: "job-h"})
	require.Equal(t, ResultFailed, out.Result)
	require.Equal(t, ingest.FailurePollTransport, out.Err.Kind)
	require.Equal(t, "status request timed out", out.Err.Message)
}
