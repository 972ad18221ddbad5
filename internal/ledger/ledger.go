// Package ledger keeps the ordered in-memory record of every job seen by a
// session, most recent first.
package ledger

import (
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/ingest-progress/internal/ingest"
)

// ErrNotFound is returned when a job id is not in the ledger.
var ErrNotFound = errors.New("job not found")

// Ledger is an ordered, id-unique collection of job records. It is safe for
// concurrent use.
type Ledger struct {
	mu    sync.RWMutex
	order []string
	jobs  map[string]*ingest.JobRecord
	clock func() time.Time
}

// New constructs an empty Ledger. A nil clock defaults to time.Now in UTC.
func New(clock ingest.Clock) *Ledger {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &Ledger{
		jobs:  make(map[string]*ingest.JobRecord),
		clock: now,
	}
}

// Upsert applies patch to the record with the given id. An existing record
// is updated in place and keeps its position; an unknown id creates a new
// record at the front. The updated record is returned.
func (l *Ledger) Upsert(id string, patch func(*ingest.JobRecord)) ingest.JobRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	rec, ok := l.jobs[id]
	if !ok {
		rec = &ingest.JobRecord{ID: id, Status: ingest.JobStatusPending, Created: now}
		l.jobs[id] = rec
		l.order = append([]string{id}, l.order...)
	}
	wasTerminal := rec.Status.IsTerminal()
	if patch != nil {
		patch(rec)
	}
	rec.ID = id
	rec.Updated = now
	if rec.Status.IsTerminal() && (!wasTerminal || rec.Finished == nil) {
		rec.Finished = pointerTime(now)
	}
	return cloneRecord(*rec)
}

// Get returns the record for id.
func (l *Ledger) Get(id string) (ingest.JobRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.jobs[id]
	if !ok {
		return ingest.JobRecord{}, ErrNotFound
	}
	return cloneRecord(*rec), nil
}

// List returns a copy of all records in display order.
func (l *Ledger) List() []ingest.JobRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ingest.JobRecord, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, cloneRecord(*l.jobs[id]))
	}
	return out
}

// Len reports the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Clear drops every record.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = nil
	l.jobs = make(map[string]*ingest.JobRecord)
}

func cloneRecord(rec ingest.JobRecord) ingest.JobRecord {
	rec.InsertedCount = cloneInt(rec.InsertedCount)
	rec.InsertTotal = cloneInt(rec.InsertTotal)
	if rec.Finished != nil {
		rec.Finished = pointerTime(*rec.Finished)
	}
	return rec
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
