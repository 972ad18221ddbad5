// Package normalize folds the numeric samples found in a status payload into
// bounded integer percentages for each job phase.
package normalize

import (
	"math"
	"strings"

	"github.com/JakeFAU/ingest-progress/internal/discovery"
	"github.com/JakeFAU/ingest-progress/internal/ingest"
)

// DefaultInsertionKeys are the candidate field names searched for
// insertion-phase signals.
var DefaultInsertionKeys = []string{
	"insert_percent",
	"insert_progress",
	"inserted",
	"inserted_count",
	"total_records",
	"total",
	"records_total",
	"records_processed",
	"progress",
}

// fallbackKeys are read from the top level, in priority order, when no
// discovered sample produced a percentage.
var fallbackKeys = []string{"insert_percent", "insert_progress", "progress"}

// Insertion is the derived insertion-phase progress.
type Insertion struct {
	Percent       int
	InsertedCount *int64
	InsertTotal   *int64
}

// Progress is the normalized view of one status payload.
type Progress struct {
	Status ingest.JobStatus
	// Known is false when the payload status was missing or unrecognized.
	Known     bool
	Intake    int
	Insertion Insertion
}

// Normalizer derives phase percentages from status payloads.
type Normalizer struct {
	keys []string
}

// New builds a Normalizer searching the given candidate keys. With no keys the
// DefaultInsertionKeys are used.
func New(keys ...string) *Normalizer {
	if len(keys) == 0 {
		keys = DefaultInsertionKeys
	}
	return &Normalizer{keys: append([]string(nil), keys...)}
}

// Normalize reads status, intake and insertion progress from payload.
func (n *Normalizer) Normalize(payload ingest.Payload) Progress {
	raw, _ := discovery.String(payload, "status")
	status, known := ingest.ParseJobStatus(raw)
	out := Progress{Status: status, Known: known}
	if v, ok := discovery.TopLevel(payload, "percent"); ok {
		out.Intake = Percent(v)
	}
	out.Insertion = n.Insertion(payload, status)
	return out
}

// candidate tracks the winning sample for one semantic role. The shallowest
// sample wins; at equal depth the first one in traversal order is kept.
type candidate struct {
	set   bool
	value float64
	depth int
}

func (c *candidate) offer(value float64, depth int) {
	if c.set && depth >= c.depth {
		return
	}
	c.set = true
	c.value = value
	c.depth = depth
}

// Insertion derives the insertion percentage and optional counts. A job whose
// status is complete always reports 100.
func (n *Normalizer) Insertion(payload ingest.Payload, status ingest.JobStatus) Insertion {
	var percent, progress, completed, total candidate
	// Count-named samples ("inserted", "records_processed") are resolved once
	// it is known whether the payload carries a total to divide by.
	var counted []discovery.Sample

	for _, s := range discovery.Find(payload, n.keys...) {
		switch {
		case s.Key == "progress":
			if p, ok := Classify(s.Value); ok {
				progress.offer(p, s.Depth)
			}
		case strings.Contains(s.Key, "total"):
			if s.Value >= 0 {
				total.offer(s.Value, s.Depth)
			}
		case strings.Contains(s.Key, "insert") || strings.Contains(s.Key, "processed"):
			if !percentLike(s.Key) {
				counted = append(counted, s)
				continue
			}
			if p, ok := Classify(s.Value); ok {
				percent.offer(p, s.Depth)
			} else if s.Value > 100 && isCount(s.Value) {
				completed.offer(s.Value, s.Depth)
			}
		}
	}

	for _, s := range counted {
		if total.set && isCount(s.Value) {
			completed.offer(s.Value, s.Depth)
			continue
		}
		if p, ok := Classify(s.Value); ok {
			percent.offer(p, s.Depth)
		} else if isCount(s.Value) {
			completed.offer(s.Value, s.Depth)
		}
	}

	derived, found := 0.0, false
	switch {
	case progress.set:
		derived, found = progress.value, true
	case percent.set:
		derived, found = percent.value, true
	case completed.set && total.set && total.value > 0:
		derived, found = completed.value/total.value*100, true
	}
	if !found {
		for _, key := range fallbackKeys {
			v, ok := discovery.TopLevel(payload, key)
			if !ok {
				continue
			}
			if p, ok := Classify(v); ok {
				derived = p
				break
			}
		}
	}

	out := Insertion{Percent: clamp(derived)}
	if completed.set {
		out.InsertedCount = count(completed.value)
	}
	if total.set {
		out.InsertTotal = count(total.value)
	}
	if status == ingest.JobStatusComplete && out.Percent < 100 {
		out.Percent = 100
	}
	return out
}

// Classify interprets a percent-like value: (0,1] is a fraction, (1,100] is
// already a percentage. Anything else is not a percentage.
func Classify(v float64) (float64, bool) {
	switch {
	case v > 0 && v <= 1:
		return v * 100, true
	case v > 1 && v <= 100:
		return v, true
	default:
		return 0, false
	}
}

// Percent converts a single top-level percent field (fraction or 0-100) into
// a rounded percentage clamped to [0,100].
func Percent(v float64) int {
	if v > 0 && v <= 1 {
		v *= 100
	}
	return clamp(v)
}

func percentLike(key string) bool {
	return strings.Contains(key, "percent") || strings.Contains(key, "progress")
}

// isCount reports whether v can be a record count: a non-negative whole number.
func isCount(v float64) bool {
	return v >= 0 && v == math.Trunc(v)
}

func clamp(v float64) int {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 100 {
		return 100
	}
	return int(math.Round(v))
}

func count(v float64) *int64 {
	n := int64(math.Round(v))
	return &n
}
