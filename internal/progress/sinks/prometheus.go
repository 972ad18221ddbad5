package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/ingest-progress/internal/progress"
)

// PrometheusSink exports upload and polling progress as Prometheus
// collectors.
type PrometheusSink struct {
	jobsStarted   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	polls         *prometheus.CounterVec
	pollDuration  prometheus.Histogram
	transferBytes prometheus.Counter
	transferSpeed prometheus.Gauge
	insertPercent prometheus.Gauge

	mu      sync.Mutex
	running map[string]struct{}
	// sent tracks the last cumulative byte count per file so the counter only
	// grows by deltas.
	sent map[string]int64
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_jobs_started_total",
			Help: "Ingestion jobs accepted by the backend.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_jobs_completed_total",
			Help: "Jobs that reached a terminal state, partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_jobs_running",
			Help: "Jobs currently being polled.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_job_runtime_seconds",
			Help:    "Wall time from job start to terminal state.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_polls_total",
			Help: "Status polls partitioned by reported job status.",
		}, []string{"status"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_poll_duration_seconds",
			Help:    "Latency of status requests.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		transferBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_transfer_bytes_total",
			Help: "Bytes uploaded to the backend.",
		}),
		transferSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_transfer_speed_bytes_per_second",
			Help: "Most recently measured upload rate.",
		}),
		insertPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_insert_percent",
			Help: "Insertion percentage reported by the most recent poll.",
		}),
		running: make(map[string]struct{}),
		sent:    make(map[string]int64),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.polls,
		s.pollDuration,
		s.transferBytes,
		s.transferSpeed,
		s.insertPercent,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageUploadStart:
		s.sent[evt.FileName] = 0
	case progress.StageTransfer:
		if delta := evt.Bytes - s.sent[evt.FileName]; delta > 0 {
			s.transferBytes.Add(float64(delta))
			s.sent[evt.FileName] = evt.Bytes
		}
		if evt.Speed > 0 {
			s.transferSpeed.Set(evt.Speed)
		}
	case progress.StageJobStart:
		delete(s.sent, evt.FileName)
		s.jobsStarted.Inc()
		if _, ok := s.running[evt.JobID]; !ok {
			s.running[evt.JobID] = struct{}{}
			s.jobsRunning.Inc()
		}
	case progress.StagePoll:
		s.polls.WithLabelValues(string(evt.Status)).Inc()
		s.insertPercent.Set(float64(evt.InsertPercent))
		if evt.Dur > 0 {
			s.pollDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageJobDone:
		s.finish(evt, "success")
	case progress.StageJobError:
		s.finish(evt, string(evt.Kind))
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.jobsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if _, ok := s.running[evt.JobID]; ok {
		delete(s.running, evt.JobID)
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
