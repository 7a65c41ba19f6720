package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/pncp-monitor/internal/progress"
)

// PrometheusSink exports collection progress via Prometheus. It owns the run
// lifecycle collectors and the per-region page/record counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	pagesFetched   *prometheus.CounterVec
	recordsScanned *prometheus.CounterVec
	recordsStored  *prometheus.CounterVec
	regionFailures *prometheus.CounterVec
	pageDuration   prometheus.Histogram

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pncp_collection_runs_started_total",
			Help: "Total collection runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pncp_collection_runs_completed_total",
			Help: "Total collection runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pncp_collection_runs_running",
			Help: "Current number of running collections.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pncp_collection_run_duration_seconds",
			Help:    "Wall time per completed collection run.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"result"}),
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pncp_pages_fetched_total",
			Help: "Upstream pages fetched per region.",
		}, []string{"region"}),
		recordsScanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pncp_records_scanned_total",
			Help: "Raw procurement payloads received per region.",
		}, []string{"region"}),
		recordsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pncp_records_relevant_total",
			Help: "Relevant procurement records persisted per region.",
		}, []string{"region"}),
		regionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pncp_region_failures_total",
			Help: "Regions aborted by an upstream failure.",
		}, []string{"region"}),
		pageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pncp_page_fetch_duration_seconds",
			Help:    "Upstream page fetch latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.pagesFetched,
		s.recordsScanned,
		s.recordsStored,
		s.regionFailures,
		s.pageDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		s.finishRun(evt, "success")
	case progress.StageRunError:
		s.finishRun(evt, "error")
	case progress.StagePageDone:
		s.pagesFetched.WithLabelValues(evt.Region).Inc()
		s.recordsScanned.WithLabelValues(evt.Region).Add(float64(evt.Records))
		if evt.Relevant > 0 {
			s.recordsStored.WithLabelValues(evt.Region).Add(float64(evt.Relevant))
		}
		if evt.Dur > 0 {
			s.pageDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageRegionError:
		s.regionFailures.WithLabelValues(evt.Region).Inc()
	}
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
