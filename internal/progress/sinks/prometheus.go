package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/realtime-process-hub/internal/progress"
)

// PrometheusSink exports process lifecycle metrics via Prometheus. It owns
// the collectors for registered, finished and running processes.
type PrometheusSink struct {
	registered *prometheus.CounterVec
	finished   *prometheus.CounterVec
	running    prometheus.Gauge
	runtime    *prometheus.HistogramVec
	updates    prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		registered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "processhub_processes_registered_total",
			Help: "Processes registered, partitioned by type.",
		}, []string{"type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "processhub_processes_finished_total",
			Help: "Processes that left in-progress, partitioned by type and result.",
		}, []string{"type", "result"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "processhub_processes_running",
			Help: "Current number of in-progress processes.",
		}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "processhub_process_runtime_seconds",
			Help:    "Wall time from registration to completion or failure.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "processhub_process_updates_total",
			Help: "Progress updates delivered to sinks; updates superseded within one batch are folded.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.registered,
		s.finished,
		s.running,
		s.runtime,
		s.updates,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register lifecycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	kind := evt.Kind
	if kind == "" {
		kind = "unknown"
	}
	switch evt.Stage {
	case progress.StageRegistered:
		s.registered.WithLabelValues(kind).Inc()
		if s.tracker.start(evt.RunKey()) {
			s.running.Inc()
		}
		return
	case progress.StageUpdate:
		s.updates.Inc()
		return
	case progress.StageComplete:
		s.finish(evt, kind, "success")
	case progress.StageError:
		s.finish(evt, kind, "error")
	case progress.StageTimeout:
		s.finish(evt, kind, "timeout")
	case progress.StageRemoved:
		// Removing an in-progress process cancels it.
		if s.tracker.running(evt.RunKey()) {
			s.finished.WithLabelValues(kind, "canceled").Inc()
		}
	}
	if s.tracker.complete(evt.RunKey()) {
		s.running.Dec()
	}
}

func (s *PrometheusSink) finish(evt progress.Event, kind, result string) {
	s.finished.WithLabelValues(kind, result).Inc()
	if evt.Dur > 0 {
		s.runtime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{inFlight: make(map[string]struct{})}
}

func (t *runTracker) start(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inFlight[key]; ok {
		return false
	}
	t.inFlight[key] = struct{}{}
	return true
}

func (t *runTracker) running(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inFlight[key]
	return ok
}

func (t *runTracker) complete(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inFlight[key]; !ok {
		return false
	}
	delete(t.inFlight, key)
	return true
}
