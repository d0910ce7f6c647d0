package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lumaview/pageshot/internal/progress"
)

// PrometheusSink exports capture progress metrics via Prometheus. It owns all
// collectors for captures started/completed/running and per-site render
// counters.
type PrometheusSink struct {
	capturesStarted   prometheus.Counter
	capturesCompleted *prometheus.CounterVec
	capturesRunning   prometheus.Gauge
	captureRuntime    *prometheus.HistogramVec

	renders        *prometheus.CounterVec
	renderBytes    *prometheus.CounterVec
	renderDuration *prometheus.HistogramVec

	tracker *captureTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		capturesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pageshot_progress_captures_started_total",
			Help: "Total captures that have started.",
		}),
		capturesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pageshot_progress_captures_completed_total",
			Help: "Total captures completed partitioned by result.",
		}, []string{"result"}),
		capturesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pageshot_progress_captures_running",
			Help: "Current number of running captures.",
		}),
		captureRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pageshot_progress_capture_runtime_seconds",
			Help:    "Wall time per completed capture.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"result"}),
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pageshot_progress_renders_total",
			Help: "Render completions partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		renderBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pageshot_progress_render_bytes_total",
			Help: "Screenshot bytes produced per site.",
		}, []string{"site"}),
		renderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pageshot_progress_render_duration_seconds",
			Help:    "Render duration partitioned by site and status class.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"site", "status_class"}),
		tracker: newCaptureTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.capturesStarted,
		s.capturesCompleted,
		s.capturesRunning,
		s.captureRuntime,
		s.renders,
		s.renderBytes,
		s.renderDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
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
	switch evt.Stage {
	case progress.StageCaptureStart, progress.StageCaptureDone, progress.StageCaptureError:
		s.handleCaptureEvent(evt)
	case progress.StageRenderDone:
		s.handleRenderEvent(evt)
	}
}

func (s *PrometheusSink) handleCaptureEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCaptureStart:
		s.capturesStarted.Inc()
		if s.tracker.start(evt.CaptureID) {
			s.capturesRunning.Inc()
		}
	case progress.StageCaptureDone:
		s.capturesCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageCaptureError:
		s.capturesCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageCaptureStart && s.tracker.complete(evt.CaptureID) {
		s.capturesRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.captureRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleRenderEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.renders.WithLabelValues(site, statusClass).Inc()
	if evt.Bytes > 0 {
		s.renderBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.renderDuration.WithLabelValues(site, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type captureTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newCaptureTracker() *captureTracker {
	return &captureTracker{running: make(map[[16]byte]struct{})}
}

func (t *captureTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *captureTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
