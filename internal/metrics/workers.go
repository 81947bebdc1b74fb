// Package metrics provides Prometheus metrics for supervised workers.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ceetaro/Suitkaise-sub005/pkg/processing"
)

var statuses = []processing.Status{
	processing.StatusCreated,
	processing.StatusStarting,
	processing.StatusRunning,
	processing.StatusStopping,
	processing.StatusFinished,
	processing.StatusCrashed,
	processing.StatusKilled,
}

// WorkerMetrics holds the current values for one worker.
type WorkerMetrics struct {
	Status        processing.Status `json:"status"`
	Restarts      int               `json:"restarts"`
	Laps          int               `json:"laps"`
	LastLap       time.Duration     `json:"last_lap"`
	SectionErrors int               `json:"section_errors"`
	Timeouts      int               `json:"timeouts"`
}

// Exporter implements processing.Metrics on top of Prometheus collectors
// registered with its own Registerer.
type Exporter struct {
	status        *prometheus.GaugeVec
	transitions   *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	laps          *prometheus.HistogramVec
	sectionErrors *prometheus.CounterVec

	// Local cache for API readers.
	mu    sync.RWMutex
	cache map[string]*WorkerMetrics
}

// NewExporter registers the worker collectors with reg under namespace.
func NewExporter(namespace string, reg prometheus.Registerer) *Exporter {
	factory := promauto.With(reg)
	return &Exporter{
		status: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "status",
			Help:      "1 for the current status of a worker, 0 otherwise",
		}, []string{"key", "status"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "transitions_total",
			Help:      "Status transitions by target status",
		}, []string{"status"}),

		restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Automatic restarts after a crash",
		}, []string{"key"}),

		laps: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "lap_seconds",
			Help:      "Duration of one timed iteration",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"key"}),

		sectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "section_errors_total",
			Help:      "Failed or timed out lifecycle sections",
		}, []string{"key", "section", "reason"}),

		cache: make(map[string]*WorkerMetrics),
	}
}

// RecordStatus implements processing.Metrics.
func (e *Exporter) RecordStatus(key string, status processing.Status) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		e.status.WithLabelValues(key, string(s)).Set(v)
	}
	e.transitions.WithLabelValues(string(status)).Inc()
	e.update(key, func(m *WorkerMetrics) { m.Status = status })
}

// RecordRestart implements processing.Metrics.
func (e *Exporter) RecordRestart(key string) {
	e.restarts.WithLabelValues(key).Inc()
	e.update(key, func(m *WorkerMetrics) { m.Restarts++ })
}

// RecordLap implements processing.Metrics.
func (e *Exporter) RecordLap(key string, lap time.Duration) {
	e.laps.WithLabelValues(key).Observe(lap.Seconds())
	e.update(key, func(m *WorkerMetrics) {
		m.Laps++
		m.LastLap = lap
	})
}

// RecordSectionError implements processing.Metrics.
func (e *Exporter) RecordSectionError(key string, section processing.Section, timeout bool) {
	reason := "error"
	if timeout {
		reason = "timeout"
	}
	e.sectionErrors.WithLabelValues(key, string(section), reason).Inc()
	e.update(key, func(m *WorkerMetrics) {
		m.SectionErrors++
		if timeout {
			m.Timeouts++
		}
	})
}

// Forget removes all per-worker series of key.
func (e *Exporter) Forget(key string) {
	labels := prometheus.Labels{"key": key}
	e.status.DeletePartialMatch(labels)
	e.restarts.DeletePartialMatch(labels)
	e.laps.DeletePartialMatch(labels)
	e.sectionErrors.DeletePartialMatch(labels)

	e.mu.Lock()
	delete(e.cache, key)
	e.mu.Unlock()
}

// Get returns current values for key, or nil if nothing was recorded.
func (e *Exporter) Get(key string) *WorkerMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if m, ok := e.cache[key]; ok {
		dup := *m
		return &dup
	}
	return nil
}

// All returns current values for every worker.
func (e *Exporter) All() map[string]*WorkerMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	result := make(map[string]*WorkerMetrics, len(e.cache))
	for key, m := range e.cache {
		dup := *m
		result[key] = &dup
	}
	return result
}

func (e *Exporter) update(key string, fn func(*WorkerMetrics)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.cache[key]
	if !ok {
		m = &WorkerMetrics{}
		e.cache[key] = m
	}
	fn(m)
}

var _ processing.Metrics = (*Exporter)(nil)
