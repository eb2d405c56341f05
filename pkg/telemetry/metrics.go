package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for the experiment engine. A Metrics
// built from a disabled config is a no-op.
type Metrics struct {
	config MetricsConfig

	// Scheduler and dispatch loop
	tasksScheduled prometheus.Counter
	tasksExecuted  *prometheus.CounterVec
	dispatchLag    prometheus.Histogram
	pendingJobs    prometheus.Gauge

	// Resource lifecycle
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	resourcesByState   *prometheus.GaugeVec
	resourceFailures   *prometheus.CounterVec
	conditionWait      *prometheus.HistogramVec

	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		tasksScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_scheduled_total",
			Help:      "Total number of tasks inserted into the scheduler",
		}),
		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of tasks executed by outcome",
			},
			[]string{"status"},
		),
		dispatchLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_dispatch_lag_seconds",
			Help:      "Delay between a task's timestamp and its dispatch",
			Buckets:   buckets,
		}),
		pendingJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_pending_jobs",
			Help:      "Jobs submitted to the worker pool and not yet finished",
		}),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_transitions_total",
				Help:      "Total number of resource state transitions",
			},
			[]string{"rtype", "state"},
		),
		transitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_transition_duration_seconds",
				Help:      "Time spent in resource lifecycle actions",
				Buckets:   buckets,
			},
			[]string{"rtype", "action"},
		),
		resourcesByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_by_state",
				Help:      "Current number of resources in each state",
			},
			[]string{"state"},
		),
		resourceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_failures_total",
				Help:      "Total number of resources that reached FAILED",
			},
			[]string{"rtype", "code"},
		),
		conditionWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "condition_wait_seconds",
				Help:      "Time resources spent blocked on START/STOP conditions",
				Buckets:   buckets,
			},
			[]string{"action"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of engine errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.tasksScheduled,
		m.tasksExecuted,
		m.dispatchLag,
		m.pendingJobs,
		m.transitions,
		m.transitionDuration,
		m.resourcesByState,
		m.resourceFailures,
		m.conditionWait,
		m.errorsByCode,
	)

	return m, nil
}

// Task metrics

// RecordTaskScheduled counts a task insertion.
func (m *Metrics) RecordTaskScheduled() {
	if m.tasksScheduled == nil {
		return
	}
	m.tasksScheduled.Inc()
}

// RecordTaskExecuted records a task outcome and how late it was dispatched.
func (m *Metrics) RecordTaskExecuted(status string, lag time.Duration) {
	if m.tasksExecuted == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(status).Inc()
	if lag < 0 {
		lag = 0
	}
	m.dispatchLag.Observe(lag.Seconds())
}

// SetPendingJobs sets the worker pool backlog.
func (m *Metrics) SetPendingJobs(n int) {
	if m.pendingJobs == nil {
		return
	}
	m.pendingJobs.Set(float64(n))
}

// Resource metrics

// RecordTransition records a resource moving from one state to another.
// An empty from state means the resource was just registered.
func (m *Metrics) RecordTransition(rtype, from, to string) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(rtype, to).Inc()
	if from != "" {
		m.resourcesByState.WithLabelValues(from).Dec()
	}
	m.resourcesByState.WithLabelValues(to).Inc()
}

// ObserveAction records how long a lifecycle action took.
func (m *Metrics) ObserveAction(rtype, action string, d time.Duration) {
	if m.transitionDuration == nil {
		return
	}
	m.transitionDuration.WithLabelValues(rtype, action).Observe(d.Seconds())
}

// RecordResourceFailure counts a resource entering FAILED.
func (m *Metrics) RecordResourceFailure(rtype, code string) {
	if m.resourceFailures == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.resourceFailures.WithLabelValues(rtype, code).Inc()
}

// ObserveConditionWait records time spent waiting on conditions.
func (m *Metrics) ObserveConditionWait(action string, d time.Duration) {
	if m.conditionWait == nil {
		return
	}
	m.conditionWait.WithLabelValues(action).Observe(d.Seconds())
}

// RecordError counts an error by code.
func (m *Metrics) RecordError(code string) {
	if m.errorsByCode == nil || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// Registry returns the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics. It returns
// immediately; serve errors are logged.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return nil
}

// StopMetricsServer shuts the metrics server down if it was started.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
