package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/activity-admission-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP surface, the coordinator,
// the write-back consumers and the scheduler. A nil *MetricsService is a valid no-op.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	admissions      *prometheus.CounterVec
	scriptDuration  *prometheus.HistogramVec
	publishFailures *prometheus.CounterVec
	writebacks      *prometheus.CounterVec
	schedulerTicks  prometheus.Counter
	provisioned     *prometheus.CounterVec
	schedulerErrors *prometheus.CounterVec
	republished     *prometheus.CounterVec
}

// NewMetricsService registers the collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	admissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_attempts_total",
		Help: "Admission attempts by kind and outcome",
	}, []string{"kind", "result"})

	scriptDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "admission_script_duration_seconds",
		Help:    "Latency of the atomic admission scripts",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"kind"})

	publishFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_publish_failures_total",
		Help: "Admitted events that could not be published to the write queue",
	}, []string{"topic"})

	writebacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "writeback_events_total",
		Help: "Write-back events by topic and result",
	}, []string{"topic", "result"})

	schedulerTicks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lifecycle_ticks_total",
		Help: "Lifecycle scheduler ticks executed",
	})

	provisioned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_provisioned_total",
		Help: "Coordination entries installed by the scheduler",
	}, []string{"kind"})

	schedulerErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_errors_total",
		Help: "Scheduler failures by stage",
	}, []string{"stage"})

	republished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_republished_total",
		Help: "Outbox entries republished by the reconciliation sweep",
	}, []string{"topic"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, admissions, scriptDuration, publishFailures,
		writebacks, schedulerTicks, provisioned, schedulerErrors, republished, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		admissions:      admissions,
		scriptDuration:  scriptDuration,
		publishFailures: publishFailures,
		writebacks:      writebacks,
		schedulerTicks:  schedulerTicks,
		provisioned:     provisioned,
		schedulerErrors: schedulerErrors,
		republished:     republished,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry returns the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordAdmission counts one coordinator decision. result is an AdmissionResult or "unavailable".
func (m *MetricsService) RecordAdmission(kind models.EventType, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(string(kind), result).Inc()
	m.scriptDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

// RecordPublishFailure counts an admitted event left for the reconciliation sweep.
func (m *MetricsService) RecordPublishFailure(topic string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(topic).Inc()
}

// RecordWriteBack counts one consumed event.
func (m *MetricsService) RecordWriteBack(topic, result string) {
	if m == nil {
		return
	}
	m.writebacks.WithLabelValues(topic, result).Inc()
}

// RecordSchedulerTick counts one lifecycle tick.
func (m *MetricsService) RecordSchedulerTick() {
	if m == nil {
		return
	}
	m.schedulerTicks.Inc()
}

// RecordProvisioned counts an installed ledger or geofence.
func (m *MetricsService) RecordProvisioned(kind string) {
	if m == nil {
		return
	}
	m.provisioned.WithLabelValues(kind).Inc()
}

// RecordSchedulerError counts a failure in the given scheduler stage.
func (m *MetricsService) RecordSchedulerError(stage string) {
	if m == nil {
		return
	}
	m.schedulerErrors.WithLabelValues(stage).Inc()
}

// RecordRepublished counts outbox entries pushed back onto the queue.
func (m *MetricsService) RecordRepublished(topic string) {
	if m == nil {
		return
	}
	m.republished.WithLabelValues(topic).Inc()
}
