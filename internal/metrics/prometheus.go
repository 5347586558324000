package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for orchestrator metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Reconciler tick counters/histograms
	ticksTotal       *prometheus.CounterVec
	tickErrorsTotal  *prometheus.CounterVec
	tickDuration     *prometheus.HistogramVec

	// Gauges
	uptime         prometheus.GaugeFunc
	entitiesByState *prometheus.GaugeVec

	// Autoscaling
	autoscaleDesiredSize    *prometheus.GaugeVec
	autoscaleDecisionsTotal *prometheus.CounterVec

	// Queues
	queueDepth       *prometheus.GaugeVec
	shrinkQueueDepth *prometheus.GaugeVec

	// Webhooks
	webhookAttemptsTotal *prometheus.CounterVec
	webhookDuration      *prometheus.HistogramVec
}

// Default histogram buckets for reconciler tick duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		ticksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_ticks_total",
				Help:      "Total number of reconciler tick passes",
			},
			[]string{"reconciler"},
		),

		tickErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_errors_total",
				Help:      "Total number of reconciler tick errors",
			},
			[]string{"reconciler"},
		),

		tickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_milliseconds",
				Help:      "Duration of a reconciler tick pass in milliseconds",
				Buckets:   buckets,
			},
			[]string{"reconciler"},
		),

		entitiesByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "entities_by_state",
				Help:      "Current entity count by kind and state",
			},
			[]string{"kind", "state"},
		),

		autoscaleDesiredSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "autoscale_desired_size",
				Help:      "Current desired scaleset size set by the autoscaler",
			},
			[]string{"pool"},
		),

		autoscaleDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "autoscale_decisions_total",
				Help:      "Total auto-scaling decisions",
			},
			[]string{"pool", "direction"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current named-queue depth",
			},
			[]string{"queue"},
		),

		shrinkQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "shrink_queue_depth",
				Help:      "Current shrink-queue token count by scope",
			},
			[]string{"scope_kind", "scope_id"},
		),

		webhookAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_delivery_attempts_total",
				Help:      "Total webhook delivery attempts by result",
			},
			[]string{"webhook", "result"},
		),

		webhookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "webhook_delivery_duration_milliseconds",
				Help:      "Duration of a webhook delivery attempt in milliseconds",
				Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"webhook"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the orchestrator daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.ticksTotal,
		pm.tickErrorsTotal,
		pm.tickDuration,
		pm.uptime,
		pm.entitiesByState,
		pm.autoscaleDesiredSize,
		pm.autoscaleDecisionsTotal,
		pm.queueDepth,
		pm.shrinkQueueDepth,
		pm.webhookAttemptsTotal,
		pm.webhookDuration,
	)

	promMetrics = pm
}

// RecordPrometheusTick records a reconciler tick outcome in Prometheus.
func RecordPrometheusTick(reconciler string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	promMetrics.ticksTotal.WithLabelValues(reconciler).Inc()
	if !success {
		promMetrics.tickErrorsTotal.WithLabelValues(reconciler).Inc()
	}
	promMetrics.tickDuration.WithLabelValues(reconciler).Observe(float64(durationMs))
}

// SetEntitiesByState sets the current entity gauge for one kind/state pair.
func SetEntitiesByState(kind, state string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.entitiesByState.WithLabelValues(kind, state).Set(float64(count))
}

// SetAutoscaleDesiredSize sets the desired-size gauge for a pool.
func SetAutoscaleDesiredSize(poolName string, desired int) {
	if promMetrics == nil {
		return
	}
	promMetrics.autoscaleDesiredSize.WithLabelValues(poolName).Set(float64(desired))
}

// RecordAutoscaleDecision records an autoscale decision.
func RecordAutoscaleDecision(poolName, direction string) {
	if promMetrics == nil {
		return
	}
	promMetrics.autoscaleDecisionsTotal.WithLabelValues(poolName, direction).Inc()
}

// SetQueueDepth sets the queue depth gauge for a named queue.
func SetQueueDepth(queueName string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(queueName).Set(float64(depth))
}

// SetShrinkQueueDepth sets the shrink-queue token count gauge for a scope.
func SetShrinkQueueDepth(scopeKind, scopeID string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.shrinkQueueDepth.WithLabelValues(scopeKind, scopeID).Set(float64(depth))
}

// RecordPrometheusWebhookAttempt records a webhook delivery attempt.
func RecordPrometheusWebhookAttempt(webhookID string, success bool) {
	if promMetrics == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	promMetrics.webhookAttemptsTotal.WithLabelValues(webhookID, result).Inc()
}

// RecordWebhookDuration records how long a webhook delivery attempt took.
func RecordWebhookDuration(webhookID string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.webhookDuration.WithLabelValues(webhookID).Observe(float64(durationMs))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
