// Package metrics collects and exposes orchestrator observability data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-reconciler counters) for a
//     lightweight JSON /metrics endpoint.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// # Concurrency — hot path
//
// RecordTick is called by every reconciler's Tick method on every pass and
// must be as fast as possible. It uses atomic increments for global
// counters; the per-reconciler ReconcilerMetrics struct also uses atomic
// operations exclusively, and the sync.Map that stores the per-reconciler
// entries is read-heavy and write-once-per-new-reconciler-name, the ideal
// use case for sync.Map.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects and exposes orchestrator runtime metrics.
type Metrics struct {
	TotalTicks  atomic.Int64
	TickErrors  atomic.Int64
	ScaleUps    atomic.Int64
	ScaleDowns  atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Webhook delivery metrics
	WebhookAttempts atomic.Int64
	WebhookFailures atomic.Int64

	// Per-reconciler metrics
	reconcilerMetrics sync.Map // reconciler name -> *ReconcilerMetrics

	startTime time.Time
}

// ReconcilerMetrics tracks metrics for a single reconciler (node, scaleset,
// pool, task, job, or proxy).
type ReconcilerMetrics struct {
	Ticks   atomic.Int64
	Errors  atomic.Int64
	TotalMs atomic.Int64
	MinMs   atomic.Int64
	MaxMs   atomic.Int64
}

// Global metrics instance
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordTick records one reconciler tick outcome on the global metrics
// instance — the entry point reconciler Tick methods call directly.
func RecordTick(reconciler string, durationMs int64, success bool) {
	global.RecordTick(reconciler, durationMs, success)
}

// RecordTick records one reconciler tick outcome.
func (m *Metrics) RecordTick(reconciler string, durationMs int64, success bool) {
	m.TotalTicks.Add(1)
	if !success {
		m.TickErrors.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	rm := m.getReconcilerMetrics(reconciler)
	rm.Ticks.Add(1)
	if !success {
		rm.Errors.Add(1)
	}
	rm.TotalMs.Add(durationMs)
	updateMin(&rm.MinMs, durationMs)
	updateMax(&rm.MaxMs, durationMs)

	RecordPrometheusTick(reconciler, durationMs, success)
}

// RecordScaleDecision records an autoscaler scale-up or scale-down.
func (m *Metrics) RecordScaleDecision(poolName string, up bool) {
	if up {
		m.ScaleUps.Add(1)
	} else {
		m.ScaleDowns.Add(1)
	}
	direction := "down"
	if up {
		direction = "up"
	}
	RecordAutoscaleDecision(poolName, direction)
}

// RecordWebhookAttempt records one webhook delivery attempt.
func (m *Metrics) RecordWebhookAttempt(webhookID string, success bool) {
	m.WebhookAttempts.Add(1)
	if !success {
		m.WebhookFailures.Add(1)
	}
	RecordPrometheusWebhookAttempt(webhookID, success)
}

func (m *Metrics) getReconcilerMetrics(reconciler string) *ReconcilerMetrics {
	if v, ok := m.reconcilerMetrics.Load(reconciler); ok {
		return v.(*ReconcilerMetrics)
	}

	rm := &ReconcilerMetrics{}
	rm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.reconcilerMetrics.LoadOrStore(reconciler, rm)
	return actual.(*ReconcilerMetrics)
}

// GetReconcilerMetrics returns the metrics for a specific reconciler (or
// nil if none recorded yet).
func (m *Metrics) GetReconcilerMetrics(reconciler string) *ReconcilerMetrics {
	if v, ok := m.reconcilerMetrics.Load(reconciler); ok {
		return v.(*ReconcilerMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalTicks.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"ticks": map[string]interface{}{
			"total":  total,
			"errors": m.TickErrors.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"scale_decisions": map[string]interface{}{
			"up":   m.ScaleUps.Load(),
			"down": m.ScaleDowns.Load(),
		},
		"webhooks": map[string]interface{}{
			"attempts": m.WebhookAttempts.Load(),
			"failures": m.WebhookFailures.Load(),
		},
	}
}

// ReconcilerStats returns per-reconciler metrics.
func (m *Metrics) ReconcilerStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.reconcilerMetrics.Range(func(key, value interface{}) bool {
		name := key.(string)
		rm := value.(*ReconcilerMetrics)

		total := rm.Ticks.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(rm.TotalMs.Load()) / float64(total)
		}

		minMs := rm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[name] = map[string]interface{}{
			"ticks":  total,
			"errors": rm.Errors.Load(),
			"avg_ms": avgMs,
			"min_ms": minMs,
			"max_ms": rm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["reconcilers"] = m.ReconcilerStats()
		json.NewEncoder(w).Encode(result)
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
