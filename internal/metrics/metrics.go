// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrattend_scans_total",
		Help: "Scan attempts by decision and rejection reason.",
	}, []string{"decision", "reason"})

	SuspiciousScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_suspicious_scans_total",
		Help: "Scan attempts flagged by the device anomaly detector.",
	})

	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_sessions_created_total",
		Help: "Attendance sessions created.",
	})

	SessionsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_sessions_completed_total",
		Help: "Attendance sessions completed.",
	})

	AlertsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrattend_alerts_published_total",
		Help: "Anomaly alerts handed to the queue, by result.",
	}, []string{"result"})

	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qrattend_scan_duration_seconds",
		Help:    "Time spent verifying a scan.",
		Buckets: prometheus.DefBuckets,
	})
)

// ObserveScan records one verified scan. reason is empty for accepted scans.
func ObserveScan(decision, reason string, suspicious bool, started time.Time) {
	if reason == "" {
		reason = "none"
	}
	ScansTotal.WithLabelValues(decision, reason).Inc()
	if suspicious {
		SuspiciousScansTotal.Inc()
	}
	ScanDuration.Observe(time.Since(started).Seconds())
}

// AlertPublished records the result of handing an alert to the queue.
func AlertPublished(err error) {
	if err != nil {
		AlertsPublishedTotal.WithLabelValues("error").Inc()
		return
	}
	AlertsPublishedTotal.WithLabelValues("ok").Inc()
}
