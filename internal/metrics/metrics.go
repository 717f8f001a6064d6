// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QRValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facer",
		Name:      "qr_validations_total",
		Help:      "QR payload validations by reason (valid, malformed, unknown_token, expired).",
	}, []string{"reason"})

	FaceVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facer",
		Name:      "face_verifications_total",
		Help:      "Face verifications by outcome.",
	}, []string{"outcome"})

	AttendanceCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facer",
		Name:      "attendance_commits_total",
		Help:      "Attendance commit calls by resulting status.",
	}, []string{"status"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facer",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facer",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "code"})

	SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "facer",
		Name:      "sessions_closed_total",
		Help:      "Sessions moved to closed by the expiry sweeper.",
	})
)
