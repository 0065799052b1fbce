package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accounts_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accounts_http_request_duration_seconds",
			Help:    "Time taken to serve HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accounts_login_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"result"},
	)

	Registrations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "accounts_registrations_total",
			Help: "Total number of successful registrations",
		},
	)

	SessionOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accounts_session_operations_total",
			Help: "Session store operations",
		},
		[]string{"op", "result"},
	)

	VaultRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accounts_vault_secret_refreshes_total",
			Help: "Vault secret refresh attempts",
		},
		[]string{"result"},
	)

	NicknameCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accounts_legacy_nickname_cache_total",
			Help: "Legacy nickname cache lookups",
		},
		[]string{"result"},
	)

	StartupStepDuration = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "accounts_startup_step_duration_seconds",
			Help: "Duration of each application startup step",
		},
		[]string{"step"},
	)
)
