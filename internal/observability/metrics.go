package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubscriptionsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bus_ticketing", Name: "subscriptions_created_total", Help: "Total subscriptions created"})
	SubscriptionsEnded   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bus_ticketing", Name: "subscriptions_ended_total", Help: "Total subscriptions ended"},
		[]string{"cause"}, // unsubscribed, canceled, admin_removed, replaced
	)
	PaymentsConfirmed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bus_ticketing", Name: "payments_confirmed_total", Help: "Total payment confirmations"})

	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bus_ticketing", Name: "scans_total", Help: "Total ticket scans by result"},
		[]string{"result"},
	)
	ScanLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "bus_ticketing", Name: "scan_latency_seconds", Help: "Scan validation latency seconds"})

	RosterRepairs = promauto.NewCounter(prometheus.CounterOpts{Namespace: "bus_ticketing", Name: "roster_repairs_total", Help: "Roster entries dropped or re-synced by reconcile"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "bus_ticketing", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bus_ticketing",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
