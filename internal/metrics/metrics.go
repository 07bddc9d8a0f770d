// Package metrics provides Prometheus instrumentation for the signal bot.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsStarted counts tracking sessions created.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "csb_sessions_started_total",
		Help: "Total tracking sessions started",
	})

	// SessionsFinished counts terminal transitions, partitioned by outcome.
	SessionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csb_sessions_finished_total",
		Help: "Total tracking sessions finished",
	}, []string{"outcome"})

	// RoundsChecked counts evaluated rounds, partitioned by result.
	RoundsChecked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csb_rounds_checked_total",
		Help: "Total rounds evaluated",
	}, []string{"result"})

	// QuoteErrors counts failed candle fetches.
	QuoteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "csb_quote_errors_total",
		Help: "Total failed quote fetches",
	})

	// ActiveSessions tracks sessions currently in the tracking state.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "csb_active_sessions",
		Help: "Number of sessions currently tracking",
	})

	// PaymentsCreated counts pending payments created.
	PaymentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "csb_payments_created_total",
		Help: "Total pending payments created",
	})

	// PaymentsResolved counts payment terminal transitions by outcome.
	PaymentsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csb_payments_resolved_total",
		Help: "Total payments resolved",
	}, []string{"outcome"})

	// EventsProcessed counts inbound bank events by outcome.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csb_payment_events_total",
		Help: "Total inbound payment events processed",
	}, []string{"outcome"})

	// CreditsGranted counts ledger credits granted via reconciliation.
	CreditsGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "csb_credits_granted_total",
		Help: "Total credits granted through payment reconciliation",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "csb_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
