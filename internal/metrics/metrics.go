package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigilo_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vigilo_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)

// Report lifecycle metrics
var (
	ReportsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigilo_reports_submitted_total",
		Help: "Total number of report tasks admitted to the queue",
	})

	ReportsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigilo_reports_completed_total",
		Help: "Total number of report tasks that completed successfully",
	})

	ReportsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigilo_reports_failed_total",
		Help: "Total number of report tasks that failed terminally",
	})

	ReportsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigilo_reports_rejected_total",
		Help: "Total number of report tasks rejected by an admin",
	})

	ReportsRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigilo_reports_requeued_total",
		Help: "Total number of retry re-enqueues after a failed attempt",
	})

	SelectionFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigilo_account_selection_failures_total",
		Help: "Total number of dispatch attempts that found no eligible account",
	})

	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vigilo_execution_duration_seconds",
		Help:    "Report execution call duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	ExecutionOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigilo_execution_outcomes_total",
		Help: "Execution outcomes by result",
	}, []string{"outcome"})
)

// Ledger metrics
var (
	LedgerTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigilo_ledger_transactions_total",
		Help: "Total number of ledger transactions appended, by kind",
	}, []string{"kind"})

	TokensReservedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigilo_tokens_reserved_total",
		Help: "Total tokens reserved for report tasks",
	})

	TokensRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigilo_tokens_refunded_total",
		Help: "Total tokens refunded from failed or rejected tasks",
	})

	TokensCreditedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigilo_tokens_credited_total",
		Help: "Total tokens credited from purchases and admin grants",
	})
)

// Account pool metrics
var (
	AccountsCooledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigilo_accounts_cooled_total",
		Help: "Total number of transitions into the cooling state",
	})

	AccountsBannedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigilo_accounts_banned_total",
		Help: "Total number of transitions into the banned state",
	})
)

// Bot and payment metrics
var (
	BotCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigilo_bot_commands_total",
		Help: "Total number of bot commands handled",
	}, []string{"command"})

	PurchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigilo_purchases_total",
		Help: "Total number of purchases by package and state",
	}, []string{"package", "state"})
)

// Event hub metrics
var (
	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigilo_events_dropped_total",
		Help: "Total number of events dropped on slow subscribers",
	})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigilo_ws_clients",
		Help: "Number of connected event-feed WebSocket clients",
	})
)

// State gauges (updated periodically by collector)
var (
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigilo_queue_depth",
		Help: "Number of tasks currently waiting for dispatch",
	})

	UsersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigilo_users_total",
		Help: "Total number of registered users",
	})

	TasksByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vigilo_tasks",
		Help: "Number of report tasks by state",
	}, []string{"state"})

	AccountsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vigilo_accounts",
		Help: "Number of reporting accounts by status",
	}, []string{"status"})

	PurchasesPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigilo_purchases_pending",
		Help: "Number of purchases awaiting confirmation",
	})
)

// NormalizePath reduces high-cardinality path labels by replacing dynamic
// segments with placeholders. This keeps the metric label space bounded.
func NormalizePath(path string) string {
	segments := splitPath(path)
	if len(segments) < 3 {
		return path
	}

	if segments[0] == "api" && segments[1] == "admin" {
		switch segments[2] {
		case "tasks":
			if len(segments) == 4 {
				return "/api/admin/tasks/:id"
			}
			if len(segments) == 5 {
				return "/api/admin/tasks/:id/" + segments[4]
			}
		case "accounts":
			if len(segments) == 4 {
				return "/api/admin/accounts/:id"
			}
			if len(segments) == 5 {
				return "/api/admin/accounts/:id/" + segments[4]
			}
		case "users":
			if len(segments) == 4 {
				return "/api/admin/users/:id"
			}
		}
	}

	return path
}

func splitPath(path string) []string {
	// Skip leading slash
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	// Split on /
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}
