package metrics

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditwallet/internal/billing"
	"github.com/MarkoPoloResearchLab/creditwallet/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditwallet_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creditwallet_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	SpendDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditwallet_spend_decisions_total",
			Help: "Gated action checks by decision reason",
		},
		[]string{"action_type", "reason"},
	)

	CommitFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditwallet_commit_failures_total",
			Help: "Gated action commits that failed after the protected operation succeeded",
		},
		[]string{"action_type"},
	)

	LedgerAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditwallet_ledger_appends_total",
			Help: "Standalone ledger appends by entry type and status",
		},
		[]string{"entry_type", "status"},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditwallet_webhook_events_total",
			Help: "Payment provider webhook events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	CycleResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditwallet_cycle_resets_total",
			Help: "Billing cycle resets by status",
		},
		[]string{"status"},
	)

	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditwallet_operations_total",
			Help: "Other wallet operations by status",
		},
		[]string{"operation", "status"},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordDecision(actionType, reason string) {
	SpendDecisionsTotal.WithLabelValues(actionType, reason).Inc()
}

func RecordCommitFailure(actionType string) {
	CommitFailuresTotal.WithLabelValues(actionType).Inc()
}

func RecordAppend(entryType, status string) {
	LedgerAppendsTotal.WithLabelValues(entryType, status).Inc()
}

func RecordWebhookEvent(eventType, outcome string) {
	if eventType == "" {
		eventType = "unparsed"
	}
	WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func RecordCycleReset(status string) {
	CycleResetsTotal.WithLabelValues(status).Inc()
}

// OperationRecorder turns OperationLog entries into counter increments.
type OperationRecorder struct{}

func (OperationRecorder) LogOperation(_ context.Context, entry ledger.OperationLog) {
	switch entry.Operation {
	case ledger.OperationCheck:
		if entry.Error == nil {
			RecordDecision(entry.ActionType.String(), entry.Subject)
		}
	case ledger.OperationCommit:
		if entry.Error != nil {
			RecordCommitFailure(entry.ActionType.String())
		}
		OperationsTotal.WithLabelValues(entry.Operation, entry.Status).Inc()
	case ledger.OperationAppend:
		RecordAppend(entry.Subject, entry.Status)
	case billing.OperationWebhook:
		RecordWebhookEvent(entry.Subject, entry.Status)
	case billing.OperationCycleReset:
		RecordCycleReset(entry.Status)
	default:
		OperationsTotal.WithLabelValues(entry.Operation, entry.Status).Inc()
	}
}
