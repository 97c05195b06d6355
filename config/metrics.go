package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StockMovementsTotal counts posted movements.
	// Labels: type (movement type), retroactive (true, false)
	StockMovementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stock",
		Subsystem: "ledger",
		Name:      "movements_total",
		Help:      "Total stock movements posted",
	}, []string{"type", "retroactive"})

	// LedgerConflictRetries counts optimistic version conflicts that triggered a retry.
	LedgerConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stock",
		Subsystem: "ledger",
		Name:      "conflict_retries_total",
		Help:      "Ledger writes retried after a version conflict",
	})

	// TransferCompensations counts saga compensations.
	// Labels: outcome (compensated, failed)
	TransferCompensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stock",
		Subsystem: "transfer",
		Name:      "compensations_total",
		Help:      "Transfer source legs compensated after a destination failure",
	}, []string{"outcome"})

	// RecipeAdjustmentRuns counts retroactive recipe adjustment runs by final status.
	RecipeAdjustmentRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stock",
		Subsystem: "recipe",
		Name:      "adjustment_runs_total",
		Help:      "Retroactive recipe adjustment runs by outcome",
	}, []string{"status"})

	LedgerWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stock",
		Subsystem: "ledger",
		Name:      "write_duration_seconds",
		Help:      "Latency of a ledger write including retries",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"operation"})
)
