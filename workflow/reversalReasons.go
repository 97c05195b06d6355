package workflow

// Standardized reasons for reversals and compensations.
// These are human-readable strings stored in stock_movements.notes.
const (
	ReversalReasonRetroactiveRepair  = "Retroactive adjustment repair"
	ReversalReasonOperatorCorrection = "Manual stock movement reversal"
)
