package config

import (
	"os"
	"strings"
)

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// LedgerMaxConflictRetries bounds how many times a ledger write is retried
// after losing an optimistic version check.
//
// Set via env:
// - LEDGER_MAX_CONFLICT_RETRIES=3
func LedgerMaxConflictRetries() int {
	n := intFromEnv("LEDGER_MAX_CONFLICT_RETRIES", 3)
	if n < 1 {
		return 1
	}
	return n
}

// RetroReplayBatchSize is the page size used when replaying historical sales.
func RetroReplayBatchSize() int {
	n := intFromEnv("RETRO_REPLAY_BATCH_SIZE", 500)
	if n < 1 {
		return 500
	}
	return n
}

// TransferSagaMode makes transfers post each leg in its own transaction and
// compensate the source leg when the destination leg fails.
// The default runs both legs in one database transaction.
//
// Set via env:
// - TRANSFER_MODE=saga
func TransferSagaMode() bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv("TRANSFER_MODE")), "saga")
}

// RequireDistributedLock fails ledger writes when the redis locker is unavailable
// instead of falling back to database row locks only.
func RequireDistributedLock() bool {
	return envBool("REQUIRE_DISTRIBUTED_LOCK")
}

func DebugTransfer() bool {
	return envBool("DEBUG_TRANSFER")
}

func DebugRecipeAdjustment() bool {
	return envBool("DEBUG_RECIPE_ADJUSTMENT")
}
