package config

import (
	"os"
	"strings"
)

// ReverseCancellationEnabled allows a payout match that arrives after a
// cancellation was processed to promote cancelled -> cancelled_with_payout
// and restore host earnings to the matched sum.
//
// Set via env:
// - REVERSE_CANCELLATION_TRANSITION=true (default true)
func ReverseCancellationEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("REVERSE_CANCELLATION_TRANSITION")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// MoneyUpliftPercent is the minimum relative increase a non-authoritative
// event must carry before it may overwrite an existing money value.
//
// Set via env:
// - MERGE_MONEY_UPLIFT_PERCENT=10
func MoneyUpliftPercent() int {
	return intFromEnv("MERGE_MONEY_UPLIFT_PERCENT", 10)
}
