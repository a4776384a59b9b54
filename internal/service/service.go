// Package service validates requests, opens one ledger transaction per call
// and runs exactly one domain engine inside it.
package service

import (
	"fmt"
	"time"

	"progression-engine/internal/apperr"
	"progression-engine/internal/domain"
)

func checkSuspended(state *domain.PlayerState, now time.Time) error {
	if sus, ok := state.SuspendedAt(now); ok {
		return apperr.New(apperr.KindSuspended,
			fmt.Sprintf("account suspended until %s: %s", sus.Until.Format(time.RFC3339), sus.Reason))
	}
	return nil
}

func required(fields ...[2]string) error {
	for _, f := range fields {
		if f[1] == "" {
			return apperr.Validation(f[0] + " is required")
		}
	}
	return nil
}
