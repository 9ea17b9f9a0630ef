package boarding

import (
	"context"
	"fmt"
	"time"
)

// Fixed tiers. Advance tiers are named by AdvanceTier.
const (
	TierFinal    = "final-10"
	TierLast     = "last-5"
	TierCheckIn  = "checkin-24h"
	TierComplete = "complete"
)

// AdvanceTier names the tier of passengers who asked to be called minutes
// before departure.
func AdvanceTier(minutes int) string {
	return fmt.Sprintf("advance-%d", minutes)
}

// MarkerKey identifies the dedup marker of one tier of one flight. Writers
// and the cleanup sweep both build keys through it.
type MarkerKey struct {
	FlightID int64
	Tier     string
}

func (k MarkerKey) String() string {
	return FlightPrefix(k.FlightID) + k.Tier
}

// FlightPrefix is the key prefix shared by every marker of a flight.
func FlightPrefix(flightID int64) string {
	return fmt.Sprintf("boarding:%d:", flightID)
}

// MarkerStore holds dedup markers. Acquire must be an atomic set-if-absent.
// Both the redis store and the postgres marker table implement it.
type MarkerStore interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}
