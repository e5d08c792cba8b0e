// Package cache holds the three verdict-cache tiers and the probabilistic
// pre-filter that fronts them. Tier-1 and the tier-2 verdict sub-store are
// in-process byte-capacity LRUs, tier-2 additionally retains compiled rule
// artifacts per rule-set generation, and tier-3 is a valkey-backed
// distributed store with per-write TTLs.
package cache

import (
	"context"
	"time"

	"github.com/l0p7/complyd/internal/verdict"
)

// Store is the in-process verdict store surface the orchestrator sequences.
// Implementations never perform I/O and never return errors; absence is the
// only negative signal.
type Store interface {
	Get(key string) (verdict.Entry, bool)
	Put(key string, entry verdict.Entry)
}

// DistributedStore is the shared, network-attached tier. Lookups and writes
// may fail; callers treat a failed Get as a miss and a failed Put as a
// logged no-op, never as a request-aborting error.
type DistributedStore interface {
	Get(ctx context.Context, key string) (verdict.Entry, bool, error)
	Put(ctx context.Context, key string, entry verdict.Entry, ttl time.Duration) error
	Close(ctx context.Context) error
}

// EntrySize estimates the byte footprint an entry occupies in an in-process
// tier: the key, the fixed entry struct, and its variable-length fields.
// The estimate only has to be consistent, not exact, for the capacity
// invariant to hold.
func EntrySize(key string, entry verdict.Entry) int64 {
	const fixed = 96 // verdict, confidence, two timestamps, size field
	return int64(len(key)+len(entry.RuleSet)+len(entry.Correlation)) + fixed
}
