// Package cache exposes the lead cache to consumer agents.
package cache

import "time"

// DefaultTTL is the cache freshness window when none is configured.
const DefaultTTL = 6 * time.Hour

// FreshnessPolicy decides when the cache needs a full refresh versus
// serving what it has.
type FreshnessPolicy struct {
	ttl time.Duration
}

// NewFreshnessPolicy creates a policy with the given TTL; non-positive
// values fall back to DefaultTTL.
func NewFreshnessPolicy(ttl time.Duration) *FreshnessPolicy {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &FreshnessPolicy{ttl: ttl}
}

// TTL returns the freshness window.
func (p *FreshnessPolicy) TTL() time.Duration {
	return p.ttl
}

// IsStale reports whether the cache age exceeds the TTL. A zero
// lastFullPull (no full pull has ever completed) is always stale.
func (p *FreshnessPolicy) IsStale(now, lastFullPull time.Time) bool {
	if lastFullPull.IsZero() {
		return true
	}
	return now.Sub(lastFullPull) > p.ttl
}
