// Package cache provides the tiered, time-bucketed context cache.
// Cache keys embed a time bucket derived from the tier's granularity, so two
// requests issued within the same bucket resolve to the identical key and
// deduplicate naturally without locking.
package cache

import (
	"fmt"
	"time"
)

// Tier is a caching bucket defined by a TTL and a time-bucketing granularity.
// TTL and granularity for a tier are fixed at compile time and never change
// at runtime.
type Tier int

const (
	// TierRealTime - live quotes and intraday composites (30s, minute buckets)
	TierRealTime Tier = iota
	// TierFast - market index snapshots (60s, minute buckets)
	TierFast
	// TierMedium - OHLC and swing composites (5m, 5-minute buckets)
	TierMedium
	// TierSlow - pivot points, sector data, long-term composites (15m, hour buckets)
	TierSlow
	// TierStatic - fundamentals (1h, hour buckets)
	TierStatic
	// TierDaily - once-a-day artifacts (24h, day buckets)
	TierDaily
)

// String returns the tier name for logging.
func (t Tier) String() string {
	switch t {
	case TierRealTime:
		return "real_time"
	case TierFast:
		return "fast"
	case TierMedium:
		return "medium"
	case TierSlow:
		return "slow"
	case TierStatic:
		return "static"
	case TierDaily:
		return "daily"
	default:
		return "unknown"
	}
}

// TTL returns the fixed time-to-live for entries cached at this tier.
func (t Tier) TTL() time.Duration {
	switch t {
	case TierRealTime:
		return 30 * time.Second
	case TierFast:
		return 60 * time.Second
	case TierMedium:
		return 300 * time.Second
	case TierSlow:
		return 900 * time.Second
	case TierStatic:
		return 3600 * time.Second
	case TierDaily:
		return 86400 * time.Second
	default:
		return 60 * time.Second
	}
}

// Bucket maps a timestamp to a stable cache-key suffix for the tier.
// Flooring is deterministic and monotonic: any two timestamps inside the same
// bucket produce the same suffix, and crossing a bucket boundary always
// produces a lexicographically different one.
func Bucket(t Tier, now time.Time) string {
	switch t {
	case TierRealTime, TierFast:
		return now.Format("20060102_15_04")
	case TierMedium:
		floored := now.Minute() - now.Minute()%5
		return fmt.Sprintf("%s_%02d", now.Format("20060102_15"), floored)
	case TierSlow, TierStatic:
		return now.Format("20060102_15")
	case TierDaily:
		return now.Format("20060102")
	default:
		return now.Format("20060102_15_04")
	}
}

// DeriveKey builds a fully-qualified cache key of the form
// {domain}:{qualifier}:{time-bucket}. Pure function, safe for concurrent use.
func DeriveKey(domain, qualifier string, tier Tier, now time.Time) string {
	return fmt.Sprintf("%s:%s:%s", domain, qualifier, Bucket(tier, now))
}
