package marketcontext

import (
	"fmt"
	"strings"
	"time"

	"github.com/ksood/tradegate/internal/cache"
)

// TradingStyle is the consumer's time horizon. It drives which data kinds a
// context response needs and which composite layers the style owns.
type TradingStyle string

const (
	StyleIntraday TradingStyle = "intraday"
	StyleSwing    TradingStyle = "swing"
	StyleLongTerm TradingStyle = "longterm"
)

// ParseStyle converts user input into a TradingStyle.
func ParseStyle(s string) (TradingStyle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "intraday":
		return StyleIntraday, nil
	case "swing":
		return StyleSwing, nil
	case "longterm", "long_term", "long-term":
		return StyleLongTerm, nil
	default:
		return "", fmt.Errorf("unknown trading style %q (want intraday, swing or longterm)", s)
	}
}

// DataKind identifies one slice of a context response.
type DataKind string

const (
	KindMarketIndex       DataKind = "market_index"
	KindLiveQuote         DataKind = "live_quote"
	KindPivotPoints       DataKind = "pivot_points"
	KindIntradayComposite DataKind = "intraday_composite"
	KindOHLC              DataKind = "ohlc"
	KindSectorPerformance DataKind = "sector_performance"
	KindSwingComposite    DataKind = "swing_composite"
	KindFundamentals      DataKind = "fundamentals"
	KindSectorAllocation  DataKind = "sector_allocation"
	KindLongTermComposite DataKind = "longterm_composite"
)

// kindTiers maps every data kind to its caching tier. The TTLs implied here
// form the per-style manifests: a wider style substitutes the narrower
// style's composite instead of recomputing it.
var kindTiers = map[DataKind]cache.Tier{
	KindMarketIndex:       cache.TierFast,
	KindLiveQuote:         cache.TierRealTime,
	KindPivotPoints:       cache.TierSlow,
	KindIntradayComposite: cache.TierRealTime,
	KindOHLC:              cache.TierMedium,
	KindSectorPerformance: cache.TierSlow,
	KindSwingComposite:    cache.TierMedium,
	KindFundamentals:      cache.TierStatic,
	KindSectorAllocation:  cache.TierSlow,
	KindLongTermComposite: cache.TierSlow,
}

// TierFor returns the caching tier for a data kind.
func TierFor(kind DataKind) cache.Tier {
	return kindTiers[kind]
}

// styleManifests lists the data kinds each style needs, in plan order.
// Reused composites from the narrower style come first.
var styleManifests = map[TradingStyle][]DataKind{
	StyleIntraday: {KindMarketIndex, KindLiveQuote, KindPivotPoints, KindIntradayComposite},
	StyleSwing:    {KindIntradayComposite, KindOHLC, KindSectorPerformance, KindSwingComposite},
	StyleLongTerm: {KindSwingComposite, KindFundamentals, KindSectorAllocation, KindLongTermComposite},
}

// RequiredData returns the data-kind manifest for a style with each kind's
// freshness TTL.
func RequiredData(style TradingStyle) map[DataKind]time.Duration {
	manifest := make(map[DataKind]time.Duration)
	for _, kind := range styleManifests[style] {
		manifest[kind] = kindTiers[kind].TTL()
	}
	return manifest
}

// qualityGroup is one weighted bucket of the context_quality score.
type qualityGroup struct {
	weight float64
	kinds  []DataKind
}

// qualityGroups defines the coverage weighting per style:
// primary 0.3, detailed 0.3, style-specific 0.4.
var qualityGroups = map[TradingStyle][]qualityGroup{
	StyleIntraday: {
		{0.3, []DataKind{KindMarketIndex, KindLiveQuote}},
		{0.3, []DataKind{KindPivotPoints}},
		{0.4, []DataKind{KindIntradayComposite}},
	},
	StyleSwing: {
		{0.3, []DataKind{KindOHLC}},
		{0.3, []DataKind{KindSectorPerformance}},
		{0.4, []DataKind{KindSwingComposite, KindIntradayComposite}},
	},
	StyleLongTerm: {
		{0.3, []DataKind{KindFundamentals}},
		{0.3, []DataKind{KindSectorAllocation}},
		{0.4, []DataKind{KindLongTermComposite, KindSwingComposite}},
	},
}

// Quality scores a response 0.0-1.0 as weighted coverage of the style's
// quality groups given the set of kinds actually present.
func Quality(style TradingStyle, present map[DataKind]bool) float64 {
	var score float64
	for _, group := range qualityGroups[style] {
		have := 0
		for _, kind := range group.kinds {
			if present[kind] {
				have++
			}
		}
		score += group.weight * float64(have) / float64(len(group.kinds))
	}
	return score
}
