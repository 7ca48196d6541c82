package marketcontext

import (
	"time"

	"github.com/ksood/tradegate/internal/cache"
)

// StepAction says how a plan step obtains its data.
type StepAction string

const (
	// ActionReuse is a cache lookup only. A miss marks the kind degraded
	// and never triggers a recompute of another style's composite.
	ActionReuse StepAction = "reuse"
	// ActionCompute fetches and computes when the cache misses.
	ActionCompute StepAction = "compute"
)

// FetchPlanStep is one entry of a resolved fetch plan.
type FetchPlanStep struct {
	Kind   DataKind
	Action StepAction
	Tier   cache.Tier
	Key    string
	TTL    time.Duration
}

// compositeOwner maps each composite kind to the one style that computes it.
// Every other style may only reuse the cached value.
var compositeOwner = map[DataKind]TradingStyle{
	KindIntradayComposite: StyleIntraday,
	KindSwingComposite:    StyleSwing,
	KindLongTermComposite: StyleLongTerm,
}

// Resolver turns a trading style into an ordered fetch plan over the
// tiered cache.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// ShouldCompute reports whether a style natively owns the computation of a
// data kind. Composites owned by a narrower style are never computed here.
func (r *Resolver) ShouldCompute(style TradingStyle, kind DataKind) bool {
	if _, inManifest := RequiredData(style)[kind]; !inManifest {
		return false
	}
	if owner, isComposite := compositeOwner[kind]; isComposite {
		return owner == style
	}
	return true
}

// ShouldReuse reports whether the style's manifest depends on a kind it does
// not own.
func (r *Resolver) ShouldReuse(style TradingStyle, kind DataKind) bool {
	if _, inManifest := RequiredData(style)[kind]; !inManifest {
		return false
	}
	return !r.ShouldCompute(style, kind)
}

// Resolve produces the ordered fetch plan for a style: reuse steps for
// dependency composites first, then owned compute-or-reuse steps.
func (r *Resolver) Resolve(style TradingStyle, qualifier string, now time.Time) []FetchPlanStep {
	var reuse, owned []FetchPlanStep

	for _, kind := range styleManifests[style] {
		tier := TierFor(kind)
		step := FetchPlanStep{
			Kind: kind,
			Tier: tier,
			Key:  cache.DeriveKey(domainFor(kind), qualifier, tier, now),
			TTL:  tier.TTL(),
		}
		if r.ShouldReuse(style, kind) {
			step.Action = ActionReuse
			reuse = append(reuse, step)
		} else {
			step.Action = ActionCompute
			owned = append(owned, step)
		}
	}

	return append(reuse, owned...)
}

// domainFor gives each kind its own key domain. Distinct kinds on the same
// tier share a bucket format, so the domain is what keeps their keys apart.
func domainFor(kind DataKind) string {
	switch kind {
	case KindLiveQuote:
		return "quote"
	case KindIntradayComposite:
		return "composite_intraday"
	case KindSwingComposite:
		return "composite_swing"
	case KindLongTermComposite:
		return "composite_longterm"
	default:
		return string(kind)
	}
}
