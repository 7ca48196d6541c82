package marketcontext

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/ksood/tradegate/internal/cache"
	"github.com/ksood/tradegate/internal/clients/kite"
	"github.com/ksood/tradegate/internal/clients/marketdata"
)

// Broker is the upstream broker surface the builder computes from.
type Broker interface {
	GetQuotes(symbols []string) (map[string]kite.Quote, error)
	GetHistorical(symbol, interval string, from, to time.Time) ([]kite.OHLCV, error)
}

// MarketData is the secondary market-data provider surface.
type MarketData interface {
	FetchIndex(name string) (*marketdata.IndexSnapshot, error)
	FetchFundamentals(symbol string) (*marketdata.Fundamentals, error)
	FetchSectorPerformance() ([]marketdata.SectorPerformance, error)
}

// referenceIndex is the market index used for intraday context.
const referenceIndex = "NIFTY50"

// Result is one assembled context response.
type Result struct {
	Style       TradingStyle                 `json:"style"`
	Symbol      string                       `json:"symbol"`
	RequestID   string                       `json:"request_id"`
	Quality     float64                      `json:"context_quality"`
	Degraded    []DataKind                   `json:"degraded,omitempty"`
	Data        map[DataKind]json.RawMessage `json:"data"`
	GeneratedAt time.Time                    `json:"generated_at"`
}

// Builder executes fetch plans: cache hits are served as-is, owned misses are
// computed through the collaborators and written back, reuse misses and
// individual compute failures degrade context_quality instead of failing the
// request. The request only fails hard when every owned step fails.
type Builder struct {
	resolver *Resolver
	repo     *cache.Repository
	broker   Broker
	market   MarketData
	clock    clock.Clock
	log      zerolog.Logger
}

func NewBuilder(resolver *Resolver, repo *cache.Repository, broker Broker, market MarketData, log zerolog.Logger) *Builder {
	return NewBuilderWithClock(resolver, repo, broker, market, clock.New(), log)
}

func NewBuilderWithClock(resolver *Resolver, repo *cache.Repository, broker Broker, market MarketData, clk clock.Clock, log zerolog.Logger) *Builder {
	return &Builder{
		resolver: resolver,
		repo:     repo,
		broker:   broker,
		market:   market,
		clock:    clk,
		log:      log.With().Str("component", "context_builder").Logger(),
	}
}

// Build assembles the context for one style and symbol.
func (b *Builder) Build(style TradingStyle, symbol string) (*Result, error) {
	now := b.clock.Now()
	plan := b.resolver.Resolve(style, symbol, now)

	result := &Result{
		Style:       style,
		Symbol:      symbol,
		RequestID:   uuid.NewString(),
		Data:        make(map[DataKind]json.RawMessage),
		GeneratedAt: now,
	}

	present := make(map[DataKind]bool)
	ownedTotal, ownedFailed := 0, 0

	for _, step := range plan {
		if raw, err := b.repo.GetIfFresh(step.Key); err == nil && raw != nil {
			result.Data[step.Kind] = raw
			present[step.Kind] = true
			continue
		}

		if step.Action == ActionReuse {
			// A dependency composite this style does not own. Miss means
			// unavailable, never a recompute of the other style's tier.
			b.log.Debug().
				Str("kind", string(step.Kind)).
				Str("key", step.Key).
				Msg("Reuse miss, degrading context quality")
			result.Degraded = append(result.Degraded, step.Kind)
			continue
		}

		ownedTotal++
		payload, err := b.compute(step.Kind, symbol, now)
		if err != nil {
			b.log.Warn().Err(err).
				Str("kind", string(step.Kind)).
				Msg("Compute failed, trying stale cache")

			// Stale entries beat nothing at all
			if stale, staleErr := b.repo.Get(step.Key); staleErr == nil && stale != nil {
				result.Data[step.Kind] = stale
				present[step.Kind] = true
				result.Degraded = append(result.Degraded, step.Kind)
				continue
			}

			ownedFailed++
			result.Degraded = append(result.Degraded, step.Kind)
			continue
		}

		raw, err := json.Marshal(payload)
		if err != nil {
			ownedFailed++
			result.Degraded = append(result.Degraded, step.Kind)
			continue
		}

		if err := b.repo.Store(step.Key, payload, step.TTL); err != nil {
			b.log.Error().Err(err).Str("key", step.Key).Msg("Cache write failed")
		}

		result.Data[step.Kind] = raw
		present[step.Kind] = true
	}

	if ownedTotal > 0 && ownedFailed == ownedTotal {
		return nil, fmt.Errorf("context build failed for %s/%s: all %d owned tiers failed", style, symbol, ownedTotal)
	}

	result.Quality = Quality(style, present)
	return result, nil
}

func (b *Builder) compute(kind DataKind, symbol string, now time.Time) (interface{}, error) {
	switch kind {
	case KindMarketIndex:
		return b.market.FetchIndex(referenceIndex)
	case KindLiveQuote:
		return b.computeLiveQuote(symbol)
	case KindPivotPoints:
		return b.computePivotPoints(symbol, now)
	case KindIntradayComposite:
		return b.computeIntradayComposite(symbol, now)
	case KindOHLC:
		return b.broker.GetHistorical(symbol, "day", now.AddDate(0, -1, 0), now)
	case KindSectorPerformance:
		return b.computeSectorPerformance()
	case KindSwingComposite:
		return b.computeSwingComposite(symbol, now)
	case KindFundamentals:
		return b.market.FetchFundamentals(symbol)
	case KindSectorAllocation:
		return b.computeSectorAllocation()
	case KindLongTermComposite:
		return b.computeLongTermComposite(symbol)
	default:
		return nil, fmt.Errorf("no computation defined for kind %s", kind)
	}
}

func (b *Builder) computeLiveQuote(symbol string) (interface{}, error) {
	quotes, err := b.broker.GetQuotes([]string{symbol})
	if err != nil {
		return nil, err
	}
	quote, ok := quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("no quote returned for %s", symbol)
	}
	return quote, nil
}

// PivotPoints are classic floor-trader pivots derived from the previous
// session's candle.
type PivotPoints struct {
	Symbol string  `json:"symbol"`
	Pivot  float64 `json:"pivot"`
	R1     float64 `json:"r1"`
	R2     float64 `json:"r2"`
	S1     float64 `json:"s1"`
	S2     float64 `json:"s2"`
}

func (b *Builder) computePivotPoints(symbol string, now time.Time) (interface{}, error) {
	candles, err := b.broker.GetHistorical(symbol, "day", now.AddDate(0, 0, -7), now)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no daily candles for %s", symbol)
	}

	prev := candles[len(candles)-1]
	pivot := (prev.High + prev.Low + prev.Close) / 3
	spread := prev.High - prev.Low

	return &PivotPoints{
		Symbol: symbol,
		Pivot:  pivot,
		R1:     2*pivot - prev.Low,
		R2:     pivot + spread,
		S1:     2*pivot - prev.High,
		S2:     pivot - spread,
	}, nil
}

// IntradayComposite is the minute-granularity momentum snapshot shared with
// the swing style.
type IntradayComposite struct {
	Symbol    string  `json:"symbol"`
	LastClose float64 `json:"last_close"`
	RSI14     float64 `json:"rsi_14"`
	SMA20     float64 `json:"sma_20"`
	Momentum  string  `json:"momentum"` // up, down, flat
}

func (b *Builder) computeIntradayComposite(symbol string, now time.Time) (interface{}, error) {
	candles, err := b.broker.GetHistorical(symbol, "minute", now.Add(-3*time.Hour), now)
	if err != nil {
		return nil, err
	}
	if len(candles) < 21 {
		return nil, fmt.Errorf("insufficient minute candles for %s: got %d", symbol, len(candles))
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	rsi := talib.Rsi(closes, 14)
	sma := talib.Sma(closes, 20)
	last := closes[len(closes)-1]
	lastSMA := sma[len(sma)-1]

	momentum := "flat"
	switch {
	case last > lastSMA:
		momentum = "up"
	case last < lastSMA:
		momentum = "down"
	}

	return &IntradayComposite{
		Symbol:    symbol,
		LastClose: last,
		RSI14:     rsi[len(rsi)-1],
		SMA20:     lastSMA,
		Momentum:  momentum,
	}, nil
}

// SectorContext combines raw sector changes with derived breadth statistics.
type SectorContext struct {
	Sectors []marketdata.SectorPerformance `json:"sectors"`
	Breadth marketdata.Breadth             `json:"breadth"`
}

func (b *Builder) computeSectorPerformance() (interface{}, error) {
	sectors, err := b.market.FetchSectorPerformance()
	if err != nil {
		return nil, err
	}
	return &SectorContext{
		Sectors: sectors,
		Breadth: marketdata.ComputeBreadth(sectors),
	}, nil
}

// SwingComposite is the daily-granularity trend snapshot shared with the
// long-term style.
type SwingComposite struct {
	Symbol    string  `json:"symbol"`
	LastClose float64 `json:"last_close"`
	RSI14     float64 `json:"rsi_14"`
	SMA50     float64 `json:"sma_50"`
	Trend     string  `json:"trend"` // up, down, flat
}

func (b *Builder) computeSwingComposite(symbol string, now time.Time) (interface{}, error) {
	candles, err := b.broker.GetHistorical(symbol, "day", now.AddDate(0, 0, -100), now)
	if err != nil {
		return nil, err
	}
	if len(candles) < 51 {
		return nil, fmt.Errorf("insufficient daily candles for %s: got %d", symbol, len(candles))
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	rsi := talib.Rsi(closes, 14)
	sma := talib.Sma(closes, 50)
	last := closes[len(closes)-1]
	lastSMA := sma[len(sma)-1]

	trend := "flat"
	switch {
	case last > lastSMA:
		trend = "up"
	case last < lastSMA:
		trend = "down"
	}

	return &SwingComposite{
		Symbol:    symbol,
		LastClose: last,
		RSI14:     rsi[len(rsi)-1],
		SMA50:     lastSMA,
		Trend:     trend,
	}, nil
}

// SectorWeight is one entry of a momentum-tilted sector allocation.
type SectorWeight struct {
	Sector    string  `json:"sector"`
	WeightPct float64 `json:"weight_pct"`
}

// computeSectorAllocation tilts an equal-weight allocation toward sectors
// with stronger recent performance. Weights always sum to 100.
func (b *Builder) computeSectorAllocation() (interface{}, error) {
	sectors, err := b.market.FetchSectorPerformance()
	if err != nil {
		return nil, err
	}
	if len(sectors) == 0 {
		return nil, fmt.Errorf("no sectors returned")
	}

	min := sectors[0].ChangePct
	for _, s := range sectors {
		if s.ChangePct < min {
			min = s.ChangePct
		}
	}

	const floor = 0.5 // keeps the worst sector at a nonzero weight
	var total float64
	tilts := make([]float64, len(sectors))
	for i, s := range sectors {
		tilts[i] = s.ChangePct - min + floor
		total += tilts[i]
	}

	weights := make([]SectorWeight, len(sectors))
	for i, s := range sectors {
		weights[i] = SectorWeight{
			Sector:    s.Sector,
			WeightPct: 100 * tilts[i] / total,
		}
	}
	return weights, nil
}

// LongTermComposite blends valuation with the prevailing market regime.
type LongTermComposite struct {
	Symbol        string  `json:"symbol"`
	EarningsYield float64 `json:"earnings_yield"`
	DividendYield float64 `json:"dividend_yield"`
	Regime        string  `json:"regime"`
	Stance        string  `json:"stance"` // accumulate, hold, reduce
}

func (b *Builder) computeLongTermComposite(symbol string) (interface{}, error) {
	fundamentals, err := b.market.FetchFundamentals(symbol)
	if err != nil {
		return nil, err
	}

	sectors, err := b.market.FetchSectorPerformance()
	if err != nil {
		return nil, err
	}
	breadth := marketdata.ComputeBreadth(sectors)

	var earningsYield float64
	if fundamentals.PERatio > 0 {
		earningsYield = 100 / fundamentals.PERatio
	}

	stance := "hold"
	switch {
	case earningsYield > 6 && breadth.Regime != "bearish":
		stance = "accumulate"
	case earningsYield < 3 && breadth.Regime == "bearish":
		stance = "reduce"
	}

	return &LongTermComposite{
		Symbol:        symbol,
		EarningsYield: earningsYield,
		DividendYield: fundamentals.DividendYield,
		Regime:        breadth.Regime,
		Stance:        stance,
	}, nil
}
