package marketcontext

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksood/tradegate/internal/cache"
)

func TestParseStyle(t *testing.T) {
	tests := []struct {
		input   string
		want    TradingStyle
		wantErr bool
	}{
		{"intraday", StyleIntraday, false},
		{"swing", StyleSwing, false},
		{"longterm", StyleLongTerm, false},
		{"long_term", StyleLongTerm, false},
		{"LONG-TERM", StyleLongTerm, false},
		{" Swing ", StyleSwing, false},
		{"scalping", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := ParseStyle(tt.input)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.input)
		} else {
			require.NoError(t, err, "input %q", tt.input)
			assert.Equal(t, tt.want, got)
		}
	}
}

func TestRequiredDataManifests(t *testing.T) {
	intraday := RequiredData(StyleIntraday)
	assert.Equal(t, 60*time.Second, intraday[KindMarketIndex])
	assert.Equal(t, 30*time.Second, intraday[KindLiveQuote])
	assert.Equal(t, 900*time.Second, intraday[KindPivotPoints])
	assert.Equal(t, 30*time.Second, intraday[KindIntradayComposite])
	assert.Len(t, intraday, 4)

	swing := RequiredData(StyleSwing)
	assert.Equal(t, 30*time.Second, swing[KindIntradayComposite], "reused dependency keeps the owner's TTL")
	assert.Equal(t, 300*time.Second, swing[KindOHLC])
	assert.Equal(t, 900*time.Second, swing[KindSectorPerformance])
	assert.Equal(t, 300*time.Second, swing[KindSwingComposite])
	assert.Len(t, swing, 4)

	longTerm := RequiredData(StyleLongTerm)
	assert.Equal(t, 300*time.Second, longTerm[KindSwingComposite])
	assert.Equal(t, 3600*time.Second, longTerm[KindFundamentals])
	assert.Equal(t, 900*time.Second, longTerm[KindSectorAllocation])
	assert.Equal(t, 900*time.Second, longTerm[KindLongTermComposite])
	assert.Len(t, longTerm, 4)
}

func TestTierFor(t *testing.T) {
	assert.Equal(t, cache.TierRealTime, TierFor(KindLiveQuote))
	assert.Equal(t, cache.TierFast, TierFor(KindMarketIndex))
	assert.Equal(t, cache.TierMedium, TierFor(KindSwingComposite))
	assert.Equal(t, cache.TierSlow, TierFor(KindPivotPoints))
	assert.Equal(t, cache.TierStatic, TierFor(KindFundamentals))
}

func TestQualityFullCoverage(t *testing.T) {
	for _, style := range []TradingStyle{StyleIntraday, StyleSwing, StyleLongTerm} {
		present := make(map[DataKind]bool)
		for kind := range RequiredData(style) {
			present[kind] = true
		}
		assert.InDelta(t, 1.0, Quality(style, present), 1e-9, "style %s", style)
	}
}

func TestQualityReuseMissDegrades(t *testing.T) {
	// Swing without the reused intraday composite loses half the
	// style-specific group: 0.3 + 0.3 + 0.4*0.5 = 0.8
	present := map[DataKind]bool{
		KindOHLC:              true,
		KindSectorPerformance: true,
		KindSwingComposite:    true,
	}
	assert.InDelta(t, 0.8, Quality(StyleSwing, present), 1e-9)
}

func TestQualityEmpty(t *testing.T) {
	assert.Zero(t, Quality(StyleIntraday, nil))
}
