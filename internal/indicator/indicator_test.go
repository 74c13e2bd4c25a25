package indicator

import (
	"math"
	"paper-trading-bots/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEMASeededBySimpleAverage(t *testing.T) {
	ema := EMA([]float64{1, 2, 3, 4, 5}, 3)
	require.Len(t, ema, 5)

	assert.True(t, math.IsNaN(ema[0]))
	assert.True(t, math.IsNaN(ema[1]))
	assert.InDelta(t, 2.0, ema[2], 1e-9) // (1+2+3)/3
	assert.InDelta(t, 3.0, ema[3], 1e-9) // (4-2)*0.5+2
	assert.InDelta(t, 4.0, ema[4], 1e-9)
}

func TestEMATooShort(t *testing.T) {
	ema := EMA([]float64{1, 2}, 3)
	require.Len(t, ema, 2)
	for _, v := range ema {
		assert.True(t, math.IsNaN(v))
	}
}

func TestMACDDefinedIndices(t *testing.T) {
	fast, slow, signal := 3, 6, 4
	closes := make([]float64, slow+signal+5)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}

	s := MACD(closes, fast, slow, signal)
	for i := range closes {
		assert.Equal(t, i < slow-1, math.IsNaN(s.MACD[i]), "macd at %d", i)
		assert.Equal(t, i < slow+signal-2, math.IsNaN(s.Signal[i]), "signal at %d", i)
	}
	// 单调上涨时快线在慢线之上
	assert.Greater(t, s.MACD[len(closes)-1], 0.0)

	samples := s.Samples(nil)
	assert.Len(t, samples, len(closes)-(slow+signal-2))
}

func TestMACDSamplesCarryTimestamps(t *testing.T) {
	closes := make([]float64, 12)
	times := make([]time.Time, len(closes))
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range closes {
		closes[i] = 100 + float64(i%3)
		times[i] = start.Add(time.Duration(i) * time.Hour)
	}

	samples := MACD(closes, 3, 6, 4).Samples(times)
	require.NotEmpty(t, samples)
	assert.Equal(t, times[len(times)-1], samples[len(samples)-1].Timestamp)
	assert.Equal(t, times[len(times)-len(samples)], samples[0].Timestamp)

	// 长度不匹配时不写时间戳
	short := MACD(closes, 3, 6, 4).Samples(times[:3])
	assert.True(t, short[0].Timestamp.IsZero())
}

func TestCrossover(t *testing.T) {
	up := Crossover(
		models.IndicatorSample{MACD: -1, Signal: -0.5, Histogram: -0.5},
		models.IndicatorSample{MACD: 0.2, Signal: 0.1, Histogram: 0.1},
	)
	assert.Equal(t, SignalBuy, up)

	touch := Crossover(
		models.IndicatorSample{MACD: 1, Signal: 1, Histogram: 0},
		models.IndicatorSample{MACD: 1.5, Signal: 1.2, Histogram: 0.3},
	)
	assert.Equal(t, SignalBuy, touch, "from equal to above counts as a cross")

	down := Crossover(
		models.IndicatorSample{MACD: 0.5, Signal: 0.2, Histogram: 0.3},
		models.IndicatorSample{MACD: 0.1, Signal: 0.2, Histogram: -0.1},
	)
	assert.Equal(t, SignalSell, down)

	rising := Crossover(
		models.IndicatorSample{MACD: 2, Signal: 1, Histogram: 1},
		models.IndicatorSample{MACD: 3, Signal: 1.5, Histogram: 1.5},
	)
	assert.Equal(t, SignalBuy, rising)

	flat := Crossover(
		models.IndicatorSample{MACD: 2, Signal: 1, Histogram: 1},
		models.IndicatorSample{MACD: 2, Signal: 1, Histogram: 1},
	)
	assert.Equal(t, SignalNeutral, flat)
}

func TestMACDCrossoverOnSeries(t *testing.T) {
	// 加速下跌后反转上涨，MACD 上穿信号线时给出买入
	closes := []float64{}
	for i := 0; i < 30; i++ {
		closes = append(closes, 200-0.05*float64(i*i))
	}
	before := MACD(closes, 3, 6, 4).Samples(nil)
	last := before[len(before)-1]
	require.Less(t, last.MACD, last.Signal)

	var sig Signal
	for i := 0; i < 30 && sig != SignalBuy; i++ {
		closes = append(closes, closes[len(closes)-1]+3)
		samples := MACD(closes, 3, 6, 4).Samples(nil)
		require.GreaterOrEqual(t, len(samples), 2)
		sig = Crossover(samples[len(samples)-2], samples[len(samples)-1])
	}
	assert.Equal(t, SignalBuy, sig)
}

func TestConfidence(t *testing.T) {
	assert.InDelta(t, 0.5, Confidence(models.IndicatorSample{MACD: 1, Signal: 0, Histogram: 0.5}), 1e-9)
	assert.Equal(t, 1.0, Confidence(models.IndicatorSample{MACD: 0, Signal: 0, Histogram: 3}))
	assert.Equal(t, 0.0, Confidence(models.IndicatorSample{}))
}

func TestVolatility(t *testing.T) {
	assert.Equal(t, 0.0, Volatility([]float64{100}))
	assert.Equal(t, 0.0, Volatility([]float64{100, 100, 100}))

	v := Volatility([]float64{100, 110, 99, 108.9})
	// returns: 0.1, -0.1, 0.1 -> sample stdev
	assert.InDelta(t, 0.11547, v, 1e-4)
}
