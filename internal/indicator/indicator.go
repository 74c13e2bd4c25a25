// Package indicator 提供策略使用的技术指标计算
package indicator

import (
	"math"
	"paper-trading-bots/internal/models"
	"time"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

// Signal 是 MACD 交叉判断的结果
type Signal string

const (
	SignalBuy     Signal = "BUY"
	SignalSell    Signal = "SELL"
	SignalNeutral Signal = "NEUTRAL"
)

// EMA returns the exponential moving average of values. The first period-1 entries are NaN,
// index period-1 holds the simple average of the first period values and every later entry
// applies the multiplier 2/(period+1).
func EMA(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if period <= 0 || len(values) < period {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}

	ema := talib.Ema(values, period)
	for i := range out {
		if i < period-1 {
			out[i] = math.NaN()
			continue
		}
		out[i] = ema[i]
	}
	return out
}

// MACDSeries holds aligned MACD, signal and histogram values; undefined entries are NaN.
type MACDSeries struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACD computes the MACD line (fast EMA minus slow EMA), its signal line and the histogram.
// The MACD line is defined from index slow-1 and the signal line from slow+signal-2.
func MACD(closes []float64, fast, slow, signal int) MACDSeries {
	n := len(closes)
	s := MACDSeries{
		MACD:      nanSlice(n),
		Signal:    nanSlice(n),
		Histogram: nanSlice(n),
	}
	if fast <= 0 || slow <= fast || signal <= 0 || n < slow {
		return s
	}

	fastEMA := EMA(closes, fast)
	slowEMA := EMA(closes, slow)
	for i := slow - 1; i < n; i++ {
		s.MACD[i] = fastEMA[i] - slowEMA[i]
	}

	// signal 只在 MACD 有定义的部分上计算
	sig := EMA(s.MACD[slow-1:], signal)
	for j, v := range sig {
		i := slow - 1 + j
		s.Signal[i] = v
		if !math.IsNaN(v) {
			s.Histogram[i] = s.MACD[i] - v
		}
	}
	return s
}

// Samples returns the trailing samples where every value is defined. times, when it has one
// entry per close, stamps each sample.
func (s MACDSeries) Samples(times []time.Time) []models.IndicatorSample {
	var out []models.IndicatorSample
	for i := range s.MACD {
		if math.IsNaN(s.MACD[i]) || math.IsNaN(s.Signal[i]) {
			continue
		}
		sample := models.IndicatorSample{MACD: s.MACD[i], Signal: s.Signal[i], Histogram: s.Histogram[i]}
		if len(times) == len(s.MACD) {
			sample.Timestamp = times[i]
		}
		out = append(out, sample)
	}
	return out
}

// Crossover evaluates the two most recent samples.
//
// BUY when MACD crosses from <= signal to > signal, or when MACD and signal are both positive
// and the histogram is rising. SELL is the mirror image.
func Crossover(prev, curr models.IndicatorSample) Signal {
	switch {
	case prev.MACD <= prev.Signal && curr.MACD > curr.Signal:
		return SignalBuy
	case prev.MACD >= prev.Signal && curr.MACD < curr.Signal:
		return SignalSell
	case curr.MACD > 0 && curr.Signal > 0 && curr.Histogram > prev.Histogram:
		return SignalBuy
	case curr.MACD < 0 && curr.Signal < 0 && curr.Histogram < prev.Histogram:
		return SignalSell
	}
	return SignalNeutral
}

// Confidence maps the histogram magnitude into [0, 1].
func Confidence(s models.IndicatorSample) float64 {
	const eps = 1e-12
	c := math.Abs(s.Histogram) / (math.Abs(s.MACD) + math.Abs(s.Signal) + eps)
	return math.Min(1, c)
}

// Returns computes simple period-over-period returns of closes.
func Returns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		out = append(out, (closes[i]-closes[i-1])/closes[i-1])
	}
	return out
}

// Volatility is the sample standard deviation of the returns of closes. It is 0 when fewer
// than two returns are available.
func Volatility(closes []float64) float64 {
	r := Returns(closes)
	if len(r) < 2 {
		return 0
	}
	_, std := stat.MeanStdDev(r, nil)
	if math.IsNaN(std) {
		return 0
	}
	return std
}

// Closes extracts the close prices of candles.
func Closes(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
