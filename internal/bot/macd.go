package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"paper-trading-bots/internal/indicator"
	"paper-trading-bots/internal/models"
	"time"

	"go.uber.org/zap"
)

const (
	MACDTaskName = "macd"

	macdRefresh      = 5 * time.Minute
	macdMaxPoll      = 15 * time.Minute
	macdMinPoll      = 10 * time.Second
	macdWindowMargin = 20
	maxSamples       = 100
)

// MACDStrategy 按 MACD 与信号线交叉开平仓
type MACDStrategy struct {
	params models.MACDParams
	state  models.MACDState
}

func NewMACDStrategy(p models.MACDParams) *MACDStrategy {
	return &MACDStrategy{params: p}
}

func (s *MACDStrategy) Type() models.StrategyType { return models.StrategyMACD }

func (s *MACDStrategy) Capital() float64 {
	return s.params.InvestmentAmount * float64(s.params.MaxPositions)
}

// PollInterval is about a twelfth of the timeframe, between 10 seconds and 15 minutes.
func (s *MACDStrategy) PollInterval() time.Duration {
	tf, ok := models.TimeframeDuration(s.params.Timeframe)
	if !ok {
		return macdMaxPoll
	}
	iv := tf / 12
	if iv > macdMaxPoll {
		iv = macdMaxPoll
	}
	if iv < macdMinPoll {
		iv = macdMinPoll
	}
	return iv
}

func (s *MACDStrategy) Schedules() []Schedule {
	return []Schedule{{Name: MACDTaskName, Interval: s.PollInterval(), Immediate: true, Run: s.Tick}}
}

// need 是计算出两个完整样本所需的最少收盘价数量
func (s *MACDStrategy) need() int {
	return s.params.SlowPeriod + s.params.SignalPeriod
}

func (s *MACDStrategy) windowSize() int {
	return s.need() + macdWindowMargin
}

func (s *MACDStrategy) Init(ctx context.Context, env *Env) error {
	s.reconcile()
	return nil
}

// source identifies the data the cached window was computed from.
func (s *MACDStrategy) source() string {
	p := s.params
	return fmt.Sprintf("%s@%s/%d-%d-%d", p.Symbol, p.Timeframe, p.FastPeriod, p.SlowPeriod, p.SignalPeriod)
}

// reconcile drops a cached window computed for another symbol, timeframe or periods.
func (s *MACDStrategy) reconcile() {
	if s.state.Source != s.source() {
		s.state = models.MACDState{Source: s.source()}
	}
}

// refresh reloads the close window when it is older than five minutes or too short.
func (s *MACDStrategy) refresh(ctx context.Context, env *Env) error {
	now := env.Now()
	if len(s.state.Closes) >= s.need() && now.Sub(s.state.LastFetchAt) < macdRefresh {
		return nil
	}

	candles, err := env.Market.GetCandles(ctx, env.Symbol, s.params.Timeframe, s.windowSize())
	if err != nil {
		if len(s.state.Closes) >= s.need() {
			env.Logger.Warn("刷新K线失败，使用已有数据", zap.Error(err))
			return nil
		}
		return models.DataFetchError(env.BotID, "get candles", err)
	}

	s.state.Closes = indicator.Closes(candles)
	s.state.LastFetchAt = now
	s.state.Source = s.source()
	times := make([]time.Time, len(candles))
	for i, c := range candles {
		times[i] = candleTime(c)
	}
	if len(times) > 0 {
		s.state.LastCandle = times[len(times)-1]
	}

	series := indicator.MACD(s.state.Closes, s.params.FastPeriod, s.params.SlowPeriod, s.params.SignalPeriod)
	fresh := series.Samples(times)
	if len(fresh) > 0 {
		// 新窗口覆盖的样本（包括未收盘的最后一根）以新计算为准
		keep := 0
		for keep < len(s.state.Samples) && s.state.Samples[keep].Timestamp.Before(fresh[0].Timestamp) {
			keep++
		}
		s.state.Samples = append(s.state.Samples[:keep:keep], fresh...)
	}
	if over := len(s.state.Samples) - maxSamples; over > 0 {
		s.state.Samples = append([]models.IndicatorSample(nil), s.state.Samples[over:]...)
	}
	env.MarkDirty()
	return nil
}

func candleTime(c models.Candle) time.Time {
	if !c.CloseTime.IsZero() {
		return c.CloseTime.UTC()
	}
	return c.OpenTime.UTC()
}

// Latest returns the newest indicator sample, if any.
func (s *MACDStrategy) Latest() (models.IndicatorSample, bool) {
	if n := len(s.state.Samples); n > 0 {
		return s.state.Samples[n-1], true
	}
	return models.IndicatorSample{}, false
}

// Tick 刷新数据、判断信号并执行，同一根K线上最多执行一次
func (s *MACDStrategy) Tick(ctx context.Context, env *Env) error {
	if err := s.refresh(ctx, env); err != nil {
		return err
	}
	n := len(s.state.Samples)
	if n < 2 {
		env.Logger.Debug("样本不足，等待更多K线", zap.Int("closes", len(s.state.Closes)))
		return nil
	}
	prev, curr := s.state.Samples[n-2], s.state.Samples[n-1]
	sig := indicator.Crossover(prev, curr)
	if string(sig) != s.state.LastSignal {
		s.state.LastSignal = string(sig)
		env.MarkDirty()
	}
	if sig == indicator.SignalNeutral || s.state.LastActedAt.Equal(curr.Timestamp) {
		return nil
	}

	positions, err := env.OpenPositions(ctx)
	if err != nil {
		return err
	}

	switch sig {
	case indicator.SignalBuy:
		if len(positions) >= s.params.MaxPositions {
			env.Logger.Debug("持仓已满，忽略买入信号", zap.Int("open", len(positions)))
			return nil
		}
		price, err := env.Price(ctx)
		if err != nil {
			return err
		}
		confidence := indicator.Confidence(curr)
		_, err = env.Open(ctx, models.TradeRequest{
			Direction:    models.Long,
			EntryPrice:   price,
			Quantity:     s.params.InvestmentAmount / price,
			Reason:       "MACD bullish crossover",
			Confidence:   confidence,
			SignalSource: "macd",
			Metadata: map[string]any{
				"macd":      curr.MACD,
				"signal":    curr.Signal,
				"histogram": curr.Histogram,
			},
		})
		if err != nil {
			return err
		}
	case indicator.SignalSell:
		if len(positions) == 0 {
			return nil
		}
		closed, err := env.CloseAll(ctx, "MACD bearish crossover")
		env.Logger.Info("MACD 卖出信号，平仓", zap.Int("closed", closed))
		if err != nil {
			return err
		}
	}
	s.state.LastActedAt = curr.Timestamp
	env.MarkDirty()
	return nil
}

func (s *MACDStrategy) Snapshot() (json.RawMessage, error) {
	return json.Marshal(s.state)
}

func (s *MACDStrategy) Restore(raw json.RawMessage) error {
	var st models.MACDState
	if err := json.Unmarshal(raw, &st); err != nil {
		return err
	}
	s.state = st
	return nil
}

// ApplyParameters drops the cached window when the symbol, periods or timeframe change.
func (s *MACDStrategy) ApplyParameters(p models.Parameters) (bool, error) {
	if p.MACD == nil {
		return false, models.ConfigError("apply macd parameters", fmt.Errorf("missing macd parameters"))
	}
	oldPoll := s.PollInterval()
	s.params = *p.MACD
	s.reconcile()
	return s.PollInterval() != oldPoll, nil
}

func (s *MACDStrategy) Live() map[string]any {
	out := map[string]any{
		"last_signal": s.state.LastSignal,
		"closes":      len(s.state.Closes),
		"poll":        s.PollInterval().String(),
	}
	if latest, ok := s.Latest(); ok {
		out["latest"] = latest
	}
	return out
}
