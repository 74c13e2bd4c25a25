package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"paper-trading-bots/internal/indicator"
	"paper-trading-bots/internal/models"
	"time"

	"go.uber.org/zap"
)

const (
	GridTaskName = "grid"

	gridTickInterval       = time.Minute
	adaptiveRefresh        = 15 * time.Minute
	defaultLookbackHours   = 24
	maxGridOrderHistory    = models.MaxTradeHistory
	volatilityCandleWindow = "1h"
)

// GenerateGridLevels 生成 levels 个严格递增的网格价格。
//
// 非自适应模式等距分布；自适应模式按 pow(i/(N-1), 0.5+volatility) 映射位置。
// currentPrice > 0 时按与现价的相对位置分配买卖角色（低于现价为买），
// 否则按下标奇偶（偶数为买）。
func GenerateGridLevels(p models.GridParams, currentPrice, volatility float64, adaptive bool) []models.GridLevel {
	n := p.Levels
	if n < 2 {
		n = 2
	}
	span := p.UpperBound - p.LowerBound
	levels := make([]models.GridLevel, n)

	for i := 0; i < n; i++ {
		pos := float64(i) / float64(n-1)
		if adaptive {
			pos = math.Pow(pos, 0.5+volatility)
		}
		price := p.LowerBound + pos*span
		if i == n-1 {
			price = p.UpperBound
		}
		if i > 0 && price <= levels[i-1].Price {
			price = math.Nextafter(levels[i-1].Price, math.Inf(1))
		}
		levels[i].Price = price
	}
	AssignGridRoles(levels, currentPrice)
	return levels
}

// AssignGridRoles sets roles relative to price, or by index parity when no price is known yet.
func AssignGridRoles(levels []models.GridLevel, price float64) {
	for i := range levels {
		switch {
		case price <= 0:
			if i%2 == 0 {
				levels[i].Role = models.RoleBuy
			} else {
				levels[i].Role = models.RoleSell
			}
		case levels[i].Price < price:
			levels[i].Role = models.RoleBuy
		default:
			levels[i].Role = models.RoleSell
		}
	}
}

// GridStrategy 在区间内按档位低买高卖
type GridStrategy struct {
	params models.GridParams
	state  models.GridState
}

func NewGridStrategy(p models.GridParams) *GridStrategy {
	return &GridStrategy{params: p}
}

func (s *GridStrategy) Type() models.StrategyType { return models.StrategyGrid }

func (s *GridStrategy) Capital() float64 { return s.params.TotalInvestment }

func (s *GridStrategy) Schedules() []Schedule {
	return []Schedule{{Name: GridTaskName, Interval: gridTickInterval, Immediate: true, Run: s.Tick}}
}

// Levels returns a copy of the current grid table.
func (s *GridStrategy) Levels() []models.GridLevel {
	return append([]models.GridLevel(nil), s.state.Levels...)
}

func (s *GridStrategy) lookbackHours() int {
	if s.params.VolatilityLookbackHours > 0 {
		return s.params.VolatilityLookbackHours
	}
	return defaultLookbackHours
}

// Init fetches a price when none is known and rebuilds the table when it no longer matches the
// parameters. A failed price fetch is not fatal: roles then stay by parity until the first tick.
func (s *GridStrategy) Init(ctx context.Context, env *Env) error {
	if s.state.LastPrice <= 0 {
		price, err := env.Price(ctx)
		if err != nil {
			env.Logger.Warn("初始化网格时无法获取价格，使用奇偶角色", zap.Error(err))
		} else {
			s.state.LastPrice = price
		}
	}
	if s.stale() || (s.params.Adaptive && s.state.LastAdaptiveAt.IsZero()) {
		s.regenerate(ctx, env, s.state.LastPrice)
		return nil
	}
	AssignGridRoles(s.state.Levels, s.state.LastPrice)
	return nil
}

// stale reports whether the table was generated from other bounds, level count or mode.
func (s *GridStrategy) stale() bool {
	return len(s.state.Levels) != s.params.Levels || s.state.Basis != s.params.Basis()
}

func (s *GridStrategy) generate(price float64) {
	s.state.Levels = GenerateGridLevels(s.params, price, s.state.Volatility, s.params.Adaptive)
	s.state.Basis = s.params.Basis()
}

// regenerate replaces the whole table, refreshing volatility first in adaptive mode.
func (s *GridStrategy) regenerate(ctx context.Context, env *Env, price float64) {
	if s.params.Adaptive && env != nil {
		candles, err := env.Market.GetCandles(ctx, env.Symbol, volatilityCandleWindow, s.lookbackHours()+1)
		if err != nil {
			env.Logger.Warn("获取K线失败，沿用上次波动率", zap.Error(err))
		} else {
			s.state.Volatility = indicator.Volatility(indicator.Closes(candles))
		}
		s.state.LastAdaptiveAt = env.Now()
	}
	s.generate(price)
	if env != nil {
		env.Logger.Info("网格已生成",
			zap.Int("levels", len(s.state.Levels)),
			zap.Float64("price", price),
			zap.Float64("volatility", s.state.Volatility),
			zap.Bool("adaptive", s.params.Adaptive),
		)
	}
}

// Tick 获取现价，寻找被触发的最近档位并下单
func (s *GridStrategy) Tick(ctx context.Context, env *Env) error {
	price, err := env.Price(ctx)
	if err != nil {
		return err
	}

	if s.params.Adaptive && env.Now().Sub(s.state.LastAdaptiveAt) >= adaptiveRefresh {
		s.regenerate(ctx, env, price)
		env.MarkDirty()
	} else if s.stale() {
		s.regenerate(ctx, env, price)
		env.MarkDirty()
	}

	prev := s.state.LastPrice
	s.state.LastPrice = price
	if prev <= 0 {
		AssignGridRoles(s.state.Levels, price)
		env.MarkDirty()
		return nil
	}

	// 角色相对于上一次价格，触发判断使用同一基准
	AssignGridRoles(s.state.Levels, prev)
	idx := s.triggered(prev, price)
	defer AssignGridRoles(s.state.Levels, price)
	if idx < 0 {
		return nil
	}

	level := s.state.Levels[idx]
	qty := s.params.TotalInvestment / float64(s.params.Levels) / price

	var trade *models.Trade
	if level.Role == models.RoleBuy {
		trade, err = s.buy(ctx, env, level, price, qty)
	} else {
		trade, err = s.sell(ctx, env, level, price, qty)
	}
	if err != nil {
		return err
	}
	if trade != nil {
		s.state.Orders = append(s.state.Orders, *trade)
		if over := len(s.state.Orders) - maxGridOrderHistory; over > 0 {
			s.state.Orders = append([]models.Trade(nil), s.state.Orders[over:]...)
		}
	}
	env.MarkDirty()
	return nil
}

// triggered returns the index of the nearest level whose trigger is met between prev and price:
// a buy level reached from above or a sell level reached from below. -1 if none.
func (s *GridStrategy) triggered(prev, price float64) int {
	best := -1
	bestDist := math.Inf(1)
	for i, l := range s.state.Levels {
		hit := false
		switch l.Role {
		case models.RoleBuy:
			hit = prev > l.Price && price <= l.Price
		case models.RoleSell:
			hit = prev < l.Price && price >= l.Price
		}
		if !hit {
			continue
		}
		if d := math.Abs(l.Price - price); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func (s *GridStrategy) buy(ctx context.Context, env *Env, level models.GridLevel, price, qty float64) (*models.Trade, error) {
	if s.params.MaxPositionFraction > 0 {
		positions, err := env.OpenPositions(ctx)
		if err != nil {
			return nil, err
		}
		exposure := 0.0
		for _, p := range positions {
			if p.Direction == models.Long {
				exposure += p.EntryPrice * p.Quantity
			}
		}
		room := s.params.MaxPositionFraction*s.params.TotalInvestment - exposure
		// 剩余额度不足一档的 1% 视为已满
		if room/price < qty*0.01 {
			env.Logger.Info("已达到最大持仓比例，跳过买入", zap.Float64("exposure", exposure))
			return nil, nil
		}
		qty = math.Min(qty, room/price)
	}

	return env.Open(ctx, models.TradeRequest{
		Direction:    models.Long,
		EntryPrice:   price,
		Quantity:     qty,
		Reason:       fmt.Sprintf("Grid buy at level %.8g", level.Price),
		SignalSource: "grid",
		Metadata:     map[string]any{"level_price": level.Price},
	})
}

// sell closes the oldest open long when there is one, otherwise opens a short.
func (s *GridStrategy) sell(ctx context.Context, env *Env, level models.GridLevel, price, qty float64) (*models.Trade, error) {
	positions, err := env.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		if p.Direction == models.Long {
			return env.Close(ctx, p, fmt.Sprintf("Grid sell at level %.8g", level.Price))
		}
	}
	return env.Open(ctx, models.TradeRequest{
		Direction:    models.Short,
		EntryPrice:   price,
		Quantity:     qty,
		Reason:       fmt.Sprintf("Grid sell at level %.8g", level.Price),
		SignalSource: "grid",
		Metadata:     map[string]any{"level_price": level.Price},
	})
}

func (s *GridStrategy) Snapshot() (json.RawMessage, error) {
	return json.Marshal(s.state)
}

func (s *GridStrategy) Restore(raw json.RawMessage) error {
	var st models.GridState
	if err := json.Unmarshal(raw, &st); err != nil {
		return err
	}
	s.state = st
	return nil
}

// ApplyParameters regenerates the table right away when the bounds, level count or mode moved
// away from the ones the current table was built with.
func (s *GridStrategy) ApplyParameters(p models.Parameters) (bool, error) {
	if p.Grid == nil {
		return false, models.ConfigError("apply grid parameters", fmt.Errorf("missing grid parameters"))
	}
	s.params = *p.Grid
	if s.stale() {
		s.generate(s.state.LastPrice)
	}
	return false, nil
}

func (s *GridStrategy) Live() map[string]any {
	return map[string]any{
		"levels":     s.Levels(),
		"last_price": s.state.LastPrice,
		"volatility": s.state.Volatility,
		"orders":     len(s.state.Orders),
	}
}
