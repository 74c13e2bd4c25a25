package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"paper-trading-bots/internal/models"
	"time"

	"go.uber.org/zap"
)

const (
	DCATaskName = "dca"

	ReasonPriceTarget = "Price Target"

	dcaMaxPoll = time.Minute
)

// DCAStrategy 定投：按固定间隔买入固定金额，直到预算或次数用完
type DCAStrategy struct {
	params models.DCAParams
	state  models.DCAState

	// 以下由 state.Purchases 推导，不持久化
	count    int
	invested float64
	quantity float64
	average  float64
}

func NewDCAStrategy(p models.DCAParams) *DCAStrategy {
	return &DCAStrategy{params: p}
}

func (s *DCAStrategy) Type() models.StrategyType { return models.StrategyDCA }

func (s *DCAStrategy) Capital() float64 { return s.params.TotalBudget }

// pollInterval 检查频率，不超过一分钟，保证按时买入
func (s *DCAStrategy) pollInterval() time.Duration {
	if iv := s.params.Interval(); iv > 0 && iv < dcaMaxPoll {
		return iv
	}
	return dcaMaxPoll
}

func (s *DCAStrategy) Schedules() []Schedule {
	return []Schedule{{Name: DCATaskName, Interval: s.pollInterval(), Immediate: true, Run: s.Tick}}
}

// recompute derives count, invested amount and the volume weighted average entry from the full
// purchase history.
func (s *DCAStrategy) recompute() {
	s.count = len(s.state.Purchases)
	s.invested, s.quantity, s.average = 0, 0, 0
	for _, p := range s.state.Purchases {
		s.invested += p.Amount
		s.quantity += p.Quantity
	}
	if s.quantity > 0 {
		s.average = s.invested / s.quantity
	}
}

// Totals returns purchase count, invested amount and average entry price.
func (s *DCAStrategy) Totals() (count int, invested, average float64) {
	return s.count, s.invested, s.average
}

func (s *DCAStrategy) exhausted() bool {
	return s.count >= s.params.MaxPurchases || s.invested >= s.params.TotalBudget-1e-9
}

func (s *DCAStrategy) Init(ctx context.Context, env *Env) error {
	s.recompute()
	return nil
}

// Tick buys when the interval has elapsed and stops the bot once the budget or the purchase count
// is used up.
func (s *DCAStrategy) Tick(ctx context.Context, env *Env) error {
	if s.exhausted() {
		if !s.state.Completed {
			s.state.Completed = true
			env.MarkDirty()
		}
		env.RequestStop(fmt.Sprintf("dca completed: %d purchases, %.2f invested", s.count, s.invested))
		return nil
	}

	now := env.Now()
	if n := len(s.state.Purchases); n > 0 {
		if now.Sub(s.state.Purchases[n-1].Timestamp) < s.params.Interval() {
			return nil
		}
	}

	price, err := env.Price(ctx)
	if err != nil {
		return err
	}
	amount := math.Min(s.params.PurchaseAmount, s.params.TotalBudget-s.invested)
	if amount <= 0 {
		return nil
	}
	qty := amount / price

	trade, err := env.Open(ctx, models.TradeRequest{
		Direction:    models.Long,
		EntryPrice:   price,
		Quantity:     qty,
		Reason:       fmt.Sprintf("DCA purchase %d/%d", s.count+1, s.params.MaxPurchases),
		SignalSource: "dca",
	})
	if err != nil {
		return err
	}

	s.state.Purchases = append(s.state.Purchases, models.DCAPurchase{
		Timestamp: now.UTC(),
		Price:     price,
		Quantity:  qty,
		Amount:    amount,
		TradeID:   trade.ID,
	})
	s.recompute()
	env.MarkDirty()
	env.Logger.Info("定投买入",
		zap.Int("count", s.count),
		zap.Float64("amount", amount),
		zap.Float64("invested", s.invested),
		zap.Float64("average", s.average),
	)
	return nil
}

// CheckRisk closes everything and stops the bot once profit against the average entry reaches the
// price target, or the loss reaches the stop loss.
func (s *DCAStrategy) CheckRisk(ctx context.Context, env *Env) error {
	if s.average <= 0 || (s.params.PriceTargetPercent <= 0 && s.params.StopLossPercent <= 0) {
		return nil
	}
	price, err := env.Price(ctx)
	if err != nil {
		return err
	}
	pct := (price - s.average) / s.average * 100

	var reason string
	switch {
	case s.params.PriceTargetPercent > 0 && pct >= s.params.PriceTargetPercent:
		reason = ReasonPriceTarget
	case s.params.StopLossPercent > 0 && pct <= -s.params.StopLossPercent:
		reason = ReasonStopLoss
	default:
		return nil
	}

	closed, err := env.CloseAll(ctx, reason)
	env.Logger.Info("定投退出",
		zap.String("reason", reason),
		zap.Float64("profit_pct", pct),
		zap.Int("closed", closed),
	)
	if err != nil {
		return err
	}
	s.state.Completed = true
	env.MarkDirty()
	env.RequestStop(reason)
	return nil
}

func (s *DCAStrategy) Snapshot() (json.RawMessage, error) {
	return json.Marshal(s.state)
}

func (s *DCAStrategy) Restore(raw json.RawMessage) error {
	var st models.DCAState
	if err := json.Unmarshal(raw, &st); err != nil {
		return err
	}
	s.state = st
	s.recompute()
	return nil
}

func (s *DCAStrategy) ApplyParameters(p models.Parameters) (bool, error) {
	if p.DCA == nil {
		return false, models.ConfigError("apply dca parameters", fmt.Errorf("missing dca parameters"))
	}
	old := s.pollInterval()
	s.params = *p.DCA
	return s.pollInterval() != old, nil
}

func (s *DCAStrategy) Live() map[string]any {
	return map[string]any{
		"purchase_count":  s.count,
		"total_invested":  s.invested,
		"average_price":   s.average,
		"remaining":       math.Max(0, s.params.TotalBudget-s.invested),
		"completed":       s.state.Completed,
		"total_quantity":  s.quantity,
		"purchases_limit": s.params.MaxPurchases,
	}
}
