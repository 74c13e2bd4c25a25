package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"paper-trading-bots/internal/exchange"
	"paper-trading-bots/internal/models"
	"time"

	"go.uber.org/zap"
)

// Schedule 描述策略的一个周期任务
type Schedule struct {
	Name      string
	Interval  time.Duration
	Immediate bool
	Run       func(ctx context.Context, env *Env) error
}

// Strategy is the trading logic plugged into the lifecycle base. All methods are called with the
// bot's state lock held, so implementations need no locking of their own.
type Strategy interface {
	Type() models.StrategyType
	Schedules() []Schedule

	// Init prepares runtime state after Restore, e.g. the initial grid table.
	Init(ctx context.Context, env *Env) error

	Snapshot() (json.RawMessage, error)
	Restore(raw json.RawMessage) error

	// ApplyParameters switches to p. It reports whether the schedules changed.
	ApplyParameters(p models.Parameters) (reschedule bool, err error)

	// Live returns strategy specific details for status queries.
	Live() map[string]any

	// Capital is the amount of quote currency the strategy may deploy, the basis of P/L percent.
	Capital() float64
}

// RiskChecker is implemented by strategies with their own exit rules, evaluated on every run of
// the shared risk loop.
type RiskChecker interface {
	CheckRisk(ctx context.Context, env *Env) error
}

// NewStrategy builds the strategy matching t from already validated parameters.
func NewStrategy(t models.StrategyType, p models.Parameters) (Strategy, error) {
	switch t {
	case models.StrategyGrid:
		if p.Grid == nil {
			return nil, models.ConfigError("new strategy", fmt.Errorf("missing grid parameters"))
		}
		return NewGridStrategy(*p.Grid), nil
	case models.StrategyDCA:
		if p.DCA == nil {
			return nil, models.ConfigError("new strategy", fmt.Errorf("missing dca parameters"))
		}
		return NewDCAStrategy(*p.DCA), nil
	case models.StrategyMACD:
		if p.MACD == nil {
			return nil, models.ConfigError("new strategy", fmt.Errorf("missing macd parameters"))
		}
		return NewMACDStrategy(*p.MACD), nil
	}
	return nil, models.ConfigError("new strategy", fmt.Errorf("unknown strategy type %q", t))
}

// Env is what a strategy sees of its bot: identity, collaborators and a few actions that go
// through the lifecycle base.
type Env struct {
	BotID  string
	UserID string
	Symbol string
	Market exchange.MarketData
	Bridge exchange.PaperBridge
	Logger *zap.Logger

	bot *Bot
}

// Now returns the bot clock.
func (e *Env) Now() time.Time {
	return e.bot.now()
}

// Price fetches the current price, wrapping failures as data fetch errors.
func (e *Env) Price(ctx context.Context) (float64, error) {
	price, err := e.Market.GetCurrentPrice(ctx, e.Symbol)
	if err != nil {
		return 0, models.DataFetchError(e.BotID, "get current price", err)
	}
	if price <= 0 {
		return 0, models.DataFetchError(e.BotID, "get current price", exchange.ErrNoPrice)
	}
	e.bot.lastPrice = price
	return price, nil
}

// OpenPositions returns the open positions of this bot on its symbol.
func (e *Env) OpenPositions(ctx context.Context) ([]models.Position, error) {
	all, err := e.Bridge.GetOpenPositions(ctx)
	if err != nil {
		return nil, models.ExecutionError(e.BotID, "get open positions", err)
	}
	out := make([]models.Position, 0, len(all))
	for _, p := range all {
		if p.Symbol != e.Symbol {
			continue
		}
		if p.BotID != "" && p.BotID != e.BotID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Open submits a new position and records the resulting trade.
func (e *Env) Open(ctx context.Context, req models.TradeRequest) (*models.Trade, error) {
	req.BotID = e.BotID
	req.Symbol = e.Symbol
	res, err := e.Bridge.ExecuteTrade(ctx, req)
	if err != nil {
		return nil, models.ExecutionError(e.BotID, "execute trade", err)
	}
	if !res.Success {
		return nil, models.ExecutionError(e.BotID, "execute trade", fmt.Errorf("rejected: %s", res.Message))
	}

	side := models.Buy
	if req.Direction == models.Short {
		side = models.Sell
	}
	meta := map[string]any{"position_id": res.TradeID, "direction": string(req.Direction)}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.Confidence > 0 {
		meta["confidence"] = req.Confidence
	}
	if req.SignalSource != "" {
		meta["signal_source"] = req.SignalSource
	}
	t := models.Trade{
		Side:     side,
		Price:    req.EntryPrice,
		Quantity: req.Quantity,
		Total:    req.EntryPrice * req.Quantity,
		Status:   models.TradeExecuted,
		Reason:   req.Reason,
		Metadata: meta,
	}
	e.bot.recordTrade(ctx, &t)
	return &t, nil
}

// Close closes one position and records the resulting trade.
func (e *Env) Close(ctx context.Context, pos models.Position, reason string) (*models.Trade, error) {
	res, err := e.Bridge.ClosePosition(ctx, pos.ID, reason)
	if err != nil {
		return nil, models.ExecutionError(e.BotID, "close position", err)
	}
	if !res.Success {
		return nil, models.ExecutionError(e.BotID, "close position", fmt.Errorf("rejected: %s", res.Message))
	}

	side := models.Sell
	if pos.Direction == models.Short {
		side = models.Buy
	}
	t := models.Trade{
		Side:     side,
		Price:    res.ExitPrice,
		Quantity: pos.Quantity,
		Total:    res.ExitPrice * pos.Quantity,
		Status:   models.TradeExecuted,
		Reason:   reason,
		Profit:   res.Profit,
		Metadata: map[string]any{
			"position_id": pos.ID,
			"direction":   string(pos.Direction),
			"entry_price": pos.EntryPrice,
		},
	}
	e.bot.recordTrade(ctx, &t)
	return &t, nil
}

// CloseAll closes every open position of the bot on its symbol. It returns the number closed and
// the first error met; the remaining positions are still attempted.
func (e *Env) CloseAll(ctx context.Context, reason string) (int, error) {
	positions, err := e.OpenPositions(ctx)
	if err != nil {
		return 0, err
	}
	closed := 0
	var firstErr error
	for _, p := range positions {
		if _, err := e.Close(ctx, p, reason); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		closed++
	}
	return closed, firstErr
}

// RequestStop asks the lifecycle base to stop the bot once the current run returns.
func (e *Env) RequestStop(reason string) {
	e.bot.stopRequested = reason
	e.Logger.Info("strategy requested stop", zap.String("reason", reason))
}

// MarkDirty schedules a state save after the current run.
func (e *Env) MarkDirty() {
	e.bot.dirty = true
}
