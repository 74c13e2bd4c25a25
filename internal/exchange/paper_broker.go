package exchange

import (
	"context"
	"errors"
	"fmt"
	"paper-trading-bots/internal/models"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaperBrokerConfig 模拟撮合参数
type PaperBrokerConfig struct {
	InitialBalance float64 // 每个用户账户的初始资金
	TakerFeeRate   float64 // 吃单手续费率
	SlippageRate   float64 // 滑点率
}

// PaperBroker 是进程内的模拟交易所，为每个用户维护一个账户。
// 同一用户同一交易对上的持仓变更是串行的。
type PaperBroker struct {
	cfg    PaperBrokerConfig
	market MarketData
	logger *zap.Logger

	mu          sync.Mutex
	accounts    map[string]*paperAccount
	symbolLocks map[string]*sync.Mutex
}

// NewPaperBroker creates a broker. market supplies exit prices when positions are closed.
func NewPaperBroker(cfg PaperBrokerConfig, market MarketData, logger *zap.Logger) *PaperBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperBroker{
		cfg:         cfg,
		market:      market,
		logger:      logger,
		accounts:    make(map[string]*paperAccount),
		symbolLocks: make(map[string]*sync.Mutex),
	}
}

// BridgeFor returns the account of userID, creating it on first use.
func (b *PaperBroker) BridgeFor(userID string) PaperBridge {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[userID]
	if !ok {
		acc = &paperAccount{
			broker:    b,
			userID:    userID,
			balance:   decimal.NewFromFloat(b.cfg.InitialBalance),
			positions: make(map[string]*paperPosition),
		}
		b.accounts[userID] = acc
	}
	return acc
}

// Balance returns the free cash of userID.
func (b *PaperBroker) Balance(userID string) float64 {
	acc := b.BridgeFor(userID).(*paperAccount)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.balance.InexactFloat64()
}

func (b *PaperBroker) symbolLock(userID, symbol string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := userID + "/" + symbol
	l, ok := b.symbolLocks[key]
	if !ok {
		l = &sync.Mutex{}
		b.symbolLocks[key] = l
	}
	return l
}

type paperPosition struct {
	models.Position
	entry    decimal.Decimal
	qty      decimal.Decimal
	entryFee decimal.Decimal
}

type paperAccount struct {
	broker *PaperBroker
	userID string

	mu        sync.Mutex
	balance   decimal.Decimal
	positions map[string]*paperPosition
}

// Initialize 模拟账户总是可用
func (a *paperAccount) Initialize(_ context.Context) (bool, error) {
	return true, nil
}

// ExecuteTrade 以请求价格加滑点开仓，扣除成本与手续费
func (a *paperAccount) ExecuteTrade(_ context.Context, req models.TradeRequest) (models.TradeResult, error) {
	if req.Symbol == "" || req.Quantity <= 0 || req.EntryPrice <= 0 {
		return models.TradeResult{Success: false, Message: "invalid trade request"}, nil
	}
	if req.Direction != models.Long && req.Direction != models.Short {
		return models.TradeResult{Success: false, Message: fmt.Sprintf("unknown direction %q", req.Direction)}, nil
	}

	lock := a.broker.symbolLock(a.userID, req.Symbol)
	lock.Lock()
	defer lock.Unlock()

	slip := decimal.NewFromFloat(a.broker.cfg.SlippageRate)
	price := decimal.NewFromFloat(req.EntryPrice)
	if req.Direction == models.Long {
		price = price.Mul(decimal.NewFromInt(1).Add(slip))
	} else {
		price = price.Mul(decimal.NewFromInt(1).Sub(slip))
	}
	qty := decimal.NewFromFloat(req.Quantity)
	notional := price.Mul(qty)
	fee := notional.Mul(decimal.NewFromFloat(a.broker.cfg.TakerFeeRate))
	cost := notional.Add(fee) // 空头同样冻结名义价值作为保证金

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.balance.LessThan(cost) {
		return models.TradeResult{
			Success: false,
			Message: fmt.Sprintf("insufficient balance: need %s, have %s", cost.StringFixed(2), a.balance.StringFixed(2)),
		}, nil
	}
	a.balance = a.balance.Sub(cost)

	pos := &paperPosition{
		Position: models.Position{
			ID:           uuid.NewString(),
			UserID:       a.userID,
			BotID:        req.BotID,
			Symbol:       req.Symbol,
			Direction:    req.Direction,
			EntryPrice:   price.InexactFloat64(),
			Quantity:     req.Quantity,
			CurrentPrice: price.InexactFloat64(),
			ProfitLoss:   fee.Neg().InexactFloat64(),
			OpenedAt:     time.Now().UTC(),
		},
		entry:    price,
		qty:      qty,
		entryFee: fee,
	}
	a.positions[pos.ID] = pos

	a.broker.logger.Debug("模拟开仓",
		zap.String("user_id", a.userID),
		zap.String("bot_id", req.BotID),
		zap.String("symbol", req.Symbol),
		zap.String("direction", string(req.Direction)),
		zap.String("price", price.String()),
		zap.Float64("quantity", req.Quantity),
		zap.String("reason", req.Reason),
		zap.String("signal_source", req.SignalSource),
	)
	return models.TradeResult{Success: true, TradeID: pos.ID}, nil
}

// GetOpenPositions 返回按开仓时间排序的持仓副本，按当前市价计算浮动盈亏（已扣开仓手续费）。
// 取价失败的交易对保留上一次的价格与盈亏。
func (a *paperAccount) GetOpenPositions(ctx context.Context) ([]models.Position, error) {
	a.mu.Lock()
	held := make([]paperPosition, 0, len(a.positions))
	for _, p := range a.positions {
		held = append(held, *p)
	}
	a.mu.Unlock()
	sort.Slice(held, func(i, j int) bool { return held[i].OpenedAt.Before(held[j].OpenedAt) })

	prices := make(map[string]decimal.Decimal)
	out := make([]models.Position, len(held))
	for i, p := range held {
		out[i] = p.Position
		last, ok := prices[p.Symbol]
		if !ok && a.broker.market != nil {
			f, err := a.broker.market.GetCurrentPrice(ctx, p.Symbol)
			if err != nil || f <= 0 {
				a.broker.logger.Debug("无法获取现价，持仓保留旧估值", zap.String("symbol", p.Symbol), zap.Error(err))
				continue
			}
			last, ok = decimal.NewFromFloat(f), true
			prices[p.Symbol] = last
		}
		if !ok {
			continue
		}
		gross := last.Sub(p.entry).Mul(p.qty)
		if p.Direction == models.Short {
			gross = gross.Neg()
		}
		out[i].CurrentPrice = last.InexactFloat64()
		out[i].ProfitLoss = gross.Sub(p.entryFee).InexactFloat64()
	}
	a.mu.Lock()
	for _, p := range out {
		if pos, ok := a.positions[p.ID]; ok {
			pos.CurrentPrice = p.CurrentPrice
			pos.ProfitLoss = p.ProfitLoss
		}
	}
	a.mu.Unlock()
	return out, nil
}

// ClosePosition 以当前市场价减滑点平仓，结算盈亏
func (a *paperAccount) ClosePosition(ctx context.Context, positionID, reason string) (models.CloseResult, error) {
	a.mu.Lock()
	pos, ok := a.positions[positionID]
	a.mu.Unlock()
	if !ok {
		return models.CloseResult{Success: false, Message: "position not found"}, nil
	}

	lock := a.broker.symbolLock(a.userID, pos.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if a.broker.market == nil {
		return models.CloseResult{}, errors.New("paper broker has no market data")
	}
	last, err := a.broker.market.GetCurrentPrice(ctx, pos.Symbol)
	if err != nil {
		return models.CloseResult{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// 等锁期间可能已被其他机器人平仓
	if _, still := a.positions[positionID]; !still {
		return models.CloseResult{Success: false, Message: "position already closed"}, nil
	}

	slip := decimal.NewFromFloat(a.broker.cfg.SlippageRate)
	exit := decimal.NewFromFloat(last)
	if pos.Direction == models.Long {
		exit = exit.Mul(decimal.NewFromInt(1).Sub(slip))
	} else {
		exit = exit.Mul(decimal.NewFromInt(1).Add(slip))
	}
	exitFee := exit.Mul(pos.qty).Mul(decimal.NewFromFloat(a.broker.cfg.TakerFeeRate))

	var gross decimal.Decimal
	if pos.Direction == models.Long {
		gross = exit.Sub(pos.entry).Mul(pos.qty)
	} else {
		gross = pos.entry.Sub(exit).Mul(pos.qty)
	}
	// 退还开仓冻结的名义价值，加上毛利，扣除平仓手续费
	a.balance = a.balance.Add(pos.entry.Mul(pos.qty)).Add(gross).Sub(exitFee)
	profit := gross.Sub(pos.entryFee).Sub(exitFee)
	delete(a.positions, positionID)

	a.broker.logger.Debug("模拟平仓",
		zap.String("user_id", a.userID),
		zap.String("bot_id", pos.BotID),
		zap.String("symbol", pos.Symbol),
		zap.String("exit", exit.String()),
		zap.String("profit", profit.StringFixed(4)),
		zap.String("reason", reason),
	)
	return models.CloseResult{
		Success:   true,
		ExitPrice: exit.InexactFloat64(),
		Profit:    profit.InexactFloat64(),
		Message:   reason,
	}, nil
}
