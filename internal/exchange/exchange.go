package exchange

import (
	"context"
	"errors"
	"paper-trading-bots/internal/models"
)

// ErrNoPrice 表示行情源当前无法给出价格
var ErrNoPrice = errors.New("no price available")

// MarketData 定义了策略所需的行情接口，与具体交易所无关。
type MarketData interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// PaperBridge 是单个用户的模拟交易账户。
// 所有下单与持仓记账都委托给它，核心从不接触真实交易所。
type PaperBridge interface {
	Initialize(ctx context.Context) (bool, error)
	ExecuteTrade(ctx context.Context, req models.TradeRequest) (models.TradeResult, error)
	GetOpenPositions(ctx context.Context) ([]models.Position, error)
	ClosePosition(ctx context.Context, positionID, reason string) (models.CloseResult, error)
}

// BridgeProvider 按用户返回模拟交易账户
type BridgeProvider interface {
	BridgeFor(userID string) PaperBridge
}
