package models

import (
	"encoding/json"
	"time"
)

// StateVersion 状态模型的版本号，用于未来迁移
const StateVersion = 1

// MaxTradeHistory 内存中保留的成交记录条数，完整历史在存储中
const MaxTradeHistory = 50

// BotState 是写入 BotConfig.State 的不透明快照
type BotState struct {
	Version        int             `json:"version"`
	TradeHistory   []Trade         `json:"trade_history"`
	Metrics        Metrics         `json:"metrics"`
	Strategy       json.RawMessage `json:"strategy,omitempty"` // 策略自身的运行时状态
	LastUpdateTime time.Time       `json:"last_update_time"`
}

// DecodeBotState parses a persisted blob. An empty blob yields (nil, nil).
func DecodeBotState(raw json.RawMessage) (*BotState, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s BotState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GridState 网格策略的持久化状态
type GridState struct {
	Levels         []GridLevel `json:"levels"`
	LastPrice      float64     `json:"last_price"`
	Volatility     float64     `json:"volatility"`
	LastAdaptiveAt time.Time   `json:"last_adaptive_at"`
	Orders         []Trade     `json:"orders"`
	Basis          GridBasis   `json:"basis"` // 生成当前档位表所用的参数
}

// GridBasis 是决定档位价格的那部分网格参数
type GridBasis struct {
	LowerBound float64 `json:"lower_bound"`
	UpperBound float64 `json:"upper_bound"`
	Levels     int     `json:"levels"`
	Adaptive   bool    `json:"adaptive"`
}

// Basis extracts the parameters that shape the grid table.
func (p GridParams) Basis() GridBasis {
	return GridBasis{LowerBound: p.LowerBound, UpperBound: p.UpperBound, Levels: p.Levels, Adaptive: p.Adaptive}
}

// DCAPurchase 一次定投买入
type DCAPurchase struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Amount    float64   `json:"amount"`
	TradeID   string    `json:"trade_id,omitempty"`
}

// DCAState 只保存完整买入历史，累计值在加载时重新计算
type DCAState struct {
	Purchases []DCAPurchase `json:"purchases"`
	Completed bool          `json:"completed"`
}

// MACDState MACD 策略的持久化状态
type MACDState struct {
	Closes      []float64         `json:"closes"`
	LastFetchAt time.Time         `json:"last_fetch_at"`
	Samples     []IndicatorSample `json:"samples"`
	LastSignal  string            `json:"last_signal"`
	LastCandle  time.Time         `json:"last_candle"`   // 窗口中最新K线的收盘时间
	LastActedAt time.Time         `json:"last_acted_at"` // 最近一次按信号下单时对应的K线
	Source      string            `json:"source"`        // 窗口对应的交易对、周期与参数
}
