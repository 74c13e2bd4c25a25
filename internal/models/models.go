package models

import (
	"encoding/json"
	"time"
)

// Config 是守护进程的全部配置
type Config struct {
	Storage              string    `json:"storage"`                 // "badger" 或 "postgres"
	DBPath               string    `json:"db_path"`                 // Badger 数据目录
	DatabaseURL          string    `json:"database_url"`            // PostgreSQL 连接串
	HTTPAddr             string    `json:"http_addr"`               // 管理接口监听地址，为空则不启动
	SweepInterval        string    `json:"sweep_interval"`          // 周期性状态保存的 cron 表达式
	SweepBudgetMs        int       `json:"sweep_budget_ms"`         // 每个机器人快照的最长等待时间
	RiskCheckIntervalSec int       `json:"risk_check_interval_sec"` // 止盈止损检查间隔
	PaperInitialBalance  float64   `json:"paper_initial_balance"`   // 模拟账户初始资金 (USDT)
	TakerFeeRate         float64   `json:"taker_fee_rate"`          // 吃单手续费率
	SlippageRate         float64   `json:"slippage_rate"`           // 滑点率
	BinanceBaseURL       string    `json:"binance_base_url"`        // 行情 REST 地址
	UsePriceStream       bool      `json:"use_price_stream"`        // 是否启用 WebSocket 价格缓存
	WSBaseURL            string    `json:"ws_base_url"`             // 行情 WebSocket 地址
	LogConfig            LogConfig `json:"log"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// StrategyType 区分三种策略
type StrategyType string

const (
	StrategyGrid StrategyType = "grid"
	StrategyDCA  StrategyType = "dca"
	StrategyMACD StrategyType = "macd"
)

// Valid reports whether t names a known strategy.
func (t StrategyType) Valid() bool {
	switch t {
	case StrategyGrid, StrategyDCA, StrategyMACD:
		return true
	}
	return false
}

// BotStatus 是机器人生命周期状态
type BotStatus string

const (
	StatusCreated BotStatus = "CREATED"
	StatusRunning BotStatus = "RUNNING"
	StatusPaused  BotStatus = "PAUSED"
	StatusStopped BotStatus = "STOPPED"
	StatusError   BotStatus = "ERROR"
)

// CanTransition reports whether the lifecycle allows moving from s to next.
//
//	CREATED/STOPPED/ERROR -> RUNNING   (start)
//	RUNNING <-> PAUSED
//	RUNNING/PAUSED -> STOPPED
//	CREATED/RUNNING/PAUSED -> ERROR
func (s BotStatus) CanTransition(next BotStatus) bool {
	switch next {
	case StatusRunning:
		return s == StatusCreated || s == StatusStopped || s == StatusError || s == StatusPaused
	case StatusPaused:
		return s == StatusRunning
	case StatusStopped:
		return s == StatusRunning || s == StatusPaused
	case StatusError:
		return s == StatusCreated || s == StatusRunning || s == StatusPaused
	}
	return false
}

// RiskSettings 止损止盈设置，百分比以 5 表示 5%
type RiskSettings struct {
	StopLossEnabled      bool    `json:"stop_loss_enabled"`
	StopLossPercentage   float64 `json:"stop_loss_percentage"`
	TakeProfitEnabled    bool    `json:"take_profit_enabled"`
	TakeProfitPercentage float64 `json:"take_profit_percentage"`
}

// Metrics 累计绩效
type Metrics struct {
	ProfitLoss        float64 `json:"profit_loss"`
	ProfitLossPercent float64 `json:"profit_loss_percent"`
	TradeCount        int     `json:"trade_count"`
}

// BotConfig 是机器人的持久化配置
type BotConfig struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Name         string          `json:"name"`
	StrategyType StrategyType    `json:"strategy_type"`
	Symbol       string          `json:"symbol"`
	Parameters   Parameters      `json:"parameters"`
	Active       bool            `json:"active"`
	Running      bool            `json:"running"`
	Status       BotStatus       `json:"status"`
	Risk         RiskSettings    `json:"risk"`
	Metrics      Metrics         `json:"metrics"`
	State        json.RawMessage `json:"state,omitempty"` // 不透明的状态快照，见 BotState
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Clone returns a copy that shares no mutable memory with c.
func (c *BotConfig) Clone() *BotConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Parameters = c.Parameters.Clone()
	if c.State != nil {
		out.State = append(json.RawMessage(nil), c.State...)
	}
	return &out
}

// BotUpdate 是部分更新，nil 字段表示不修改
type BotUpdate struct {
	Name       *string         `json:"name,omitempty"`
	Symbol     *string         `json:"symbol,omitempty"`
	Parameters *Parameters     `json:"parameters,omitempty"`
	Active     *bool           `json:"active,omitempty"`
	Running    *bool           `json:"running,omitempty"`
	Status     *BotStatus      `json:"status,omitempty"`
	Risk       *RiskSettings   `json:"risk,omitempty"`
	Metrics    *Metrics        `json:"metrics,omitempty"`
	State      json.RawMessage `json:"state,omitempty"`

	// Seq orders state snapshots of one bot; 0 for updates without a snapshot. Not persisted.
	Seq uint64 `json:"-"`
}

// Apply merges the non-nil fields of u into cfg.
func (u BotUpdate) Apply(cfg *BotConfig) {
	if u.Name != nil {
		cfg.Name = *u.Name
	}
	if u.Symbol != nil {
		cfg.Symbol = *u.Symbol
	}
	if u.Parameters != nil {
		cfg.Parameters = u.Parameters.Clone()
	}
	if u.Active != nil {
		cfg.Active = *u.Active
	}
	if u.Running != nil {
		cfg.Running = *u.Running
	}
	if u.Status != nil {
		cfg.Status = *u.Status
	}
	if u.Risk != nil {
		cfg.Risk = *u.Risk
	}
	if u.Metrics != nil {
		cfg.Metrics = *u.Metrics
	}
	if u.State != nil {
		cfg.State = append(json.RawMessage(nil), u.State...)
	}
}

// Empty reports whether u changes nothing.
func (u BotUpdate) Empty() bool {
	return u.Name == nil && u.Symbol == nil && u.Parameters == nil && u.Active == nil &&
		u.Running == nil && u.Status == nil && u.Risk == nil && u.Metrics == nil && u.State == nil
}

// Merge overlays later on top of u; later wins field by field, except that a state snapshot
// older than the one already in u is ignored.
func (u BotUpdate) Merge(later BotUpdate) BotUpdate {
	if later.Seq != 0 && later.Seq < u.Seq {
		later.State, later.Metrics, later.Seq = nil, nil, 0
	}
	if later.Name != nil {
		u.Name = later.Name
	}
	if later.Symbol != nil {
		u.Symbol = later.Symbol
	}
	if later.Parameters != nil {
		u.Parameters = later.Parameters
	}
	if later.Active != nil {
		u.Active = later.Active
	}
	if later.Running != nil {
		u.Running = later.Running
	}
	if later.Status != nil {
		u.Status = later.Status
	}
	if later.Risk != nil {
		u.Risk = later.Risk
	}
	if later.Metrics != nil {
		u.Metrics = later.Metrics
	}
	if later.State != nil {
		u.State = later.State
	}
	if later.Seq != 0 {
		u.Seq = later.Seq
	}
	return u
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Direction 持仓方向
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// TradeExecuted 是已成交订单的状态，被拒绝的订单不记录
const TradeExecuted = "EXECUTED"

// Trade 记录一笔已成交的订单，只追加不修改
type Trade struct {
	ID        string         `json:"id"`
	BotID     string         `json:"bot_id"`
	UserID    string         `json:"user_id"`
	Symbol    string         `json:"symbol"`
	Side      Side           `json:"side"`
	Price     float64        `json:"price"`
	Quantity  float64        `json:"quantity"`
	Total     float64        `json:"total"`
	Status    string         `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Profit    float64        `json:"profit,omitempty"` // 平仓时的已实现盈亏
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Position 是模拟账户中的一个未平仓头寸，由模拟交易桥持有
type Position struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	BotID        string    `json:"bot_id,omitempty"`
	Symbol       string    `json:"symbol"`
	Direction    Direction `json:"direction"`
	EntryPrice   float64   `json:"entry_price"`
	Quantity     float64   `json:"quantity"`
	CurrentPrice float64   `json:"current_price"`
	ProfitLoss   float64   `json:"profit_loss"`
	OpenedAt     time.Time `json:"opened_at"`
}

// ProfitPercent returns the signed profit of p at price, in percent of entry.
func (p Position) ProfitPercent(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.Direction == Short {
		return (p.EntryPrice - price) / p.EntryPrice * 100
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100
}

// TradeRequest 提交给模拟交易桥的开仓请求
type TradeRequest struct {
	BotID        string         `json:"bot_id"`
	Symbol       string         `json:"symbol"`
	Direction    Direction      `json:"direction"`
	EntryPrice   float64        `json:"entry_price"`
	Quantity     float64        `json:"quantity"`
	Reason       string         `json:"reason"`
	Confidence   float64        `json:"confidence"`
	SignalSource string         `json:"signal_source"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// TradeResult 模拟交易桥的执行结果
type TradeResult struct {
	Success bool   `json:"success"`
	TradeID string `json:"trade_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// CloseResult 平仓结果
type CloseResult struct {
	Success   bool    `json:"success"`
	ExitPrice float64 `json:"exit_price"`
	Profit    float64 `json:"profit"`
	Message   string  `json:"message,omitempty"`
}

// GridRole 网格档位的角色
type GridRole string

const (
	RoleBuy  GridRole = "buy"
	RoleSell GridRole = "sell"
)

// GridLevel 代表网格中的一个价格档位
type GridLevel struct {
	Price float64  `json:"price"`
	Role  GridRole `json:"role"`
}

// IndicatorSample 是一次 MACD 计算的结果
type IndicatorSample struct {
	Timestamp time.Time `json:"timestamp"`
	MACD      float64   `json:"macd"`
	Signal    float64   `json:"signal"`
	Histogram float64   `json:"histogram"`
}

// Candle K线
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}
