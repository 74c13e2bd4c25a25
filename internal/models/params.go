package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// GridParams 网格策略参数
type GridParams struct {
	Symbol                  string  `json:"symbol"`
	Levels                  int     `json:"levels"`
	UpperBound              float64 `json:"upper_bound"`
	LowerBound              float64 `json:"lower_bound"`
	TotalInvestment         float64 `json:"total_investment"`
	Adaptive                bool    `json:"adaptive"`
	MaxPositionFraction     float64 `json:"max_position_fraction,omitempty"`     // 0 表示不限制
	VolatilityLookbackHours int     `json:"volatility_lookback_hours,omitempty"` // 默认 24
}

// DCAParams 定投策略参数
type DCAParams struct {
	Symbol             string  `json:"symbol"`
	IntervalHours      float64 `json:"interval_hours"`
	TotalBudget        float64 `json:"total_budget"`
	PurchaseAmount     float64 `json:"purchase_amount"`
	MaxPurchases       int     `json:"max_purchases"`
	PriceTargetPercent float64 `json:"price_target_percent,omitempty"`
	StopLossPercent    float64 `json:"stop_loss_percent,omitempty"`
}

// Interval returns the purchase interval as a duration.
func (p DCAParams) Interval() time.Duration {
	return time.Duration(p.IntervalHours * float64(time.Hour))
}

// MACDParams MACD 动量策略参数
type MACDParams struct {
	Symbol           string  `json:"symbol"`
	FastPeriod       int     `json:"fast_period"`
	SlowPeriod       int     `json:"slow_period"`
	SignalPeriod     int     `json:"signal_period"`
	Timeframe        string  `json:"timeframe"`
	InvestmentAmount float64 `json:"investment_amount"`
	MaxPositions     int     `json:"max_positions"`
}

var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// TimeframeDuration returns the candle duration of a timeframe such as "15m" or "4h".
func TimeframeDuration(tf string) (time.Duration, bool) {
	d, ok := timeframes[tf]
	return d, ok
}

// Parameters 是按策略类型区分的参数联合体，恰好设置与 StrategyType 对应的一个变体
type Parameters struct {
	Grid *GridParams `json:"grid,omitempty"`
	DCA  *DCAParams  `json:"dca,omitempty"`
	MACD *MACDParams `json:"macd,omitempty"`
}

// Clone deep-copies the set variant.
func (p Parameters) Clone() Parameters {
	var out Parameters
	if p.Grid != nil {
		g := *p.Grid
		out.Grid = &g
	}
	if p.DCA != nil {
		d := *p.DCA
		out.DCA = &d
	}
	if p.MACD != nil {
		m := *p.MACD
		out.MACD = &m
	}
	return out
}

// Type returns the strategy of the set variant, or "" when none or several are set.
func (p Parameters) Type() StrategyType {
	var t StrategyType
	n := 0
	if p.Grid != nil {
		t, n = StrategyGrid, n+1
	}
	if p.DCA != nil {
		t, n = StrategyDCA, n+1
	}
	if p.MACD != nil {
		t, n = StrategyMACD, n+1
	}
	if n != 1 {
		return ""
	}
	return t
}

// Symbol returns the trading symbol of the set variant.
func (p Parameters) Symbol() string {
	switch {
	case p.Grid != nil:
		return p.Grid.Symbol
	case p.DCA != nil:
		return p.DCA.Symbol
	case p.MACD != nil:
		return p.MACD.Symbol
	}
	return ""
}

// Capital returns the quote amount the strategy may deploy, the basis of P/L percentages.
func (p Parameters) Capital() float64 {
	switch {
	case p.Grid != nil:
		return p.Grid.TotalInvestment
	case p.DCA != nil:
		return p.DCA.TotalBudget
	case p.MACD != nil:
		return p.MACD.InvestmentAmount * float64(p.MACD.MaxPositions)
	}
	return 0
}

// variant returns the set variant as a value suitable for JSON (de)serialization.
func (p *Parameters) variant(t StrategyType) (any, error) {
	switch t {
	case StrategyGrid:
		if p.Grid == nil {
			p.Grid = &GridParams{}
		}
		return p.Grid, nil
	case StrategyDCA:
		if p.DCA == nil {
			p.DCA = &DCAParams{}
		}
		return p.DCA, nil
	case StrategyMACD:
		if p.MACD == nil {
			p.MACD = &MACDParams{}
		}
		return p.MACD, nil
	}
	return nil, ConfigError("parse parameters", fmt.Errorf("unknown strategy type %q", t))
}

// Validate checks that exactly the variant for t is set and that its fields are usable.
// Every failing field is reported.
func (p Parameters) Validate(t StrategyType) error {
	if !t.Valid() {
		return ConfigError("validate parameters", fmt.Errorf("unknown strategy type %q", t))
	}
	if p.Type() != t {
		return ConfigError("validate parameters", fmt.Errorf("parameters do not match strategy type %q", t))
	}

	var err error
	switch t {
	case StrategyGrid:
		err = p.Grid.validate()
	case StrategyDCA:
		err = p.DCA.validate()
	case StrategyMACD:
		err = p.MACD.validate()
	}
	if err != nil {
		return ConfigError("validate parameters", err)
	}
	return nil
}

func requireSymbol(symbol string) error {
	if strings.TrimSpace(symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	return nil
}

func (g *GridParams) validate() error {
	err := requireSymbol(g.Symbol)
	if g.Levels < 2 {
		err = multierr.Append(err, fmt.Errorf("levels must be at least 2, got %d", g.Levels))
	}
	if g.LowerBound <= 0 {
		err = multierr.Append(err, fmt.Errorf("lower_bound must be positive"))
	}
	if g.UpperBound <= g.LowerBound {
		err = multierr.Append(err, fmt.Errorf("upper_bound (%v) must be greater than lower_bound (%v)", g.UpperBound, g.LowerBound))
	}
	if g.TotalInvestment <= 0 {
		err = multierr.Append(err, fmt.Errorf("total_investment must be positive"))
	}
	if g.MaxPositionFraction < 0 || g.MaxPositionFraction > 1 {
		err = multierr.Append(err, fmt.Errorf("max_position_fraction must be within [0, 1]"))
	}
	if g.VolatilityLookbackHours < 0 {
		err = multierr.Append(err, fmt.Errorf("volatility_lookback_hours must not be negative"))
	}
	return err
}

func (d *DCAParams) validate() error {
	err := requireSymbol(d.Symbol)
	if d.IntervalHours <= 0 {
		err = multierr.Append(err, fmt.Errorf("interval_hours must be positive"))
	}
	if d.TotalBudget <= 0 {
		err = multierr.Append(err, fmt.Errorf("total_budget must be positive"))
	}
	if d.PurchaseAmount <= 0 {
		err = multierr.Append(err, fmt.Errorf("purchase_amount must be positive"))
	} else if d.PurchaseAmount > d.TotalBudget {
		err = multierr.Append(err, fmt.Errorf("purchase_amount (%v) must not exceed total_budget (%v)", d.PurchaseAmount, d.TotalBudget))
	}
	if d.MaxPurchases <= 0 {
		err = multierr.Append(err, fmt.Errorf("max_purchases must be positive"))
	}
	if d.PriceTargetPercent < 0 {
		err = multierr.Append(err, fmt.Errorf("price_target_percent must not be negative"))
	}
	if d.StopLossPercent < 0 {
		err = multierr.Append(err, fmt.Errorf("stop_loss_percent must not be negative"))
	}
	return err
}

func (m *MACDParams) validate() error {
	err := requireSymbol(m.Symbol)
	if m.FastPeriod <= 0 {
		err = multierr.Append(err, fmt.Errorf("fast_period must be positive"))
	}
	if m.SlowPeriod <= m.FastPeriod {
		err = multierr.Append(err, fmt.Errorf("slow_period (%d) must be greater than fast_period (%d)", m.SlowPeriod, m.FastPeriod))
	}
	if m.SignalPeriod <= 0 {
		err = multierr.Append(err, fmt.Errorf("signal_period must be positive"))
	}
	if _, ok := TimeframeDuration(m.Timeframe); !ok {
		err = multierr.Append(err, fmt.Errorf("unsupported timeframe %q", m.Timeframe))
	}
	if m.InvestmentAmount <= 0 {
		err = multierr.Append(err, fmt.Errorf("investment_amount must be positive"))
	}
	if m.MaxPositions <= 0 {
		err = multierr.Append(err, fmt.Errorf("max_positions must be positive"))
	}
	return err
}

// ParseParameters decodes the raw JSON parameters of a strategy into the matching variant and
// validates them. Unknown fields are rejected.
func ParseParameters(t StrategyType, raw json.RawMessage) (Parameters, error) {
	var p Parameters
	v, err := p.variant(t)
	if err != nil {
		return Parameters{}, err
	}
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return Parameters{}, ConfigError("parse parameters", err)
		}
	}
	if err := p.Validate(t); err != nil {
		return Parameters{}, err
	}
	return p, nil
}

// MergeParameters overlays a partial JSON object onto current and returns the validated result.
// current is not modified.
func MergeParameters(t StrategyType, current Parameters, patch json.RawMessage) (Parameters, error) {
	merged := current.Clone()
	v, err := merged.variant(t)
	if err != nil {
		return Parameters{}, err
	}

	base, err := json.Marshal(v)
	if err != nil {
		return Parameters{}, ConfigError("merge parameters", err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(base, &fields); err != nil {
		return Parameters{}, ConfigError("merge parameters", err)
	}
	overlay := map[string]json.RawMessage{}
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return Parameters{}, ConfigError("merge parameters", fmt.Errorf("patch must be a JSON object: %w", err))
	}
	for k, val := range overlay {
		fields[k] = val
	}
	combined, err := json.Marshal(fields)
	if err != nil {
		return Parameters{}, ConfigError("merge parameters", err)
	}
	return ParseParameters(t, combined)
}

// Validate checks the risk percentages.
func (r RiskSettings) Validate() error {
	var err error
	if r.StopLossEnabled && r.StopLossPercentage <= 0 {
		err = multierr.Append(err, fmt.Errorf("stop_loss_percentage must be positive when stop loss is enabled"))
	}
	if r.TakeProfitEnabled && r.TakeProfitPercentage <= 0 {
		err = multierr.Append(err, fmt.Errorf("take_profit_percentage must be positive when take profit is enabled"))
	}
	if r.StopLossPercentage < 0 || r.TakeProfitPercentage < 0 {
		err = multierr.Append(err, fmt.Errorf("risk percentages must not be negative"))
	}
	if err != nil {
		return ConfigError("validate risk settings", err)
	}
	return nil
}
