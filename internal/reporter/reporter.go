package reporter

import (
	"fmt"
	"math"
	"paper-trading-bots/internal/models"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Report 存储根据成交记录计算出的绩效指标
type Report struct {
	Capital          float64   `json:"capital"`
	RealizedProfit   float64   `json:"realized_profit"`
	ProfitPercentage float64   `json:"profit_percentage"`
	TotalTrades      int       `json:"total_trades"`
	ClosedTrades     int       `json:"closed_trades"`
	WinningTrades    int       `json:"winning_trades"`
	LosingTrades     int       `json:"losing_trades"`
	WinRate          float64   `json:"win_rate"`
	AvgProfitLoss    float64   `json:"avg_profit_loss"` // 平均盈利 / 平均亏损
	MaxDrawdown      float64   `json:"max_drawdown"`    // 百分比
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
}

// isClose 平仓成交带有开仓价
func isClose(t models.Trade) bool {
	_, ok := t.Metadata["entry_price"]
	return ok || t.Profit != 0
}

// Compute calculates the report of a bot from its trades (oldest first) and deployable capital.
func Compute(trades []models.Trade, capital float64) Report {
	r := Report{Capital: capital, TotalTrades: len(trades)}
	if len(trades) == 0 {
		return r
	}
	r.StartTime = trades[0].Timestamp
	r.EndTime = trades[len(trades)-1].Timestamp

	var totalProfit, totalLoss float64
	equity := capital
	equityCurve := []float64{equity}
	for _, trade := range trades {
		if !isClose(trade) {
			continue
		}
		r.ClosedTrades++
		r.RealizedProfit += trade.Profit
		if trade.Profit > 0 {
			r.WinningTrades++
			totalProfit += trade.Profit
		} else {
			r.LosingTrades++
			totalLoss += trade.Profit
		}
		equity += trade.Profit
		equityCurve = append(equityCurve, equity)
	}

	if r.ClosedTrades > 0 {
		r.WinRate = float64(r.WinningTrades) / float64(r.ClosedTrades) * 100
	}
	if r.LosingTrades > 0 && r.WinningTrades > 0 {
		avgWin := totalProfit / float64(r.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(r.LosingTrades))
		if avgLoss > 0 {
			r.AvgProfitLoss = avgWin / avgLoss
		}
	}
	if capital > 0 {
		r.ProfitPercentage = r.RealizedProfit / capital * 100
	}
	r.MaxDrawdown = calculateMaxDrawdown(equityCurve) * 100
	return r
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

// RenderReport 以表格形式输出单个机器人的绩效
func RenderReport(title string, r Report) string {
	t := table.NewWriter()
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	t.AppendRows([]table.Row{
		{"投入资金", fmt.Sprintf("%.2f USDT", r.Capital)},
		{"已实现利润", fmt.Sprintf("%.2f USDT", r.RealizedProfit)},
		{"收益率", fmt.Sprintf("%.2f%%", r.ProfitPercentage)},
		{"总成交", r.TotalTrades},
		{"平仓次数", r.ClosedTrades},
		{"胜率", fmt.Sprintf("%.2f%%", r.WinRate)},
		{"平均盈亏比", fmt.Sprintf("%.2f", r.AvgProfitLoss)},
		{"最大回撤", fmt.Sprintf("%.2f%%", r.MaxDrawdown)},
	})
	return t.Render()
}

// StatusRow 是状态总表中的一行
type StatusRow struct {
	ID       string
	Name     string
	Strategy models.StrategyType
	Symbol   string
	Status   models.BotStatus
	Price    float64
	Metrics  models.Metrics
	Saved    bool // 本轮是否成功保存
}

// StatusTable renders the periodic overview of all live bots.
func StatusTable(rows []StatusRow) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "名称", "策略", "交易对", "状态", "现价", "盈亏", "盈亏%", "成交", "已保存"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
	})

	var total float64
	for _, r := range rows {
		saved := "yes"
		if !r.Saved {
			saved = "skipped"
		}
		t.AppendRow(table.Row{
			r.ID, r.Name, r.Strategy, r.Symbol, r.Status,
			fmt.Sprintf("%.4f", r.Price),
			fmt.Sprintf("%.2f", r.Metrics.ProfitLoss),
			fmt.Sprintf("%.2f%%", r.Metrics.ProfitLossPercent),
			r.Metrics.TradeCount,
			saved,
		})
		total += r.Metrics.ProfitLoss
	}
	t.AppendFooter(table.Row{"", "", "", "", fmt.Sprintf("%d 个", len(rows)), "", fmt.Sprintf("%.2f", total)})
	return t.Render()
}
