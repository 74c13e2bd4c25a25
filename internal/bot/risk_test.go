package bot

import (
	"context"
	"paper-trading-bots/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskExit(t *testing.T) {
	risk := models.RiskSettings{
		StopLossEnabled:      true,
		StopLossPercentage:   5,
		TakeProfitEnabled:    true,
		TakeProfitPercentage: 10,
	}
	long := models.Position{Direction: models.Long, EntryPrice: 100, Quantity: 1}
	short := models.Position{Direction: models.Short, EntryPrice: 100, Quantity: 1}

	assert.Equal(t, "", RiskExit(long, 96, risk))
	assert.Equal(t, ReasonStopLoss, RiskExit(long, 94, risk))
	assert.Equal(t, ReasonTakeProfit, RiskExit(long, 111, risk))

	assert.Equal(t, ReasonStopLoss, RiskExit(short, 106, risk))
	assert.Equal(t, ReasonTakeProfit, RiskExit(short, 89, risk))
	assert.Equal(t, "", RiskExit(short, 101, risk))

	risk.StopLossEnabled = false
	assert.Equal(t, "", RiskExit(long, 50, risk))
}

func TestStopLossClosesPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.market.SetPrice("ETHUSDT", 100)

	p := dcaParams()
	risk := models.RiskSettings{StopLossEnabled: true, StopLossPercentage: 5}
	b := f.create(t, models.StrategyDCA, models.Parameters{DCA: &p}, risk)
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.RunTask(ctx, DCATaskName))
	require.Len(t, b.Trades(), 1)

	f.market.SetPrice("ETHUSDT", 96)
	require.NoError(t, b.CheckStopLossAndTakeProfit(ctx))
	assert.Len(t, b.Trades(), 1)

	f.market.SetPrice("ETHUSDT", 94)
	require.NoError(t, b.CheckStopLossAndTakeProfit(ctx))
	trades := b.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, ReasonStopLoss, trades[1].Reason)
	assert.InDelta(t, -6.0, trades[1].Profit, 1e-9)

	cfg := b.Config()
	assert.Equal(t, 2, cfg.Metrics.TradeCount)
	assert.InDelta(t, -6.0, cfg.Metrics.ProfitLoss, 1e-9)
	assert.InDelta(t, -0.6, cfg.Metrics.ProfitLossPercent, 1e-9)
	assert.Equal(t, models.StatusRunning, b.Status(), "risk exits keep the bot running")
}

func TestUpdateRiskTakesEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.market.SetPrice("ETHUSDT", 100)

	p := dcaParams()
	b := f.create(t, models.StrategyDCA, models.Parameters{DCA: &p}, models.RiskSettings{})
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.RunTask(ctx, DCATaskName))

	f.market.SetPrice("ETHUSDT", 120)
	require.NoError(t, b.CheckStopLossAndTakeProfit(ctx))
	assert.Len(t, b.Trades(), 1)

	require.Error(t, b.UpdateRisk(ctx, models.RiskSettings{TakeProfitEnabled: true}))
	require.NoError(t, b.UpdateRisk(ctx, models.RiskSettings{TakeProfitEnabled: true, TakeProfitPercentage: 15}))
	require.NoError(t, b.CheckStopLossAndTakeProfit(ctx))
	trades := b.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, ReasonTakeProfit, trades[1].Reason)

	stored, err := f.repo.GetBotByID(ctx, b.ID())
	require.NoError(t, err)
	assert.Equal(t, 15.0, stored.Risk.TakeProfitPercentage)
}
