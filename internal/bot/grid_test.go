package bot

import (
	"context"
	"paper-trading-bots/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gridParams() models.GridParams {
	return models.GridParams{
		Symbol:          "BTCUSDT",
		Levels:          5,
		UpperBound:      92000,
		LowerBound:      85000,
		TotalInvestment: 10000,
	}
}

func prices(levels []models.GridLevel) []float64 {
	out := make([]float64, len(levels))
	for i, l := range levels {
		out[i] = l.Price
	}
	return out
}

func assertStrictlyAscending(t *testing.T, levels []models.GridLevel) {
	t.Helper()
	for i := 1; i < len(levels); i++ {
		assert.Greater(t, levels[i].Price, levels[i-1].Price, "level %d", i)
	}
}

func TestGenerateGridLevelsEquidistant(t *testing.T) {
	levels := GenerateGridLevels(gridParams(), 0, 0, false)

	require.Len(t, levels, 5)
	assert.InDeltaSlice(t, []float64{85000, 86750, 88500, 90250, 92000}, prices(levels), 1e-6)
	// 尚无价格时按奇偶分配
	assert.Equal(t, models.RoleBuy, levels[0].Role)
	assert.Equal(t, models.RoleSell, levels[1].Role)
	assert.Equal(t, models.RoleBuy, levels[2].Role)
}

func TestGenerateGridLevelsPriceRelativeRoles(t *testing.T) {
	levels := GenerateGridLevels(gridParams(), 89000, 0, false)

	roles := make([]models.GridRole, len(levels))
	for i, l := range levels {
		roles[i] = l.Role
	}
	assert.Equal(t, []models.GridRole{models.RoleBuy, models.RoleBuy, models.RoleBuy, models.RoleSell, models.RoleSell}, roles)
}

func TestGenerateGridLevelsAdaptive(t *testing.T) {
	p := gridParams()
	p.Levels = 9
	for _, vol := range []float64{0, 0.02, 0.5, 3} {
		levels := GenerateGridLevels(p, 88000, vol, true)
		require.Len(t, levels, 9)
		assert.Equal(t, p.LowerBound, levels[0].Price)
		assert.Equal(t, p.UpperBound, levels[8].Price)
		assertStrictlyAscending(t, levels)
	}

	// 波动越大，档位越向下边界聚集
	calm := GenerateGridLevels(p, 88000, 0.01, true)
	wild := GenerateGridLevels(p, 88000, 1.5, true)
	assert.Less(t, wild[4].Price, calm[4].Price)
}

func TestGenerateGridLevelsDegenerateSpan(t *testing.T) {
	p := gridParams()
	p.Levels = 4
	p.UpperBound = p.LowerBound + 1e-9
	levels := GenerateGridLevels(p, 0, 0, false)
	require.Len(t, levels, 4)
	assertStrictlyAscending(t, levels)
}

func TestGridTickBuysAndSells(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.market.SetPrice("BTCUSDT", 89000)

	p := gridParams()
	b := f.create(t, models.StrategyGrid, models.Parameters{Grid: &p}, models.RiskSettings{})
	require.NoError(t, b.Start(ctx))

	require.NoError(t, b.RunTask(ctx, GridTaskName))
	assert.Empty(t, b.Trades(), "no trade without a level cross")

	// 价格下穿 88500 买入档
	f.market.SetPrice("BTCUSDT", 88400)
	require.NoError(t, b.RunTask(ctx, GridTaskName))
	trades := b.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, models.Buy, trades[0].Side)
	assert.InDelta(t, 2000.0/88400, trades[0].Quantity, 1e-12)
	assert.Equal(t, 88500.0, trades[0].Metadata["level_price"])

	// 上穿 90250 卖出档，平掉已有多单
	f.market.SetPrice("BTCUSDT", 90300)
	require.NoError(t, b.RunTask(ctx, GridTaskName))
	trades = b.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, models.Sell, trades[1].Side)
	assert.Greater(t, trades[1].Profit, 0.0)

	positions, err := f.broker.BridgeFor("user-1").GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)

	stored, err := f.repo.GetBotTrades(ctx, b.ID())
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestGridSellWithoutLongOpensShort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.market.SetPrice("BTCUSDT", 89000)

	p := gridParams()
	b := f.create(t, models.StrategyGrid, models.Parameters{Grid: &p}, models.RiskSettings{})
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.RunTask(ctx, GridTaskName))

	f.market.SetPrice("BTCUSDT", 90300)
	require.NoError(t, b.RunTask(ctx, GridTaskName))

	positions, err := f.broker.BridgeFor("user-1").GetOpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, models.Short, positions[0].Direction)
}

func TestGridMaxPositionFraction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.market.SetPrice("BTCUSDT", 92000)

	p := gridParams()
	p.MaxPositionFraction = 0.3 // 最多 3000 USDT 多头敞口
	b := f.create(t, models.StrategyGrid, models.Parameters{Grid: &p}, models.RiskSettings{})
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.RunTask(ctx, GridTaskName))

	for _, price := range []float64{90200, 88400, 86700} {
		f.market.SetPrice("BTCUSDT", price)
		require.NoError(t, b.RunTask(ctx, GridTaskName))
	}

	positions, err := f.broker.BridgeFor("user-1").GetOpenPositions(ctx)
	require.NoError(t, err)
	exposure := 0.0
	for _, pos := range positions {
		exposure += pos.EntryPrice * pos.Quantity
	}
	assert.LessOrEqual(t, exposure, 3000.0+1e-6)
	assert.Len(t, positions, 2)
}

func TestGridAdaptiveUsesVolatility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.market.SetPrice("BTCUSDT", 88000)
	closes := []float64{100, 110, 99, 108.9, 98, 107.8}
	candles := make([]models.Candle, len(closes))
	for i, c := range closes {
		candles[i] = models.Candle{Close: c, CloseTime: f.clock().Add(time.Duration(i-len(closes)) * time.Hour)}
	}
	f.market.SetCandles("BTCUSDT", "1h", candles)

	p := gridParams()
	p.Adaptive = true
	p.Levels = 6
	b := f.create(t, models.StrategyGrid, models.Parameters{Grid: &p}, models.RiskSettings{})
	require.NoError(t, b.Start(ctx))

	live := b.Live()
	assert.Greater(t, live.Strategy["volatility"].(float64), 0.05)
	levels := live.Strategy["levels"].([]models.GridLevel)
	require.Len(t, levels, 6)
	assertStrictlyAscending(t, levels)
}

func TestGridSaveLoadRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.market.SetPrice("BTCUSDT", 89000)

	p := gridParams()
	b := f.create(t, models.StrategyGrid, models.Parameters{Grid: &p}, models.RiskSettings{})
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.RunTask(ctx, GridTaskName))
	f.market.SetPrice("BTCUSDT", 88400)
	require.NoError(t, b.RunTask(ctx, GridTaskName))
	require.NoError(t, b.Save(ctx))

	stored, err := f.repo.GetBotByID(ctx, b.ID())
	require.NoError(t, err)
	fresh, err := New(stored, f.deps())
	require.NoError(t, err)
	require.NoError(t, fresh.Initialize(ctx))

	assert.Equal(t, b.Trades(), fresh.Trades())
	assert.Equal(t, b.Live().Strategy["levels"], fresh.Live().Strategy["levels"])
	assert.Equal(t, b.Config().Metrics, fresh.Config().Metrics)
}

func TestGridUpdateParametersRegenerates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.market.SetPrice("BTCUSDT", 89000)

	p := gridParams()
	b := f.create(t, models.StrategyGrid, models.Parameters{Grid: &p}, models.RiskSettings{})
	require.NoError(t, b.Start(ctx))

	next := p
	next.Levels = 8
	next.UpperBound = 95000
	require.NoError(t, b.UpdateParameters(ctx, models.Parameters{Grid: &next}))

	levels := b.Live().Strategy["levels"].([]models.GridLevel)
	require.Len(t, levels, 8)
	assert.Equal(t, 95000.0, levels[7].Price)
	assert.Equal(t, models.StatusRunning, b.Status())

	stored, err := f.repo.GetBotByID(ctx, b.ID())
	require.NoError(t, err)
	assert.Equal(t, 8, stored.Parameters.Grid.Levels)
}

func TestGridStartAssignsRolesFromPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.market.SetPrice("BTCUSDT", 89000)

	p := gridParams()
	b := f.create(t, models.StrategyGrid, models.Parameters{Grid: &p}, models.RiskSettings{})
	require.NoError(t, b.Start(ctx))

	live := b.Live()
	assert.Equal(t, 89000.0, live.Strategy["last_price"])
	levels := live.Strategy["levels"].([]models.GridLevel)
	require.Len(t, levels, 5)
	for _, l := range levels {
		if l.Price < 89000 {
			assert.Equal(t, models.RoleBuy, l.Role, "level %v", l.Price)
		} else {
			assert.Equal(t, models.RoleSell, l.Role, "level %v", l.Price)
		}
	}
}

func TestGridRestartUsesBoundsChangedWhileStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.market.SetPrice("BTCUSDT", 89000)

	p := gridParams()
	b := f.create(t, models.StrategyGrid, models.Parameters{Grid: &p}, models.RiskSettings{})
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.RunTask(ctx, GridTaskName))
	require.NoError(t, b.Stop(ctx))

	next := p
	next.LowerBound = 80000
	next.UpperBound = 90000
	require.NoError(t, f.repo.UpdateBot(ctx, b.ID(), models.BotUpdate{Parameters: &models.Parameters{Grid: &next}}))

	stored, err := f.repo.GetBotByID(ctx, b.ID())
	require.NoError(t, err)
	fresh, err := New(stored, f.deps())
	require.NoError(t, err)
	require.NoError(t, fresh.Start(ctx))

	levels := fresh.Live().Strategy["levels"].([]models.GridLevel)
	require.Len(t, levels, 5)
	assert.Equal(t, 80000.0, levels[0].Price)
	assert.Equal(t, 90000.0, levels[4].Price)
	assertStrictlyAscending(t, levels)
}
