package manager

import (
	"context"
	"encoding/json"
	"paper-trading-bots/internal/bot"
	"paper-trading-bots/internal/exchange"
	"paper-trading-bots/internal/models"
	"paper-trading-bots/internal/persistence"
	"paper-trading-bots/internal/statemanager"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const dcaParams = `{"symbol":"BTCUSDT","interval_hours":1,"total_budget":1000,"purchase_amount":100,"max_purchases":10}`

type harness struct {
	repo   persistence.BotRepository
	market *exchange.StaticMarket
	broker *exchange.PaperBroker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo, err := persistence.NewInMemoryRepository()
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	market := exchange.NewStaticMarket()
	market.SetPrice("BTCUSDT", 100)
	return &harness{
		repo:   repo,
		market: market,
		broker: exchange.NewPaperBroker(exchange.PaperBrokerConfig{InitialBalance: 100_000}, market, zap.NewNop()),
	}
}

// manager builds and initializes a manager over the shared store. Bots never start timers.
func (h *harness) manager(t *testing.T) *Manager {
	t.Helper()
	m := New(Deps{
		Repo:    h.repo,
		Market:  h.market,
		Bridges: h.broker,
		Writer:  statemanager.NewStateManager(h.repo, zap.NewNop()),
		Logger:  zap.NewNop(),
	}, Options{Manual: true, SweepBudget: 50 * time.Millisecond})
	require.NoError(t, m.Init(context.Background()))
	return m
}

func (h *harness) stored(t *testing.T, id string) *models.BotConfig {
	t.Helper()
	cfg, err := h.repo.GetBotByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	return cfg
}

func TestCreateAndStartBot(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	id, err := m.CreateBot(ctx, "user-1", models.StrategyDCA, json.RawMessage(dcaParams), "", CreateOptions{})
	require.NoError(t, err)

	cfg := h.stored(t, id)
	assert.Equal(t, models.StatusCreated, cfg.Status)
	assert.False(t, cfg.Active)
	assert.Equal(t, "dca-BTCUSDT", cfg.Name)

	ok, err := m.StartBot(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	cfg = h.stored(t, id)
	assert.Equal(t, models.StatusRunning, cfg.Status)
	assert.True(t, cfg.Active)
	assert.True(t, cfg.Running)

	ok, err = m.StartBot(ctx, id)
	require.NoError(t, err, "starting a running bot is a no-op")
	assert.True(t, ok)

	bots, err := m.GetUserBots(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, bots, 1)
	assert.Equal(t, models.StatusRunning, bots[0].Status)
}

func TestCreateBotRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	_, err := m.CreateBot(ctx, "user-1", models.StrategyDCA, json.RawMessage(`{"symbol":"BTCUSDT","total_budget":-1}`), "bad", CreateOptions{})
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = m.CreateBot(ctx, "user-1", "arbitrage", json.RawMessage(`{}`), "bad", CreateOptions{})
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = m.CreateBot(ctx, "user-1", models.StrategyDCA, json.RawMessage(dcaParams), "bad", CreateOptions{
		Risk: models.RiskSettings{StopLossEnabled: true},
	})
	assert.ErrorIs(t, err, models.ErrConfiguration)

	bots, err := m.GetUserBots(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, bots, "rejected bots are never stored")
}

func TestPauseResumeStop(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	id, err := m.CreateBot(ctx, "user-1", models.StrategyDCA, json.RawMessage(dcaParams), "dca", CreateOptions{Start: true})
	require.NoError(t, err)

	_, err = m.PauseBot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, h.stored(t, id).Status)

	_, err = m.ResumeBot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, h.stored(t, id).Status)

	ok, err := m.StopBot(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	_, live := m.Bot(id)
	assert.False(t, live, "a stopped bot leaves the registry")

	cfg := h.stored(t, id)
	assert.Equal(t, models.StatusStopped, cfg.Status)
	assert.False(t, cfg.Active)
	assert.False(t, cfg.Running)

	_, err = m.ResumeBot(ctx, id)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = m.PauseBot(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrBotNotFound)
}

func TestRunningBotsResumeAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := h.manager(t)
	running, err := m.CreateBot(ctx, "user-1", models.StrategyDCA, json.RawMessage(dcaParams), "running", CreateOptions{Start: true})
	require.NoError(t, err)
	stopped, err := m.CreateBot(ctx, "user-1", models.StrategyDCA, json.RawMessage(dcaParams), "stopped", CreateOptions{Start: true})
	require.NoError(t, err)
	_, err = m.StopBot(ctx, stopped)
	require.NoError(t, err)

	b, ok := m.Bot(running)
	require.True(t, ok)
	require.NoError(t, b.RunTask(ctx, bot.DCATaskName))
	require.NoError(t, m.Shutdown(ctx))

	cfg := h.stored(t, running)
	assert.True(t, cfg.Running, "shutdown keeps the running flag")
	assert.Equal(t, 1, cfg.Metrics.TradeCount)

	m2 := h.manager(t)
	defer m2.Shutdown(context.Background())

	b, ok = m2.Bot(running)
	require.True(t, ok)
	assert.Equal(t, models.StatusRunning, b.Status())
	assert.Len(t, b.Trades(), 1, "state is restored from storage")

	_, ok = m2.Bot(stopped)
	assert.False(t, ok, "inactive bots are not loaded")
}

func TestDeleteBot(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	id, err := m.CreateBot(ctx, "user-1", models.StrategyDCA, json.RawMessage(dcaParams), "dca", CreateOptions{Start: true})
	require.NoError(t, err)
	b, _ := m.Bot(id)
	require.NoError(t, b.RunTask(ctx, bot.DCATaskName))

	require.NoError(t, m.DeleteBot(ctx, id))
	cfg, err := h.repo.GetBotByID(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	trades, err := h.repo.GetBotTrades(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, trades)

	assert.ErrorIs(t, m.DeleteBot(ctx, id), models.ErrBotNotFound)
	_, err = m.GetBotDetails(ctx, id)
	assert.ErrorIs(t, err, models.ErrBotNotFound)
}

func TestUpdateParameters(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	id, err := m.CreateBot(ctx, "user-1", models.StrategyDCA, json.RawMessage(dcaParams), "dca", CreateOptions{})
	require.NoError(t, err)

	// 未加载的机器人直接写入存储
	cfg, err := m.UpdateParameters(ctx, id, json.RawMessage(`{"purchase_amount":200}`))
	require.NoError(t, err)
	assert.Equal(t, 200.0, cfg.Parameters.DCA.PurchaseAmount)
	assert.Equal(t, 200.0, h.stored(t, id).Parameters.DCA.PurchaseAmount)
	assert.Equal(t, 1000.0, h.stored(t, id).Parameters.DCA.TotalBudget)

	_, err = m.UpdateParameters(ctx, id, json.RawMessage(`{"purchase_amount":5000}`))
	assert.ErrorIs(t, err, models.ErrConfiguration)
	assert.Equal(t, 200.0, h.stored(t, id).Parameters.DCA.PurchaseAmount, "a rejected patch changes nothing")

	_, err = m.StartBot(ctx, id)
	require.NoError(t, err)
	cfg, err = m.UpdateParameters(ctx, id, json.RawMessage(`{"symbol":"ETHUSDT"}`))
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", cfg.Symbol)
	assert.Equal(t, models.StatusRunning, cfg.Status)
	assert.Equal(t, "ETHUSDT", h.stored(t, id).Symbol)
}

func TestUpdateRiskSettings(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	id, err := m.CreateBot(ctx, "user-1", models.StrategyDCA, json.RawMessage(dcaParams), "dca", CreateOptions{Start: true})
	require.NoError(t, err)

	cfg, err := m.UpdateRiskSettings(ctx, id, json.RawMessage(`{"stop_loss_enabled":true,"stop_loss_percentage":5}`))
	require.NoError(t, err)
	assert.True(t, cfg.Risk.StopLossEnabled)
	assert.Equal(t, 5.0, h.stored(t, id).Risk.StopLossPercentage)

	_, err = m.UpdateRiskSettings(ctx, id, json.RawMessage(`{"take_profit_enabled":true}`))
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = m.UpdateRiskSettings(ctx, id, json.RawMessage(`{"trailing":true}`))
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestGetBotDetailsAndTrades(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	id, err := m.CreateBot(ctx, "user-1", models.StrategyDCA, json.RawMessage(dcaParams), "dca", CreateOptions{Start: true})
	require.NoError(t, err)
	b, _ := m.Bot(id)
	require.NoError(t, b.RunTask(ctx, bot.DCATaskName))

	details, err := m.GetBotDetails(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, details.Live)
	assert.Equal(t, models.StatusRunning, details.Live.Status)
	assert.Equal(t, 1, details.Config.Metrics.TradeCount)
	assert.Equal(t, 1, details.Report.TotalTrades)
	assert.Equal(t, 1000.0, details.Report.Capital)
	assert.Equal(t, 1, details.Live.Strategy["purchase_count"])

	trades, err := m.GetBotTrades(ctx, id)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.Buy, trades[0].Side)
	assert.InDelta(t, 100.0, trades[0].Total, 1e-6)

	_, err = m.GetBotTrades(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrBotNotFound)
}

func TestSweepPersistsState(t *testing.T) {
	h := newHarness(t)
	m := h.manager(t)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	id, err := m.CreateBot(ctx, "user-1", models.StrategyDCA, json.RawMessage(dcaParams), "dca", CreateOptions{Start: true})
	require.NoError(t, err)
	before := h.stored(t, id).State

	b, _ := m.Bot(id)
	require.NoError(t, b.RunTask(ctx, bot.DCATaskName))

	m.Sweep(ctx)
	require.NoError(t, m.deps.Writer.Flush(ctx))

	after := h.stored(t, id)
	assert.NotEqual(t, string(before), string(after.State))
	st, err := models.DecodeBotState(after.State)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Len(t, st.TradeHistory, 1)
}

const gridParams = `{"symbol":"BTCUSDT","levels":5,"lower_bound":85000,"upper_bound":92000,"total_investment":10000}`

func TestParametersChangedWhileStoppedApplyOnStart(t *testing.T) {
	h := newHarness(t)
	h.market.SetPrice("BTCUSDT", 89000)
	m := h.manager(t)
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	id, err := m.CreateBot(ctx, "user-1", models.StrategyGrid, json.RawMessage(gridParams), "grid", CreateOptions{Start: true})
	require.NoError(t, err)
	_, err = m.StopBot(ctx, id)
	require.NoError(t, err)

	_, err = m.UpdateParameters(ctx, id, json.RawMessage(`{"lower_bound":80000,"upper_bound":90000}`))
	require.NoError(t, err)
	_, err = m.StartBot(ctx, id)
	require.NoError(t, err)

	b, ok := m.Bot(id)
	require.True(t, ok)
	levels := b.Live().Strategy["levels"].([]models.GridLevel)
	require.Len(t, levels, 5)
	assert.Equal(t, 80000.0, levels[0].Price)
	assert.Equal(t, 90000.0, levels[4].Price)
}

// stallingMarket blocks price requests while armed, until released.
type stallingMarket struct {
	*exchange.StaticMarket
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *stallingMarket) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if s.armed.Load() {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.StaticMarket.GetCurrentPrice(ctx, symbol)
}

func TestSweepSkipsBusyBotWithinBudget(t *testing.T) {
	h := newHarness(t)
	market := &stallingMarket{StaticMarket: h.market, entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := New(Deps{
		Repo:    h.repo,
		Market:  market,
		Bridges: h.broker,
		Writer:  statemanager.NewStateManager(h.repo, zap.NewNop()),
		Logger:  zap.NewNop(),
	}, Options{Manual: true, SweepBudget: 50 * time.Millisecond})
	require.NoError(t, m.Init(context.Background()))
	ctx := context.Background()

	id, err := m.CreateBot(ctx, "user-1", models.StrategyDCA, json.RawMessage(dcaParams), "dca", CreateOptions{Start: true})
	require.NoError(t, err)
	b, _ := m.Bot(id)

	market.armed.Store(true)
	done := make(chan error, 1)
	go func() { done <- b.RunTask(ctx, bot.DCATaskName) }()
	<-market.entered

	start := time.Now()
	m.Sweep(ctx)
	assert.Less(t, time.Since(start), time.Second, "a busy bot must not hold up the sweep")
	assert.Equal(t, models.StatusRunning, b.Summary().Status)

	market.armed.Store(false)
	close(market.release)
	require.NoError(t, <-done)
	assert.Len(t, b.Trades(), 1)
	require.NoError(t, m.Shutdown(ctx))
}

func TestStopBotLogsPerformanceReport(t *testing.T) {
	h := newHarness(t)
	core, logs := observer.New(zap.InfoLevel)
	m := New(Deps{
		Repo:    h.repo,
		Market:  h.market,
		Bridges: h.broker,
		Writer:  statemanager.NewStateManager(h.repo, zap.NewNop()),
		Logger:  zap.New(core),
	}, Options{Manual: true})
	require.NoError(t, m.Init(context.Background()))
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	id, err := m.CreateBot(ctx, "user-1", models.StrategyDCA, json.RawMessage(dcaParams), "dca", CreateOptions{Start: true})
	require.NoError(t, err)
	b, _ := m.Bot(id)
	require.NoError(t, b.RunTask(ctx, bot.DCATaskName))

	_, err = m.StopBot(ctx, id)
	require.NoError(t, err)
	reports := logs.FilterMessageSnippet("投入资金").All()
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].Message, id)
	assert.Contains(t, reports[0].Message, "1000.00 USDT")
}
