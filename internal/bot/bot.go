package bot

import (
	"context"
	"errors"
	"fmt"
	"paper-trading-bots/internal/exchange"
	"paper-trading-bots/internal/logger"
	"paper-trading-bots/internal/models"
	"paper-trading-bots/internal/persistence"
	"paper-trading-bots/internal/scheduler"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultRiskInterval 止盈止损检查的默认间隔
	DefaultRiskInterval = 60 * time.Second

	RiskTaskName = "risk"
)

// ErrNotRunning is returned by RunTask when the bot has no active schedule.
var ErrNotRunning = errors.New("bot is not running")

// StateSink receives state updates for asynchronous persistence.
type StateSink interface {
	Submit(botID string, update models.BotUpdate)
	FlushBot(ctx context.Context, botID string) error
}

// Deps 是机器人的外部协作者
type Deps struct {
	Repo         persistence.BotRepository
	Market       exchange.MarketData
	Bridges      exchange.BridgeProvider
	Sink         StateSink // 为空时直接写入 Repo
	Logger       *zap.Logger
	RiskInterval time.Duration
	Clock        func() time.Time

	// Manual keeps the schedule defined but never starts its timers; runs happen only through
	// RunTask. Used for replays and tests.
	Manual bool
}

// LiveInfo 是运行中机器人的实时信息
type LiveInfo struct {
	Status       models.BotStatus               `json:"status"`
	CurrentPrice float64                        `json:"current_price"`
	Metrics      models.Metrics                 `json:"metrics"`
	LastError    string                         `json:"last_error,omitempty"`
	Strategy     map[string]any                 `json:"strategy,omitempty"`
	Tasks        map[string]scheduler.TaskStats `json:"tasks,omitempty"`
}

// Summary 是机器人的无锁摘要，在每次运行结束和状态变更时刷新
type Summary struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Strategy  models.StrategyType `json:"strategy"`
	Symbol    string              `json:"symbol"`
	Status    models.BotStatus    `json:"status"`
	Price     float64             `json:"price"`
	Metrics   models.Metrics      `json:"metrics"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Bot 是单个策略实例的生命周期外壳：状态机、调度、风控与状态持久化
type Bot struct {
	id     string
	deps   Deps
	logger *zap.Logger

	summary atomic.Pointer[Summary]

	lifecycle sync.Mutex       // 串行化 Start/Stop/Pause/Resume/UpdateParameters
	group     *scheduler.Group // guarded by lifecycle

	mu            sync.Mutex // 保护以下字段，同时串行化同一机器人的所有任务
	cfg           *models.BotConfig
	strategy      Strategy
	env           *Env
	status        models.BotStatus
	activeGroup   *scheduler.Group // 允许执行任务的调度组
	initialized   bool
	trades        []models.Trade
	metrics       models.Metrics
	lastPrice     float64
	lastError     string
	stopRequested string
	dirty         bool
	seq           uint64 // 最近一次状态快照的序号
}

// New builds a bot from its persisted config. The bot is idle until Start.
func New(cfg *models.BotConfig, deps Deps) (*Bot, error) {
	if err := cfg.Parameters.Validate(cfg.StrategyType); err != nil {
		return nil, err
	}
	strategy, err := NewStrategy(cfg.StrategyType, cfg.Parameters)
	if err != nil {
		return nil, err
	}
	return newBot(cfg, strategy, deps), nil
}

func newBot(cfg *models.BotConfig, strategy Strategy, deps Deps) *Bot {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.RiskInterval <= 0 {
		deps.RiskInterval = DefaultRiskInterval
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	c := cfg.Clone()
	status := c.Status
	switch status {
	case "":
		status = models.StatusCreated
	case models.StatusRunning:
		// 新进程中还没有任何调度，Start 会重新进入 RUNNING
		status = models.StatusStopped
	}
	c.Status = status

	b := &Bot{
		id:       c.ID,
		deps:     deps,
		logger:   logger.ForBot(deps.Logger, c.ID, c.StrategyType, c.Symbol),
		cfg:      c,
		strategy: strategy,
		status:   status,
		metrics:  c.Metrics,
	}
	b.publishLocked()
	return b
}

func (b *Bot) ID() string { return b.id }

// Summary returns the latest published summary without waiting for a running task.
func (b *Bot) Summary() Summary {
	return *b.summary.Load()
}

func (b *Bot) publishLocked() {
	b.summary.Store(&Summary{
		ID:        b.id,
		Name:      b.cfg.Name,
		Strategy:  b.cfg.StrategyType,
		Symbol:    b.cfg.Symbol,
		Status:    b.status,
		Price:     b.lastPrice,
		Metrics:   b.metrics,
		UpdatedAt: b.now().UTC(),
	})
}

func (b *Bot) now() time.Time { return b.deps.Clock() }

// Status returns the current lifecycle status.
func (b *Bot) Status() models.BotStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Config returns a copy of the config with live status and metrics.
func (b *Bot) Config() *models.BotConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.cfg.Clone()
	c.Status = b.status
	c.Metrics = b.metrics
	return c
}

// Trades returns the in-memory trade history, oldest first.
func (b *Bot) Trades() []models.Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Trade(nil), b.trades...)
}

// Live returns the live projection used by status queries.
func (b *Bot) Live() LiveInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := LiveInfo{
		Status:       b.status,
		CurrentPrice: b.lastPrice,
		Metrics:      b.metrics,
		LastError:    b.lastError,
		Strategy:     b.strategy.Live(),
	}
	if b.activeGroup != nil {
		info.Tasks = b.activeGroup.Stats()
	}
	return info
}

// Initialize connects the bridge and loads persisted parameters and state. On failure the status
// is left unchanged.
func (b *Bot) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initializeLocked(ctx)
}

func (b *Bot) initializeLocked(ctx context.Context) error {
	if b.deps.Bridges == nil || b.deps.Market == nil {
		return models.InitError(b.id, "initialize", errors.New("bridge and market data are required"))
	}
	bridge := b.deps.Bridges.BridgeFor(b.cfg.UserID)
	ok, err := bridge.Initialize(ctx)
	if err != nil {
		return models.InitError(b.id, "initialize bridge", err)
	}
	if !ok {
		return models.InitError(b.id, "initialize bridge", errors.New("paper trading bridge unavailable"))
	}

	if !b.initialized {
		if err := b.loadLocked(ctx); err != nil {
			return err
		}
	}

	b.env = &Env{
		BotID:  b.id,
		UserID: b.cfg.UserID,
		Symbol: b.cfg.Symbol,
		Market: b.deps.Market,
		Bridge: bridge,
		Logger: b.logger,
		bot:    b,
	}
	if err := b.strategy.Init(ctx, b.env); err != nil {
		return models.InitError(b.id, "initialize strategy", err)
	}
	b.initialized = true
	return nil
}

// loadLocked refreshes parameters, risk settings and state from storage.
func (b *Bot) loadLocked(ctx context.Context) error {
	if b.deps.Repo != nil {
		stored, err := b.deps.Repo.GetBotByID(ctx, b.id)
		if err != nil {
			return models.InitError(b.id, "load config", err)
		}
		if stored == nil {
			return models.InitError(b.id, "load config", models.ErrBotNotFound)
		}
		b.cfg.Parameters = stored.Parameters.Clone()
		b.cfg.Symbol = stored.Symbol
		b.cfg.Risk = stored.Risk
		b.cfg.State = stored.State
		b.metrics = stored.Metrics
	}
	// 先恢复旧状态，再应用最新参数，由策略判断旧状态是否仍然有效
	if err := b.restoreLocked(); err != nil {
		return models.InitError(b.id, "restore state", err)
	}
	if _, err := b.strategy.ApplyParameters(b.cfg.Parameters); err != nil {
		return models.InitError(b.id, "load parameters", err)
	}
	return nil
}

// Start moves the bot to RUNNING and defines its schedule. Starting a running bot is a no-op.
func (b *Bot) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	return b.startLocked(ctx, false)
}

// Resume restarts the schedule of a paused bot.
func (b *Bot) Resume(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	return b.startLocked(ctx, true)
}

func (b *Bot) startLocked(ctx context.Context, fromPause bool) error {
	b.mu.Lock()
	if b.status == models.StatusRunning {
		b.mu.Unlock()
		return nil
	}
	if fromPause && b.status != models.StatusPaused {
		from := b.status
		b.mu.Unlock()
		return fmt.Errorf("resume bot %s: %w: %s -> %s", b.id, models.ErrInvalidTransition, from, models.StatusRunning)
	}
	if err := b.initializeLocked(ctx); err != nil {
		b.mu.Unlock()
		b.logger.Error("初始化失败，状态保持不变", zap.Error(err))
		return err
	}
	g, err := b.buildGroupLocked()
	if err != nil {
		b.mu.Unlock()
		return err
	}

	b.status = models.StatusRunning
	b.cfg.Status = models.StatusRunning
	b.cfg.Active = true
	b.cfg.Running = true
	b.lastError = ""
	b.activeGroup = g
	update := b.lifecycleUpdateLocked()
	b.publishLocked()
	b.mu.Unlock()

	if old := b.group; old != nil {
		old.Stop(ctx)
	}
	b.group = g

	b.persist(ctx, update, true)
	if !b.deps.Manual {
		g.Start()
	}
	b.logger.Info("机器人已启动", zap.Strings("tasks", g.Tasks()))
	return nil
}

// Stop cancels every timer of the bot before returning and moves it to STOPPED. Stopping a bot
// that is not running or paused is a no-op.
func (b *Bot) Stop(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	return b.haltLocked(ctx, models.StatusStopped)
}

// Pause cancels every timer of the bot before returning and moves it to PAUSED.
func (b *Bot) Pause(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	return b.haltLocked(ctx, models.StatusPaused)
}

func (b *Bot) haltLocked(ctx context.Context, next models.BotStatus) error {
	b.mu.Lock()
	if b.status == next {
		b.mu.Unlock()
		return nil
	}
	if !b.status.CanTransition(next) {
		from := b.status
		b.mu.Unlock()
		if next == models.StatusStopped {
			return nil
		}
		return fmt.Errorf("bot %s: %w: %s -> %s", b.id, models.ErrInvalidTransition, from, next)
	}

	b.activeGroup = nil
	b.status = next
	b.cfg.Status = next
	b.cfg.Running = false
	update := b.lifecycleUpdateLocked()
	b.publishLocked()
	b.mu.Unlock()

	if g := b.group; g != nil {
		g.Stop(ctx)
	}
	b.group = nil

	b.persist(ctx, update, true)
	b.logger.Info("机器人状态变更", zap.String("status", string(next)))
	return nil
}

// Shutdown cancels the timers without touching the persisted status or Running flag, so the bot
// resumes on the next process start.
func (b *Bot) Shutdown(ctx context.Context) {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	b.activeGroup = nil
	update, err := b.stateUpdateLocked()
	b.mu.Unlock()

	if g := b.group; g != nil {
		g.Stop(ctx)
	}
	b.group = nil
	if err == nil {
		b.persist(ctx, update, true)
	}
}

// UpdateParameters applies validated parameters live and persists them. The status is unchanged;
// a running bot is rescheduled when its cadence changed.
func (b *Bot) UpdateParameters(ctx context.Context, p models.Parameters) error {
	if err := p.Validate(b.cfg.StrategyType); err != nil {
		return err
	}

	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	reschedule, err := b.strategy.ApplyParameters(p)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.cfg.Parameters = p.Clone()
	b.cfg.Symbol = p.Symbol()
	if b.env != nil {
		b.env.Symbol = b.cfg.Symbol
	}
	update, _ := b.stateUpdateLocked()
	params := p.Clone()
	symbol := b.cfg.Symbol
	update.Parameters = &params
	update.Symbol = &symbol

	var next *scheduler.Group
	if reschedule && b.status == models.StatusRunning {
		if next, err = b.buildGroupLocked(); err != nil {
			b.mu.Unlock()
			return err
		}
		b.activeGroup = next
	}
	b.publishLocked()
	b.mu.Unlock()

	b.persist(ctx, update, true)

	if next != nil {
		if old := b.group; old != nil {
			old.Stop(ctx)
		}
		b.group = next
		if !b.deps.Manual {
			next.Start()
		}
		b.logger.Info("参数变更，已重新定义调度", zap.Strings("tasks", next.Tasks()))
	}
	return nil
}

// UpdateRisk replaces the stop-loss and take-profit settings.
func (b *Bot) UpdateRisk(ctx context.Context, risk models.RiskSettings) error {
	if err := risk.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.cfg.Risk = risk
	b.mu.Unlock()

	b.persist(ctx, models.BotUpdate{Risk: &risk}, true)
	return nil
}

// CheckStopLossAndTakeProfit runs the risk loop once.
func (b *Bot) CheckStopLossAndTakeProfit(ctx context.Context) error {
	return b.RunTask(ctx, RiskTaskName)
}

// RunTask runs one task of the current schedule synchronously, with the same locking and error
// handling as a timer firing.
func (b *Bot) RunTask(ctx context.Context, name string) error {
	var run func(context.Context, *Env) error
	if name == RiskTaskName {
		run = b.checkRisk
	} else {
		b.mu.Lock()
		for _, s := range b.strategy.Schedules() {
			if s.Name == name {
				run = s.Run
			}
		}
		b.mu.Unlock()
	}
	if run == nil {
		return fmt.Errorf("bot %s has no task %q", b.id, name)
	}
	return b.tick(ctx, nil, name, run)
}

func (b *Bot) buildGroupLocked() (*scheduler.Group, error) {
	var g *scheduler.Group
	g = scheduler.NewGroup(b.id, b.logger, func(ctx context.Context, task string, r any) {
		b.escalate(ctx, g, fmt.Errorf("%w: panic in %s: %v", models.ErrUnrecoverable, task, r))
	})

	for _, s := range b.strategy.Schedules() {
		s := s
		if err := g.Add(scheduler.Task{
			Name:      s.Name,
			Interval:  s.Interval,
			Immediate: s.Immediate,
			Run:       func(ctx context.Context) error { return b.tick(ctx, g, s.Name, s.Run) },
		}); err != nil {
			return nil, err
		}
	}
	err := g.Add(scheduler.Task{
		Name:     RiskTaskName,
		Interval: b.deps.RiskInterval,
		Run:      func(ctx context.Context) error { return b.tick(ctx, g, RiskTaskName, b.checkRisk) },
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

type tickResult struct {
	err        error
	group      *scheduler.Group
	update     *models.BotUpdate
	stopReason string
}

// tick executes run under the state lock, then handles what the run asked for. g is nil for
// manual runs, which accept whatever schedule is active.
func (b *Bot) tick(ctx context.Context, g *scheduler.Group, name string, run func(context.Context, *Env) error) error {
	res, ran := b.runLocked(ctx, g, name, run)
	if !ran {
		if g == nil {
			return ErrNotRunning
		}
		return nil
	}

	switch {
	case errors.Is(res.err, models.ErrUnrecoverable) || errors.Is(res.err, models.ErrInitialization):
		b.escalate(ctx, res.group, res.err)
	case res.stopReason != "":
		b.stopFromTick(ctx, res.group, res.stopReason)
	case res.update != nil:
		b.persist(ctx, *res.update, false)
	}
	return res.err
}

func (b *Bot) runLocked(ctx context.Context, g *scheduler.Group, name string, run func(context.Context, *Env) error) (res tickResult, ran bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status != models.StatusRunning || b.activeGroup == nil || (g != nil && b.activeGroup != g) {
		return res, false
	}
	res.group = b.activeGroup
	defer b.publishLocked()

	func() {
		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("%w: panic in %s: %v", models.ErrUnrecoverable, name, r)
			}
		}()
		res.err = run(ctx, b.env)
	}()

	if res.err != nil {
		b.lastError = res.err.Error()
	}
	res.stopReason, b.stopRequested = b.stopRequested, ""

	if b.dirty && res.stopReason == "" {
		if update, err := b.stateUpdateLocked(); err == nil {
			res.update = &update
			b.dirty = false
		}
	}
	return res, true
}

// stopFromTick moves the bot to STOPPED on behalf of its own strategy.
func (b *Bot) stopFromTick(ctx context.Context, g *scheduler.Group, reason string) {
	b.mu.Lock()
	if b.activeGroup != g || !b.status.CanTransition(models.StatusStopped) {
		b.mu.Unlock()
		return
	}
	b.activeGroup = nil
	b.status = models.StatusStopped
	b.cfg.Status = models.StatusStopped
	b.cfg.Running = false
	update := b.lifecycleUpdateLocked()
	b.publishLocked()
	b.mu.Unlock()

	g.Stop(ctx)
	b.persist(ctx, update, true)
	b.logger.Info("策略完成，机器人已停止", zap.String("reason", reason))
}

// escalate moves the bot to ERROR after an unrecoverable failure of one of g's runs.
func (b *Bot) escalate(ctx context.Context, g *scheduler.Group, cause error) {
	b.mu.Lock()
	if g == nil || b.activeGroup != g || !b.status.CanTransition(models.StatusError) {
		b.mu.Unlock()
		return
	}
	b.activeGroup = nil
	b.status = models.StatusError
	b.cfg.Status = models.StatusError
	b.cfg.Running = false
	b.lastError = cause.Error()
	update := b.lifecycleUpdateLocked()
	b.publishLocked()
	b.mu.Unlock()

	g.Stop(ctx)
	b.persist(ctx, update, true)
	b.logger.Error("不可恢复的错误，机器人进入 ERROR 状态", zap.Error(cause))
}

// recordTrade appends t to the bounded history, updates metrics and stores it durably.
// Must be called with b.mu held.
func (b *Bot) recordTrade(ctx context.Context, t *models.Trade) {
	if t.ID == "" {
		t.ID = persistence.NewID()
	}
	t.BotID = b.id
	t.UserID = b.cfg.UserID
	t.Symbol = b.cfg.Symbol
	if t.Timestamp.IsZero() {
		t.Timestamp = b.now().UTC()
	}

	b.trades = append(b.trades, *t)
	if over := len(b.trades) - models.MaxTradeHistory; over > 0 {
		b.trades = append([]models.Trade(nil), b.trades[over:]...)
	}

	b.metrics.TradeCount++
	b.metrics.ProfitLoss += t.Profit
	if capital := b.strategy.Capital(); capital > 0 {
		b.metrics.ProfitLossPercent = b.metrics.ProfitLoss / capital * 100
	}
	b.dirty = true

	b.logger.Info("成交",
		zap.String("side", string(t.Side)),
		zap.Float64("price", t.Price),
		zap.Float64("quantity", t.Quantity),
		zap.String("reason", t.Reason),
	)

	if b.deps.Repo != nil {
		if _, err := b.deps.Repo.CreateBotTrade(context.WithoutCancel(ctx), t); err != nil {
			b.logger.Error("保存成交记录失败", zap.Error(models.PersistenceError(b.id, "create trade", err)))
		}
	}
}

// persist writes update through the sink or the repository. Failures are logged; the in-memory
// state is kept and written again on the next save.
func (b *Bot) persist(ctx context.Context, update models.BotUpdate, wait bool) {
	ctx = context.WithoutCancel(ctx)
	var err error
	switch {
	case b.deps.Sink != nil:
		b.deps.Sink.Submit(b.id, update)
		if wait {
			err = b.deps.Sink.FlushBot(ctx, b.id)
		}
	case b.deps.Repo != nil:
		err = b.deps.Repo.UpdateBot(ctx, b.id, update)
	}
	if err != nil {
		b.logger.Error("持久化失败", zap.Error(models.PersistenceError(b.id, "update bot", err)))
	}
}
