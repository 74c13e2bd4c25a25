// Package manager is the registry and control surface of all bots in the process.
package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"paper-trading-bots/internal/bot"
	"paper-trading-bots/internal/exchange"
	"paper-trading-bots/internal/models"
	"paper-trading-bots/internal/persistence"
	"paper-trading-bots/internal/reporter"
	"paper-trading-bots/internal/statemanager"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultSweepSpec   = "@every 5m"
	DefaultSweepBudget = 2 * time.Second
)

// Deps 是 Manager 的外部协作者
type Deps struct {
	Repo    persistence.BotRepository
	Market  exchange.MarketData
	Bridges exchange.BridgeProvider
	Writer  *statemanager.StateManager // 为空时机器人直接写入 Repo
	Logger  *zap.Logger
}

// Options tune the manager. Zero values take the defaults.
type Options struct {
	SweepSpec    string        // 周期性保存的 cron 表达式
	SweepBudget  time.Duration // 每个机器人快照的最长等待
	RiskInterval time.Duration
	Clock        func() time.Time

	// Manual builds bots whose timers never start; ticks only run through RunTask.
	Manual bool
}

// CreateOptions are the optional inputs of CreateBot.
type CreateOptions struct {
	Risk  models.RiskSettings
	Start bool
}

// BotDetails 组合持久化配置与运行时信息
type BotDetails struct {
	Config *models.BotConfig `json:"config"`
	Live   *bot.LiveInfo     `json:"live,omitempty"`
	Report reporter.Report   `json:"report"`
}

// Manager owns every bot instance of the process.
type Manager struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu   sync.RWMutex
	bots map[string]*bot.Bot

	opMu    sync.Mutex
	opLocks map[string]*sync.Mutex

	cron *cron.Cron
}

// New creates a manager. Call Init before use and Shutdown when done.
func New(deps Deps, opts Options) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.SweepSpec == "" {
		opts.SweepSpec = DefaultSweepSpec
	}
	if opts.SweepBudget <= 0 {
		opts.SweepBudget = DefaultSweepBudget
	}
	return &Manager{
		deps:    deps,
		opts:    opts,
		logger:  deps.Logger.Named("manager"),
		bots:    make(map[string]*bot.Bot),
		opLocks: make(map[string]*sync.Mutex),
	}
}

// Init starts the state writer, reloads every active bot from storage, restarts those that were
// running and schedules the periodic sweep.
func (m *Manager) Init(ctx context.Context) error {
	if m.deps.Writer != nil {
		m.deps.Writer.Start()
	}

	configs, err := m.deps.Repo.GetActiveBots(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active bots: %w", err)
	}
	started := 0
	for _, cfg := range configs {
		b, err := m.instantiate(cfg)
		if err != nil {
			m.logger.Error("无法恢复机器人", zap.String("bot_id", cfg.ID), zap.Error(err))
			continue
		}
		if !cfg.Running {
			continue
		}
		if err := b.Start(ctx); err != nil {
			m.logger.Error("恢复运行失败", zap.String("bot_id", cfg.ID), zap.Error(err))
			continue
		}
		started++
	}
	m.logger.Info("已加载活跃机器人", zap.Int("loaded", len(configs)), zap.Int("started", started))

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(zap.NewStdLog(m.logger)))))
	if _, err := c.AddFunc(m.opts.SweepSpec, func() { m.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", m.opts.SweepSpec, err)
	}
	c.Start()
	m.cron = c
	return nil
}

// Shutdown stops the sweep and every bot's timers without touching their persisted Running flag,
// so they resume on the next Init, then flushes the state writer.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cron != nil {
		select {
		case <-m.cron.Stop().Done():
		case <-ctx.Done():
		}
	}

	m.mu.RLock()
	bots := make([]*bot.Bot, 0, len(m.bots))
	for _, b := range m.bots {
		bots = append(bots, b)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, b := range bots {
		wg.Add(1)
		go func(b *bot.Bot) {
			defer wg.Done()
			b.Shutdown(ctx)
		}(b)
	}
	wg.Wait()

	if m.deps.Writer != nil {
		return m.deps.Writer.Stop(ctx)
	}
	return nil
}

// lock serializes operations on one bot id.
func (m *Manager) lock(id string) func() {
	m.opMu.Lock()
	l, ok := m.opLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.opLocks[id] = l
	}
	m.opMu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) botDeps() bot.Deps {
	d := bot.Deps{
		Repo:         m.deps.Repo,
		Market:       m.deps.Market,
		Bridges:      m.deps.Bridges,
		Logger:       m.deps.Logger,
		RiskInterval: m.opts.RiskInterval,
		Clock:        m.opts.Clock,
		Manual:       m.opts.Manual,
	}
	if m.deps.Writer != nil {
		d.Sink = m.deps.Writer
	}
	return d
}

func (m *Manager) instantiate(cfg *models.BotConfig) (*bot.Bot, error) {
	b, err := bot.New(cfg, m.botDeps())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.bots[cfg.ID]; ok {
		return existing, nil
	}
	m.bots[cfg.ID] = b
	return b, nil
}

func (m *Manager) live(id string) (*bot.Bot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[id]
	return b, ok
}

// load returns the registered instance of id, building it from storage if needed.
func (m *Manager) load(ctx context.Context, id string) (*bot.Bot, error) {
	if b, ok := m.live(id); ok {
		return b, nil
	}
	cfg, err := m.config(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.instantiate(cfg)
}

func (m *Manager) config(ctx context.Context, id string) (*models.BotConfig, error) {
	cfg, err := m.deps.Repo.GetBotByID(ctx, id)
	if err != nil {
		return nil, models.PersistenceError(id, "get bot", err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("bot %s: %w", id, models.ErrBotNotFound)
	}
	return cfg, nil
}

// save writes update through the state writer so it is ordered after the bot's own writes.
func (m *Manager) save(ctx context.Context, id string, update models.BotUpdate) error {
	if m.deps.Writer != nil {
		m.deps.Writer.Submit(id, update)
		return m.deps.Writer.FlushBot(ctx, id)
	}
	return m.deps.Repo.UpdateBot(ctx, id, update)
}

// CreateBot validates and stores a new bot, then optionally starts it.
func (m *Manager) CreateBot(ctx context.Context, userID string, strategyType models.StrategyType, rawParams json.RawMessage, name string, opts CreateOptions) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", models.ConfigError("create bot", errors.New("user id is required"))
	}
	params, err := models.ParseParameters(strategyType, rawParams)
	if err != nil {
		return "", err
	}
	if err := opts.Risk.Validate(); err != nil {
		return "", err
	}
	if name == "" {
		name = fmt.Sprintf("%s-%s", strategyType, params.Symbol())
	}

	cfg := &models.BotConfig{
		UserID:       userID,
		Name:         name,
		StrategyType: strategyType,
		Symbol:       params.Symbol(),
		Parameters:   params,
		Status:       models.StatusCreated,
		Risk:         opts.Risk,
	}
	id, err := m.deps.Repo.CreateBot(ctx, cfg)
	if err != nil {
		return "", models.PersistenceError("", "create bot", err)
	}
	m.logger.Info("已创建机器人",
		zap.String("bot_id", id),
		zap.String("user_id", userID),
		zap.String("strategy", string(strategyType)),
		zap.String("symbol", cfg.Symbol),
	)

	if opts.Start {
		if _, err := m.StartBot(ctx, id); err != nil {
			return id, err
		}
	}
	return id, nil
}

// StartBot starts id, loading it from storage when it is not registered. Starting a running bot
// succeeds without effect.
func (m *Manager) StartBot(ctx context.Context, id string) (bool, error) {
	defer m.lock(id)()

	b, err := m.load(ctx, id)
	if err != nil {
		return false, err
	}
	if err := b.Start(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// StopBot stops id and deactivates it, so it is not reloaded on restart.
func (m *Manager) StopBot(ctx context.Context, id string) (bool, error) {
	defer m.lock(id)()

	b, ok := m.live(id)
	if !ok {
		cfg, err := m.config(ctx, id)
		if err != nil {
			return false, err
		}
		if !cfg.Active && !cfg.Running {
			return true, nil
		}
		update := models.BotUpdate{Active: ptr(false), Running: ptr(false)}
		if cfg.Status.CanTransition(models.StatusStopped) {
			update.Status = ptr(models.StatusStopped)
		}
		return true, m.save(ctx, id, update)
	}

	if err := b.Stop(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	delete(m.bots, id)
	m.mu.Unlock()
	m.logReport(ctx, b.Config())
	return true, m.save(ctx, id, models.BotUpdate{Active: ptr(false)})
}

// logReport 在机器人停止时输出一次绩效报告
func (m *Manager) logReport(ctx context.Context, cfg *models.BotConfig) {
	trades, err := m.deps.Repo.GetBotTrades(ctx, cfg.ID)
	if err != nil {
		m.logger.Warn("读取成交记录失败，跳过绩效报告", zap.String("bot_id", cfg.ID), zap.Error(err))
		return
	}
	report := reporter.Compute(trades, cfg.Parameters.Capital())
	m.logger.Sugar().Infof("机器人 %s 已停止:\n%s", cfg.ID, reporter.RenderReport(cfg.Name, report))
}

// PauseBot pauses a running bot.
func (m *Manager) PauseBot(ctx context.Context, id string) (bool, error) {
	defer m.lock(id)()

	b, err := m.load(ctx, id)
	if err != nil {
		return false, err
	}
	if err := b.Pause(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ResumeBot resumes a paused bot.
func (m *Manager) ResumeBot(ctx context.Context, id string) (bool, error) {
	defer m.lock(id)()

	b, err := m.load(ctx, id)
	if err != nil {
		return false, err
	}
	if err := b.Resume(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteBot stops id if needed and removes it with its trades.
func (m *Manager) DeleteBot(ctx context.Context, id string) error {
	defer m.lock(id)()

	if b, ok := m.live(id); ok {
		if err := b.Stop(ctx); err != nil {
			m.logger.Warn("删除前停止失败", zap.String("bot_id", id), zap.Error(err))
		}
		m.mu.Lock()
		delete(m.bots, id)
		m.mu.Unlock()
	}
	if _, err := m.config(ctx, id); err != nil {
		return err
	}
	if m.deps.Writer != nil {
		m.deps.Writer.Forget(id)
	}
	if err := m.deps.Repo.DeleteBot(ctx, id); err != nil {
		return models.PersistenceError(id, "delete bot", err)
	}

	m.opMu.Lock()
	delete(m.opLocks, id)
	m.opMu.Unlock()
	m.logger.Info("已删除机器人", zap.String("bot_id", id))
	return nil
}

// UpdateParameters overlays patch on the current parameters, validates and persists the result,
// and applies it to the running instance if there is one.
func (m *Manager) UpdateParameters(ctx context.Context, id string, patch json.RawMessage) (*models.BotConfig, error) {
	defer m.lock(id)()

	cfg, err := m.currentConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	merged, err := models.MergeParameters(cfg.StrategyType, cfg.Parameters, patch)
	if err != nil {
		return nil, err
	}

	if b, ok := m.live(id); ok {
		if err := b.UpdateParameters(ctx, merged); err != nil {
			return nil, err
		}
		return b.Config(), nil
	}

	symbol := merged.Symbol()
	if err := m.save(ctx, id, models.BotUpdate{Parameters: &merged, Symbol: &symbol}); err != nil {
		return nil, models.PersistenceError(id, "update parameters", err)
	}
	cfg.Parameters = merged
	cfg.Symbol = symbol
	return cfg, nil
}

// UpdateRiskSettings overlays patch on the current risk settings.
func (m *Manager) UpdateRiskSettings(ctx context.Context, id string, patch json.RawMessage) (*models.BotConfig, error) {
	defer m.lock(id)()

	cfg, err := m.currentConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	risk := cfg.Risk
	dec := json.NewDecoder(bytes.NewReader(patch))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&risk); err != nil {
		return nil, models.ConfigError("update risk settings", err)
	}
	if err := risk.Validate(); err != nil {
		return nil, err
	}

	if b, ok := m.live(id); ok {
		if err := b.UpdateRisk(ctx, risk); err != nil {
			return nil, err
		}
		return b.Config(), nil
	}
	if err := m.save(ctx, id, models.BotUpdate{Risk: &risk}); err != nil {
		return nil, models.PersistenceError(id, "update risk settings", err)
	}
	cfg.Risk = risk
	return cfg, nil
}

// currentConfig prefers the live view over storage.
func (m *Manager) currentConfig(ctx context.Context, id string) (*models.BotConfig, error) {
	if b, ok := m.live(id); ok {
		return b.Config(), nil
	}
	return m.config(ctx, id)
}

// GetUserBots lists the bots of userID with live status and metrics where available.
func (m *Manager) GetUserBots(ctx context.Context, userID string) ([]*models.BotConfig, error) {
	configs, err := m.deps.Repo.GetUserBots(ctx, userID)
	if err != nil {
		return nil, models.PersistenceError("", "get user bots", err)
	}
	for i, cfg := range configs {
		if b, ok := m.live(cfg.ID); ok {
			configs[i] = b.Config()
		}
	}
	return configs, nil
}

// GetBotDetails combines the config, live info and a performance report of id.
func (m *Manager) GetBotDetails(ctx context.Context, id string) (*BotDetails, error) {
	cfg, err := m.currentConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	trades, err := m.deps.Repo.GetBotTrades(ctx, id)
	if err != nil {
		return nil, models.PersistenceError(id, "get trades", err)
	}

	details := &BotDetails{
		Config: cfg,
		Report: reporter.Compute(trades, cfg.Parameters.Capital()),
	}
	if b, ok := m.live(id); ok {
		info := b.Live()
		details.Live = &info
	}
	return details, nil
}

// GetBotTrades returns the full trade history of id, oldest first.
func (m *Manager) GetBotTrades(ctx context.Context, id string) ([]models.Trade, error) {
	if _, ok := m.live(id); !ok {
		if _, err := m.config(ctx, id); err != nil {
			return nil, err
		}
	}
	trades, err := m.deps.Repo.GetBotTrades(ctx, id)
	if err != nil {
		return nil, models.PersistenceError(id, "get trades", err)
	}
	return trades, nil
}

// Bot returns the registered instance of id.
func (m *Manager) Bot(id string) (*bot.Bot, bool) {
	return m.live(id)
}

// Sweep snapshots every registered bot and hands the snapshots to the state writer. A bot that
// stays busy for the whole budget is skipped until the next sweep.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.RLock()
	bots := make([]*bot.Bot, 0, len(m.bots))
	for _, b := range m.bots {
		bots = append(bots, b)
	}
	m.mu.RUnlock()
	sort.Slice(bots, func(i, j int) bool { return bots[i].ID() < bots[j].ID() })

	rows := make([]reporter.StatusRow, 0, len(bots))
	var errs error
	skipped := 0
	for _, b := range bots {
		update, ok := b.Snapshot(m.opts.SweepBudget)
		if ok {
			if m.deps.Writer != nil {
				m.deps.Writer.Submit(b.ID(), update)
			} else if err := m.deps.Repo.UpdateBot(ctx, b.ID(), update); err != nil {
				errs = multierr.Append(errs, err)
			}
		} else {
			skipped++
		}

		// 忙碌的机器人使用上一次发布的摘要，不等待其任务结束
		sum := b.Summary()
		rows = append(rows, reporter.StatusRow{
			ID:       sum.ID,
			Name:     sum.Name,
			Strategy: sum.Strategy,
			Symbol:   sum.Symbol,
			Status:   sum.Status,
			Price:    sum.Price,
			Metrics:  sum.Metrics,
			Saved:    ok,
		})
	}
	if errs != nil {
		m.logger.Error("周期性保存失败", zap.Error(errs))
	}
	if len(rows) > 0 {
		m.logger.Sugar().Infof("机器人状态 (跳过 %d 个忙碌机器人):\n%s", skipped, reporter.StatusTable(rows))
	}
}

func ptr[T any](v T) *T { return &v }
