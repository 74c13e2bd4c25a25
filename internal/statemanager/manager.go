package statemanager

import (
	"context"
	"errors"
	"paper-trading-bots/internal/models"
	"paper-trading-bots/internal/persistence"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultRetryInterval 写入失败后重试的间隔
const DefaultRetryInterval = 5 * time.Second

// StateManager is responsible for persisting bot state updates asynchronously.
// Updates submitted for the same bot are coalesced field by field, and all writes to the
// repository are processed serially so a newer update is never overwritten by an older one.
type StateManager struct {
	repo   persistence.BotRepository
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]models.BotUpdate // bot id -> 尚未写入的合并更新
	seqs    map[string]uint64           // bot id -> 已接收的最新状态快照序号

	writeMu sync.Mutex // 串行化对存储的写入

	notifyChan    chan struct{}
	stopChan      chan struct{}
	doneChan      chan struct{}
	startOnce     sync.Once
	stopOnce      sync.Once
	retryInterval time.Duration
}

// NewStateManager creates a new StateManager.
func NewStateManager(repo persistence.BotRepository, logger *zap.Logger) *StateManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateManager{
		repo:          repo,
		logger:        logger,
		pending:       make(map[string]models.BotUpdate),
		seqs:          make(map[string]uint64),
		notifyChan:    make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		doneChan:      make(chan struct{}),
		retryInterval: DefaultRetryInterval,
	}
}

// Start begins the persistence loop.
func (sm *StateManager) Start() {
	sm.startOnce.Do(func() {
		go sm.persistenceLoop()
		sm.logger.Sugar().Info("StateManager started.")
	})
}

// Stop ends the persistence loop and writes everything still pending.
func (sm *StateManager) Stop(ctx context.Context) error {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
	})
	sm.startOnce.Do(func() { close(sm.doneChan) }) // 从未启动时没有循环需要等待
	select {
	case <-sm.doneChan:
	case <-ctx.Done():
		return ctx.Err()
	}

	err := sm.Flush(ctx)
	sm.logger.Sugar().Info("StateManager stopped.")
	return err
}

// Submit queues update for botID. It never blocks on the repository. A state snapshot older than
// one already accepted for the bot is discarded; the other fields of its update still apply.
func (sm *StateManager) Submit(botID string, update models.BotUpdate) {
	sm.mu.Lock()
	if update.Seq != 0 {
		if update.Seq < sm.seqs[botID] {
			update.State, update.Metrics, update.Seq = nil, nil, 0
		} else {
			sm.seqs[botID] = update.Seq
		}
	}
	if update.Empty() {
		sm.mu.Unlock()
		return
	}
	if prev, ok := sm.pending[botID]; ok {
		update = prev.Merge(update)
	}
	sm.pending[botID] = update
	sm.mu.Unlock()

	select {
	case sm.notifyChan <- struct{}{}:
	default:
	}
}

// Forget drops anything pending for botID, e.g. after the bot was deleted.
func (sm *StateManager) Forget(botID string) {
	sm.mu.Lock()
	delete(sm.pending, botID)
	delete(sm.seqs, botID)
	sm.mu.Unlock()
}

// Pending returns the number of bots with unwritten updates.
func (sm *StateManager) Pending() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.pending)
}

// FlushBot writes the pending update of botID, if any, before returning. On failure the update
// is queued again underneath anything submitted in the meantime.
func (sm *StateManager) FlushBot(ctx context.Context, botID string) error {
	sm.writeMu.Lock()
	defer sm.writeMu.Unlock()

	sm.mu.Lock()
	update, ok := sm.pending[botID]
	delete(sm.pending, botID)
	sm.mu.Unlock()
	if !ok {
		return nil
	}
	return sm.write(ctx, botID, update)
}

// Flush writes every pending update and returns the combined errors.
func (sm *StateManager) Flush(ctx context.Context) error {
	sm.mu.Lock()
	ids := make([]string, 0, len(sm.pending))
	for id := range sm.pending {
		ids = append(ids, id)
	}
	sm.mu.Unlock()
	sort.Strings(ids)

	var errs error
	for _, id := range ids {
		errs = multierr.Append(errs, sm.FlushBot(ctx, id))
	}
	return errs
}

// write must be called with writeMu held.
func (sm *StateManager) write(ctx context.Context, botID string, update models.BotUpdate) error {
	if sm.repo == nil {
		return nil
	}
	err := sm.repo.UpdateBot(ctx, botID, update)
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrBotNotFound) {
		sm.logger.Sugar().Warnf("Dropping state update for deleted bot %s.", botID)
		return err
	}

	sm.mu.Lock()
	if newer, ok := sm.pending[botID]; ok {
		update = update.Merge(newer)
	}
	sm.pending[botID] = update
	sm.mu.Unlock()
	sm.logger.Sugar().Errorf("Failed to save state of bot %s, will retry: %v", botID, err)
	return err
}

// persistenceLoop handles the asynchronous saving of submitted updates.
func (sm *StateManager) persistenceLoop() {
	defer close(sm.doneChan)

	retry := time.NewTicker(sm.retryInterval)
	defer retry.Stop()

	for {
		select {
		case <-sm.notifyChan:
			_ = sm.Flush(context.Background())
		case <-retry.C:
			if sm.Pending() > 0 {
				_ = sm.Flush(context.Background())
			}
		case <-sm.stopChan:
			return
		}
	}
}
