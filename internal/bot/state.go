package bot

import (
	"context"
	"encoding/json"
	"paper-trading-bots/internal/models"
	"time"
)

// restoreLocked loads trade history, metrics and strategy state from the persisted blob.
func (b *Bot) restoreLocked() error {
	st, err := models.DecodeBotState(b.cfg.State)
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}

	b.trades = append([]models.Trade(nil), st.TradeHistory...)
	if over := len(b.trades) - models.MaxTradeHistory; over > 0 {
		b.trades = b.trades[over:]
	}
	b.metrics = st.Metrics
	if len(st.Strategy) > 0 {
		if err := b.strategy.Restore(st.Strategy); err != nil {
			return err
		}
	}
	return nil
}

// stateUpdateLocked serializes the current state into an update of State and Metrics.
func (b *Bot) stateUpdateLocked() (models.BotUpdate, error) {
	raw, err := b.strategy.Snapshot()
	if err != nil {
		return models.BotUpdate{}, err
	}
	st := models.BotState{
		Version:        models.StateVersion,
		TradeHistory:   append([]models.Trade(nil), b.trades...),
		Metrics:        b.metrics,
		Strategy:       raw,
		LastUpdateTime: b.now().UTC(),
	}
	blob, err := json.Marshal(st)
	if err != nil {
		return models.BotUpdate{}, err
	}
	b.cfg.State = blob
	b.cfg.Metrics = b.metrics

	b.seq++
	metrics := b.metrics
	return models.BotUpdate{State: blob, Metrics: &metrics, Seq: b.seq}, nil
}

// lifecycleUpdateLocked is stateUpdateLocked plus the lifecycle fields.
func (b *Bot) lifecycleUpdateLocked() models.BotUpdate {
	update, err := b.stateUpdateLocked()
	if err != nil {
		b.logger.Warn("状态序列化失败，仅保存生命周期字段")
	}
	status := b.status
	running := b.cfg.Running
	active := b.cfg.Active
	update.Status = &status
	update.Running = &running
	update.Active = &active
	return update
}

// Save writes the current state synchronously.
func (b *Bot) Save(ctx context.Context) error {
	b.mu.Lock()
	update, err := b.stateUpdateLocked()
	b.dirty = false
	b.mu.Unlock()
	if err != nil {
		return models.PersistenceError(b.id, "snapshot", err)
	}
	b.persist(ctx, update, true)
	return nil
}

// Snapshot returns the current state update, waiting at most budget for a busy bot. It reports
// false when the bot stayed busy for the whole budget.
func (b *Bot) Snapshot(budget time.Duration) (models.BotUpdate, bool) {
	deadline := time.Now().Add(budget)
	for !b.mu.TryLock() {
		if time.Now().After(deadline) {
			return models.BotUpdate{}, false
		}
		time.Sleep(5 * time.Millisecond)
	}
	defer b.mu.Unlock()

	update, err := b.stateUpdateLocked()
	if err != nil {
		b.logger.Warn("快照失败")
		return models.BotUpdate{}, false
	}
	b.dirty = false
	b.publishLocked()
	return update, true
}
