package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"paper-trading-bots/internal/models"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"
)

const (
	botPrefix   = "bot:"
	tradePrefix = "trade:"

	maxConflictRetries = 5
)

// badgerRepository is the BadgerDB implementation of the BotRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (BotRepository, error) {
	return openBadger(badger.DefaultOptions(dbPath))
}

// NewInMemoryRepository returns a Badger repository that keeps everything in memory.
func NewInMemoryRepository() (BotRepository, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true))
}

func openBadger(opts badger.Options) (BotRepository, error) {
	// Badger's own logging is disabled to keep the application's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

func botKey(id string) []byte {
	return []byte(botPrefix + id)
}

func tradeKeyPrefix(botID string) []byte {
	return []byte(tradePrefix + botID + ":")
}

// tradeKey sorts chronologically within a bot's prefix.
func tradeKey(botID string, ts time.Time, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", tradePrefix, botID, ts.UnixNano(), tradeID))
}

func (r *badgerRepository) GetBotByID(_ context.Context, id string) (*models.BotConfig, error) {
	var cfg models.BotConfig

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(botKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("bot value is empty in database")
			}
			return json.Unmarshal(val, &cfg)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// scanBots decodes every stored config accepted by keep.
func (r *badgerRepository) scanBots(keep func(*models.BotConfig) bool) ([]*models.BotConfig, error) {
	var out []*models.BotConfig

	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(botPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var cfg models.BotConfig
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cfg)
			}); err != nil {
				return fmt.Errorf("failed to decode %s: %w", it.Item().Key(), err)
			}
			if keep(&cfg) {
				out = append(out, &cfg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *badgerRepository) GetActiveBots(_ context.Context) ([]*models.BotConfig, error) {
	return r.scanBots(func(cfg *models.BotConfig) bool { return cfg.Active })
}

func (r *badgerRepository) GetUserBots(_ context.Context, userID string) ([]*models.BotConfig, error) {
	return r.scanBots(func(cfg *models.BotConfig) bool { return cfg.UserID == userID })
}

func (r *badgerRepository) CreateBot(_ context.Context, cfg *models.BotConfig) (string, error) {
	stored := cfg.Clone()
	if stored.ID == "" {
		stored.ID = NewID()
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	data, err := json.Marshal(stored)
	if err != nil {
		return "", err
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(botKey(stored.ID)); err == nil {
			return fmt.Errorf("bot %s already exists", stored.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(botKey(stored.ID), data)
	})
	if err != nil {
		return "", err
	}
	return stored.ID, nil
}

// UpdateBot performs a read-modify-write inside one transaction, retrying on conflicts.
func (r *badgerRepository) UpdateBot(_ context.Context, id string, update models.BotUpdate) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = r.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(botKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return models.ErrBotNotFound
			}
			if err != nil {
				return err
			}

			var cfg models.BotConfig
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cfg)
			}); err != nil {
				return err
			}

			update.Apply(&cfg)
			cfg.UpdatedAt = time.Now().UTC()

			data, err := json.Marshal(&cfg)
			if err != nil {
				return err
			}
			return txn.Set(botKey(id), data)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (r *badgerRepository) DeleteBot(_ context.Context, id string) error {
	var tradeKeys [][]byte
	err := r.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(botKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return models.ErrBotNotFound
			}
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := tradeKeyPrefix(id)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			tradeKeys = append(tradeKeys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := r.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range tradeKeys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	if err := wb.Delete(botKey(id)); err != nil {
		return err
	}
	return wb.Flush()
}

func (r *badgerRepository) GetBotTrades(_ context.Context, botID string) ([]models.Trade, error) {
	trades := make([]models.Trade, 0)

	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := tradeKeyPrefix(botID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var t models.Trade
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &t)
			}); err != nil {
				return err
			}
			trades = append(trades, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return trades, nil
}

func (r *badgerRepository) CreateBotTrade(_ context.Context, trade *models.Trade) (string, error) {
	if trade.BotID == "" {
		return "", errors.New("trade has no bot id")
	}
	stored := *trade
	if stored.ID == "" {
		stored.ID = NewID()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return "", err
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(tradeKey(stored.BotID, stored.Timestamp, stored.ID), data)
	})
	if err != nil {
		return "", err
	}
	return stored.ID, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
