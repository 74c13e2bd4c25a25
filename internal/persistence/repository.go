package persistence

import (
	"context"
	"paper-trading-bots/internal/models"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
)

// BotRepository defines the durable record store for bot configurations and trades.
// It abstracts the underlying storage mechanism (BadgerDB, PostgreSQL) from the engine.
type BotRepository interface {
	// GetBotByID returns the config for id. If no config exists it returns (nil, nil).
	GetBotByID(ctx context.Context, id string) (*models.BotConfig, error)

	// GetActiveBots returns every config with Active set.
	GetActiveBots(ctx context.Context) ([]*models.BotConfig, error)

	// GetUserBots returns the configs owned by userID, oldest first.
	GetUserBots(ctx context.Context, userID string) ([]*models.BotConfig, error)

	// CreateBot stores a new config and returns its id. An empty cfg.ID is assigned.
	CreateBot(ctx context.Context, cfg *models.BotConfig) (string, error)

	// UpdateBot applies a partial update. Returns models.ErrBotNotFound for unknown ids.
	UpdateBot(ctx context.Context, id string, update models.BotUpdate) error

	// DeleteBot removes the config and its trades.
	DeleteBot(ctx context.Context, id string) error

	// GetBotTrades returns the full trade history of a bot, oldest first.
	GetBotTrades(ctx context.Context, botID string) ([]models.Trade, error)

	// CreateBotTrade appends a trade and returns its id.
	CreateBotTrade(ctx context.Context, trade *models.Trade) (string, error)

	// Close gracefully closes the connection to the database.
	Close() error
}

// NewID returns a compact, URL-safe random identifier.
func NewID() string {
	u := uuid.New()
	return base62.EncodeToString(u[:])
}
