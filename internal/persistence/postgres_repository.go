package persistence

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"paper-trading-bots/internal/models"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const botColumns = `id, user_id, name, strategy_type, symbol, parameters, active, running, status,
	risk, metrics, state, created_at, updated_at`

// postgresRepository is the PostgreSQL implementation of the BotRepository.
type postgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository connects to databaseURL and makes sure the schema exists.
func NewPostgresRepository(ctx context.Context, databaseURL string) (BotRepository, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &postgresRepository{db: pool}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*models.BotConfig, error) {
	var (
		cfg                   models.BotConfig
		params, risk, metrics []byte
		state                 []byte
	)
	err := row.Scan(
		&cfg.ID,
		&cfg.UserID,
		&cfg.Name,
		&cfg.StrategyType,
		&cfg.Symbol,
		&params,
		&cfg.Active,
		&cfg.Running,
		&cfg.Status,
		&risk,
		&metrics,
		&state,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &cfg.Parameters); err != nil {
		return nil, fmt.Errorf("bot %s: bad parameters: %w", cfg.ID, err)
	}
	if len(risk) > 0 {
		if err := json.Unmarshal(risk, &cfg.Risk); err != nil {
			return nil, fmt.Errorf("bot %s: bad risk settings: %w", cfg.ID, err)
		}
	}
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &cfg.Metrics); err != nil {
			return nil, fmt.Errorf("bot %s: bad metrics: %w", cfg.ID, err)
		}
	}
	if len(state) > 0 {
		cfg.State = json.RawMessage(state)
	}
	return &cfg, nil
}

// jsonArgs encodes the JSONB columns of cfg in column order.
func jsonArgs(cfg *models.BotConfig) (params, risk, metrics string, state *string, err error) {
	p, err := json.Marshal(cfg.Parameters)
	if err != nil {
		return
	}
	r, err := json.Marshal(cfg.Risk)
	if err != nil {
		return
	}
	m, err := json.Marshal(cfg.Metrics)
	if err != nil {
		return
	}
	params, risk, metrics = string(p), string(r), string(m)
	if len(cfg.State) > 0 {
		s := string(cfg.State)
		state = &s
	}
	return
}

func (r *postgresRepository) GetBotByID(ctx context.Context, id string) (*models.BotConfig, error) {
	cfg, err := scanBot(r.db.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bot %s: %w", id, err)
	}
	return cfg, nil
}

func (r *postgresRepository) queryBots(ctx context.Context, query string, args ...any) ([]*models.BotConfig, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bots: %w", err)
	}
	defer rows.Close()

	var bots []*models.BotConfig
	for rows.Next() {
		cfg, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, cfg)
	}
	return bots, rows.Err()
}

func (r *postgresRepository) GetActiveBots(ctx context.Context) ([]*models.BotConfig, error) {
	return r.queryBots(ctx, `SELECT `+botColumns+` FROM bots WHERE active ORDER BY created_at`)
}

func (r *postgresRepository) GetUserBots(ctx context.Context, userID string) ([]*models.BotConfig, error) {
	return r.queryBots(ctx, `SELECT `+botColumns+` FROM bots WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (r *postgresRepository) CreateBot(ctx context.Context, cfg *models.BotConfig) (string, error) {
	stored := cfg.Clone()
	if stored.ID == "" {
		stored.ID = NewID()
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	params, risk, metrics, state, err := jsonArgs(stored)
	if err != nil {
		return "", err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO bots (`+botColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10::jsonb, $11::jsonb, $12::jsonb, $13, $14)`,
		stored.ID, stored.UserID, stored.Name, string(stored.StrategyType), stored.Symbol, params,
		stored.Active, stored.Running, string(stored.Status), risk, metrics, state,
		stored.CreatedAt, stored.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create bot: %w", err)
	}
	return stored.ID, nil
}

// UpdateBot locks the row, applies the partial update in Go and writes the whole row back.
func (r *postgresRepository) UpdateBot(ctx context.Context, id string, update models.BotUpdate) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cfg, err := scanBot(tx.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrBotNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load bot %s: %w", id, err)
	}

	update.Apply(cfg)
	cfg.UpdatedAt = time.Now().UTC()

	params, risk, metrics, state, err := jsonArgs(cfg)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE bots SET name = $2, symbol = $3, parameters = $4::jsonb, active = $5, running = $6,
			status = $7, risk = $8::jsonb, metrics = $9::jsonb, state = $10::jsonb, updated_at = $11
		WHERE id = $1`,
		id, cfg.Name, cfg.Symbol, params, cfg.Active, cfg.Running, string(cfg.Status),
		risk, metrics, state, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update bot %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

func (r *postgresRepository) DeleteBot(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM bots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete bot %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrBotNotFound
	}
	return nil
}

func (r *postgresRepository) GetBotTrades(ctx context.Context, botID string) ([]models.Trade, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, bot_id, user_id, symbol, side, price, quantity, total, status, reason, profit, metadata, created_at
		FROM bot_trades
		WHERE bot_id = $1
		ORDER BY created_at`, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	trades := make([]models.Trade, 0)
	for rows.Next() {
		var (
			t    models.Trade
			side string
			meta []byte
		)
		if err := rows.Scan(&t.ID, &t.BotID, &t.UserID, &t.Symbol, &side, &t.Price, &t.Quantity,
			&t.Total, &t.Status, &t.Reason, &t.Profit, &meta, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Side = models.Side(side)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				return nil, fmt.Errorf("trade %s: bad metadata: %w", t.ID, err)
			}
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (r *postgresRepository) CreateBotTrade(ctx context.Context, trade *models.Trade) (string, error) {
	if trade.BotID == "" {
		return "", errors.New("trade has no bot id")
	}
	id := trade.ID
	if id == "" {
		id = NewID()
	}
	ts := trade.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var meta *string
	if len(trade.Metadata) > 0 {
		b, err := json.Marshal(trade.Metadata)
		if err != nil {
			return "", err
		}
		s := string(b)
		meta = &s
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO bot_trades (id, bot_id, user_id, symbol, side, price, quantity, total, status, reason, profit, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13)`,
		id, trade.BotID, trade.UserID, trade.Symbol, string(trade.Side), trade.Price, trade.Quantity,
		trade.Total, trade.Status, trade.Reason, trade.Profit, meta, ts,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create trade: %w", err)
	}
	return id, nil
}

func (r *postgresRepository) Close() error {
	r.db.Close()
	return nil
}
