package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"paper-trading-bots/internal/models"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// 环境变量覆盖项
const (
	EnvStorage        = "BOTD_STORAGE"
	EnvDBPath         = "BOTD_DB_PATH"
	EnvDatabaseURL    = "BOTD_DATABASE_URL"
	EnvHTTPAddr       = "BOTD_HTTP_ADDR"
	EnvLogLevel       = "BOTD_LOG_LEVEL"
	EnvBinanceBaseURL = "BINANCE_BASE_URL"
	EnvPriceStream    = "BOTD_PRICE_STREAM"
)

// LoadConfig 从指定路径加载JSON配置文件，叠加 .env 与环境变量，并填充默认值。
// 配置文件不存在时只使用默认值与环境变量。
func LoadConfig(path string) (*models.Config, error) {
	cfg := &models.Config{}

	file, err := os.Open(path)
	switch {
	case err == nil:
		defer file.Close()
		decoder := json.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	// .env 是可选的
	_ = godotenv.Load()
	ApplyEnv(cfg)
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any BOTD_* variables present in the environment.
func ApplyEnv(cfg *models.Config) {
	if v := os.Getenv(EnvStorage); v != "" {
		cfg.Storage = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogConfig.Level = v
	}
	if v := os.Getenv(EnvBinanceBaseURL); v != "" {
		cfg.BinanceBaseURL = v
	}
	if v := os.Getenv(EnvPriceStream); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.UsePriceStream = b
		}
	}
}

// ApplyDefaults fills every zero value that has a sensible default.
func ApplyDefaults(cfg *models.Config) {
	if cfg.Storage == "" {
		cfg.Storage = "badger"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/bots"
	}
	if cfg.SweepInterval == "" {
		cfg.SweepInterval = "@every 5m"
	}
	if cfg.SweepBudgetMs <= 0 {
		cfg.SweepBudgetMs = 2000
	}
	if cfg.RiskCheckIntervalSec <= 0 {
		cfg.RiskCheckIntervalSec = 60
	}
	if cfg.PaperInitialBalance <= 0 {
		cfg.PaperInitialBalance = 10000
	}
	if cfg.TakerFeeRate == 0 {
		cfg.TakerFeeRate = 0.0004
	}
	if cfg.BinanceBaseURL == "" {
		cfg.BinanceBaseURL = "https://api.binance.com"
	}
	if cfg.WSBaseURL == "" {
		cfg.WSBaseURL = "wss://stream.binance.com:9443"
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg *models.Config) error {
	switch strings.ToLower(cfg.Storage) {
	case "badger":
		if cfg.DBPath == "" {
			return fmt.Errorf("db_path is required for badger storage")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage %q", cfg.Storage)
	}
	if _, err := cron.ParseStandard(cfg.SweepInterval); err != nil {
		return fmt.Errorf("invalid sweep_interval %q: %w", cfg.SweepInterval, err)
	}
	if cfg.TakerFeeRate < 0 || cfg.SlippageRate < 0 {
		return fmt.Errorf("fee and slippage rates must not be negative")
	}
	return nil
}
