package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"paper-trading-bots/internal/api"
	"paper-trading-bots/internal/config"
	"paper-trading-bots/internal/exchange"
	"paper-trading-bots/internal/logger"
	"paper-trading-bots/internal/manager"
	"paper-trading-bots/internal/models"
	"paper-trading-bots/internal/persistence"
	"paper-trading-bots/internal/statemanager"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	// 先用默认配置初始化日志，以便记录配置加载过程
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	log := logger.InitLogger(cfg.LogConfig)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("守护进程异常退出", zap.Error(err))
	}
	log.Info("守护进程已退出")
}

func openRepository(ctx context.Context, cfg *models.Config) (persistence.BotRepository, error) {
	switch cfg.Storage {
	case "postgres":
		return persistence.NewPostgresRepository(ctx, cfg.DatabaseURL)
	default:
		return persistence.NewBadgerRepository(cfg.DBPath)
	}
}

func run(ctx context.Context, cfg *models.Config, log *zap.Logger) error {
	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer repo.Close()
	log.Info("存储已就绪", zap.String("storage", cfg.Storage))

	var stream *exchange.PriceStream
	if cfg.UsePriceStream {
		stream = exchange.NewPriceStream(cfg.WSBaseURL, log)
		defer stream.Close()
	}
	market := exchange.NewBinanceMarketData(cfg.BinanceBaseURL, stream, log)
	broker := exchange.NewPaperBroker(exchange.PaperBrokerConfig{
		InitialBalance: cfg.PaperInitialBalance,
		TakerFeeRate:   cfg.TakerFeeRate,
		SlippageRate:   cfg.SlippageRate,
	}, market, log)

	mgr := manager.New(manager.Deps{
		Repo:    repo,
		Market:  market,
		Bridges: broker,
		Writer:  statemanager.NewStateManager(repo, log),
		Logger:  log,
	}, manager.Options{
		SweepSpec:    cfg.SweepInterval,
		SweepBudget:  time.Duration(cfg.SweepBudgetMs) * time.Millisecond,
		RiskInterval: time.Duration(cfg.RiskCheckIntervalSec) * time.Second,
	})
	if err := mgr.Init(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		srv = &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      api.NewRouter(mgr, log),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 35 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info("管理接口已启动", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("管理接口异常", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	log.Info("收到退出信号，正在关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("管理接口关闭失败", zap.Error(err))
		}
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("所有机器人状态已保存")
	return nil
}
