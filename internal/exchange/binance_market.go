package exchange

import (
	"context"
	"fmt"
	"paper-trading-bots/internal/models"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// BinanceMarketData 通过币安公共接口获取行情，不需要 API Key。
// 如果配置了 PriceStream，则优先使用其缓存的最新成交价。
type BinanceMarketData struct {
	client *binance.Client
	stream *PriceStream
	logger *zap.Logger
}

// NewBinanceMarketData creates a market data source. baseURL may be empty for the default endpoint
// and stream may be nil.
func NewBinanceMarketData(baseURL string, stream *PriceStream, logger *zap.Logger) *BinanceMarketData {
	client := binance.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BinanceMarketData{client: client, stream: stream, logger: logger}
}

// GetCurrentPrice 获取最新价格，WebSocket 缓存不新鲜时回退到 REST
func (m *BinanceMarketData) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if m.stream != nil {
		m.stream.Track(symbol)
		if price, ok := m.stream.Price(symbol); ok {
			return price, nil
		}
	}

	prices, err := m.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取 %s 价格失败: %w", symbol, err)
	}
	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		price, err := strconv.ParseFloat(p.Price, 64)
		if err != nil {
			return 0, fmt.Errorf("解析 %s 价格失败: %w", symbol, err)
		}
		return price, nil
	}
	return 0, fmt.Errorf("%s: %w", symbol, ErrNoPrice)
}

// GetCandles 获取最近 limit 根K线，按时间升序
func (m *BinanceMarketData) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	klines, err := m.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit). // 币安单次请求最多1000条
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("下载 %s %s K线失败: %w", symbol, interval, err)
	}

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		c, err := toCandle(k)
		if err != nil {
			m.logger.Warn("跳过无法解析的K线", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func toCandle(k *binance.Kline) (models.Candle, error) {
	var (
		c   models.Candle
		err error
	)
	fields := []struct {
		raw string
		dst *float64
	}{
		{k.Open, &c.Open},
		{k.High, &c.High},
		{k.Low, &c.Low},
		{k.Close, &c.Close},
		{k.Volume, &c.Volume},
	}
	for _, f := range fields {
		if *f.dst, err = strconv.ParseFloat(f.raw, 64); err != nil {
			return models.Candle{}, err
		}
	}
	c.OpenTime = time.UnixMilli(k.OpenTime).UTC()
	c.CloseTime = time.UnixMilli(k.CloseTime).UTC()
	return c, nil
}
