package exchange

import (
	"context"
	"fmt"
	"paper-trading-bots/internal/models"
	"sync"
)

// StaticMarket 是由调用方喂价的行情源，用于离线回放与测试。
type StaticMarket struct {
	mu      sync.RWMutex
	prices  map[string]float64
	candles map[string][]models.Candle
	err     error
}

func NewStaticMarket() *StaticMarket {
	return &StaticMarket{
		prices:  make(map[string]float64),
		candles: make(map[string][]models.Candle),
	}
}

func (m *StaticMarket) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	m.prices[symbol] = price
	m.mu.Unlock()
}

// SetCandles replaces the candles returned for symbol and interval.
func (m *StaticMarket) SetCandles(symbol, interval string, candles []models.Candle) {
	m.mu.Lock()
	m.candles[symbol+"@"+interval] = append([]models.Candle(nil), candles...)
	m.mu.Unlock()
}

// SetError makes every call fail with err until it is reset with nil.
func (m *StaticMarket) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *StaticMarket) GetCurrentPrice(_ context.Context, symbol string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return 0, m.err
	}
	p, ok := m.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("%s: %w", symbol, ErrNoPrice)
	}
	return p, nil
}

// GetCandles returns at most the last limit candles.
func (m *StaticMarket) GetCandles(_ context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	c := m.candles[symbol+"@"+interval]
	if limit > 0 && len(c) > limit {
		c = c[len(c)-limit:]
	}
	return append([]models.Candle(nil), c...), nil
}
