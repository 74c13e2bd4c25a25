package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait
	reconnectDelay = 5 * time.Second

	// 超过该时间未更新的价格视为过期，调用方应回退到 REST
	priceMaxAge = 30 * time.Second
)

type streamPrice struct {
	price float64
	at    time.Time
}

// PriceStream 为每个被跟踪的交易对维持一条 aggTrade WebSocket 连接并缓存最新成交价。
type PriceStream struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *zap.Logger

	mu      sync.RWMutex
	prices  map[string]streamPrice
	tracked map[string]bool

	stopChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewPriceStream creates an idle stream; symbols are connected lazily by Track.
func NewPriceStream(wsBaseURL string, logger *zap.Logger) *PriceStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriceStream{
		baseURL:     strings.TrimRight(wsBaseURL, "/"),
		dialer:      websocket.DefaultDialer,
		logger:      logger,
		prices:      make(map[string]streamPrice),
		tracked:     make(map[string]bool),
		stopChannel: make(chan struct{}),
	}
}

// Track starts streaming symbol if it is not streamed yet.
func (s *PriceStream) Track(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracked[symbol] {
		return
	}
	select {
	case <-s.stopChannel:
		return
	default:
	}
	s.tracked[symbol] = true
	s.wg.Add(1)
	go s.webSocketLoop(symbol)
}

// Price returns the cached price of symbol if it is fresh.
func (s *PriceStream) Price(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	if !ok || time.Since(p.at) > priceMaxAge {
		return 0, false
	}
	return p.price, true
}

func (s *PriceStream) setPrice(symbol string, price float64) {
	s.mu.Lock()
	s.prices[symbol] = streamPrice{price: price, at: time.Now()}
	s.mu.Unlock()
}

// Close stops every connection and waits for the loops to exit.
func (s *PriceStream) Close() {
	s.stopOnce.Do(func() { close(s.stopChannel) })
	s.wg.Wait()
}

// webSocketLoop 负责维持WebSocket的连接和重连
func (s *PriceStream) webSocketLoop(symbol string) {
	defer s.wg.Done()
	url := fmt.Sprintf("%s/ws/%s@aggTrade", s.baseURL, strings.ToLower(symbol))
	log := s.logger.With(zap.String("symbol", symbol))

	for {
		select {
		case <-s.stopChannel:
			log.Debug("价格流已停止")
			return
		default:
		}

		conn, _, err := s.dialer.Dial(url, nil)
		if err != nil {
			log.Warn("WebSocket连接失败，稍后重试", zap.Error(err))
			if !s.sleep(reconnectDelay) {
				return
			}
			continue
		}

		log.Info("WebSocket连接成功")
		if err := s.handleMessages(symbol, conn); err != nil {
			log.Warn("WebSocket处理时发生错误", zap.Error(err))
		}
		conn.Close()

		if !s.sleep(reconnectDelay) {
			return
		}
	}
}

// sleep waits d unless the stream is closed first.
func (s *PriceStream) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.stopChannel:
		return false
	case <-t.C:
		return true
	}
}

// handleMessages 为一个已建立的连接处理消息，并实现心跳机制。连接断开时返回。
func (s *PriceStream) handleMessages(symbol string, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		pingTicker := time.NewTicker(pingPeriod)
		defer pingTicker.Stop()
		for {
			select {
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					return
				}
			case <-s.stopChannel:
				// 关闭连接以解除 ReadMessage 的阻塞
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopChannel:
				return nil
			default:
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}

		var trade struct {
			Price json.Number `json:"p"` // "p"代表价格
		}
		if err := json.Unmarshal(message, &trade); err != nil {
			continue
		}
		price, err := trade.Price.Float64()
		if err != nil || price <= 0 {
			continue
		}
		s.setPrice(symbol, price)
	}
}
