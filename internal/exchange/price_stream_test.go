package exchange

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceStreamCachesLastTrade(t *testing.T) {
	upgrader := websocket.Upgrader{}
	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		paths <- r.URL.Path
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"aggTrade","s":"BTCUSDT","p":"123.45"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	stream := NewPriceStream("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	defer stream.Close()

	_, ok := stream.Price("BTCUSDT")
	assert.False(t, ok)

	stream.Track("BTCUSDT")
	stream.Track("BTCUSDT")

	select {
	case p := <-paths:
		assert.Equal(t, "/ws/btcusdt@aggTrade", p)
	case <-time.After(2 * time.Second):
		t.Fatal("stream never connected")
	}

	require.Eventually(t, func() bool {
		p, ok := stream.Price("BTCUSDT")
		return ok && p == 123.45
	}, 2*time.Second, 10*time.Millisecond)
}
