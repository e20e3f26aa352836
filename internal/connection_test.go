package internal

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *WebSocketHub {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := NewRegistry(true)
	hub := NewWebSocketHub(registry, NewBroadcaster(registry, logger), DefaultConfig().WebSocket, logger)
	t.Cleanup(hub.Stop)
	return hub
}

// wsPair 建立一組已連線的伺服器端與客戶端 WebSocket
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()

	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- ws
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server side never accepted")
	}
	return server, client
}

// TestConnection_ReplayWrittenBeforeQueued 測試重播先於已排入佇列的訊息寫出
func TestConnection_ReplayWrittenBeforeQueued(t *testing.T) {
	hub := newTestHub(t)
	server, client := wsPair(t)

	c := &Connection{
		id:    "N",
		ws:    server,
		hub:   hub,
		send:  make(chan []byte, 4),
		done:  make(chan struct{}),
		ready: make(chan struct{}),
	}
	defer c.Close()

	joined, err := Encode(Message{Participant: "P", Update: Joined(Touch{Participant: "P"})})
	require.NoError(t, err)
	left, err := Encode(Message{Participant: "P", Update: Left()})
	require.NoError(t, err)

	// 其他 goroutine 的 left 比重播更早進入佇列
	require.NoError(t, c.Send(left))
	go c.writePump()
	c.Replay([][]byte{joined})
	c.Replay(nil) // 只有第一次生效

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	for _, expected := range [][]byte{joined, left} {
		_, data, err := client.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, string(expected), string(data))
	}
}

// TestWebSocketHub_TrackAfterStop 測試 Stop 之後登記的連線被拒絕
func TestWebSocketHub_TrackAfterStop(t *testing.T) {
	hub := newTestHub(t)

	early := &Connection{id: "early", hub: hub}
	require.True(t, hub.track(early))
	hub.untrack(early)

	hub.Stop()

	late := &Connection{id: "late", hub: hub}
	assert.False(t, hub.track(late))
	assert.Equal(t, 0, hub.Stats()["connections"])
}
