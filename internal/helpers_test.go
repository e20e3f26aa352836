package internal_test

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/koopa0/system-design/14-touch-sharing/internal"
	"github.com/stretchr/testify/require"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // 測試時只顯示錯誤
	}))
}

// fakeConn 記錄收到的訊框，可設定為傳送失敗
type fakeConn struct {
	mu       sync.Mutex
	received [][]byte
	closed   bool
	fail     bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return internal.ErrConnClosed
	}
	if c.fail {
		return errors.New("peer went away")
	}
	c.received = append(c.received, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Replay(frames [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, data := range frames {
		c.received = append(c.received, append([]byte(nil), data...))
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// messages 解碼目前收到的所有訊框
func (c *fakeConn) messages(t *testing.T) []internal.Message {
	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := make([]internal.Message, 0, len(c.received))
	for _, data := range c.received {
		msg, err := internal.Decode(data)
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	return msgs
}

func touch(id string, x, y float64) internal.Touch {
	return internal.Touch{
		Participant: id,
		Color:       internal.ColorComponents{R: 0.1, G: 0.2, B: 0.3, A: 1},
		Position:    internal.Position{X: x, Y: y},
	}
}
