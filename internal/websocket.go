package internal

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   連線會無聲無息地死掉（網路中斷、App 被殺），如何讓註冊表最終與實際連線一致？
//
// 核心挑戰：
//   1. 生命週期：Connecting → Joined → Closed，每條連線恰好離開一次
//   2. 偵測死連線：關閉事件、讀取錯誤、傳送失敗、心跳逾時都可能是第一個訊號
//   3. 競態：明確關閉與掃描同時發生時，不能廣播兩次 left
//
// 設計方案：
//   ✅ 每條連線一個 readPump + 一個 writePump
//   ✅ Ping/Pong 心跳 - 偵測半開連線
//   ✅ 定期掃描 - 回收「傳輸層已關閉但仍在註冊表」的參與者
//   ✅ 回收佇列 - 傳送失敗時立即排程回收，掃描作為最後防線
//   ✅ RemoveConn - 以「移除時紀錄仍屬於此連線」作為唯一的冪等保護

// handshakeParams 握手時必填的查詢參數
var handshakeParams = [...]string{"r", "g", "b", "a", "x", "y"}

const maxParticipantIDLength = 128

// WebSocketHub 連線生命週期管理器
type WebSocketHub struct {
	registry    *Registry
	broadcaster *Broadcaster
	cfg         WebSocketConfig
	logger      *slog.Logger
	upgrader    websocket.Upgrader

	connections map[*Connection]struct{}
	mu          sync.Mutex

	reapCh   chan Participant
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	joins   atomic.Int64
	leaves  atomic.Int64
	reaped  atomic.Int64
	dropped atomic.Int64
}

// Connection 一條 WebSocket 連線，實作 Conn
type Connection struct {
	id   string
	ws   *websocket.Conn
	hub  *WebSocketHub
	send chan []byte
	done chan struct{}

	// 加入時的重播，writePump 在 ready 關閉後先寫完才處理 send
	backlog    [][]byte
	ready      chan struct{}
	replayOnce sync.Once

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewWebSocketHub 創建連線管理器並啟動掃描
func NewWebSocketHub(registry *Registry, broadcaster *Broadcaster, cfg WebSocketConfig, logger *slog.Logger) *WebSocketHub {
	hub := &WebSocketHub{
		registry:    registry,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 行動端不帶 Origin，不做來源檢查
				return true
			},
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		connections: make(map[*Connection]struct{}),
		reapCh:      make(chan Participant, cfg.SendBuffer),
		stopCh:      make(chan struct{}),
	}

	broadcaster.OnSendFailure(hub.scheduleReap)

	hub.wg.Add(1)
	go hub.sweepLoop()

	return hub
}

// ServeWS 處理握手並升級為 WebSocket
//
// 握手參數無效時在升級前回傳 400，參與者從未加入，因此不會廣播 left。
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-hub.stopCh:
		http.Error(w, "服務關閉中", http.StatusServiceUnavailable)
		return
	default:
	}

	id, touch, err := ParseHandshake(r.URL.Query())
	if err != nil {
		hub.logger.Warn("握手參數無效", "remote", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	conn := &Connection{
		id:   id,
		ws:   ws,
		hub:  hub,
		send:  make(chan []byte, hub.cfg.SendBuffer),
		done:  make(chan struct{}),
		ready: make(chan struct{}),
	}
	if !hub.track(conn) {
		// 升級期間 Stop 已取走連線清單，由這裡自行關閉
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	go conn.writePump()

	self, replaced := hub.broadcaster.Join(id, touch, conn)
	if replaced != nil {
		// 相同 ID 後寫者勝：舊連線關閉，且因紀錄已不屬於它而不會廣播 left
		_ = replaced.Close()
	}
	hub.joins.Add(1)

	hub.logger.Info("參與者加入",
		"participant_id", id,
		"remote", r.RemoteAddr,
		"position", self.State.Position,
		"participants", hub.registry.Len())

	go conn.readPump()
}

// ParseHandshake 從查詢參數解析參與者 ID 與初始狀態
//
// r,g,b,a,x,y 皆為必填的有限實數；id 可省略，省略時產生 UUID。
func ParseHandshake(q url.Values) (string, Touch, error) {
	var values [len(handshakeParams)]float64
	for i, name := range handshakeParams {
		raw := q.Get(name)
		if raw == "" {
			return "", Touch{}, fmt.Errorf("%w: 缺少參數 %s", ErrHandshakeInvalid, name)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", Touch{}, fmt.Errorf("%w: 參數 %s 不是數字: %q", ErrHandshakeInvalid, name, raw)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", Touch{}, fmt.Errorf("%w: 參數 %s 必須是有限實數", ErrHandshakeInvalid, name)
		}
		values[i] = v
	}

	id := q.Get("id")
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > maxParticipantIDLength {
		return "", Touch{}, fmt.Errorf("%w: id 超過 %d 字元", ErrHandshakeInvalid, maxParticipantIDLength)
	}

	touch := Touch{
		Participant: id,
		Color:       ColorComponents{R: values[0], G: values[1], B: values[2], A: values[3]},
		Position:    Position{X: values[4], Y: values[5]},
	}
	return id, touch, nil
}

// Sweep 回收所有傳輸層已關閉的參與者，回傳回收數量
func (hub *WebSocketHub) Sweep() int {
	n := 0
	for _, p := range hub.registry.Stale() {
		if hub.reap(p, "sweep") {
			n++
		}
	}
	return n
}

// sweepLoop 定期掃描並處理回收佇列
func (hub *WebSocketHub) sweepLoop() {
	defer hub.wg.Done()

	ticker := time.NewTicker(hub.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hub.Sweep()
		case p := <-hub.reapCh:
			hub.reap(p, "send_failure")
		case <-hub.stopCh:
			return
		}
	}
}

// scheduleReap 傳送失敗時由廣播引擎呼叫
//
// 只關閉連線並排入佇列，不在廣播迴圈中修改註冊表；佇列滿時交給下一次掃描。
func (hub *WebSocketHub) scheduleReap(p Participant) {
	if p.conn != nil {
		_ = p.conn.Close()
	}

	select {
	case hub.reapCh <- p:
	default:
	}
}

// reap 關閉連線並移除參與者；紀錄已不屬於該連線時不做任何事
func (hub *WebSocketHub) reap(p Participant, reason string) bool {
	if p.conn != nil {
		_ = p.conn.Close()
	}

	if !hub.broadcaster.ReapConn(p.ID, p.conn) {
		return false
	}

	hub.reaped.Add(1)
	hub.logger.Info("回收參與者",
		"participant_id", p.ID,
		"reason", reason,
		"participants", hub.registry.Len())
	return true
}

// leave 連線自行結束（關閉訊框或讀取錯誤）
func (hub *WebSocketHub) leave(c *Connection) {
	defer hub.untrack(c)

	if !hub.broadcaster.ReapConn(c.id, c) {
		return
	}

	hub.leaves.Add(1)
	hub.logger.Info("參與者離開",
		"participant_id", c.id,
		"participants", hub.registry.Len())
}

// track 登記連線；hub 已停止時回傳 false
func (hub *WebSocketHub) track(c *Connection) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	select {
	case <-hub.stopCh:
		return false
	default:
	}
	hub.connections[c] = struct{}{}
	return true
}

func (hub *WebSocketHub) untrack(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	delete(hub.connections, c)
}

// Stop 停止掃描並關閉所有連線
func (hub *WebSocketHub) Stop() {
	hub.stopOnce.Do(func() {
		close(hub.stopCh)
		hub.wg.Wait()

		hub.mu.Lock()
		conns := make([]*Connection, 0, len(hub.connections))
		for c := range hub.connections {
			conns = append(conns, c)
		}
		hub.mu.Unlock()

		deadline := time.Now().Add(time.Second)
		for _, c := range conns {
			// WriteControl 可與 writePump 並行呼叫
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), deadline)
			_ = c.Close()
		}

		hub.logger.Info("WebSocket Hub 已停止", "closed_connections", len(conns))
	})
}

// Stats 連線統計
func (hub *WebSocketHub) Stats() map[string]any {
	hub.mu.Lock()
	connections := len(hub.connections)
	hub.mu.Unlock()

	return map[string]any{
		"participants":   hub.registry.Len(),
		"connections":    connections,
		"joins":          hub.joins.Load(),
		"leaves":         hub.leaves.Load(),
		"reaped":         hub.reaped.Load(),
		"dropped_frames": hub.dropped.Load(),
		"messages_sent":  hub.broadcaster.Sent(),
		"send_failures":  hub.broadcaster.Failed(),
	}
}

// ID 參與者 ID
func (c *Connection) ID() string { return c.id }

// Send 將訊息排入傳送佇列
//
// 佇列滿時最多等待 SendTimeout；逾時與連線已關閉都回傳 ErrSendFailure 類錯誤。
func (c *Connection) Send(data []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
	}

	timer := time.NewTimer(c.hub.cfg.SendTimeout)
	defer timer.Stop()

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

// Replay 交付加入時的重播訊框（只生效一次，不阻塞）
func (c *Connection) Replay(frames [][]byte) {
	c.replayOnce.Do(func() {
		c.backlog = frames
		close(c.ready)
	})
}

// Close 關閉連線（可重複呼叫）
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Closed 傳輸層是否已關閉
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// readPump 讀取客戶端訊框
//
// 讀取超時 PongWait，每收到 Pong 延長一次；超時、關閉訊框、讀取錯誤
// 都會結束迴圈並觸發離開。
func (c *Connection) readPump() {
	defer func() {
		_ = c.Close()
		c.hub.leave(c)
	}()

	cfg := c.hub.cfg
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("WebSocket 讀取錯誤",
					"participant_id", c.id,
					"error", err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			c.hub.dropped.Add(1)
			continue
		}
		c.handleMessage(data)
	}
}

// handleMessage 處理一個客戶端訊框
//
// 格式錯誤只丟棄該訊框；joined/left 是伺服器專用事件，收到時忽略。
func (c *Connection) handleMessage(data []byte) {
	if c.closed.Load() {
		return
	}

	msg, err := DecodeClientFrame(data)
	if err != nil {
		c.hub.dropped.Add(1)
		c.hub.logger.Warn("丟棄格式錯誤的訊框",
			"participant_id", c.id,
			"error", err)
		return
	}

	switch msg.Update.Kind {
	case UpdateMoved:
		c.hub.broadcaster.AnnounceMove(c.id, msg.Update.Position)
	default:
		c.hub.logger.Debug("忽略客戶端送來的伺服器事件",
			"participant_id", c.id,
			"update", msg.Update.Kind)
	}
}

// writePump 將佇列中的訊息寫入客戶端，並定期送出 Ping
//
// 每次寫入都有 WriteWait 期限，停滯的 socket 不會讓此 goroutine 永久阻塞；
// 寫入失敗即關閉連線，由掃描回收。
func (c *Connection) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	// 重播先於佇列中的任何訊息
	select {
	case <-c.ready:
	case <-c.done:
		return
	}
	for _, frame := range c.backlog {
		if err := c.write(websocket.TextMessage, frame); err != nil {
			c.hub.logger.Debug("寫入重播失敗", "participant_id", c.id, "error", err)
			return
		}
	}
	c.backlog = nil

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("寫入訊息失敗", "participant_id", c.id, "error", err)
				return
			}

			// 批量發送佇列中的訊息，每則仍是獨立的訊框
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.write(websocket.TextMessage, <-c.send); err != nil {
					c.hub.logger.Debug("寫入訊息失敗", "participant_id", c.id, "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}
