package internal

import (
	"log/slog"
	"sync/atomic"
)

// 系統設計問題：
//   一個參與者的狀態改變後，如何送達房間裡「其他所有人」？
//
// 核心挑戰：
//   1. 自我排除：參與者永遠不能收到自己事件的回音（以 ID 判斷）
//   2. 部分失敗：一個接收者失敗不能中斷對其他人的投遞
//   3. 鎖與 I/O 分離：列舉接收者需要鎖，傳送不可以持鎖
//
// 設計方案：
//   ✅ 先在讀鎖內把接收者收集到本地切片，釋放鎖後再逐一傳送
//   ✅ 失敗只記錄與回報（OnSendFailure），由連線管理器排程回收
//   ✅ 廣播迴圈從不修改註冊表
//   ✅ 加入時的重播在臨界區內交給新人的連線（Conn.Replay），先於任何之後的事件

// Broadcaster 廣播引擎
type Broadcaster struct {
	registry  *Registry
	logger    *slog.Logger
	onFailure func(Participant)

	sent   atomic.Int64
	failed atomic.Int64
}

// NewBroadcaster 創建廣播引擎
func NewBroadcaster(registry *Registry, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		logger:   logger,
	}
}

// OnSendFailure 設定投遞失敗時的回呼，必須在開始服務之前設定
func (b *Broadcaster) OnSendFailure(fn func(Participant)) {
	b.onFailure = fn
}

// AnnounceJoin 宣告已在註冊表中的參與者加入
//
//  1. 在寫鎖內把每個既有參與者的 joined 重播給新人（依 ID 排序，不含自己）
//  2. 鎖外以 joined 通知其他所有人
func (b *Broadcaster) AnnounceJoin(newID string) bool {
	self, peers, exists := b.registry.Introduce(newID, b.replay)
	if !exists {
		return false
	}

	b.deliver(peers, Message{Participant: newID, Update: Joined(self.State)})
	return true
}

// Join 註冊參與者並宣告加入，回傳新紀錄與被取代的連線（若有）
//
// 重播在 Admit 的臨界區內排入新人的連線：任何其他 goroutine 對新人送出的
// moved/left 都排在重播之後，新人不會先收到某人的 left 再收到過期的 joined。
func (b *Broadcaster) Join(id string, state Touch, conn Conn) (Participant, Conn) {
	self, peers, replaced := b.registry.Admit(id, state, conn, b.replay)

	b.deliver(peers, Message{Participant: id, Update: Joined(self.State)})
	return self, replaced
}

// replay 在註冊表寫鎖內呼叫，只編碼並交給 Conn.Replay，不做 I/O
func (b *Broadcaster) replay(self Participant, peers []Participant) {
	if self.conn == nil {
		return
	}

	frames := make([][]byte, 0, len(peers))
	for _, p := range peers {
		data, err := Encode(Message{Participant: p.ID, Update: Joined(p.State)})
		if err != nil {
			b.logger.Error("編碼訊息失敗",
				"participant_id", p.ID,
				"update", UpdateJoined,
				"error", err)
			continue
		}
		frames = append(frames, data)
	}

	self.conn.Replay(frames)
	b.sent.Add(int64(len(frames)))
}

// AnnounceMove 更新座標並廣播 moved
//
// 參與者已不存在時不送出任何訊息，也不視為錯誤。
func (b *Broadcaster) AnnounceMove(id string, pos Position) bool {
	stored, ok := b.registry.Update(id, pos)
	if !ok {
		return false
	}

	b.broadcast(id, Message{Participant: id, Update: Moved(stored)})
	return true
}

// AnnounceLeave 移除參與者並廣播 left
func (b *Broadcaster) AnnounceLeave(id string) bool {
	if _, ok := b.registry.Remove(id); !ok {
		return false
	}

	b.broadcast(id, Message{Participant: id, Update: Left()})
	return true
}

// ReapConn 僅當 id 仍由 conn 持有時移除並廣播 left
func (b *Broadcaster) ReapConn(id string, conn Conn) bool {
	if _, ok := b.registry.RemoveConn(id, conn); !ok {
		return false
	}

	b.broadcast(id, Message{Participant: id, Update: Left()})
	return true
}

// Sent 成功投遞次數
func (b *Broadcaster) Sent() int64 { return b.sent.Load() }

// Failed 投遞失敗次數
func (b *Broadcaster) Failed() int64 { return b.failed.Load() }

// broadcast 對 except 以外的所有人投遞
func (b *Broadcaster) broadcast(except string, msg Message) {
	var recipients []Participant
	b.registry.ForEachExcept(except, func(p Participant) {
		recipients = append(recipients, p)
	})

	b.deliver(recipients, msg)
}

// deliver 在鎖外逐一傳送，單一失敗不影響其他接收者
func (b *Broadcaster) deliver(recipients []Participant, msg Message) {
	if len(recipients) == 0 {
		return
	}

	data, err := Encode(msg)
	if err != nil {
		b.logger.Error("編碼訊息失敗",
			"participant_id", msg.Participant,
			"update", msg.Update.Kind,
			"error", err)
		return
	}

	for _, p := range recipients {
		b.send(p, data)
	}
}

func (b *Broadcaster) send(p Participant, data []byte) {
	if p.conn == nil {
		return
	}

	if err := p.conn.Send(data); err != nil {
		b.failed.Add(1)
		b.logger.Warn("投遞失敗，排程回收",
			"participant_id", p.ID,
			"error", err)
		if b.onFailure != nil {
			b.onFailure(p)
		}
		return
	}
	b.sent.Add(1)
}
