package internal

import (
	"slices"
	"strings"
	"sync"
)

// 系統設計問題：
//   多個連線同時加入、移動、離開時，如何維持一份一致的參與者清單？
//
// 核心挑戰：
//   1. 並發修改：每條連線一個 goroutine，加上定期掃描都會讀寫同一份 map
//   2. 廣播不可卡鎖：慢速接收者不能拖住其他人的註冊表操作
//   3. 重複 ID：客戶端可自帶 ID，碰撞時需要明確的策略
//
// 設計方案：
//   ✅ RWMutex - 鎖只包住單一 map 操作或一次列舉，永遠不跨網路傳送
//   ✅ 明確建構、依賴注入 - 不使用全域單例，測試可各自建立獨立的註冊表
//   ✅ 後寫者勝 - 相同 ID 直接取代舊紀錄
//   ✅ RemoveConn - 只移除仍由該連線持有的紀錄，避免誤刪取代者

// Conn 參與者的傳輸把手
//
// 由該參與者的紀錄獨佔，廣播時只讀取。
// Replay 在註冊表的臨界區內呼叫，不可阻塞；傳入的訊框必須先於之後 Send 的任何訊框送出。
type Conn interface {
	Send(data []byte) error
	Replay(frames [][]byte)
	Close() error
	Closed() bool
}

// Participant 一個已加入的參與者
type Participant struct {
	ID    string
	State Touch
	conn  Conn
}

// Conn 回傳此參與者的連線
func (p Participant) Conn() Conn {
	return p.conn
}

// Registry 參與者註冊表（單一房間）
//
// 鎖的契約：
//   - 每個公開方法只在自身執行期間持有鎖
//   - ForEachExcept 的回呼在讀鎖內執行，回呼不可呼叫註冊表的寫入方法，也不可做網路 I/O
//   - Admit / Introduce 的回呼在寫鎖內執行，只能做不阻塞的工作（例如 Conn.Replay）
//   - 回傳值一律是複本，呼叫端修改不會影響註冊表
type Registry struct {
	participants map[string]*Participant
	clamp        bool
	mu           sync.RWMutex
}

// NewRegistry 創建註冊表；clampPositions 為 true 時座標會被夾限在 [0,1]
func NewRegistry(clampPositions bool) *Registry {
	return &Registry{
		participants: make(map[string]*Participant),
		clamp:        clampPositions,
	}
}

// Insert 加入參與者，ID 已存在時直接取代（後寫者勝）
func (r *Registry) Insert(id string, state Touch, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.insertLocked(id, state, conn)
}

// Admit 加入參與者，並在同一個臨界區內回傳新紀錄與加入當下的其他參與者
//
// 加入流程用它取代 Insert + Snapshot：兩個連線同時加入時，
// 每一方恰好只會透過「廣播」或「重播」其中一條路徑認識對方。
// 若 id 原本由另一條連線持有，replaced 為被取代的連線，否則為 nil。
//
// onAdmit 不為 nil 時在釋放鎖之前呼叫：新人此時已可被其他 goroutine 列舉，
// 但還沒有人能對它送出任何訊框。
func (r *Registry) Admit(id string, state Touch, conn Conn, onAdmit func(self Participant, peers []Participant)) (self Participant, peers []Participant, replaced Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.participants[id]; exists && prev.conn != conn {
		replaced = prev.conn
	}

	self = r.insertLocked(id, state, conn)
	peers = r.peersLocked(id)
	if onAdmit != nil {
		onAdmit(self, peers)
	}
	return self, peers, replaced
}

// Introduce 對已存在的參與者，在寫鎖內以「自己 + 其他人」呼叫 fn
//
// 參與者不存在時回傳 false，fn 不會被呼叫。
func (r *Registry) Introduce(id string, fn func(self Participant, peers []Participant)) (Participant, []Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[id]
	if !exists {
		return Participant{}, nil, false
	}

	self := *p
	peers := r.peersLocked(id)
	if fn != nil {
		fn(self, peers)
	}
	return self, peers, true
}

// peersLocked id 以外的參與者（依 ID 排序）
func (r *Registry) peersLocked(id string) []Participant {
	peers := make([]Participant, 0, len(r.participants))
	for pid, p := range r.participants {
		if pid == id {
			continue
		}
		peers = append(peers, *p)
	}
	sortParticipants(peers)
	return peers
}

func (r *Registry) insertLocked(id string, state Touch, conn Conn) Participant {
	state.Participant = id
	if r.clamp {
		state.Position = state.Position.Clamp()
	}
	p := &Participant{
		ID:    id,
		State: state,
		conn:  conn,
	}
	r.participants[id] = p
	return *p
}

// Update 更新座標，回傳實際儲存的座標
//
// 參與者不存在（例如已被回收）時回傳 false，不做任何事。
func (r *Registry) Update(id string, pos Position) (Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[id]
	if !exists {
		return Position{}, false
	}

	if r.clamp {
		pos = pos.Clamp()
	}
	p.State.Position = pos
	return pos, true
}

// Remove 移除參與者並回傳先前的紀錄
func (r *Registry) Remove(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[id]
	if !exists {
		return Participant{}, false
	}
	delete(r.participants, id)
	return *p, true
}

// RemoveConn 只有在紀錄仍由 conn 持有時才移除
func (r *Registry) RemoveConn(id string, conn Conn) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[id]
	if !exists || p.conn != conn {
		return Participant{}, false
	}
	delete(r.participants, id)
	return *p, true
}

// Get 取得參與者
func (r *Registry) Get(id string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.participants[id]
	if !exists {
		return Participant{}, false
	}
	return *p, true
}

// Snapshot 依 ID 排序的時間點複本，不含連線
func (r *Registry) Snapshot() []Touch {
	r.mu.RLock()
	touches := make([]Touch, 0, len(r.participants))
	for _, p := range r.participants {
		touches = append(touches, p.State)
	}
	r.mu.RUnlock()

	slices.SortFunc(touches, func(a, b Touch) int {
		return strings.Compare(a.Participant, b.Participant)
	})
	return touches
}

// ForEachExcept 對 id 以外的每個參與者呼叫 fn（讀鎖內執行，每人恰好一次）
func (r *Registry) ForEachExcept(id string, fn func(Participant)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for pid, p := range r.participants {
		if pid == id {
			continue
		}
		fn(*p)
	}
}

// Stale 回傳傳輸層已關閉但仍在註冊表中的參與者
func (r *Registry) Stale() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []Participant
	for _, p := range r.participants {
		if p.conn != nil && p.conn.Closed() {
			stale = append(stale, *p)
		}
	}
	sortParticipants(stale)
	return stale
}

// Len 參與者數量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

func sortParticipants(ps []Participant) {
	slices.SortFunc(ps, func(a, b Participant) int {
		return strings.Compare(a.ID, b.ID)
	})
}
