package internal_test

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-touch-sharing/internal"
	"github.com/stretchr/testify/assert"
)

// TestStress_ConcurrentBroadcast 測試大量參與者同時移動
func TestStress_ConcurrentBroadcast(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	registry := internal.NewRegistry(true)
	b := internal.NewBroadcaster(registry, testLogger())

	const (
		numParticipants = 100
		movesEach       = 50
	)

	conns := make([]*fakeConn, numParticipants)
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < numParticipants; i++ {
		conns[i] = &fakeConn{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			id := fmt.Sprintf("p%03d", i)
			b.Join(id, touch(id, rand.Float64(), rand.Float64()), conns[i])
			for j := 0; j < movesEach; j++ {
				b.AnnounceMove(id, internal.Position{X: rand.Float64(), Y: rand.Float64()})
			}
		}(i)
	}
	wg.Wait()
	duration := time.Since(start)

	t.Logf("廣播壓力測試結果:")
	t.Logf("  參與者: %d", numParticipants)
	t.Logf("  投遞: %d", b.Sent())
	t.Logf("  耗時: %v", duration)

	assert.Equal(t, numParticipants, registry.Len())
	assert.Zero(t, b.Failed())

	// 並發加入時每個人恰好認識其他所有人一次
	for i, conn := range conns {
		self := fmt.Sprintf("p%03d", i)
		joined := make(map[string]int)
		for _, msg := range conn.messages(t) {
			assert.NotEqual(t, self, msg.Participant)
			if msg.Update.Kind == internal.UpdateJoined {
				joined[msg.Participant]++
			}
		}
		assert.Len(t, joined, numParticipants-1)
		for id, count := range joined {
			assert.Equal(t, 1, count, "%s saw %s join %d times", self, id, count)
		}
	}
}

// TestStress_JoinLeaveChurn 測試加入與離開交錯
func TestStress_JoinLeaveChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	registry := internal.NewRegistry(true)
	b := internal.NewBroadcaster(registry, testLogger())

	observer := &fakeConn{}
	b.Join("observer", touch("observer", 0, 0), observer)

	const numGoroutines = 50

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			id := fmt.Sprintf("churn%02d", i)
			conn := &fakeConn{}
			b.Join(id, touch(id, 0, 0), conn)
			b.AnnounceMove(id, internal.Position{X: 0.5, Y: 0.5})
			b.ReapConn(id, conn)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, registry.Len())

	// 每個 churn 參與者對 observer 恰好一次 joined、一次 left
	joined := make(map[string]int)
	left := make(map[string]int)
	for _, msg := range observer.messages(t) {
		switch msg.Update.Kind {
		case internal.UpdateJoined:
			joined[msg.Participant]++
		case internal.UpdateLeft:
			left[msg.Participant]++
		}
	}
	assert.Len(t, joined, numGoroutines)
	assert.Len(t, left, numGoroutines)
	for id := range left {
		assert.Equal(t, 1, left[id])
		assert.Equal(t, 1, joined[id])
	}
}

// BenchmarkBroadcaster_AnnounceMove 測試移動廣播效能
func BenchmarkBroadcaster_AnnounceMove(b *testing.B) {
	registry := internal.NewRegistry(true)
	broadcaster := internal.NewBroadcaster(registry, testLogger())

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("p%02d", i)
		registry.Insert(id, touch(id, 0, 0), discardConn{})
	}

	pos := internal.Position{X: 0.5, Y: 0.5}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		broadcaster.AnnounceMove("p00", pos)
	}
}

// BenchmarkEncode 測試編碼效能
func BenchmarkEncode(b *testing.B) {
	msg := internal.Message{Participant: "A", Update: internal.Joined(touch("A", 0.5, 0.5))}
	for i := 0; i < b.N; i++ {
		_, _ = internal.Encode(msg)
	}
}

type discardConn struct{}

func (discardConn) Send([]byte) error { return nil }
func (discardConn) Replay([][]byte)   {}
func (discardConn) Close() error      { return nil }
func (discardConn) Closed() bool      { return false }
