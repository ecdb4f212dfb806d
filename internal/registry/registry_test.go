package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/taskbridge/chat-app/internal/event"
)

// fakePusher records pushed frames and can be flipped to failing to
// simulate a dead connection.
type fakePusher struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (f *fakePusher) Push(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection gone")
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakePusher) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakePusher) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestRegisterAndCount(t *testing.T) {
	r := New()
	a, b := &fakePusher{}, &fakePusher{}

	r.Register(1, a)
	r.Register(1, b)
	r.Register(2, a)

	if got := r.Count(1); got != 2 {
		t.Errorf("Count(1) = %d, want 2", got)
	}
	if got := r.Count(2); got != 1 {
		t.Errorf("Count(2) = %d, want 1", got)
	}
	if got := r.Count(99); got != 0 {
		t.Errorf("Count(99) = %d, want 0", got)
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	a := &fakePusher{}

	r.Register(1, a)
	if !r.Unregister(1, a) {
		t.Error("expected Unregister to report removal")
	}
	if r.Unregister(1, a) {
		t.Error("expected second Unregister to report not found")
	}
	if got := r.Count(1); got != 0 {
		t.Errorf("Count(1) = %d, want 0", got)
	}
}

func TestBroadcast_DeliversToChatOnly(t *testing.T) {
	r := New()
	inChat, otherChat := &fakePusher{}, &fakePusher{}
	r.Register(1, inChat)
	r.Register(2, otherChat)

	r.Broadcast(1, event.TypingPing{ChatID: 1, UserID: 10})

	if got := inChat.frameCount(); got != 1 {
		t.Errorf("chat 1 connection got %d frames, want 1", got)
	}
	if got := otherChat.frameCount(); got != 0 {
		t.Errorf("chat 2 connection got %d frames, want 0", got)
	}
}

func TestBroadcast_NoConnections(t *testing.T) {
	r := New()
	// Must not panic or block.
	r.Broadcast(1, event.MessageDeleted{ChatID: 1, MessageID: 2})
}

func TestBroadcast_PrunesDeadConnections(t *testing.T) {
	r := New()
	alive := &fakePusher{}
	dead := &fakePusher{fail: true}
	r.Register(1, alive)
	r.Register(1, dead)

	r.Broadcast(1, event.TypingPing{ChatID: 1, UserID: 10})

	if got := r.Count(1); got != 1 {
		t.Errorf("Count(1) = %d after prune, want 1", got)
	}
	if !dead.closed {
		t.Error("expected dead connection to be closed")
	}
	if got := alive.frameCount(); got != 1 {
		t.Errorf("alive connection got %d frames, want 1", got)
	}

	// The pruned connection is gone; the next broadcast only reaches
	// the survivor.
	r.Broadcast(1, event.TypingPing{ChatID: 1, UserID: 10})
	if got := alive.frameCount(); got != 2 {
		t.Errorf("alive connection got %d frames, want 2", got)
	}
}

func TestBroadcastRaw_PassesBytesThrough(t *testing.T) {
	r := New()
	p := &fakePusher{}
	r.Register(1, p)

	raw := []byte(`{"type":"typing","chat_id":1,"user_id":10}`)
	r.BroadcastRaw(1, "typing", raw)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frames) != 1 || string(p.frames[0]) != string(raw) {
		t.Errorf("got frames %q, want exactly the raw payload", p.frames)
	}
}

func TestConcurrentRegisterBroadcast(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		chatID := int64(i % 4)
		go func() {
			defer wg.Done()
			p := &fakePusher{}
			r.Register(chatID, p)
			r.Unregister(chatID, p)
		}()
		go func() {
			defer wg.Done()
			r.Broadcast(chatID, event.TypingPing{ChatID: chatID, UserID: 1})
		}()
	}
	wg.Wait()
}
