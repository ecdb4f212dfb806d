// Package registry is the in-memory multiplexer mapping a chat id to
// the set of live push connections for that chat. It is process-wide
// state rebuilt from zero on restart: durability of chat events lives
// in the stores, the registry is only a best-effort accelerator.
package registry

import (
	"log"
	"sync"

	"github.com/taskbridge/chat-app/internal/event"
	"github.com/taskbridge/chat-app/internal/metrics"
)

// Pusher is a live connection handle. Push must be safe for concurrent
// use; a failed Push marks the connection dead.
type Pusher interface {
	Push(data []byte) error
	Close() error
}

// numShards spreads per-chat connection sets over independent locks so
// broadcasts for unrelated chats never serialize on each other.
const numShards = 32

type shard struct {
	mu    sync.RWMutex
	conns map[int64][]Pusher
}

// Registry maps chat ids to their currently-registered connections.
// The zero value is not usable; call New.
type Registry struct {
	shards [numShards]shard
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].conns = make(map[int64][]Pusher)
	}
	return r
}

func (r *Registry) shard(chatID int64) *shard {
	if chatID < 0 {
		chatID = -chatID
	}
	return &r.shards[chatID%numShards]
}

// Register adds a connection under chatID. A chat may have any number
// of connections (multiple devices or tabs per participant).
func (r *Registry) Register(chatID int64, p Pusher) {
	sh := r.shard(chatID)
	sh.mu.Lock()
	sh.conns[chatID] = append(sh.conns[chatID], p)
	sh.mu.Unlock()

	metrics.LiveConnections.Inc()
}

// Unregister removes a connection from chatID's set. When the set
// becomes empty the map entry is dropped so dead chats do not
// accumulate. Returns true if the connection was registered.
func (r *Registry) Unregister(chatID int64, p Pusher) bool {
	sh := r.shard(chatID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return r.removeLocked(sh, chatID, p)
}

// removeLocked removes p from the chat's set. Caller holds sh.mu.
func (r *Registry) removeLocked(sh *shard, chatID int64, p Pusher) bool {
	conns := sh.conns[chatID]
	for i, c := range conns {
		if c == p {
			conns = append(conns[:i], conns[i+1:]...)
			if len(conns) == 0 {
				delete(sh.conns, chatID)
			} else {
				sh.conns[chatID] = conns
			}
			metrics.LiveConnections.Dec()
			return true
		}
	}
	return false
}

// Count returns the number of connections currently registered for a
// chat.
func (r *Registry) Count(chatID int64) int {
	sh := r.shard(chatID)
	sh.mu.RLock()
	n := len(sh.conns[chatID])
	sh.mu.RUnlock()
	return n
}

// Broadcast encodes the event once and delivers it to every connection
// registered under chatID. Delivery is at-most-once with no retry; any
// connection whose push fails is unregistered and closed as part of
// the same call, so membership is self-healing without a reaper.
func (r *Registry) Broadcast(chatID int64, ev event.Event) {
	data, err := event.Encode(ev)
	if err != nil {
		log.Printf("registry: encode %s event for chat %d: %v", ev.EventType(), chatID, err)
		return
	}
	r.BroadcastRaw(chatID, ev.EventType(), data)
}

// BroadcastRaw delivers pre-encoded event bytes. Used by the NATS
// relay, which receives events already serialized by the origin
// process.
func (r *Registry) BroadcastRaw(chatID int64, eventType string, data []byte) {
	sh := r.shard(chatID)

	// Snapshot under the read lock; pushes happen outside it so a slow
	// connection never blocks membership changes.
	sh.mu.RLock()
	conns := make([]Pusher, len(sh.conns[chatID]))
	copy(conns, sh.conns[chatID])
	sh.mu.RUnlock()

	if len(conns) == 0 {
		return
	}
	metrics.EventsBroadcast.WithLabelValues(eventType).Inc()

	var dead []Pusher
	for _, c := range conns {
		if err := c.Push(data); err != nil {
			dead = append(dead, c)
		}
	}

	if len(dead) == 0 {
		return
	}
	sh.mu.Lock()
	for _, c := range dead {
		if r.removeLocked(sh, chatID, c) {
			metrics.BroadcastFailures.Inc()
		}
	}
	sh.mu.Unlock()
	for _, c := range dead {
		_ = c.Close()
	}
	log.Printf("registry: pruned %d dead connection(s) from chat %d", len(dead), chatID)
}
