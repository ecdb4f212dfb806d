// Package relay mirrors registry broadcasts across processes over
// NATS, so a deployment can run several chat servers behind a load
// balancer and every live connection still sees every event for its
// chat. Events flow on chat.<chat_id> subjects; each envelope carries
// the origin server name so an instance never re-delivers its own
// events.
//
// The relay sits behind the same Broadcast seam as the in-process
// registry; single-process deployments simply use the registry
// directly.
package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskbridge/chat-app/internal/event"
	"github.com/taskbridge/chat-app/internal/registry"
)

// subjectPrefix is the NATS subject prefix; the chat id is appended.
const subjectPrefix = "chat."

// envelope is the wire form of a relayed event.
type envelope struct {
	Origin string          `json:"origin"`
	ChatID int64           `json:"chat_id"`
	Type   string          `json:"type"`
	Event  json.RawMessage `json:"event"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Origin        string        // this server's name, used to skip self-published events
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Origin:        "chat-1",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Relay broadcasts locally and mirrors every event to NATS, feeding
// events from other instances into the local registry.
type Relay struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	origin string
	local  *registry.Registry
}

// New connects to NATS and starts relaying. Remote events for any chat
// are delivered into the local registry as soon as New returns.
func New(config Config, local *registry.Registry) (*Relay, error) {
	opts := []nats.Option{
		nats.Name("chat-relay-" + config.Origin),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[relay] disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[relay] reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("relay: nats connect: %w", err)
	}

	r := &Relay{conn: nc, origin: config.Origin, local: local}

	// One wildcard subscription covers every chat; the registry drops
	// events for chats with no local connections.
	r.sub, err = nc.Subscribe(subjectPrefix+">", r.handleRemote)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("relay: subscribe: %w", err)
	}

	log.Printf("[relay] connected to %s origin=%s", nc.ConnectedUrl(), config.Origin)
	return r, nil
}

// Broadcast delivers the event to local connections, then publishes it
// for other instances. NATS publish failures are logged, not
// propagated: the stores are the source of truth and remote delivery
// is best effort.
func (r *Relay) Broadcast(chatID int64, ev event.Event) {
	r.local.Broadcast(chatID, ev)

	data, err := event.Encode(ev)
	if err != nil {
		log.Printf("[relay] encode %s event for chat %d: %v", ev.EventType(), chatID, err)
		return
	}
	env, err := json.Marshal(envelope{
		Origin: r.origin,
		ChatID: chatID,
		Type:   ev.EventType(),
		Event:  data,
	})
	if err != nil {
		log.Printf("[relay] marshal envelope for chat %d: %v", chatID, err)
		return
	}
	subject := subjectPrefix + strconv.FormatInt(chatID, 10)
	if err := r.conn.Publish(subject, env); err != nil {
		log.Printf("[relay] publish %s: %v", subject, err)
	}
}

// handleRemote feeds an event published by another instance into the
// local registry.
func (r *Relay) handleRemote(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Printf("[relay] unmarshal envelope on %s: %v", msg.Subject, err)
		return
	}
	if env.Origin == r.origin {
		return // already delivered locally
	}
	r.local.BroadcastRaw(env.ChatID, env.Type, env.Event)
}

// Close drains the subscription and closes the NATS connection.
func (r *Relay) Close() {
	if r.sub != nil {
		if err := r.sub.Drain(); err != nil {
			log.Printf("[relay] drain: %v", err)
		}
	}
	if err := r.conn.Drain(); err != nil {
		log.Printf("[relay] connection drain: %v", err)
	}
}
