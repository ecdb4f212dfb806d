package httpapi

import (
	"context"
	"log"
	"net/http"
	"strconv"

	gobwas "github.com/gobwas/ws"

	"github.com/taskbridge/chat-app/internal/auth"
	"github.com/taskbridge/chat-app/internal/event"
	"github.com/taskbridge/chat-app/internal/ratelimit"
	"github.com/taskbridge/chat-app/internal/ws"
)

// handleLive upgrades the request to a WebSocket, registers the
// connection for the chat's events and blocks on the read loop until
// the client goes away. Clients may send ping frames (answered with
// pong) and typing frames; everything else arrives via the REST API.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	chatID, err := pathID(r, "chatID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.svc.CanAccess(r.Context(), p, chatID); err != nil {
		writeError(w, r, err)
		return
	}

	netConn, _, _, err := gobwas.UpgradeHTTP(r, w)
	if err != nil {
		// UpgradeHTTP has already written its own error response.
		log.Printf("ws: upgrade chat %d user %d: %v", chatID, p.ID, err)
		return
	}

	conn := ws.NewConn(netConn, p.ID)
	s.registry.Register(chatID, conn)
	log.Printf("ws: connected id=%s user=%d chat=%d", conn.ID, p.ID, chatID)

	defer func() {
		s.registry.Unregister(chatID, conn)
		conn.Close()
		log.Printf("ws: disconnected id=%s user=%d chat=%d", conn.ID, p.ID, chatID)
	}()

	// The request context dies with the handler's HTTP machinery once
	// the connection is hijacked, so frame handling runs on its own.
	ctx := context.Background()
	conn.ReadLoop(func(data []byte) {
		s.handleClientFrame(ctx, conn, p, chatID, data)
	})
}

func (s *Server) handleClientFrame(ctx context.Context, conn *ws.Conn, p auth.Principal, chatID int64, data []byte) {
	frameType, err := event.ParseClientFrame(data)
	if err != nil {
		log.Printf("ws: id=%s: %v", conn.ID, err)
		return
	}
	switch frameType {
	case event.FramePing:
		if err := conn.Push(event.Pong()); err != nil {
			log.Printf("ws: pong id=%s: %v", conn.ID, err)
		}
	case event.FrameTyping:
		allowed, _ := s.limiter.Allow(ctx, strconv.FormatInt(p.ID, 10), ratelimit.RuleTyping)
		if !allowed {
			return
		}
		if err := s.svc.Typing(ctx, p, chatID); err != nil {
			log.Printf("ws: typing id=%s chat=%d: %v", conn.ID, chatID, err)
		}
	}
}
