// Package httpapi exposes the chat core over HTTP: a chi-routed JSON
// API for chat and message operations, multipart upload for
// attachments, and a WebSocket endpoint for the live push channel.
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/taskbridge/chat-app/internal/auth"
	"github.com/taskbridge/chat-app/internal/metrics"
	"github.com/taskbridge/chat-app/internal/ratelimit"
	"github.com/taskbridge/chat-app/internal/registry"
	"github.com/taskbridge/chat-app/internal/service"
)

// Server holds the transport's dependencies and implements the HTTP
// handlers.
type Server struct {
	svc      *service.Service
	sessions *auth.Store
	registry *registry.Registry
	limiter  *ratelimit.Limiter
}

// NewServer wires the HTTP transport.
func NewServer(svc *service.Service, sessions *auth.Store, reg *registry.Registry, limiter *ratelimit.Limiter) *Server {
	return &Server{svc: svc, sessions: sessions, registry: reg, limiter: limiter}
}

// Router builds the route tree. Everything except the health and
// metrics endpoints requires a valid session token.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/chats/with-task/{taskID}", s.handleCreateChat)
		r.Get("/chats", s.handleListChats)
		r.Get("/chats/{chatID}", s.handleGetChat)
		r.Delete("/chats/{chatID}", s.handleDeleteChat)

		r.Post("/chats/{chatID}/messages", s.handleSendMessage)
		r.Get("/chats/{chatID}/messages", s.handleListMessages)
		r.Put("/messages/{messageID}", s.handleEditMessage)
		r.Delete("/messages/{messageID}", s.handleDeleteMessage)

		r.Post("/chats/{chatID}/read", s.handleMarkRead)
		r.Post("/chats/{chatID}/typing", s.handleTyping)

		r.Get("/chats/{chatID}/ws", s.handleLive)
		r.Get("/attachments/{key}", s.handleAttachment)
	})

	return r
}

// observe records request latency per route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// authenticate resolves the session token to a principal, attaches it
// to the request context and refreshes the caller's presence.
//
// The token comes from the Authorization header; the WebSocket endpoint
// also accepts a token query parameter because browser WebSocket
// clients cannot set headers.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		p, err := s.sessions.Lookup(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if p == nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}

		s.svc.Touch(r.Context(), p.ID)
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), *p)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
