// Package auth consumes authenticated principals issued by the
// marketplace's identity service. Sessions live in Redis as hashes
// written by that service:
//
//	Key:    session:<token>
//	Fields: user_id, username
//
// This package only resolves tokens to principals; it never issues or
// invalidates credentials.
package auth

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// SessionPrefix is the Redis key prefix for session hashes.
const SessionPrefix = "session:"

// Principal is the validated identity attached to every authenticated
// request.
type Principal struct {
	ID       int64  `redis:"user_id"`
	Username string `redis:"username"`
}

type ctxKey struct{}

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext extracts the principal attached by the auth middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// Store resolves session tokens against Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a session store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Lookup resolves a token to its principal. Returns nil if the token
// maps to no live session.
func (s *Store) Lookup(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, nil
	}
	var p Principal
	if err := s.client.HGetAll(ctx, SessionPrefix+token).Scan(&p); err != nil {
		return nil, fmt.Errorf("auth: lookup session: %w", err)
	}
	if p.ID == 0 {
		return nil, nil // not found or expired
	}
	return &p, nil
}
