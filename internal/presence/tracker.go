// Package presence derives online/offline state from a per-user
// last-activity timestamp kept in Redis:
//
//	Key:   presence:<user_id>
//	Value: unix timestamp of the user's last authenticated chat action
//
// There is no heartbeat protocol and no expiry process: the timestamp
// is refreshed by ordinary traffic and "online" is a pure time-window
// predicate over it.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence timestamps.
	KeyPrefix = "presence:"

	// OnlineWindow is how recent the last activity must be for a user
	// to count as online.
	OnlineWindow = 5 * time.Minute

	// keyTTL bounds how long a stale presence key lingers in Redis.
	// Far beyond OnlineWindow, so "last seen" stays displayable, but
	// finite so departed users do not accumulate forever.
	keyTTL = 30 * 24 * time.Hour
)

// Tracker records and derives user presence in Redis.
type Tracker struct {
	client *redis.Client
}

// NewTracker creates a presence tracker using the provided Redis client.
func NewTracker(client *redis.Client) *Tracker {
	return &Tracker{client: client}
}

// Touch records now as the user's last activity. Called as a side
// effect of every authenticated chat operation.
func (t *Tracker) Touch(ctx context.Context, userID int64, now time.Time) error {
	key := KeyPrefix + strconv.FormatInt(userID, 10)
	if err := t.client.Set(ctx, key, now.Unix(), keyTTL).Err(); err != nil {
		return fmt.Errorf("presence: touch user %d: %w", userID, err)
	}
	return nil
}

// LastSeen returns the user's last activity timestamp, or nil if the
// user has never been seen (or the record expired).
func (t *Tracker) LastSeen(ctx context.Context, userID int64) (*time.Time, error) {
	key := KeyPrefix + strconv.FormatInt(userID, 10)
	unix, err := t.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("presence: last seen user %d: %w", userID, err)
	}
	ts := time.Unix(unix, 0)
	return &ts, nil
}

// IsOnline reports whether the user was active within OnlineWindow of
// now.
func (t *Tracker) IsOnline(ctx context.Context, userID int64, now time.Time) (bool, error) {
	lastSeen, err := t.LastSeen(ctx, userID)
	if err != nil {
		return false, err
	}
	return Online(lastSeen, now), nil
}

// Online is the window predicate shared by IsOnline and tests: true
// iff lastSeen is set and less than OnlineWindow old.
func Online(lastSeen *time.Time, now time.Time) bool {
	return lastSeen != nil && now.Sub(*lastSeen) >= 0 && now.Sub(*lastSeen) < OnlineWindow
}
