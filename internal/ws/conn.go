// Package ws wraps a gobwas/ws server-side WebSocket connection as a
// registry Pusher: a write-mutex-serialized push side and a blocking
// read loop that surfaces client frames and connection death.
package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// writeTimeout bounds a single push so one stalled client cannot wedge
// a broadcast.
const writeTimeout = 10 * time.Second

// Conn is a single live push connection with its associated principal.
type Conn struct {
	ID        string // connection id (UUID), for logging
	UserID    int64  // authenticated principal behind this connection
	CreatedAt time.Time

	conn    net.Conn
	writeMu sync.Mutex // serializes outbound frames
}

// NewConn wraps an upgraded network connection for the given user.
func NewConn(netConn net.Conn, userID int64) *Conn {
	return &Conn{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: time.Now(),
		conn:      netConn,
	}
}

// Push sends a WebSocket text frame. The write mutex ensures that
// concurrent broadcasts do not interleave frame bytes.
func (c *Conn) Push(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := wsutil.WriteServerMessage(c.conn, ws.OpText, data)
	_ = c.conn.SetWriteDeadline(time.Time{})
	return err
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// ReadLoop blocks reading client frames until the connection dies or
// the client closes. Control frames (ping, close) are handled
// internally; each text frame is passed to onText. ReadLoop always
// returns with the connection unusable; the caller unregisters it.
func (c *Conn) ReadLoop(onText func(data []byte)) {
	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			// Covers the peer's close frame, dropped TCP, and protocol
			// errors alike; there is nothing to salvage from any of them.
			return
		}
		if op == ws.OpText && len(data) > 0 && onText != nil {
			onText(data)
		}
	}
}
