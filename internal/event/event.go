// Package event defines the structured events pushed to live chat
// connections and the small set of frames clients may send on the push
// channel. All payloads are serialized as JSON with a "type"
// discriminator so consumers stay exhaustive-checked against the known
// kinds.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Server -> client event types.
const (
	TypeMessageCreated = "message_created"
	TypeMessageEdited  = "message_edited"
	TypeMessageDeleted = "message_deleted"
	TypeReadReceipt    = "read_receipt"
	TypeTyping         = "typing"
	TypePong           = "pong"
)

// Client -> server frame types.
const (
	FramePing   = "ping"
	FrameTyping = "typing"
)

// Event is the closed set of chat events delivered through the
// connection registry. Each kind carries exactly the fields that event
// needs.
type Event interface {
	EventType() string
}

// MessageCreated announces a newly stored message to all live
// connections of its chat.
type MessageCreated struct {
	ChatID    int64     `json:"chat_id"`
	MessageID int64     `json:"message_id"`
	SenderID  int64     `json:"sender_id"`
	Content   string    `json:"content,omitempty"`
	FileName  string    `json:"file_name,omitempty"`
	MimeType  string    `json:"mime_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (MessageCreated) EventType() string { return TypeMessageCreated }

// MessageEdited announces an in-place text edit.
type MessageEdited struct {
	ChatID    int64     `json:"chat_id"`
	MessageID int64     `json:"message_id"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (MessageEdited) EventType() string { return TypeMessageEdited }

// MessageDeleted announces that a message row (and any attachment) is
// gone.
type MessageDeleted struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

func (MessageDeleted) EventType() string { return TypeMessageDeleted }

// ReadReceipt announces that a participant marked the chat read.
type ReadReceipt struct {
	ChatID   int64 `json:"chat_id"`
	ReaderID int64 `json:"reader_id"`
	Count    int64 `json:"count"`
}

func (ReadReceipt) EventType() string { return TypeReadReceipt }

// TypingPing announces that a participant is composing a message. It is
// ephemeral: durability comes from the typing timestamp on the chat
// row, not from this event.
type TypingPing struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
}

func (TypingPing) EventType() string { return TypeTyping }

// Encode serializes an event to its JSON wire form, injecting the type
// discriminator into the payload.
func Encode(ev Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("event: marshal payload: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("event: remarshal payload: %w", err)
	}
	m["type"] = ev.EventType()

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("event: marshal envelope: %w", err)
	}
	return out, nil
}

// Pong is the reply to a client ping frame.
func Pong() []byte {
	return []byte(`{"type":"pong"}`)
}

// TypingFrame is the one meaningful client -> server frame on the push
// channel: "I am composing". The chat id comes from the connection's
// URL, so the frame itself carries nothing beyond its type.
type TypingFrame struct {
	Type string `json:"type"`
}

// ParseClientFrame decodes a frame received from a live connection and
// returns its type. Unknown types are an error; the caller decides
// whether to drop the frame or the connection.
func ParseClientFrame(data []byte) (string, error) {
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return "", fmt.Errorf("event: parse client frame: %w", err)
	}
	switch partial.Type {
	case FramePing, FrameTyping:
		return partial.Type, nil
	case "":
		return "", fmt.Errorf("event: missing frame type")
	default:
		return partial.Type, fmt.Errorf("event: unknown client frame type %q", partial.Type)
	}
}
