package event

import (
	"encoding/json"
	"testing"
	"time"
)

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return m
}

func TestEncode_InjectsTypeDiscriminator(t *testing.T) {
	cases := []struct {
		ev       Event
		wantType string
	}{
		{MessageCreated{ChatID: 1, MessageID: 2, SenderID: 3, Content: "hi", CreatedAt: time.Now()}, TypeMessageCreated},
		{MessageEdited{ChatID: 1, MessageID: 2, Content: "fixed", UpdatedAt: time.Now()}, TypeMessageEdited},
		{MessageDeleted{ChatID: 1, MessageID: 2}, TypeMessageDeleted},
		{ReadReceipt{ChatID: 1, ReaderID: 3, Count: 4}, TypeReadReceipt},
		{TypingPing{ChatID: 1, UserID: 3}, TypeTyping},
	}
	for _, tc := range cases {
		data, err := Encode(tc.ev)
		if err != nil {
			t.Fatalf("Encode(%T): %v", tc.ev, err)
		}
		m := decode(t, data)
		if m["type"] != tc.wantType {
			t.Errorf("Encode(%T): type = %v, want %q", tc.ev, m["type"], tc.wantType)
		}
	}
}

func TestEncode_MessageCreatedFields(t *testing.T) {
	data, err := Encode(MessageCreated{
		ChatID:    7,
		MessageID: 42,
		SenderID:  10,
		Content:   "hello",
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Encode(): %v", err)
	}
	m := decode(t, data)
	if m["chat_id"] != float64(7) || m["message_id"] != float64(42) {
		t.Errorf("unexpected ids in %s", data)
	}
	if m["content"] != "hello" {
		t.Errorf("content = %v, want %q", m["content"], "hello")
	}
	// Attachment fields are omitted for a text message.
	if _, ok := m["file_name"]; ok {
		t.Errorf("file_name present in text-only event: %s", data)
	}
}

func TestPong(t *testing.T) {
	m := decode(t, Pong())
	if m["type"] != TypePong {
		t.Errorf("Pong type = %v, want %q", m["type"], TypePong)
	}
}

func TestParseClientFrame(t *testing.T) {
	cases := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{"ping", `{"type":"ping"}`, FramePing, false},
		{"typing", `{"type":"typing"}`, FrameTyping, false},
		{"unknown", `{"type":"message"}`, "", true},
		{"missing type", `{}`, "", true},
		{"garbage", `not json`, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseClientFrame([]byte(tc.data))
			if tc.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}
