// Package message provides PostgreSQL-backed storage for chat
// messages: append, text-only edit, delete, pagination, read
// bookkeeping and the chat-list snippet rules.
package message

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/taskbridge/chat-app/internal/errs"
)

const (
	// MaxContentBytes caps the raw content size of one message.
	MaxContentBytes = 4096
	// MaxContentChars caps the character count of one message.
	MaxContentChars = 2000

	// SnippetChars is the maximum number of characters of content shown
	// in a chat-list snippet before truncation.
	SnippetChars = 40

	// SnippetPlaceholder is shown when a message somehow has neither
	// content nor attachment (the schema forbids it, but summaries must
	// never render an empty string).
	SnippetPlaceholder = "(no content)"
)

// Message is one unit of chat content: text, an attachment, or both,
// never neither.
type Message struct {
	ID       int64
	ChatID   int64
	SenderID int64

	Content   *string
	CreatedAt time.Time
	UpdatedAt *time.Time
	IsEdited  bool
	IsRead    bool

	// Attachment metadata; all three are set together or nil together.
	FilePath         *string // storage key in the attachment store
	OriginalFileName *string
	MimeType         *string
}

// HasAttachment reports whether the message carries a stored file.
func (m *Message) HasAttachment() bool {
	return m.FilePath != nil
}

// Snippet returns the truncated preview used in chat-list summaries:
// the first SnippetChars characters of the content plus an ellipsis if
// truncated, a synthesized "file: <name>" for attachment-only
// messages, or a fixed placeholder.
func (m *Message) Snippet() string {
	if m.Content != nil && *m.Content != "" {
		runes := []rune(*m.Content)
		if len(runes) <= SnippetChars {
			return *m.Content
		}
		return string(runes[:SnippetChars]) + "..."
	}
	if m.OriginalFileName != nil && *m.OriginalFileName != "" {
		return "file: " + *m.OriginalFileName
	}
	return SnippetPlaceholder
}

// ValidateContent checks that message text meets the content rules.
// The text is expected to be trimmed already.
func ValidateContent(text string) error {
	if text == "" {
		return errs.Wrap(errs.ErrInvalid, "message: content is empty")
	}
	if len(text) > MaxContentBytes {
		return errs.Wrap(errs.ErrInvalid, "message: content exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(text) > MaxContentChars {
		return errs.Wrap(errs.ErrInvalid, "message: content exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(text) {
		return errs.Wrap(errs.ErrInvalid, "message: content contains invalid UTF-8")
	}
	return nil
}

// TrimContent normalizes user-supplied text before validation and
// storage.
func TrimContent(text string) string {
	return strings.TrimSpace(text)
}

// Order selects the display direction of a message page.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// ParseOrder maps a query parameter to an Order. The empty string
// defaults to ascending; anything else is rejected.
func ParseOrder(s string) (Order, error) {
	switch s {
	case "", string(OrderAsc):
		return OrderAsc, nil
	case string(OrderDesc):
		return OrderDesc, nil
	}
	return "", errs.Wrap(errs.ErrInvalid, "message: order must be %q or %q, got %q", OrderAsc, OrderDesc, s)
}

const (
	// DefaultPageSize matches the original chat UI, which loads 20
	// messages at a time.
	DefaultPageSize = 20
	// MaxPageSize bounds one page request.
	MaxPageSize = 100
)

// ClampPageSize bounds a requested page size to 1..MaxPageSize, with 0
// (unset) mapping to the default.
func ClampPageSize(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	}
	return n
}

// ClampPage maps page numbers below 1 to the first page. Pages past
// the end of the history are valid and simply return no rows.
func ClampPage(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// sqlOrder returns the ORDER BY clause for an Order. Ties on
// created_at are broken by id, which is monotonically assigned, so
// pagination sees a total order with no duplicates or gaps.
func sqlOrder(order Order) string {
	if order == OrderDesc {
		return "ORDER BY created_at DESC, id DESC"
	}
	return "ORDER BY created_at ASC, id ASC"
}
