package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/taskbridge/chat-app/internal/errs"
)

// Attachment describes a stored file bound to a message at append time.
type Attachment struct {
	StorageKey   string // key in the attachment store (messages.file_path)
	OriginalName string
	MimeType     string
}

// Store manages message rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const messageColumns = `id, chat_id, sender_id, content, created_at, updated_at, is_edited, is_read, file_path, original_file_name, mime_type`

func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var (
		m                       Message
		content, fp, name, mime sql.NullString
		updatedAt               sql.NullTime
	)
	if err := scan(&m.ID, &m.ChatID, &m.SenderID, &content, &m.CreatedAt,
		&updatedAt, &m.IsEdited, &m.IsRead, &fp, &name, &mime); err != nil {
		return nil, err
	}
	if content.Valid {
		m.Content = &content.String
	}
	if updatedAt.Valid {
		m.UpdatedAt = &updatedAt.Time
	}
	if fp.Valid {
		m.FilePath = &fp.String
	}
	if name.Valid {
		m.OriginalFileName = &name.String
	}
	if mime.Valid {
		m.MimeType = &mime.String
	}
	return &m, nil
}

// Append stores a new message. Either content or an attachment must be
// present; content is trimmed and validated first. New messages start
// unread and unedited.
func (s *Store) Append(ctx context.Context, chatID, senderID int64, content string, att *Attachment) (*Message, error) {
	content = TrimContent(content)
	if content == "" && att == nil {
		return nil, errs.Wrap(errs.ErrInvalid, "message: a message needs content or an attachment")
	}
	if content != "" {
		if err := ValidateContent(content); err != nil {
			return nil, err
		}
	}

	var (
		contentArg, fpArg, nameArg, mimeArg sql.NullString
	)
	if content != "" {
		contentArg = sql.NullString{String: content, Valid: true}
	}
	if att != nil {
		fpArg = sql.NullString{String: att.StorageKey, Valid: true}
		nameArg = sql.NullString{String: att.OriginalName, Valid: true}
		mimeArg = sql.NullString{String: att.MimeType, Valid: true}
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (chat_id, sender_id, content, created_at, file_path, original_file_name, mime_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+messageColumns,
		chatID, senderID, contentArg, time.Now().UTC(), fpArg, nameArg, mimeArg)

	m, err := scanMessage(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("message: append: %w", err)
	}
	return m, nil
}

// Get retrieves a message by id.
func (s *Store) Get(ctx context.Context, messageID int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageID)

	m, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Wrap(errs.ErrNotFound, "message: message %d", messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("message: get: %w", err)
	}
	return m, nil
}

// ByStorageKey retrieves the message that owns an attachment storage
// key. Used to authorize attachment downloads.
func (s *Store) ByStorageKey(ctx context.Context, key string) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE file_path = $1`, key)

	m, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Wrap(errs.ErrNotFound, "message: attachment %q", key)
	}
	if err != nil {
		return nil, fmt.Errorf("message: by storage key: %w", err)
	}
	return m, nil
}

// Edit replaces a message's text. Only the sender may edit, edits are
// text-only (a message carrying an attachment is not editable), and the
// new content must survive trimming.
func (s *Store) Edit(ctx context.Context, messageID, editorID int64, newContent string) (*Message, error) {
	current, err := s.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if current.SenderID != editorID {
		return nil, errs.Wrap(errs.ErrForbidden, "message: only the sender may edit message %d", messageID)
	}
	if current.HasAttachment() {
		return nil, errs.Wrap(errs.ErrInvalid, "message: messages with attachments cannot be edited")
	}

	newContent = TrimContent(newContent)
	if err := ValidateContent(newContent); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET content = $2, updated_at = $3, is_edited = TRUE
		WHERE id = $1
		RETURNING `+messageColumns,
		messageID, newContent, time.Now().UTC())

	m, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Wrap(errs.ErrNotFound, "message: message %d", messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("message: edit: %w", err)
	}
	return m, nil
}

// Remove deletes a message row. Only the sender may delete. The
// deleted message is returned so the caller can broadcast the deletion
// and clean up any attachment file (best effort, outside the store).
func (s *Store) Remove(ctx context.Context, messageID, requesterID int64) (*Message, error) {
	current, err := s.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if current.SenderID != requesterID {
		return nil, errs.Wrap(errs.ErrForbidden, "message: only the sender may delete message %d", messageID)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, messageID); err != nil {
		return nil, fmt.Errorf("message: remove: %w", err)
	}
	return current, nil
}

// Page returns one page of a chat's history ordered by created_at with
// id as the tie-breaker. Pages past the end return an empty slice,
// never an error.
func (s *Store) Page(ctx context.Context, chatID int64, page, pageSize int, order Order) ([]*Message, error) {
	page = ClampPage(page)
	pageSize = ClampPageSize(pageSize)
	offset := (page - 1) * pageSize

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = $1
		`+sqlOrder(order)+`
		LIMIT $2 OFFSET $3`,
		chatID, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("message: page: %w", err)
	}
	defer rows.Close()

	messages := make([]*Message, 0, pageSize)
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("message: page scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: page rows: %w", err)
	}
	return messages, nil
}

// MarkRead flips every unread message in the chat not authored by the
// reader to read, returning the number of rows affected. The single
// conditional UPDATE makes concurrent calls race-free: each row is
// counted by exactly one call, and a second call returns 0.
func (s *Store) MarkRead(ctx context.Context, chatID, readerID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET is_read = TRUE
		WHERE chat_id = $1 AND sender_id <> $2 AND is_read = FALSE`,
		chatID, readerID)
	if err != nil {
		return 0, fmt.Errorf("message: mark read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("message: mark read rows affected: %w", err)
	}
	return affected, nil
}

// UnreadCount returns the number of unread messages in the chat
// authored by fromSenderID.
func (s *Store) UnreadCount(ctx context.Context, chatID, fromSenderID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages
		WHERE chat_id = $1 AND sender_id = $2 AND is_read = FALSE`,
		chatID, fromSenderID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("message: unread count: %w", err)
	}
	return count, nil
}

// Latest returns the most recent message of a chat, or nil if the chat
// has no messages yet.
func (s *Store) Latest(ctx context.Context, chatID int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		chatID)

	m, err := scanMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("message: latest: %w", err)
	}
	return m, nil
}
