package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/taskbridge/chat-app/internal/errs"
)

// Store manages chat rows in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a chat store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const chatColumns = `id, task_id, user1_id, user2_id, created_at, user1_last_typing_at, user2_last_typing_at`

// scanChat reads one chat row from any scanner (sql.Row or sql.Rows).
func scanChat(scan func(dest ...any) error) (*Chat, error) {
	var (
		c      Chat
		taskID sql.NullInt64
		t1, t2 sql.NullTime
	)
	if err := scan(&c.ID, &taskID, &c.User1ID, &c.User2ID, &c.CreatedAt, &t1, &t2); err != nil {
		return nil, err
	}
	if taskID.Valid {
		c.TaskID = &taskID.Int64
	}
	if t1.Valid {
		c.User1LastTypingAt = &t1.Time
	}
	if t2.Valid {
		c.User2LastTypingAt = &t2.Time
	}
	return &c, nil
}

// FindOrCreate returns the chat between the two users, creating it if
// none exists. The lookup is symmetric: (a, b) and (b, a) resolve to
// the same row. Creation races are closed by the unique index on the
// ordered participant pair, not by application-level locking: the
// insert is ON CONFLICT DO NOTHING and the loser of a race re-fetches
// the winner's row.
func (s *Store) FindOrCreate(ctx context.Context, userA, userB int64, taskID *int64) (*Chat, error) {
	if userA == userB {
		return nil, errs.Wrap(errs.ErrInvalid, "chat: cannot create a chat with yourself")
	}

	existing, err := s.findByPair(ctx, userA, userB)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var tid sql.NullInt64
	if taskID != nil {
		tid = sql.NullInt64{Int64: *taskID, Valid: true}
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO chats (task_id, user1_id, user2_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ((LEAST(user1_id, user2_id)), (GREATEST(user1_id, user2_id))) DO NOTHING
		RETURNING `+chatColumns,
		tid, userA, userB, time.Now().UTC())

	c, err := scanChat(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the creation race; the other row is committed now.
		existing, err := s.findByPair(ctx, userA, userB)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("chat: find after conflict: row vanished")
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: insert: %w", err)
	}
	return c, nil
}

// findByPair returns the chat for an unordered participant pair, or
// nil if none exists.
func (s *Store) findByPair(ctx context.Context, userA, userB int64) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chatColumns+`
		FROM chats
		WHERE (user1_id = $1 AND user2_id = $2) OR (user1_id = $2 AND user2_id = $1)`,
		userA, userB)

	c, err := scanChat(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: find by pair: %w", err)
	}
	return c, nil
}

// Get retrieves a chat by id.
func (s *Store) Get(ctx context.Context, chatID int64) (*Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE id = $1`, chatID)

	c, err := scanChat(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Wrap(errs.ErrNotFound, "chat: chat %d", chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get: %w", err)
	}
	return c, nil
}

// ListForParticipant returns every chat where the user is either
// participant, newest first.
func (s *Store) ListForParticipant(ctx context.Context, userID int64) ([]*Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chatColumns+`
		FROM chats
		WHERE user1_id = $1 OR user2_id = $1
		ORDER BY created_at DESC, id DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("chat: list: %w", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		c, err := scanChat(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("chat: list scan: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: list rows: %w", err)
	}
	return chats, nil
}

// Delete removes a chat and all of its messages in one transaction, so
// partial deletion is never observable. It returns the storage keys of
// any attachments the deleted messages carried; removing those files
// is the caller's best-effort cleanup.
func (s *Store) Delete(ctx context.Context, chatID int64) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chat: delete begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT file_path FROM messages WHERE chat_id = $1 AND file_path IS NOT NULL`, chatID)
	if err != nil {
		return nil, fmt.Errorf("chat: delete collect attachments: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("chat: delete scan attachment: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("chat: delete attachment rows: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = $1`, chatID); err != nil {
		return nil, fmt.Errorf("chat: delete messages: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, chatID)
	if err != nil {
		return nil, fmt.Errorf("chat: delete chat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("chat: delete rows affected: %w", err)
	}
	if affected == 0 {
		return nil, errs.Wrap(errs.ErrNotFound, "chat: chat %d", chatID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("chat: delete commit: %w", err)
	}
	return keys, nil
}

// RecordTyping writes now into the typing timestamp slot belonging to
// userID. It fails with ErrNotFound if the chat does not exist and
// ErrForbidden if the user is not a participant.
func (s *Store) RecordTyping(ctx context.Context, chatID, userID int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chats
		SET user1_last_typing_at = CASE WHEN user1_id = $2 THEN $3 ELSE user1_last_typing_at END,
		    user2_last_typing_at = CASE WHEN user2_id = $2 THEN $3 ELSE user2_last_typing_at END
		WHERE id = $1 AND (user1_id = $2 OR user2_id = $2)`,
		chatID, userID, now.UTC())
	if err != nil {
		return fmt.Errorf("chat: record typing: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chat: record typing rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Distinguish a missing chat from a non-participant.
	if _, err := s.Get(ctx, chatID); err != nil {
		return err
	}
	return errs.Wrap(errs.ErrForbidden, "chat: user %d is not a participant of chat %d", userID, chatID)
}
