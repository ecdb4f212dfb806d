// Package task is the chat core's read-only view of marketplace data
// it does not own: the tasks table (to seed chat participants) and the
// users table (to resolve partner display names).
package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/taskbridge/chat-app/internal/errs"
)

// Directory reads task and user records from the marketplace database.
type Directory struct {
	db *sql.DB
}

// NewDirectory creates a directory backed by the given database handle.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// Participants returns the customer and executor of a task. The
// executor is 0 when the task has not been claimed yet.
func (d *Directory) Participants(ctx context.Context, taskID int64) (customerID, executorID int64, err error) {
	var executor sql.NullInt64
	err = d.db.QueryRowContext(ctx,
		`SELECT customer_id, executor_id FROM tasks WHERE id = $1`, taskID).
		Scan(&customerID, &executor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, errs.Wrap(errs.ErrNotFound, "task: task %d", taskID)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("task: participants: %w", err)
	}
	if executor.Valid {
		executorID = executor.Int64
	}
	return customerID, executorID, nil
}

// Username resolves a user id to a display name. A missing user
// resolves to "Unknown" rather than an error so one deleted account
// does not break a whole chat list.
func (d *Directory) Username(ctx context.Context, userID int64) (string, error) {
	var name string
	err := d.db.QueryRowContext(ctx,
		`SELECT username FROM users WHERE id = $1`, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "Unknown", nil
	}
	if err != nil {
		return "", fmt.Errorf("task: username: %w", err)
	}
	return name, nil
}
