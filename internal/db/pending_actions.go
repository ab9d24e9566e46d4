package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/vmail/engine/internal/models"
)

// ErrPendingActionNotFound is returned when a message has no in-flight action.
var ErrPendingActionNotFound = errors.New("pending action not found")

// ClaimPendingAction records that taskID owns the in-flight action on a
// message. It returns the ID of the task that owns the action afterwards,
// which differs from taskID when another task got there first.
func ClaimPendingAction(ctx context.Context, q Querier, action *models.PendingAction) (string, error) {
	if _, err := q.Exec(ctx, `
		INSERT INTO pending_actions (message_id, task_id, kind)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO NOTHING
	`, action.MessageID, action.TaskID, action.Kind); err != nil {
		return "", fmt.Errorf("failed to claim pending action: %w", err)
	}

	existing, err := GetPendingAction(ctx, q, action.MessageID)
	if err != nil {
		return "", err
	}
	return existing.TaskID, nil
}

// GetPendingAction returns the in-flight action on a message.
func GetPendingAction(ctx context.Context, q Querier, messageID string) (*models.PendingAction, error) {
	var action models.PendingAction
	err := q.QueryRow(ctx, `
		SELECT message_id, task_id, kind, created_at
		FROM pending_actions
		WHERE message_id = $1
	`, messageID).Scan(&action.MessageID, &action.TaskID, &action.Kind, &action.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPendingActionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending action: %w", err)
	}
	return &action, nil
}

// ReleasePendingAction deletes the action on a message if taskID owns it.
func ReleasePendingAction(ctx context.Context, q Querier, messageID, taskID string) error {
	_, err := q.Exec(ctx, `
		DELETE FROM pending_actions WHERE message_id = $1 AND task_id = $2
	`, messageID, taskID)
	if err != nil {
		return fmt.Errorf("failed to release pending action: %w", err)
	}
	return nil
}

// ReclaimPendingAction hands the action on a message to taskID when its
// current owner no longer has a task record. It reports whether taskID owns
// the action afterwards.
func ReclaimPendingAction(ctx context.Context, q Querier, messageID, taskID string) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE pending_actions p
		SET task_id = $2, created_at = now()
		WHERE p.message_id = $1
		  AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.id = p.task_id)
	`, messageID, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim pending action: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
