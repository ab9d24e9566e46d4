package db

import (
	"context"
	"fmt"

	"github.com/vdavid/vmail/engine/internal/models"
)

// TaskStore persists queued tasks. Local phases and compensations run in
// the same transaction as the record update that acknowledges them.
type TaskStore struct {
	q Querier
}

// NewTaskStore returns a task store backed by q.
func NewTaskStore(q Querier) *TaskStore {
	return &TaskStore{q: q}
}

// Insert writes a newly accepted task and fills in its sequence number.
func (s *TaskStore) Insert(ctx context.Context, rec *models.TaskRecord) error {
	params := rec.Params
	if len(params) == 0 {
		params = []byte("{}")
	}

	err := s.q.QueryRow(ctx, `
		INSERT INTO tasks (
			id,
			kind,
			params,
			group_key,
			priority,
			retry_count,
			retry_limit,
			requires_network,
			state,
			next_attempt_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq, created_at
	`,
		rec.ID,
		rec.Kind,
		params,
		rec.GroupKey,
		rec.Priority,
		rec.RetryCount,
		rec.RetryLimit,
		rec.RequiresNet,
		string(rec.State),
		rec.NextAttemptAt,
	).Scan(&rec.Seq, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// Admit runs the local phase of a task and, for persistent tasks, marks the
// record as added with the parameters returned by apply. Both commit together.
func (s *TaskStore) Admit(ctx context.Context, rec *models.TaskRecord, apply func(ctx context.Context, tx Querier) ([]byte, error)) error {
	return WithTx(ctx, s.q, func(tx Querier) error {
		params, err := apply(ctx, tx)
		if err != nil {
			return err
		}

		if !rec.Persistent {
			return nil
		}

		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET state = $2, params = $3 WHERE id = $1
		`, rec.ID, string(models.TaskAdded), params)
		if err != nil {
			return fmt.Errorf("failed to mark task added: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("task %s is not persisted", rec.ID)
		}
		return nil
	})
}

// Reschedule stores the retry count and next attempt time of a task.
func (s *TaskStore) Reschedule(ctx context.Context, rec *models.TaskRecord) error {
	if !rec.Persistent {
		return nil
	}
	_, err := s.q.Exec(ctx, `
		UPDATE tasks SET retry_count = $2, next_attempt_at = $3 WHERE id = $1
	`, rec.ID, rec.RetryCount, rec.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("failed to reschedule task: %w", err)
	}
	return nil
}

// Finish runs fn, if any, and deletes the task record in one transaction.
func (s *TaskStore) Finish(ctx context.Context, rec *models.TaskRecord, fn func(ctx context.Context, tx Querier) error) error {
	return WithTx(ctx, s.q, func(tx Querier) error {
		if fn != nil {
			if err := fn(ctx, tx); err != nil {
				return err
			}
		}

		if !rec.Persistent {
			return nil
		}

		if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, rec.ID); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		return nil
	})
}

// Pending returns every persisted task in enqueue order.
func (s *TaskStore) Pending(ctx context.Context) ([]*models.TaskRecord, error) {
	rows, err := s.q.Query(ctx, `
		SELECT
			id,
			kind,
			params,
			group_key,
			priority,
			retry_count,
			retry_limit,
			requires_network,
			state,
			next_attempt_at,
			seq,
			created_at
		FROM tasks
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	defer rows.Close()

	var records []*models.TaskRecord
	for rows.Next() {
		var rec models.TaskRecord
		var state string
		if err := rows.Scan(
			&rec.ID,
			&rec.Kind,
			&rec.Params,
			&rec.GroupKey,
			&rec.Priority,
			&rec.RetryCount,
			&rec.RetryLimit,
			&rec.RequiresNet,
			&state,
			&rec.NextAttemptAt,
			&rec.Seq,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		rec.State = models.TaskState(state)
		rec.Persistent = true
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return records, nil
}
