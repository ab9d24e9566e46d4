package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/vmail/engine/internal/models"
)

// ErrLabelNotFound is returned when a requested label cannot be found.
var ErrLabelNotFound = errors.New("label not found")

// SaveLabel inserts or updates a label.
func SaveLabel(ctx context.Context, q Querier, label *models.Label) error {
	_, err := q.Exec(ctx, `
		INSERT INTO labels (id, name, color, exclusive, display, reserved)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			color = EXCLUDED.color,
			exclusive = EXCLUDED.exclusive,
			display = EXCLUDED.display,
			reserved = EXCLUDED.reserved
	`, label.ID, label.Name, label.Color, label.Exclusive, label.Display, label.Reserved)
	if err != nil {
		return fmt.Errorf("failed to save label: %w", err)
	}
	return nil
}

// GetLabel returns a label by ID.
func GetLabel(ctx context.Context, q Querier, id string) (*models.Label, error) {
	var label models.Label
	err := q.QueryRow(ctx, `
		SELECT id, name, color, exclusive, display, reserved
		FROM labels
		WHERE id = $1
	`, id).Scan(&label.ID, &label.Name, &label.Color, &label.Exclusive, &label.Display, &label.Reserved)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLabelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get label: %w", err)
	}
	return &label, nil
}

// ListLabels returns all labels, reserved ones included.
func ListLabels(ctx context.Context, q Querier) ([]*models.Label, error) {
	rows, err := q.Query(ctx, `
		SELECT id, name, color, exclusive, display, reserved
		FROM labels
		ORDER BY reserved DESC, name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	defer rows.Close()

	var labels []*models.Label
	for rows.Next() {
		var label models.Label
		if err := rows.Scan(&label.ID, &label.Name, &label.Color, &label.Exclusive, &label.Display, &label.Reserved); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		labels = append(labels, &label)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating labels: %w", err)
	}

	return labels, nil
}

// ExclusiveLabelIDs returns the set of user folder label IDs.
func ExclusiveLabelIDs(ctx context.Context, q Querier) (map[string]bool, error) {
	rows, err := q.Query(ctx, `SELECT id FROM labels WHERE exclusive AND NOT reserved`)
	if err != nil {
		return nil, fmt.Errorf("failed to list folder labels: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan folder label: %w", err)
		}
		ids[id] = true
	}

	return ids, rows.Err()
}
