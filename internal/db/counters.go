package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/vmail/engine/internal/models"
)

// AdjustCounter adds delta to a counter, clamping the stored value at zero.
// It returns the stored value and the raw, unclamped result.
// The single upsert takes the row lock, so concurrent adjustments serialize.
func AdjustCounter(ctx context.Context, q Querier, key models.CounterKey, delta int64) (stored, unclamped int64, err error) {
	err = q.QueryRow(ctx, `
		INSERT INTO unread_counters (scope_kind, scope_id, unread, unclamped)
		VALUES ($1, $2, GREATEST($3::BIGINT, 0), $3::BIGINT)
		ON CONFLICT (scope_kind, scope_id) DO UPDATE SET
			unread = GREATEST(unread_counters.unread + $3::BIGINT, 0),
			unclamped = unread_counters.unread + $3::BIGINT,
			updated_at = now()
		RETURNING unread, unclamped
	`, string(key.Kind), key.ID, delta).Scan(&stored, &unclamped)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to adjust counter %s: %w", key, err)
	}
	return stored, unclamped, nil
}

// GetCounter returns the stored value of a counter. Missing counters are zero.
func GetCounter(ctx context.Context, q Querier, key models.CounterKey) (int64, error) {
	var unread int64
	err := q.QueryRow(ctx, `
		SELECT unread FROM unread_counters WHERE scope_kind = $1 AND scope_id = $2
	`, string(key.Kind), key.ID).Scan(&unread)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get counter %s: %w", key, err)
	}
	return unread, nil
}

// ListCounters returns every stored counter.
func ListCounters(ctx context.Context, q Querier) ([]models.UnreadCounter, error) {
	rows, err := q.Query(ctx, `
		SELECT scope_kind, scope_id, unread
		FROM unread_counters
		ORDER BY scope_kind, scope_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list counters: %w", err)
	}
	defer rows.Close()

	var counters []models.UnreadCounter
	for rows.Next() {
		var kind string
		var c models.UnreadCounter
		if err := rows.Scan(&kind, &c.Key.ID, &c.Unread); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}
		c.Key.Kind = models.ScopeKind(kind)
		counters = append(counters, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counters: %w", err)
	}

	return counters, nil
}

// CountUnread computes every counter from the authoritative message set.
// Location counters cover each location, all-mail and starred; label counters
// cover non-reserved labels only.
func CountUnread(ctx context.Context, q Querier) (map[models.CounterKey]int64, error) {
	rows, err := q.Query(ctx, `
		SELECT 'location', location, COUNT(*)
		FROM messages WHERE NOT is_read AND location <> ALL($3)
		GROUP BY location
		UNION ALL
		SELECT 'location', $1, COUNT(*)
		FROM messages WHERE NOT is_read
		UNION ALL
		SELECT 'location', $2, COUNT(*)
		FROM messages WHERE NOT is_read AND is_starred
		UNION ALL
		SELECT 'label', ml.label_id, COUNT(*)
		FROM message_labels ml
		JOIN messages m ON m.local_id = ml.message_id
		JOIN labels l ON l.id = ml.label_id
		WHERE NOT m.is_read AND NOT l.reserved
		GROUP BY ml.label_id
	`, string(models.LocationAllMail), string(models.LocationStarred),
		[]string{string(models.LocationAllMail), string(models.LocationStarred)})
	if err != nil {
		return nil, fmt.Errorf("failed to count unread messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.CounterKey]int64)
	for rows.Next() {
		var kind, id string
		var count int64
		if err := rows.Scan(&kind, &id, &count); err != nil {
			return nil, fmt.Errorf("failed to scan unread count: %w", err)
		}
		key := models.CounterKey{Kind: models.ScopeKind(kind), ID: id}
		counts[key] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating unread counts: %w", err)
	}

	return counts, nil
}

// ReplaceCounters overwrites every counter with the given values.
// Counters absent from values are reset to zero.
func ReplaceCounters(ctx context.Context, q Querier, values map[models.CounterKey]int64) error {
	if _, err := q.Exec(ctx, `UPDATE unread_counters SET unread = 0, unclamped = 0, updated_at = now()`); err != nil {
		return fmt.Errorf("failed to reset counters: %w", err)
	}

	for key, value := range values {
		_, err := q.Exec(ctx, `
			INSERT INTO unread_counters (scope_kind, scope_id, unread, unclamped)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (scope_kind, scope_id) DO UPDATE SET
				unread = EXCLUDED.unread,
				unclamped = EXCLUDED.unclamped,
				updated_at = now()
		`, string(key.Kind), key.ID, value)
		if err != nil {
			return fmt.Errorf("failed to write counter %s: %w", key, err)
		}
	}

	return nil
}
