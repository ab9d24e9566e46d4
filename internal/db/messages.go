package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/vmail/engine/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `
	local_id,
	server_id,
	location,
	is_read,
	is_starred,
	subject,
	from_address,
	to_addresses,
	body_text,
	sent_at`

// SaveMessage inserts or updates a message and replaces its label set.
func SaveMessage(ctx context.Context, q Querier, message *models.Message) error {
	return WithTx(ctx, q, func(tx Querier) error {
		toAddresses := message.ToAddresses
		if toAddresses == nil {
			toAddresses = []string{}
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO messages (
				local_id,
				server_id,
				location,
				is_read,
				is_starred,
				subject,
				from_address,
				to_addresses,
				body_text,
				sent_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (local_id) DO UPDATE SET
				server_id = EXCLUDED.server_id,
				location = EXCLUDED.location,
				is_read = EXCLUDED.is_read,
				is_starred = EXCLUDED.is_starred,
				subject = EXCLUDED.subject,
				from_address = EXCLUDED.from_address,
				to_addresses = EXCLUDED.to_addresses,
				body_text = EXCLUDED.body_text,
				sent_at = EXCLUDED.sent_at,
				updated_at = now()
		`,
			message.LocalID,
			message.ServerID,
			string(message.Location),
			message.IsRead,
			message.IsStarred,
			message.Subject,
			message.FromAddress,
			toAddresses,
			message.BodyText,
			message.SentAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM message_labels WHERE message_id = $1`, message.LocalID); err != nil {
			return fmt.Errorf("failed to clear message labels: %w", err)
		}

		for _, labelID := range message.LabelIDs {
			if err := AddMessageLabel(ctx, tx, message.LocalID, labelID); err != nil {
				return err
			}
		}

		return nil
	})
}

// GetMessage returns a message by its local ID.
func GetMessage(ctx context.Context, q Querier, localID string) (*models.Message, error) {
	messages, err := getMessages(ctx, q, []string{localID}, false)
	if err != nil {
		return nil, err
	}
	msg, ok := messages[localID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

// GetMessageByServerID returns a message by its server-assigned ID.
func GetMessageByServerID(ctx context.Context, q Querier, serverID string) (*models.Message, error) {
	var localID string
	err := q.QueryRow(ctx, `SELECT local_id FROM messages WHERE server_id = $1`, serverID).Scan(&localID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message by server id: %w", err)
	}
	return GetMessage(ctx, q, localID)
}

// GetMessages loads the given messages. Unknown IDs are absent from the result.
func GetMessages(ctx context.Context, q Querier, localIDs []string) (map[string]*models.Message, error) {
	return getMessages(ctx, q, localIDs, false)
}

// LockMessages loads the given messages with row locks held until the
// surrounding transaction ends. Unknown IDs are absent from the result.
func LockMessages(ctx context.Context, tx Querier, localIDs []string) (map[string]*models.Message, error) {
	return getMessages(ctx, tx, localIDs, true)
}

func getMessages(ctx context.Context, q Querier, localIDs []string, forUpdate bool) (map[string]*models.Message, error) {
	result := make(map[string]*models.Message, len(localIDs))
	if len(localIDs) == 0 {
		return result, nil
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE local_id = ANY($1)`
	if forUpdate {
		// Lock in a stable order so concurrent transactions cannot deadlock.
		query += ` ORDER BY local_id FOR UPDATE`
	}

	rows, err := q.Query(ctx, query, localIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result[msg.LocalID] = msg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	if err := loadLabels(ctx, q, result); err != nil {
		return nil, err
	}

	return result, nil
}

// ListMessagesAtLocation returns all messages currently at the location.
func ListMessagesAtLocation(ctx context.Context, q Querier, location models.Location) ([]*models.Message, error) {
	return listMessages(ctx, q, `SELECT `+messageColumns+` FROM messages WHERE location = $1 ORDER BY local_id`, string(location))
}

// ListMessagesWithLabel returns all messages carrying the label.
func ListMessagesWithLabel(ctx context.Context, q Querier, labelID string) ([]*models.Message, error) {
	return listMessages(ctx, q, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE local_id IN (SELECT message_id FROM message_labels WHERE label_id = $1)
		ORDER BY local_id
	`, labelID)
}

// ListSyncedMessages returns every message that has a server ID, keyed by that ID.
func ListSyncedMessages(ctx context.Context, q Querier) (map[string]*models.Message, error) {
	messages, err := listMessages(ctx, q, `SELECT `+messageColumns+` FROM messages WHERE server_id IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	result := make(map[string]*models.Message, len(messages))
	for _, msg := range messages {
		result[*msg.ServerID] = msg
	}
	return result, nil
}

func listMessages(ctx context.Context, q Querier, query string, args ...any) ([]*models.Message, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*models.Message)
	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		byID[msg.LocalID] = msg
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	if err := loadLabels(ctx, q, byID); err != nil {
		return nil, err
	}

	return messages, nil
}

func scanMessage(rows pgx.Rows) (*models.Message, error) {
	var msg models.Message
	var location string
	if err := rows.Scan(
		&msg.LocalID,
		&msg.ServerID,
		&location,
		&msg.IsRead,
		&msg.IsStarred,
		&msg.Subject,
		&msg.FromAddress,
		&msg.ToAddresses,
		&msg.BodyText,
		&msg.SentAt,
	); err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.Location = models.Location(location)
	msg.LabelIDs = []string{}
	return &msg, nil
}

func loadLabels(ctx context.Context, q Querier, messages map[string]*models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]string, 0, len(messages))
	for id := range messages {
		ids = append(ids, id)
	}

	rows, err := q.Query(ctx, `
		SELECT message_id, label_id
		FROM message_labels
		WHERE message_id = ANY($1)
		ORDER BY message_id, label_id
	`, ids)
	if err != nil {
		return fmt.Errorf("failed to get message labels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, labelID string
		if err := rows.Scan(&messageID, &labelID); err != nil {
			return fmt.Errorf("failed to scan message label: %w", err)
		}
		if msg, ok := messages[messageID]; ok {
			msg.LabelIDs = append(msg.LabelIDs, labelID)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating message labels: %w", err)
	}

	return nil
}

// SetMessageLocation changes the location of a message.
func SetMessageLocation(ctx context.Context, q Querier, localID string, location models.Location) error {
	return execOne(ctx, q, `UPDATE messages SET location = $2, updated_at = now() WHERE local_id = $1`, localID, string(location))
}

// SetMessageRead changes the read flag of a message.
func SetMessageRead(ctx context.Context, q Querier, localID string, read bool) error {
	return execOne(ctx, q, `UPDATE messages SET is_read = $2, updated_at = now() WHERE local_id = $1`, localID, read)
}

// SetMessageStarred changes the starred flag of a message.
func SetMessageStarred(ctx context.Context, q Querier, localID string, starred bool) error {
	return execOne(ctx, q, `UPDATE messages SET is_starred = $2, updated_at = now() WHERE local_id = $1`, localID, starred)
}

// SetMessageServerID records the server-assigned ID of a message.
func SetMessageServerID(ctx context.Context, q Querier, localID, serverID string) error {
	return execOne(ctx, q, `UPDATE messages SET server_id = $2, updated_at = now() WHERE local_id = $1`, localID, serverID)
}

// AddMessageLabel attaches a label to a message. Adding an existing label is a no-op.
func AddMessageLabel(ctx context.Context, q Querier, localID, labelID string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO message_labels (message_id, label_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, localID, labelID)
	if err != nil {
		return fmt.Errorf("failed to add label %s to message: %w", labelID, err)
	}
	return nil
}

// RemoveMessageLabel detaches a label from a message.
func RemoveMessageLabel(ctx context.Context, q Querier, localID, labelID string) error {
	_, err := q.Exec(ctx, `DELETE FROM message_labels WHERE message_id = $1 AND label_id = $2`, localID, labelID)
	if err != nil {
		return fmt.Errorf("failed to remove label %s from message: %w", labelID, err)
	}
	return nil
}

// DeleteMessages hard-deletes messages and their label relations.
func DeleteMessages(ctx context.Context, q Querier, localIDs []string) error {
	if len(localIDs) == 0 {
		return nil
	}
	if _, err := q.Exec(ctx, `DELETE FROM messages WHERE local_id = ANY($1)`, localIDs); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

func execOne(ctx context.Context, q Querier, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}
