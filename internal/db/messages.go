package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cadreworks/cadre/internal/kernel"
)

// SaveMessage appends one sent message. Message rows are never updated.
func (db *DB) SaveMessage(ctx context.Context, msg *kernel.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to encode message content: %w", err)
	}

	query := `
		INSERT INTO messages (
			id, task_id, from_agent, to_agent, type, content,
			priority, reply_to, timestamp, heartbeat_number
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = db.pool.Exec(ctx, query,
		msg.ID,
		msg.TaskID,
		msg.Sender,
		nullIfEmpty(msg.Recipient),
		string(msg.Kind),
		content,
		int(msg.Priority),
		nullIfEmpty(msg.ReplyTo),
		msg.Timestamp,
		msg.Tick,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// Messages returns a task's messages in send order, optionally filtered
// by kind. A non-positive limit returns everything.
func (db *DB) Messages(ctx context.Context, taskID string, kind kernel.MessageKind, limit int) ([]kernel.Message, error) {
	query := `
		SELECT id, task_id, from_agent, to_agent, type, content,
		       priority, reply_to, timestamp, heartbeat_number
		FROM messages
		WHERE task_id = $1
	`

	args := []any{taskID}
	argCount := 2

	if kind != "" {
		query += fmt.Sprintf(" AND type = $%d", argCount)
		args = append(args, string(kind))
		argCount++
	}

	query += " ORDER BY timestamp ASC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, limit)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []kernel.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}

// CountMessages returns how many messages a task has persisted
func (db *DB) CountMessages(ctx context.Context, taskID string) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM messages WHERE task_id = $1", taskID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

func scanMessage(row pgx.Row) (*kernel.Message, error) {
	var msg kernel.Message
	var recipient, replyTo *string
	var content []byte
	var priority int

	err := row.Scan(
		&msg.ID,
		&msg.TaskID,
		&msg.Sender,
		&recipient,
		&msg.Kind,
		&content,
		&priority,
		&replyTo,
		&msg.Timestamp,
		&msg.Tick,
	)
	if err != nil {
		return nil, err
	}

	msg.Recipient = orEmpty(recipient)
	msg.ReplyTo = orEmpty(replyTo)
	msg.Priority = kernel.Priority(priority)
	if len(content) > 0 {
		if err := json.Unmarshal(content, &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to decode message content: %w", err)
		}
	}

	return &msg, nil
}
