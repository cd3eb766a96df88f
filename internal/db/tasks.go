package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cadreworks/cadre/internal/kernel"
)

// SaveTask upserts a task lifecycle snapshot
func (db *DB) SaveTask(ctx context.Context, t *kernel.Task) error {
	query := `
		INSERT INTO tasks (id, description, status, mode, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			mode = EXCLUDED.mode,
			completed_at = EXCLUDED.completed_at
	`

	_, err := db.pool.Exec(ctx, query,
		t.ID,
		t.Description,
		string(t.Status),
		string(t.Mode),
		t.CreatedAt,
		t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// GetTask returns one task by id, nil when it does not exist
func (db *DB) GetTask(ctx context.Context, id string) (*kernel.Task, error) {
	query := `
		SELECT id, description, status, mode, created_at, completed_at
		FROM tasks
		WHERE id = $1
	`

	var t kernel.Task
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&t.ID,
		&t.Description,
		&t.Status,
		&t.Mode,
		&t.CreatedAt,
		&t.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return &t, nil
}

// ListTasks returns tasks newest first
func (db *DB) ListTasks(ctx context.Context, limit int) ([]kernel.Task, error) {
	query := `
		SELECT id, description, status, mode, created_at, completed_at
		FROM tasks
		ORDER BY created_at DESC
	`

	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []kernel.Task
	for rows.Next() {
		var t kernel.Task
		err := rows.Scan(
			&t.ID,
			&t.Description,
			&t.Status,
			&t.Mode,
			&t.CreatedAt,
			&t.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}
