package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cadreworks/cadre/internal/kernel"
)

// SaveAppeal upserts an appeal. A decision carries at most one appeal,
// so conflicts key on decision_id.
func (db *DB) SaveAppeal(ctx context.Context, a *kernel.Appeal) error {
	votes, err := json.Marshal(a.Votes)
	if err != nil {
		return fmt.Errorf("failed to encode appeal votes: %w", err)
	}

	query := `
		INSERT INTO appeals (
			id, decision_id, appealer_id, arguments, votes, result,
			created_at, resolved_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (decision_id) DO UPDATE SET
			votes = EXCLUDED.votes,
			result = EXCLUDED.result,
			resolved_at = EXCLUDED.resolved_at
	`

	_, err = db.pool.Exec(ctx, query,
		a.ID,
		a.DecisionID,
		a.AppealerID,
		a.Arguments,
		votes,
		nullIfEmpty(a.Result),
		a.CreatedAt,
		a.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save appeal: %w", err)
	}
	return nil
}

// GetAppeal returns the appeal for a decision, nil when none exists
func (db *DB) GetAppeal(ctx context.Context, decisionID string) (*kernel.Appeal, error) {
	query := appealColumns + " WHERE decision_id = $1"

	a, err := scanAppeal(db.pool.QueryRow(ctx, query, decisionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get appeal: %w", err)
	}
	return a, nil
}

// ListAppeals returns a task's appeals oldest first, joining through
// the appealed decisions
func (db *DB) ListAppeals(ctx context.Context, taskID string) ([]*kernel.Appeal, error) {
	query := `
		SELECT a.id, a.decision_id, a.appealer_id, a.arguments, a.votes,
		       a.result, a.created_at, a.resolved_at
		FROM appeals a
		JOIN decisions d ON d.id = a.decision_id
		WHERE d.task_id = $1
		ORDER BY a.created_at ASC
	`

	rows, err := db.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query appeals: %w", err)
	}
	defer rows.Close()

	var appeals []*kernel.Appeal
	for rows.Next() {
		a, err := scanAppeal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan appeal: %w", err)
		}
		appeals = append(appeals, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating appeals: %w", err)
	}

	return appeals, nil
}

const appealColumns = `
	SELECT id, decision_id, appealer_id, arguments, votes, result,
	       created_at, resolved_at
	FROM appeals`

func scanAppeal(row pgx.Row) (*kernel.Appeal, error) {
	var a kernel.Appeal
	var votes []byte
	var result *string

	err := row.Scan(
		&a.ID,
		&a.DecisionID,
		&a.AppealerID,
		&a.Arguments,
		&votes,
		&result,
		&a.CreatedAt,
		&a.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Result = orEmpty(result)
	if len(votes) > 0 {
		if err := json.Unmarshal(votes, &a.Votes); err != nil {
			return nil, fmt.Errorf("failed to decode appeal votes: %w", err)
		}
	}

	return &a, nil
}
