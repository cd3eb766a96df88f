package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cadreworks/cadre/internal/kernel"
)

// SaveDecision upserts a decision with its signature state
func (db *DB) SaveDecision(ctx context.Context, d *kernel.Decision) error {
	content, err := json.Marshal(d.Content)
	if err != nil {
		return fmt.Errorf("failed to encode decision content: %w", err)
	}
	requireSigners, err := json.Marshal(d.RequiredSigners)
	if err != nil {
		return fmt.Errorf("failed to encode required signers: %w", err)
	}
	signers, err := json.Marshal(d.Signers)
	if err != nil {
		return fmt.Errorf("failed to encode signers: %w", err)
	}
	vetoers, err := json.Marshal(d.Vetoers)
	if err != nil {
		return fmt.Errorf("failed to encode vetoers: %w", err)
	}

	query := `
		INSERT INTO decisions (
			id, task_id, proposer_id, type, content, require_signers,
			signers, vetoers, status, created_at, approved_at, rejected_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			signers = EXCLUDED.signers,
			vetoers = EXCLUDED.vetoers,
			status = EXCLUDED.status,
			approved_at = EXCLUDED.approved_at,
			rejected_at = EXCLUDED.rejected_at
	`

	_, err = db.pool.Exec(ctx, query,
		d.ID,
		d.TaskID,
		d.ProposerID,
		string(d.Type),
		content,
		requireSigners,
		signers,
		vetoers,
		string(d.Status),
		d.CreatedAt,
		d.ApprovedAt,
		d.RejectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// GetDecision returns one decision by id, nil when it does not exist
func (db *DB) GetDecision(ctx context.Context, id string) (*kernel.Decision, error) {
	query := decisionColumns + " WHERE id = $1"

	d, err := scanDecision(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get decision: %w", err)
	}
	return d, nil
}

// ListDecisions returns a task's decisions oldest first
func (db *DB) ListDecisions(ctx context.Context, taskID string) ([]*kernel.Decision, error) {
	query := decisionColumns + " WHERE task_id = $1 ORDER BY created_at ASC"

	rows, err := db.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*kernel.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}

	return decisions, nil
}

const decisionColumns = `
	SELECT id, task_id, proposer_id, type, content, require_signers,
	       signers, vetoers, status, created_at, approved_at, rejected_at
	FROM decisions`

func scanDecision(row pgx.Row) (*kernel.Decision, error) {
	var d kernel.Decision
	var content, requireSigners, signers, vetoers []byte

	err := row.Scan(
		&d.ID,
		&d.TaskID,
		&d.ProposerID,
		&d.Type,
		&content,
		&requireSigners,
		&signers,
		&vetoers,
		&d.Status,
		&d.CreatedAt,
		&d.ApprovedAt,
		&d.RejectedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(content) > 0 {
		if err := json.Unmarshal(content, &d.Content); err != nil {
			return nil, fmt.Errorf("failed to decode decision content: %w", err)
		}
	}
	if len(requireSigners) > 0 {
		if err := json.Unmarshal(requireSigners, &d.RequiredSigners); err != nil {
			return nil, fmt.Errorf("failed to decode required signers: %w", err)
		}
	}
	if len(signers) > 0 {
		if err := json.Unmarshal(signers, &d.Signers); err != nil {
			return nil, fmt.Errorf("failed to decode signers: %w", err)
		}
	}
	if len(vetoers) > 0 {
		if err := json.Unmarshal(vetoers, &d.Vetoers); err != nil {
			return nil, fmt.Errorf("failed to decode vetoers: %w", err)
		}
	}

	return &d, nil
}
