package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cadreworks/cadre/internal/kernel"
)

// SaveElection appends one election round action
func (db *DB) SaveElection(ctx context.Context, rec *kernel.ElectionRecord) error {
	votes, err := json.Marshal(rec.Votes)
	if err != nil {
		return fmt.Errorf("failed to encode election votes: %w", err)
	}
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("failed to encode election result: %w", err)
	}

	query := `
		INSERT INTO elections (
			id, task_id, round, action, target_agent_id, votes, result, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = db.pool.Exec(ctx, query,
		rec.ID,
		rec.TaskID,
		rec.Round,
		string(rec.Action),
		rec.TargetAgentID,
		votes,
		result,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save election: %w", err)
	}
	return nil
}

// Elections returns a task's election records oldest first
func (db *DB) Elections(ctx context.Context, taskID string) ([]kernel.ElectionRecord, error) {
	query := electionColumns + " WHERE task_id = $1 ORDER BY round ASC, created_at ASC"
	return db.queryElections(ctx, query, taskID)
}

// ElectionsForRound returns the records of one election round
func (db *DB) ElectionsForRound(ctx context.Context, taskID string, round int64) ([]kernel.ElectionRecord, error) {
	query := electionColumns + " WHERE task_id = $1 AND round = $2 ORDER BY created_at ASC"
	return db.queryElections(ctx, query, taskID, round)
}

const electionColumns = `
	SELECT id, task_id, round, action, target_agent_id, votes, result, created_at
	FROM elections`

func (db *DB) queryElections(ctx context.Context, query string, args ...any) ([]kernel.ElectionRecord, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query elections: %w", err)
	}
	defer rows.Close()

	var records []kernel.ElectionRecord
	for rows.Next() {
		rec, err := scanElection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan election: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating elections: %w", err)
	}

	return records, nil
}

func scanElection(row pgx.Row) (*kernel.ElectionRecord, error) {
	var rec kernel.ElectionRecord
	var votes, result []byte

	err := row.Scan(
		&rec.ID,
		&rec.TaskID,
		&rec.Round,
		&rec.Action,
		&rec.TargetAgentID,
		&votes,
		&result,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(votes) > 0 {
		if err := json.Unmarshal(votes, &rec.Votes); err != nil {
			return nil, fmt.Errorf("failed to decode election votes: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &rec.Result); err != nil {
			return nil, fmt.Errorf("failed to decode election result: %w", err)
		}
	}

	return &rec, nil
}
