package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cadreworks/cadre/internal/kernel"
)

// SaveAgent upserts an agent snapshot in its flat persisted form
func (db *DB) SaveAgent(ctx context.Context, taskID string, agent *kernel.Agent) error {
	rec := kernel.SnapshotAgent(taskID, agent)

	subordinates, err := json.Marshal(rec.Subordinates)
	if err != nil {
		return fmt.Errorf("failed to encode subordinates: %w", err)
	}
	capabilities, err := json.Marshal(rec.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}
	config, err := json.Marshal(agent.Config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	metricsJSON, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}

	query := `
		INSERT INTO agents (
			id, task_id, name, layer, role, status, supervisor,
			subordinates, capabilities, config, metrics
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			supervisor = EXCLUDED.supervisor,
			subordinates = EXCLUDED.subordinates,
			capabilities = EXCLUDED.capabilities,
			config = EXCLUDED.config,
			metrics = EXCLUDED.metrics,
			updated_at = NOW()
	`

	_, err = db.pool.Exec(ctx, query,
		rec.ID,
		rec.TaskID,
		rec.Name,
		string(rec.Layer),
		rec.Role,
		string(rec.Status),
		nullIfEmpty(rec.Supervisor),
		subordinates,
		capabilities,
		config,
		metricsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

// GetAgent returns one agent snapshot by id, nil when it does not exist
func (db *DB) GetAgent(ctx context.Context, id string) (*kernel.AgentRecord, error) {
	query := `
		SELECT id, task_id, name, layer, role, status, supervisor,
		       subordinates, capabilities, metrics
		FROM agents
		WHERE id = $1
	`

	rec, err := scanAgent(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return rec, nil
}

// ListAgents returns agent snapshots, filtered by task when taskID is
// non-empty, in insertion order
func (db *DB) ListAgents(ctx context.Context, taskID string) ([]kernel.AgentRecord, error) {
	query := `
		SELECT id, task_id, name, layer, role, status, supervisor,
		       subordinates, capabilities, metrics
		FROM agents
	`

	args := []any{}
	if taskID != "" {
		query += " WHERE task_id = $1"
		args = append(args, taskID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []kernel.AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}

	return agents, nil
}

// scanAgent hydrates one agent row, decoding the JSONB columns
func scanAgent(row pgx.Row) (*kernel.AgentRecord, error) {
	var rec kernel.AgentRecord
	var supervisor *string
	var subordinates, capabilities, metricsJSON []byte

	err := row.Scan(
		&rec.ID,
		&rec.TaskID,
		&rec.Name,
		&rec.Layer,
		&rec.Role,
		&rec.Status,
		&supervisor,
		&subordinates,
		&capabilities,
		&metricsJSON,
	)
	if err != nil {
		return nil, err
	}

	rec.Supervisor = orEmpty(supervisor)
	if len(subordinates) > 0 {
		if err := json.Unmarshal(subordinates, &rec.Subordinates); err != nil {
			return nil, fmt.Errorf("failed to decode subordinates: %w", err)
		}
	}
	if len(capabilities) > 0 {
		if err := json.Unmarshal(capabilities, &rec.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to decode capabilities: %w", err)
		}
	}
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &rec.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics: %w", err)
		}
	}

	return &rec, nil
}
