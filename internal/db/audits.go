package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cadreworks/cadre/internal/audit"
)

// AuditStore persists accountability audit events in Postgres. Rows are
// append-only; there is no update path.
type AuditStore struct {
	pool Pool
}

// NewAuditStore creates an audit store over a database handle
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{pool: db.pool}
}

// Insert appends one audit event
func (s *AuditStore) Insert(ctx context.Context, event *audit.Event) error {
	var metadata []byte
	if event.Metadata != nil {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audits (id, task_id, agent_id, event_type, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.pool.Exec(ctx, query,
		event.ID,
		event.TaskID,
		event.AgentID,
		string(event.EventType),
		event.Reason,
		metadata,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Query returns audit events matching the filters, newest first
func (s *AuditStore) Query(ctx context.Context, filters *audit.QueryFilters) ([]audit.Event, error) {
	query := `
		SELECT id, task_id, agent_id, event_type, reason, metadata, created_at
		FROM audits
		WHERE 1=1
	`

	args := []any{}
	argCount := 1

	if filters != nil {
		if filters.TaskID != "" {
			query += fmt.Sprintf(" AND task_id = $%d", argCount)
			args = append(args, filters.TaskID)
			argCount++
		}
		if filters.AgentID != "" {
			query += fmt.Sprintf(" AND agent_id = $%d", argCount)
			args = append(args, filters.AgentID)
			argCount++
		}
		if filters.EventType != "" {
			query += fmt.Sprintf(" AND event_type = $%d", argCount)
			args = append(args, string(filters.EventType))
			argCount++
		}
		if !filters.Since.IsZero() {
			query += fmt.Sprintf(" AND created_at >= $%d", argCount)
			args = append(args, filters.Since)
			argCount++
		}
	}

	query += " ORDER BY created_at DESC"

	if filters != nil && filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filters.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var event audit.Event
		var metadata []byte

		err := rows.Scan(
			&event.ID,
			&event.TaskID,
			&event.AgentID,
			&event.EventType,
			&event.Reason,
			&metadata,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}

	return events, nil
}
