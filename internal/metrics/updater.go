package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Updater periodically refreshes gauge metrics from the database
type Updater struct {
	db       *pgxpool.Pool
	interval time.Duration
	stopCh   chan struct{}
}

// NewUpdater creates a new metrics updater
func NewUpdater(db *pgxpool.Pool, interval time.Duration) *Updater {
	return &Updater{
		db:       db,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the metrics update loop
func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	// Update immediately on start
	u.update(ctx)

	for {
		select {
		case <-ticker.C:
			u.update(ctx)
		case <-u.stopCh:
			log.Info().Msg("Metrics updater stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Metrics updater context cancelled")
			return
		}
	}
}

// Stop stops the metrics updater
func (u *Updater) Stop() {
	close(u.stopCh)
}

// update fetches and updates all metrics
func (u *Updater) update(ctx context.Context) {
	log.Debug().Msg("Updating metrics from database")

	u.updateAgentMetrics(ctx)
	u.updateTaskMetrics(ctx)
	u.updateDatabaseMetrics()
}

// updateAgentMetrics refreshes per-layer state counts and scores
func (u *Updater) updateAgentMetrics(ctx context.Context) {
	query := `
		SELECT layer, status, COUNT(*)
		FROM agents
		GROUP BY layer, status
	`

	rows, err := u.db.Query(ctx, query)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch agent state counts")
		return
	}
	defer rows.Close()

	for rows.Next() {
		var layer, state string
		var count int64
		if err := rows.Scan(&layer, &state, &count); err != nil {
			continue
		}
		SetAgentsByState(layer, state, int(count))
	}

	query = `
		SELECT id, COALESCE((metrics->>'performance_score')::int, 0)
		FROM agents
		WHERE status NOT IN ('terminated')
	`

	rows, err = u.db.Query(ctx, query)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch performance scores")
		return
	}
	defer rows.Close()

	for rows.Next() {
		var agentID string
		var score int
		if err := rows.Scan(&agentID, &score); err != nil {
			continue
		}
		SetPerformanceScore(agentID, score)
	}
}

// updateTaskMetrics refreshes per-status task counts
func (u *Updater) updateTaskMetrics(ctx context.Context) {
	query := `
		SELECT status, COUNT(*)
		FROM tasks
		GROUP BY status
	`

	rows, err := u.db.Query(ctx, query)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch task status counts")
		return
	}
	defer rows.Close()

	var running int64
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		SetTasksByStatus(status, int(count))
		if status == "running" {
			running += count
		}
	}
	SetTeamsActive(int(running))
}

// updateDatabaseMetrics updates database connection pool metrics
func (u *Updater) updateDatabaseMetrics() {
	stat := u.db.Stat()
	UpdateDatabaseConnections(stat.AcquiredConns(), stat.IdleConns())
}
