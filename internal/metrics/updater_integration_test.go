package metrics_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadreworks/cadre/internal/db/testhelpers"
	"github.com/cadreworks/cadre/internal/kernel"
	"github.com/cadreworks/cadre/internal/metrics"
)

// setupUpdaterDB provisions a migrated database and the concrete pool
// the updater refreshes from.
func setupUpdaterDB(t *testing.T) (*testhelpers.PostgresContainer, *pgxpool.Pool) {
	t.Helper()
	if os.Getenv("TEST_INTEGRATION") != "true" {
		t.Skip("Skipping integration test: TEST_INTEGRATION not set")
	}
	tc := testhelpers.SetupTestDatabase(t)
	require.NoError(t, tc.ApplyMigrations("../../migrations"))

	pool, ok := tc.DB.Pool().(*pgxpool.Pool)
	require.True(t, ok, "test database must use a real pool")
	return tc, pool
}

// TestUpdaterRefreshScrape walks the whole path: rows in the database,
// a refresh cycle, and the values showing up on /metrics.
func TestUpdaterRefreshScrape(t *testing.T) {
	tc, pool := setupUpdaterDB(t)
	ctx := context.Background()

	task := kernel.NewTask("updater integration", kernel.ModeAuto)
	require.NoError(t, tc.DB.SaveTask(ctx, task))

	agent := kernel.NewAgent("upd-top-1", "chief", "planner", kernel.LayerTop)
	agent.SetPerformanceScore(90)
	require.NoError(t, tc.DB.SaveAgent(ctx, task.ID, agent))

	updater := metrics.NewUpdater(pool, 50*time.Millisecond)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		updater.Start(runCtx)
		close(done)
	}()

	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	port := 19990
	server := metrics.NewServer(port, log)
	require.NoError(t, server.Start())
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		assert.NoError(t, server.Shutdown(shutdownCtx))
	}()

	// The first refresh runs immediately on Start
	time.Sleep(200 * time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/metrics", port))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	bodyStr := string(body)
	assert.Contains(t, bodyStr, `cadre_performance_score{agent_id="upd-top-1"} 90`)
	assert.Contains(t, bodyStr, `cadre_tasks_by_status{status="pending"} 1`)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("updater did not stop on context cancellation")
	}
}

func TestUpdaterStopEndsRefresh(t *testing.T) {
	_, pool := setupUpdaterDB(t)

	updater := metrics.NewUpdater(pool, 50*time.Millisecond)
	done := make(chan struct{})
	go func() {
		updater.Start(context.Background())
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	updater.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("updater did not stop")
	}
}
