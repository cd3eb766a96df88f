package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadreworks/cadre/internal/kernel"
)

// TestSaveAgent tests flattening and upserting an agent snapshot
func TestSaveAgent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	database := NewWithPool(mock)

	agent := kernel.NewAgent("worker-1", "research-worker-1", "worker", kernel.LayerBottom)
	agent.Capabilities = []kernel.Capability{kernel.CapExecute}
	agent.SetSupervisor("mid-1")

	mock.ExpectExec("INSERT INTO agents").
		WithArgs(
			"worker-1", "task-1", "research-worker-1", "bottom", "worker", "initializing",
			"mid-1", []byte(`[]`), []byte(`["execute"]`), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = database.SaveAgent(context.Background(), "task-1", agent)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestSaveAgentWithoutSupervisor tests that a missing supervisor stores as NULL
func TestSaveAgentWithoutSupervisor(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	database := NewWithPool(mock)

	agent := kernel.NewAgent("top-1", "chief-planner", "planner", kernel.LayerTop)
	agent.Capabilities = []kernel.Capability{kernel.CapPlan, kernel.CapArbitrate}
	agent.SetSubordinates([]string{"mid-1", "mid-2"})

	mock.ExpectExec("INSERT INTO agents").
		WithArgs(
			"top-1", "task-1", "chief-planner", "top", "planner", "initializing",
			nil, []byte(`["mid-1","mid-2"]`), []byte(`["plan","arbitrate"]`),
			pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = database.SaveAgent(context.Background(), "task-1", agent)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestGetAgent tests hydrating one agent snapshot
func TestGetAgent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	database := NewWithPool(mock)
	supervisor := "mid-1"

	rows := pgxmock.NewRows([]string{
		"id", "task_id", "name", "layer", "role", "status", "supervisor",
		"subordinates", "capabilities", "metrics",
	}).AddRow(
		"worker-1", "task-1", "research-worker-1", kernel.LayerBottom, "worker",
		kernel.StateIdle, &supervisor, []byte(`[]`), []byte(`["execute"]`),
		[]byte(`{"tasks_completed":3,"performance_score":80}`),
	)

	mock.ExpectQuery("SELECT id, task_id, name, layer, role, status, supervisor").
		WithArgs("worker-1").
		WillReturnRows(rows)

	rec, err := database.GetAgent(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "worker-1", rec.ID)
	assert.Equal(t, kernel.LayerBottom, rec.Layer)
	assert.Equal(t, kernel.StateIdle, rec.Status)
	assert.Equal(t, "mid-1", rec.Supervisor)
	assert.Equal(t, []kernel.Capability{kernel.CapExecute}, rec.Capabilities)
	assert.Equal(t, 3, rec.Metrics.TasksCompleted)
	assert.Equal(t, 80, rec.Metrics.PerformanceScore)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestGetAgentNotFound tests that an unknown agent yields nil without error
func TestGetAgentNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	database := NewWithPool(mock)

	mock.ExpectQuery("SELECT id, task_id, name, layer, role, status, supervisor").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	rec, err := database.GetAgent(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestListAgents tests the task filter
func TestListAgents(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	database := NewWithPool(mock)

	rows := pgxmock.NewRows([]string{
		"id", "task_id", "name", "layer", "role", "status", "supervisor",
		"subordinates", "capabilities", "metrics",
	}).AddRow(
		"top-1", "task-1", "chief-planner", kernel.LayerTop, "planner",
		kernel.StateIdle, (*string)(nil), []byte(`["mid-1"]`), []byte(`["plan"]`), []byte(`{}`),
	).AddRow(
		"mid-1", "task-1", "research-coordinator", kernel.LayerMid, "coordinator",
		kernel.StateWorking, stringPtr("top-1"), []byte(`[]`), []byte(`["delegate"]`), []byte(`{}`),
	)

	mock.ExpectQuery("SELECT id, task_id, name, layer, role, status, supervisor").
		WithArgs("task-1").
		WillReturnRows(rows)

	agents, err := database.ListAgents(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "", agents[0].Supervisor)
	assert.Equal(t, []string{"mid-1"}, agents[0].Subordinates)
	assert.Equal(t, "top-1", agents[1].Supervisor)
	assert.Equal(t, kernel.StateWorking, agents[1].Status)

	require.NoError(t, mock.ExpectationsWereMet())
}

func stringPtr(s string) *string {
	return &s
}
