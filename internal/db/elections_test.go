package db

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadreworks/cadre/internal/kernel"
)

// TestSaveElection tests appending one election round action
func TestSaveElection(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	database := NewWithPool(mock)

	rec := &kernel.ElectionRecord{
		ID:            "el-1",
		TaskID:        "task-1",
		Round:         3,
		Action:        kernel.ElectDemote,
		TargetAgentID: "mid-2",
		Votes:         map[string]int{"mid-2": 35},
		Result:        map[string]interface{}{"reason": "election mid-2: score 35 (demote)"},
		CreatedAt:     time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO elections").
		WithArgs(
			"el-1", "task-1", int64(3), "demote", "mid-2",
			[]byte(`{"mid-2":35}`), pgxmock.AnyArg(), rec.CreatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = database.SaveElection(context.Background(), rec)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestElections tests listing a task's election history
func TestElections(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	database := NewWithPool(mock)
	created := time.Now().UTC()

	cols := []string{"id", "task_id", "round", "action", "target_agent_id", "votes", "result", "created_at"}
	rows := pgxmock.NewRows(cols).
		AddRow("el-1", "task-1", int64(1), kernel.ElectMaintain, "bottom-1",
			[]byte(`{"bottom-1":75}`), []byte(`{}`), created).
		AddRow("el-2", "task-1", int64(2), kernel.ElectPromote, "bottom-1",
			[]byte(`{"bottom-1":85}`), []byte(`{"promoted":true}`), created.Add(time.Second))

	mock.ExpectQuery("SELECT id, task_id, round, action, target_agent_id").
		WithArgs("task-1").
		WillReturnRows(rows)

	records, err := database.Elections(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, kernel.ElectMaintain, records[0].Action)
	assert.Equal(t, 75, records[0].Votes["bottom-1"])
	assert.Equal(t, int64(2), records[1].Round)
	assert.Equal(t, true, records[1].Result["promoted"])

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestElectionsForRound tests the round filter
func TestElectionsForRound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	database := NewWithPool(mock)
	created := time.Now().UTC()

	cols := []string{"id", "task_id", "round", "action", "target_agent_id", "votes", "result", "created_at"}
	rows := pgxmock.NewRows(cols).
		AddRow("el-3", "task-1", int64(2), kernel.ElectDismiss, "bottom-2",
			[]byte(`{"bottom-2":10}`), []byte(`{}`), created)

	mock.ExpectQuery("SELECT id, task_id, round, action, target_agent_id").
		WithArgs("task-1", int64(2)).
		WillReturnRows(rows)

	records, err := database.ElectionsForRound(context.Background(), "task-1", 2)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, kernel.ElectDismiss, records[0].Action)

	require.NoError(t, mock.ExpectationsWereMet())
}
