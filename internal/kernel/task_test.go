package kernel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewTaskDefaults tests id assignment and the auto-mode fallback
func TestNewTaskDefaults(t *testing.T) {
	task := NewTask("draft the launch plan", "")

	require.NotNil(t, task)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "draft the launch plan", task.Description)
	assert.Equal(t, TaskPending, task.Status)
	assert.Equal(t, ModeAuto, task.Mode)
	assert.False(t, task.CreatedAt.IsZero())
	assert.Nil(t, task.CompletedAt)

	semi := NewTask("review the launch plan", ModeSemiAuto)
	assert.Equal(t, ModeSemiAuto, semi.Mode)
}

// TestNewTaskSanitizesDescription tests the intake cleanup of free text
// before it reaches whiteboards and the database
func TestNewTaskSanitizesDescription(t *testing.T) {
	task := NewTask("  ship the\x00 release  ", ModeAuto)
	assert.Equal(t, "ship the release", task.Description)

	long := NewTask(strings.Repeat("x", 12000), ModeAuto)
	assert.Len(t, long.Description, 10000)
}

// TestTaskStatusPredicates tests Valid and Terminal over the status set
func TestTaskStatusPredicates(t *testing.T) {
	cases := []struct {
		status   TaskStatus
		valid    bool
		terminal bool
	}{
		{TaskPending, true, false},
		{TaskRunning, true, false},
		{TaskPaused, true, false},
		{TaskCompleted, true, true},
		{TaskCancelled, true, true},
		{TaskFailed, true, true},
		{TaskStatus("archived"), false, false},
		{TaskStatus(""), false, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.valid, tc.status.Valid(), "Valid(%q)", tc.status)
		assert.Equal(t, tc.terminal, tc.status.Terminal(), "Terminal(%q)", tc.status)
	}
}

// TestTaskFinish tests that finishing stamps status and completion time
func TestTaskFinish(t *testing.T) {
	task := NewTask("wind the team down", ModeAuto)
	require.Nil(t, task.CompletedAt)

	task.Finish(TaskCompleted)

	assert.Equal(t, TaskCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)
	assert.False(t, task.CompletedAt.IsZero())
	assert.True(t, task.Status.Terminal())
}
