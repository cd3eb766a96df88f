package kernel

import (
	"time"

	"github.com/google/uuid"

	"github.com/cadreworks/cadre/internal/validation"
)

// TaskStatus is the lifecycle status of a team's task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
	TaskFailed    TaskStatus = "failed"
)

// Valid reports whether s is a defined task status
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskPaused, TaskCompleted, TaskCancelled, TaskFailed:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskFailed
}

// TaskMode selects how much human confirmation the run requires
type TaskMode string

const (
	ModeAuto     TaskMode = "auto"
	ModeSemiAuto TaskMode = "semi-auto"
)

// Task is the unit of work a team is assembled for. One task, one team,
// one message bus, one blackboard tree.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Mode        TaskMode   `json:"mode"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTask creates a pending task. The description is sanitized before it
// reaches shared documents and the database.
func NewTask(description string, mode TaskMode) *Task {
	if mode == "" {
		mode = ModeAuto
	}
	return &Task{
		ID:          uuid.NewString(),
		Description: validation.SanitizeInput(description),
		Status:      TaskPending,
		Mode:        mode,
		CreatedAt:   time.Now().UTC(),
	}
}

// Finish stamps the task with a terminal status and completion time
func (t *Task) Finish(status TaskStatus) {
	t.Status = status
	now := time.Now().UTC()
	t.CompletedAt = &now
}
