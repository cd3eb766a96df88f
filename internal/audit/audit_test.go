package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogSetsDefaults(t *testing.T) {
	store := NewMemStore()
	logger := NewLogger(store, true)

	event := &Event{
		TaskID:    "task-1",
		AgentID:   "bottom-1",
		EventType: EventTypeWarning,
		Reason:    "missed deadline",
	}
	require.NoError(t, logger.Log(context.Background(), event))

	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.False(t, event.CreatedAt.IsZero())
	assert.Equal(t, 1, store.Len())
}

func TestLogDisabled(t *testing.T) {
	store := NewMemStore()
	logger := NewLogger(store, false)

	require.NoError(t, logger.Log(context.Background(), &Event{
		TaskID:    "task-1",
		AgentID:   "bottom-1",
		EventType: EventTypeWarning,
		Reason:    "ignored",
	}))
	assert.Equal(t, 0, store.Len())
}

func TestLogNilStore(t *testing.T) {
	logger := NewLogger(nil, true)
	require.NoError(t, logger.Log(context.Background(), &Event{
		TaskID:    "task-1",
		AgentID:   "top-1",
		EventType: EventTypeVeto,
		Reason:    "risk",
	}))

	events, err := logger.Query(context.Background(), &QueryFilters{})
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestQueryFilters(t *testing.T) {
	store := NewMemStore()
	logger := NewLogger(store, true)
	ctx := context.Background()

	require.NoError(t, logger.LogWarning(ctx, "task-1", "bottom-1", "slow", 1))
	require.NoError(t, logger.LogWarning(ctx, "task-1", "bottom-1", "slower", 2))
	require.NoError(t, logger.LogWarning(ctx, "task-1", "bottom-2", "late", 1))
	require.NoError(t, logger.LogDismissal(ctx, "task-1", "bottom-1", "third warning"))
	require.NoError(t, logger.LogPromotion(ctx, "task-2", "bottom-3", "election"))

	events, err := logger.Query(ctx, &QueryFilters{TaskID: "task-1", AgentID: "bottom-1"})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	warnings, err := logger.Query(ctx, &QueryFilters{AgentID: "bottom-1", EventType: EventTypeWarning})
	require.NoError(t, err)
	assert.Len(t, warnings, 2)

	dismissals, err := logger.Query(ctx, &QueryFilters{EventType: EventTypeDismissal})
	require.NoError(t, err)
	require.Len(t, dismissals, 1)
	assert.Equal(t, "bottom-1", dismissals[0].AgentID)
	assert.Equal(t, "third warning", dismissals[0].Reason)

	limited, err := logger.Query(ctx, &QueryFilters{TaskID: "task-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestQueryNewestFirst(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	old := &Event{TaskID: "t", AgentID: "a", EventType: EventTypeWarning, Reason: "first", CreatedAt: time.Now().Add(-time.Hour), ID: uuid.New()}
	recent := &Event{TaskID: "t", AgentID: "a", EventType: EventTypeWarning, Reason: "second", CreatedAt: time.Now(), ID: uuid.New()}
	require.NoError(t, store.Insert(ctx, old))
	require.NoError(t, store.Insert(ctx, recent))

	events, err := store.Query(ctx, &QueryFilters{TaskID: "t"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "second", events[0].Reason)

	since, err := store.Query(ctx, &QueryFilters{Since: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 1)
}

func TestHelperMetadata(t *testing.T) {
	store := NewMemStore()
	logger := NewLogger(store, true)
	ctx := context.Background()

	require.NoError(t, logger.LogVeto(ctx, "task-1", "top-2", "dec-9", "risk"))

	events, err := logger.Query(ctx, &QueryFilters{EventType: EventTypeVeto})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "risk", events[0].Reason)
	assert.Equal(t, "dec-9", events[0].Metadata["decision_id"])
}
