package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisDocStore(t *testing.T, mr *miniredis.Miniredis, taskID string) *RedisDocStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisDocStoreFromClient(client, taskID)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisDocStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestRedisDocStore(t, mr, "task-1")
	ctx := context.Background()

	_, err := store.Load(ctx, "whiteboards/top-layer.md")
	assert.ErrorIs(t, err, ErrDocNotFound)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Store(ctx, "whiteboards/top-layer.md", &Document{
		Content:        "# Top Layer Whiteboard\n",
		Version:        3,
		LastModifiedBy: "top-1",
		UpdatedAt:      now,
	}))

	raw, err := mr.Get("cadre:blackboard:task-1:whiteboards/top-layer.md")
	require.NoError(t, err)
	assert.Contains(t, raw, "# Top Layer Whiteboard")

	doc, err := store.Load(ctx, "whiteboards/top-layer.md")
	require.NoError(t, err)
	assert.Equal(t, "# Top Layer Whiteboard\n", doc.Content)
	assert.Equal(t, int64(3), doc.Version)
	assert.Equal(t, "top-1", doc.LastModifiedBy)
	assert.Equal(t, now, doc.UpdatedAt)
}

// TestRedisDocStoreNamespacesByTask tests that two teams sharing one Redis
// cannot see each other's documents
func TestRedisDocStoreNamespacesByTask(t *testing.T) {
	mr := miniredis.RunT(t)
	first := newTestRedisDocStore(t, mr, "task-1")
	second := newTestRedisDocStore(t, mr, "task-2")
	ctx := context.Background()

	require.NoError(t, first.Store(ctx, "global-whiteboard.md", &Document{
		Content: "first team's plan",
		Version: 1,
	}))

	_, err := second.Load(ctx, "global-whiteboard.md")
	assert.ErrorIs(t, err, ErrDocNotFound)

	doc, err := first.Load(ctx, "global-whiteboard.md")
	require.NoError(t, err)
	assert.Equal(t, "first team's plan", doc.Content)
}

func TestRedisDocStoreCorruptDocument(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestRedisDocStore(t, mr, "task-1")

	require.NoError(t, mr.Set("cadre:blackboard:task-1:global-whiteboard.md", "not json"))

	_, err := store.Load(context.Background(), "global-whiteboard.md")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode document")
}

// TestRedisDocStoreLockArtifacts tests the TTL'd SETNX lock keys
func TestRedisDocStoreLockArtifacts(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestRedisDocStore(t, mr, "task-1")
	key := "cadre:blackboard:task-1:lock:global-whiteboard.md"

	store.WriteLockArtifact("global-whiteboard.md", "top-1")
	val, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "top-1", val)
	assert.Equal(t, store.lockTTL, mr.TTL(key))

	// A racing holder must not clobber the live artifact
	store.WriteLockArtifact("global-whiteboard.md", "top-2")
	val, err = mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "top-1", val)

	store.RemoveLockArtifact("global-whiteboard.md")
	assert.False(t, mr.Exists(key))

	// After expiry the key is free again
	store.WriteLockArtifact("global-whiteboard.md", "top-2")
	mr.FastForward(store.lockTTL + time.Second)
	assert.False(t, mr.Exists(key))
}

// TestBlackboardRedisBacked tests the blackboard over the Redis store end
// to end, including the lock artifact lifecycle
func TestBlackboardRedisBacked(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestRedisDocStore(t, mr, "task-1")

	roster := newStubRoster(NewAgent("top-1", "chief", "planner", LayerTop))
	bb := NewBlackboard("task-1", DefaultBlackboardConfig(), store, roster, nil)
	ctx := context.Background()

	require.NoError(t, bb.Write(ctx, GlobalScope(), "top-1", "## Plan\n", 0))

	raw, err := mr.Get("cadre:blackboard:task-1:global-whiteboard.md")
	require.NoError(t, err)
	assert.Contains(t, raw, "## Plan")

	assert.False(t, mr.Exists("cadre:blackboard:task-1:lock:global-whiteboard.md"),
		"lock artifact removed after the write")

	doc, err := bb.Read(ctx, GlobalScope(), "top-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	assert.Equal(t, "top-1", doc.LastModifiedBy)
}
