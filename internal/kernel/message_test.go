package kernel

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewMessageDefaults tests that NewMessage fills in id, timestamp,
// priority, and a non-nil content map
func TestNewMessageDefaults(t *testing.T) {
	m := NewMessage("worker-1", "coordinator-1", "task-1", KindProgressReport, nil)

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "worker-1", m.Sender)
	assert.Equal(t, "coordinator-1", m.Recipient)
	assert.Equal(t, "task-1", m.TaskID)
	assert.Equal(t, KindProgressReport, m.Kind)
	assert.Equal(t, PriorityNormal, m.Priority)
	assert.NotNil(t, m.Content)
	assert.WithinDuration(t, time.Now(), m.Timestamp, time.Second)

	other := NewMessage("worker-1", "coordinator-1", "task-1", KindProgressReport, nil)
	assert.NotEqual(t, m.ID, other.ID)
}

// TestMessageBuilders tests the chained priority, reply-to, and content
// setters
func TestMessageBuilders(t *testing.T) {
	m := NewMessage("a", "b", "task-1", KindStatusReport, nil).
		WithPriority(PriorityUrgent).
		WithReplyTo("msg-42").
		WithContent("status", "idle").
		WithContent("tasks_completed", 3)

	assert.Equal(t, PriorityUrgent, m.Priority)
	assert.Equal(t, "msg-42", m.ReplyTo)
	assert.Equal(t, "idle", m.Content["status"])
	assert.Equal(t, 3, m.Content["tasks_completed"])
}

// TestPriorityValid tests the priority range check and labels
func TestPriorityValid(t *testing.T) {
	assert.True(t, PriorityLow.Valid())
	assert.True(t, PriorityUrgent.Valid())
	assert.False(t, Priority(-1).Valid())
	assert.False(t, Priority(4).Valid())

	assert.Equal(t, "LOW", PriorityLow.String())
	assert.Equal(t, "NORMAL", PriorityNormal.String())
	assert.Equal(t, "HIGH", PriorityHigh.String())
	assert.Equal(t, "URGENT", PriorityUrgent.String())
	assert.Equal(t, "Priority(7)", Priority(7).String())
}

// TestMessageKindValid tests the closed kind vocabulary
func TestMessageKindValid(t *testing.T) {
	valid := []MessageKind{
		KindTaskAssign, KindTaskAccept, KindTaskReject, KindProgressReport,
		KindSignatureRequest, KindSignatureVeto, KindVoteRequest,
		KindPeerHelpRequest, KindErrorReport, KindRecoveryCommand,
		KindElectionResult, KindHeartbeatAck, KindAgentRegister,
	}
	for _, k := range valid {
		assert.True(t, k.Valid(), "kind %s should be valid", k)
	}

	assert.False(t, MessageKind("").Valid())
	assert.False(t, MessageKind("task_asign").Valid())
	assert.False(t, MessageKind("gossip").Valid())
}

// TestCompressContentRoundTrip tests that oversized content survives the
// deflate wrapper intact
func TestCompressContentRoundTrip(t *testing.T) {
	content := map[string]interface{}{
		"description": strings.Repeat("analyze the corpus and summarize findings ", 50),
		"subtask_id":  "task-1-3",
		"status":      "assigned",
	}

	wrapped, did, err := CompressContent(content, 256)
	require.NoError(t, err)
	require.True(t, did)
	assert.True(t, IsCompressed(wrapped))
	assert.NotContains(t, wrapped, "description")

	size, ok := wrapped["_original_size"].(int)
	require.True(t, ok)
	assert.Greater(t, size, 256)

	restored, err := DecompressContent(wrapped)
	require.NoError(t, err)
	assert.False(t, IsCompressed(restored))
	assert.Equal(t, content["description"], restored["description"])
	assert.Equal(t, "task-1-3", restored["subtask_id"])
	assert.Equal(t, "assigned", restored["status"])
}

// TestCompressContentBelowThreshold tests that small content is passed
// through untouched
func TestCompressContentBelowThreshold(t *testing.T) {
	content := map[string]interface{}{"status": "idle"}

	out, did, err := CompressContent(content, 1024)
	require.NoError(t, err)
	assert.False(t, did)
	assert.False(t, IsCompressed(out))
	assert.Equal(t, "idle", out["status"])
}

// TestDecompressContentPassThrough tests that uncompressed content is
// returned unchanged
func TestDecompressContentPassThrough(t *testing.T) {
	content := map[string]interface{}{"subtask_id": "task-1-1"}

	out, err := DecompressContent(content)
	require.NoError(t, err)
	assert.Equal(t, "task-1-1", out["subtask_id"])
}

// TestDecompressContentMissingData tests that a wrapper without its
// payload field is rejected
func TestDecompressContentMissingData(t *testing.T) {
	_, err := DecompressContent(map[string]interface{}{"_compressed": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "_data")
}

// TestDecompressContentBadData tests that garbage payloads fail cleanly
func TestDecompressContentBadData(t *testing.T) {
	_, err := DecompressContent(map[string]interface{}{
		"_compressed": true,
		"_data":       "not base64 !!!",
	})
	require.Error(t, err)
}
