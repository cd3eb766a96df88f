package kernel

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"
)

// Priority orders message delivery: URGENT drains before HIGH before
// NORMAL before LOW, FIFO within a level.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// Valid reports whether p is one of the four defined levels
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// MessageKind identifies the wire-level message type
type MessageKind string

const (
	KindTaskAssign               MessageKind = "task_assign"
	KindTaskAccept               MessageKind = "task_accept"
	KindTaskReject               MessageKind = "task_reject"
	KindTaskComplete             MessageKind = "task_complete"
	KindTaskFail                 MessageKind = "task_fail"
	KindProgressReport           MessageKind = "progress_report"
	KindStatusQuery              MessageKind = "status_query"
	KindStatusReport             MessageKind = "status_report"
	KindDecisionPropose          MessageKind = "decision_propose"
	KindSignatureRequest         MessageKind = "signature_request"
	KindSignatureApprove         MessageKind = "signature_approve"
	KindSignatureVeto            MessageKind = "signature_veto"
	KindAppealRequest            MessageKind = "appeal_request"
	KindAppealResult             MessageKind = "appeal_result"
	KindVoteRequest              MessageKind = "vote_request"
	KindVoteResponse             MessageKind = "vote_response"
	KindPeerCoordination         MessageKind = "peer_coordination"
	KindPeerCoordinationResponse MessageKind = "peer_coordination_response"
	KindPeerHelpRequest          MessageKind = "peer_help_request"
	KindPeerHelpResponse         MessageKind = "peer_help_response"
	KindConflictReport           MessageKind = "conflict_report"
	KindArbitrationRequest       MessageKind = "arbitration_request"
	KindArbitrationResult        MessageKind = "arbitration_result"
	KindErrorReport              MessageKind = "error_report"
	KindIssueEscalation          MessageKind = "issue_escalation"
	KindRecoveryCommand          MessageKind = "recovery_command"
	KindWarningIssue             MessageKind = "warning_issue"
	KindDemotionNotice           MessageKind = "demotion_notice"
	KindDismissalNotice          MessageKind = "dismissal_notice"
	KindPromotionNotice          MessageKind = "promotion_notice"
	KindElectionStart            MessageKind = "election_start"
	KindElectionVote             MessageKind = "election_vote"
	KindElectionResult           MessageKind = "election_result"
	KindHeartbeatAck             MessageKind = "heartbeat_ack"
	KindAgentRegister            MessageKind = "agent_register"
	KindAgentUnregister          MessageKind = "agent_unregister"
	KindSystemCommand            MessageKind = "system_command"
)

var messageKinds = map[MessageKind]struct{}{
	KindTaskAssign: {}, KindTaskAccept: {}, KindTaskReject: {},
	KindTaskComplete: {}, KindTaskFail: {}, KindProgressReport: {},
	KindStatusQuery: {}, KindStatusReport: {}, KindDecisionPropose: {},
	KindSignatureRequest: {}, KindSignatureApprove: {}, KindSignatureVeto: {},
	KindAppealRequest: {}, KindAppealResult: {}, KindVoteRequest: {},
	KindVoteResponse: {}, KindPeerCoordination: {}, KindPeerCoordinationResponse: {},
	KindPeerHelpRequest: {}, KindPeerHelpResponse: {}, KindConflictReport: {},
	KindArbitrationRequest: {}, KindArbitrationResult: {}, KindErrorReport: {},
	KindIssueEscalation: {}, KindRecoveryCommand: {}, KindWarningIssue: {},
	KindDemotionNotice: {}, KindDismissalNotice: {}, KindPromotionNotice: {},
	KindElectionStart: {}, KindElectionVote: {}, KindElectionResult: {},
	KindHeartbeatAck: {}, KindAgentRegister: {}, KindAgentUnregister: {},
	KindSystemCommand: {},
}

// Valid reports whether k is in the closed kind set
func (k MessageKind) Valid() bool {
	_, ok := messageKinds[k]
	return ok
}

// Reserved recipient aliases
const (
	RecipientBroadcast = "broadcast"
	RecipientSystem    = "system"
)

// Message is a single bus envelope. Immutable once sent.
type Message struct {
	ID        string                 `json:"id"`
	Sender    string                 `json:"sender"`
	Recipient string                 `json:"recipient"`
	TaskID    string                 `json:"task_id"`
	Kind      MessageKind            `json:"kind"`
	Content   map[string]interface{} `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Priority  Priority               `json:"priority"`
	ReplyTo   string                 `json:"reply_to,omitempty"`
	Tick      int64                  `json:"tick,omitempty"`
}

// NewMessage creates a message with defaults filled in
func NewMessage(sender, recipient, taskID string, kind MessageKind, content map[string]interface{}) *Message {
	if content == nil {
		content = make(map[string]interface{})
	}
	return &Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		TaskID:    taskID,
		Kind:      kind,
		Content:   content,
		Timestamp: time.Now(),
		Priority:  PriorityNormal,
	}
}

// WithPriority sets the message priority
func (m *Message) WithPriority(priority Priority) *Message {
	m.Priority = priority
	return m
}

// WithReplyTo marks the message as a reply to another message id
func (m *Message) WithReplyTo(messageID string) *Message {
	m.ReplyTo = messageID
	return m
}

// WithContent adds a content field
func (m *Message) WithContent(key string, value interface{}) *Message {
	m.Content[key] = value
	return m
}

// Compression wrapper keys. Everywhere else content is opaque.
const (
	compressedKey   = "_compressed"
	originalSizeKey = "_original_size"
	compressedData  = "_data"
)

// IsCompressed reports whether content carries the compression wrapper
func IsCompressed(content map[string]interface{}) bool {
	v, ok := content[compressedKey].(bool)
	return ok && v
}

// CompressContent deflates content when its JSON form exceeds
// thresholdBytes. Returns the (possibly wrapped) content and whether
// compression was applied.
func CompressContent(content map[string]interface{}, thresholdBytes int) (map[string]interface{}, bool, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal content: %w", err)
	}
	if len(raw) <= thresholdBytes {
		return content, false, nil
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create deflate writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, false, fmt.Errorf("failed to deflate content: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, false, fmt.Errorf("failed to flush deflate writer: %w", err)
	}

	return map[string]interface{}{
		compressedKey:   true,
		originalSizeKey: len(raw),
		compressedData:  base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, true, nil
}

// DecompressContent reverses CompressContent. Uncompressed content is
// returned unchanged.
func DecompressContent(content map[string]interface{}) (map[string]interface{}, error) {
	if !IsCompressed(content) {
		return content, nil
	}

	encoded, ok := content[compressedData].(string)
	if !ok {
		return nil, fmt.Errorf("compressed content missing %s field", compressedData)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode compressed content: %w", err)
	}

	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to inflate content: %w", err)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inflated content: %w", err)
	}
	return out, nil
}
