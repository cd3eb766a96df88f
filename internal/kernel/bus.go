package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cadreworks/cadre/internal/metrics"
)

// Bus validation errors, surfaced synchronously to the caller
var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrTaskMismatch   = errors.New("message task id does not match bus task id")
)

// BusConfig tunes queue caps, liveness, and compression
type BusConfig struct {
	MaxQueueSize              int   `json:"max_queue_size" yaml:"max_queue_size"`
	TimeoutThresholdTicks     int64 `json:"timeout_threshold_ticks" yaml:"timeout_threshold_ticks"`
	EnableCompression         bool  `json:"enable_compression" yaml:"enable_compression"`
	CompressionThresholdBytes int   `json:"compression_threshold_bytes" yaml:"compression_threshold_bytes"`
}

// DefaultBusConfig returns the default bus tuning
func DefaultBusConfig() BusConfig {
	return BusConfig{
		MaxQueueSize:              1000,
		TimeoutThresholdTicks:     3,
		EnableCompression:         false,
		CompressionThresholdBytes: 1024,
	}
}

// MessageStore persists sent messages. Store failures are logged by the bus
// and never fail a send.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *Message) error
}

// AgentStats counts one agent's traffic through the bus
type AgentStats struct {
	Sent     int64 `json:"sent"`
	Received int64 `json:"received"`
}

// BusStats is a snapshot of the bus counters
type BusStats struct {
	TotalMessages int64                 `json:"total_messages"`
	ByKind        map[MessageKind]int64 `json:"by_kind"`
	ByAgent       map[string]AgentStats `json:"by_agent"`
	Dropped       int64                 `json:"dropped"`
	Compressed    int64                 `json:"compressed"`
}

// inbox is one agent's pair of queues. Messages land in staged and become
// drainable only after the next tick promotes them to ready, so work
// produced in tick k is visible in tick k+1, never within k.
type inbox struct {
	ready    *priorityQueue
	staged   *priorityQueue
	lastSeen int64
}

func (in *inbox) depth() int {
	return in.ready.Size() + in.staged.Size()
}

// Bus routes messages among one team's agents. It validates, enforces the
// per-recipient queue cap, compresses large payloads, persists every sent
// message, and tracks liveness against the clock tick.
type Bus struct {
	taskID string
	config BusConfig
	store  MessageStore
	events *Emitter
	log    zerolog.Logger

	mu          sync.RWMutex
	inboxes     map[string]*inbox
	currentTick int64

	totalMessages int64
	byKind        map[MessageKind]int64
	byAgent       map[string]*AgentStats
	dropped       int64
	compressed    int64
}

// NewBus creates a bus for one task. store may be nil to skip persistence;
// events may be nil to skip event emission.
func NewBus(taskID string, config BusConfig, store MessageStore, events *Emitter) *Bus {
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = DefaultBusConfig().MaxQueueSize
	}
	if config.TimeoutThresholdTicks <= 0 {
		config.TimeoutThresholdTicks = DefaultBusConfig().TimeoutThresholdTicks
	}
	if config.CompressionThresholdBytes <= 0 {
		config.CompressionThresholdBytes = DefaultBusConfig().CompressionThresholdBytes
	}
	return &Bus{
		taskID:  taskID,
		config:  config,
		store:   store,
		events:  events,
		log:     log.With().Str("component", "message_bus").Str("task_id", taskID).Logger(),
		inboxes: make(map[string]*inbox),
		byKind:  make(map[MessageKind]int64),
		byAgent: make(map[string]*AgentStats),
	}
}

// TaskID returns the task this bus belongs to
func (b *Bus) TaskID() string {
	return b.taskID
}

// RegisterAgent creates an inbox for the agent. Re-registering resets
// nothing; the existing inbox is kept.
func (b *Bus) RegisterAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inboxes[agentID]; ok {
		return
	}
	b.inboxes[agentID] = &inbox{
		ready:    newPriorityQueue(),
		staged:   newPriorityQueue(),
		lastSeen: b.currentTick,
	}
	b.log.Debug().Str("agent_id", agentID).Msg("Agent registered with bus")
}

// UnregisterAgent removes the agent's inbox. Unknown agents are a no-op.
func (b *Bus) UnregisterAgent(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inboxes[agentID]; !ok {
		return
	}
	delete(b.inboxes, agentID)
	metrics.SetQueueDepth(agentID, 0)
	b.log.Debug().Str("agent_id", agentID).Msg("Agent unregistered from bus")
}

// RegisteredAgents returns the sorted ids of all registered agents
func (b *Bus) RegisteredAgents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.inboxes))
	for id := range b.inboxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsRegistered reports whether the agent has an inbox
func (b *Bus) IsRegistered(agentID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.inboxes[agentID]
	return ok
}

// Send validates and routes a message. Validation failures return an error;
// routing failures (unknown recipient, full queue) drop the message and
// return nil. Every routed message is persisted with the current tick.
func (b *Bus) Send(ctx context.Context, msg *Message) error {
	if err := b.validate(msg); err != nil {
		metrics.RecordMessageDropped("validation")
		return err
	}

	b.mu.Lock()
	msg.Tick = b.currentTick
	b.compress(msg)

	switch msg.Recipient {
	case RecipientBroadcast:
		b.routeBroadcast(msg)
	case RecipientSystem:
		b.recordSend(msg)
	default:
		if !b.routeDirect(msg) {
			b.mu.Unlock()
			return nil
		}
	}

	// Any successful send from a registered agent counts as liveness.
	if in, ok := b.inboxes[msg.Sender]; ok {
		in.lastSeen = b.currentTick
	}
	b.mu.Unlock()

	metrics.RecordMessageSent(string(msg.Kind))
	b.persist(ctx, msg)
	return nil
}

// validate applies the send preconditions
func (b *Bus) validate(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if msg.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidMessage)
	}
	if msg.Sender == "" {
		return fmt.Errorf("%w: empty sender", ErrInvalidMessage)
	}
	if msg.Recipient == "" {
		return fmt.Errorf("%w: empty recipient", ErrInvalidMessage)
	}
	if msg.Kind == "" {
		return fmt.Errorf("%w: empty kind", ErrInvalidMessage)
	}
	if msg.TaskID == "" {
		return fmt.Errorf("%w: empty task id", ErrInvalidMessage)
	}
	if msg.TaskID != b.taskID {
		return fmt.Errorf("%w: got %s, want %s", ErrTaskMismatch, msg.TaskID, b.taskID)
	}
	if msg.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidMessage)
	}
	if msg.Timestamp.After(time.Now().Add(time.Second)) {
		return fmt.Errorf("%w: timestamp in the future", ErrInvalidMessage)
	}
	if !msg.Priority.Valid() {
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidMessage, msg.Priority)
	}
	if msg.Content == nil {
		return fmt.Errorf("%w: content must be an object", ErrInvalidMessage)
	}
	return nil
}

// compress wraps oversized content when compression is enabled. Metadata is
// never altered. Caller holds the lock.
func (b *Bus) compress(msg *Message) {
	if !b.config.EnableCompression {
		return
	}
	wrapped, did, err := CompressContent(msg.Content, b.config.CompressionThresholdBytes)
	if err != nil {
		b.log.Error().Err(err).
			Str("message_id", msg.ID).
			Msg("Failed to compress message content, sending uncompressed")
		return
	}
	if !did {
		return
	}
	msg.Content = wrapped
	b.compressed++
	metrics.MessagesCompressed.Inc()
}

// routeBroadcast copies the message to every inbox except the sender's.
// Caller holds the lock.
func (b *Bus) routeBroadcast(msg *Message) {
	b.recordSend(msg)
	for id, in := range b.inboxes {
		if id == msg.Sender {
			continue
		}
		copied := *msg
		copied.Recipient = id
		if !b.enqueue(in, id, &copied) {
			continue
		}
		b.statsFor(id).Received++
	}
}

// routeDirect delivers to one inbox. Returns false when the message was
// dropped. Caller holds the lock.
func (b *Bus) routeDirect(msg *Message) bool {
	in, ok := b.inboxes[msg.Recipient]
	if !ok {
		b.dropped++
		metrics.RecordMessageDropped("unknown_recipient")
		b.log.Warn().
			Str("message_id", msg.ID).
			Str("recipient", msg.Recipient).
			Str("kind", string(msg.Kind)).
			Msg("Dropping message for unknown recipient")
		return false
	}
	if !b.enqueue(in, msg.Recipient, msg) {
		return false
	}
	b.recordSend(msg)
	b.statsFor(msg.Recipient).Received++
	return true
}

// enqueue stages the message, enforcing the per-recipient cap across both
// queues. Full queues drop the new message, never an old one. Caller holds
// the lock.
func (b *Bus) enqueue(in *inbox, recipient string, msg *Message) bool {
	if in.depth() >= b.config.MaxQueueSize {
		b.dropped++
		metrics.RecordMessageDropped("overflow")
		b.log.Warn().
			Str("message_id", msg.ID).
			Str("recipient", recipient).
			Int("queue_size", in.depth()).
			Msg("Queue overflow, dropping message")
		if b.events != nil {
			b.events.Emit(Event{
				Kind:   EventQueueOverflow,
				TaskID: b.taskID,
				Tick:   b.currentTick,
				Payload: map[string]interface{}{
					"agent_id":   recipient,
					"message_id": msg.ID,
					"kind":       string(msg.Kind),
				},
			})
		}
		return false
	}
	in.staged.Enqueue(msg)
	metrics.SetQueueDepth(recipient, in.depth())
	return true
}

// recordSend updates the shared counters for one accepted message. Caller
// holds the lock.
func (b *Bus) recordSend(msg *Message) {
	b.totalMessages++
	b.byKind[msg.Kind]++
	b.statsFor(msg.Sender).Sent++
}

// statsFor returns the mutable per-agent stats entry. Caller holds the lock.
func (b *Bus) statsFor(agentID string) *AgentStats {
	s, ok := b.byAgent[agentID]
	if !ok {
		s = &AgentStats{}
		b.byAgent[agentID] = s
	}
	return s
}

// persist appends the message to the store. Failures are logged only.
func (b *Bus) persist(ctx context.Context, msg *Message) {
	if b.store == nil {
		return
	}
	if err := b.store.SaveMessage(ctx, msg); err != nil {
		metrics.RecordError("persistence", "message_bus")
		b.log.Error().Err(err).
			Str("message_id", msg.ID).
			Str("kind", string(msg.Kind)).
			Msg("Failed to persist message")
	}
}

// GetMessages drains the agent's ready queue in priority order, lazily
// decompressing wrapped content. Unknown agents get nil.
func (b *Bus) GetMessages(agentID string) []*Message {
	b.mu.Lock()
	in, ok := b.inboxes[agentID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	msgs := in.ready.DequeueAll()
	metrics.SetQueueDepth(agentID, in.depth())
	b.mu.Unlock()

	for _, msg := range msgs {
		if !IsCompressed(msg.Content) {
			continue
		}
		content, err := DecompressContent(msg.Content)
		if err != nil {
			b.log.Error().Err(err).
				Str("message_id", msg.ID).
				Msg("Failed to decompress message content")
			continue
		}
		msg.Content = content
	}
	return msgs
}

// UpdateLastSeen marks the agent live as of the current tick
func (b *Bus) UpdateLastSeen(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if in, ok := b.inboxes[agentID]; ok {
		in.lastSeen = b.currentTick
	}
}

// LastSeen returns the tick the agent was last seen on, or -1 if unknown
func (b *Bus) LastSeen(agentID string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if in, ok := b.inboxes[agentID]; ok {
		return in.lastSeen
	}
	return -1
}

// CurrentTick returns the bus's view of logical time
func (b *Bus) CurrentTick() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentTick
}

// OnTick advances logical time, promotes staged messages to ready, and runs
// the liveness sweep. Registered as the first clock listener so everything
// sent during tick k becomes drainable exactly at tick k+1.
func (b *Bus) OnTick(tick int64) error {
	b.mu.Lock()
	b.currentTick = tick
	for id, in := range b.inboxes {
		in.staged.drainInto(in.ready)
		metrics.SetQueueDepth(id, in.depth())
	}
	timedOut := b.sweepLiveness(tick)
	b.mu.Unlock()

	if len(timedOut) > 0 {
		for _, id := range timedOut {
			metrics.RecordAgentTimeout(id)
		}
		b.log.Warn().
			Strs("agent_ids", timedOut).
			Int64("tick", tick).
			Msg("Agents timed out")
		if b.events != nil {
			b.events.Emit(Event{
				Kind:   EventAgentTimeout,
				TaskID: b.taskID,
				Tick:   tick,
				Payload: map[string]interface{}{
					"agent_ids": timedOut,
				},
			})
		}
	}
	return nil
}

// sweepLiveness returns agents whose silence exceeds the threshold, sorted
// for deterministic event payloads. Caller holds the lock.
func (b *Bus) sweepLiveness(tick int64) []string {
	var timedOut []string
	for id, in := range b.inboxes {
		if tick-in.lastSeen > b.config.TimeoutThresholdTicks {
			timedOut = append(timedOut, id)
		}
	}
	sort.Strings(timedOut)
	return timedOut
}

// Stats returns a snapshot copy of the bus counters
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := BusStats{
		TotalMessages: b.totalMessages,
		ByKind:        make(map[MessageKind]int64, len(b.byKind)),
		ByAgent:       make(map[string]AgentStats, len(b.byAgent)),
		Dropped:       b.dropped,
		Compressed:    b.compressed,
	}
	for kind, n := range b.byKind {
		stats.ByKind[kind] = n
	}
	for id, s := range b.byAgent {
		stats.ByAgent[id] = *s
	}
	return stats
}

// QueueDepth returns the total queued messages for one agent
func (b *Bus) QueueDepth(agentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if in, ok := b.inboxes[agentID]; ok {
		return in.depth()
	}
	return 0
}
