package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadreworks/cadre/internal/kernel"
)

// startTestNATSServer starts an embedded NATS server on a random port
func startTestNATSServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host: "127.0.0.1",
		Port: -1,
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server did not start in time")
	}

	t.Cleanup(ns.Shutdown)
	return ns
}

func newTestBridge(t *testing.T, url string) *Bridge {
	t.Helper()

	bridge, err := New(Config{URL: url}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(bridge.Close)
	return bridge
}

// subscribe opens a raw subscription and flushes so the server has it
// registered before the test publishes anything
func subscribe(t *testing.T, nc *nats.Conn, subject string) chan *nats.Msg {
	t.Helper()

	received := make(chan *nats.Msg, 8)
	_, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		received <- msg
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	return received
}

func waitMsg(t *testing.T, received chan *nats.Msg) *nats.Msg {
	t.Helper()

	select {
	case msg := <-received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for NATS message")
		return nil
	}
}

type recordingStore struct {
	mu       sync.Mutex
	messages []*kernel.Message
	err      error
}

func (s *recordingStore) SaveMessage(ctx context.Context, msg *kernel.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

type fakeTeam struct {
	mu         sync.Mutex
	calls      []string
	lastReason string
	applied    chan string
}

func newFakeTeam() *fakeTeam {
	return &fakeTeam{applied: make(chan string, 8)}
}

func (f *fakeTeam) Pause(ctx context.Context) error {
	f.record("pause", "")
	return nil
}

func (f *fakeTeam) Resume(ctx context.Context) error {
	f.record("resume", "")
	return nil
}

func (f *fakeTeam) Cancel(ctx context.Context, reason string) error {
	f.record("cancel", reason)
	return nil
}

func (f *fakeTeam) Complete(ctx context.Context, outcome string) error {
	f.record("complete", outcome)
	return nil
}

func (f *fakeTeam) record(command, reason string) {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	if reason != "" {
		f.lastReason = reason
	}
	f.mu.Unlock()
	f.applied <- command
}

func (f *fakeTeam) waitApplied(t *testing.T) string {
	t.Helper()

	select {
	case command := <-f.applied:
		return command
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control command")
		return ""
	}
}

func TestNewBridgeDefaults(t *testing.T) {
	ns := startTestNATSServer(t)

	bridge, err := New(Config{URL: ns.ClientURL()}, zerolog.Nop())
	require.NoError(t, err)
	defer bridge.Close()

	assert.True(t, bridge.Connected())
	assert.Equal(t, "cadre", bridge.prefix)
}

func TestNewBridgeConnectFailure(t *testing.T) {
	_, err := New(Config{URL: "nats://127.0.0.1:1"}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to NATS")
}

func TestBridgeMirrorsEvents(t *testing.T) {
	ns := startTestNATSServer(t)
	bridge := newTestBridge(t, ns.ClientURL())

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	received := subscribe(t, nc, "cadre.task-1.events.>")

	events := kernel.NewEmitter()
	bridge.MirrorEvents(events)

	events.Emit(kernel.Event{
		Kind:   kernel.EventDecisionResolved,
		TaskID: "task-1",
		Tick:   42,
		Payload: map[string]interface{}{
			"decision_id": "dec-7",
			"outcome":     "approved",
		},
		Timestamp: time.Now(),
	})

	msg := waitMsg(t, received)
	assert.Equal(t, "cadre.task-1.events.decision_resolved", msg.Subject)

	var event kernel.Event
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, kernel.EventDecisionResolved, event.Kind)
	assert.Equal(t, "task-1", event.TaskID)
	assert.Equal(t, int64(42), event.Tick)
	assert.Equal(t, "dec-7", event.Payload["decision_id"])
}

func TestBridgeTeeMirrorsAndPersists(t *testing.T) {
	ns := startTestNATSServer(t)
	bridge := newTestBridge(t, ns.ClientURL())

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	received := subscribe(t, nc, "cadre.task-7.messages.>")

	inner := &recordingStore{}
	store := bridge.Tee(inner)

	sent := kernel.NewMessage("root-1", "mid-1", "task-7", kernel.KindTaskAssign, map[string]interface{}{
		"subtask_id": "task-7-1",
	})
	require.NoError(t, store.SaveMessage(context.Background(), sent))

	inner.mu.Lock()
	require.Len(t, inner.messages, 1)
	assert.Equal(t, sent.ID, inner.messages[0].ID)
	inner.mu.Unlock()

	msg := waitMsg(t, received)
	assert.Equal(t, "cadre.task-7.messages.task_assign", msg.Subject)

	var mirrored kernel.Message
	require.NoError(t, json.Unmarshal(msg.Data, &mirrored))
	assert.Equal(t, sent.ID, mirrored.ID)
	assert.Equal(t, "mid-1", mirrored.Recipient)
}

func TestBridgeTeeNilInner(t *testing.T) {
	ns := startTestNATSServer(t)
	bridge := newTestBridge(t, ns.ClientURL())

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	received := subscribe(t, nc, "cadre.task-2.messages.>")

	store := bridge.Tee(nil)
	sent := kernel.NewMessage("mid-1", "bottom-1", "task-2", kernel.KindStatusQuery, nil)
	require.NoError(t, store.SaveMessage(context.Background(), sent))

	msg := waitMsg(t, received)
	assert.Equal(t, "cadre.task-2.messages.status_query", msg.Subject)
}

func TestBridgeTeePropagatesInnerError(t *testing.T) {
	ns := startTestNATSServer(t)
	bridge := newTestBridge(t, ns.ClientURL())

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	received := subscribe(t, nc, "cadre.task-3.messages.>")

	inner := &recordingStore{err: errors.New("connection refused")}
	store := bridge.Tee(inner)

	sent := kernel.NewMessage("mid-1", "root-1", "task-3", kernel.KindProgressReport, nil)
	err = store.SaveMessage(context.Background(), sent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	// the mirror publish happens even when persistence fails
	waitMsg(t, received)
}

func TestBridgeServeControl(t *testing.T) {
	ns := startTestNATSServer(t)
	bridge := newTestBridge(t, ns.ClientURL())

	team := newFakeTeam()
	sub, err := bridge.ServeControl("task-9", team)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, nc.Flush())

	publish := func(command controlCommand) {
		data, merr := json.Marshal(command)
		require.NoError(t, merr)
		require.NoError(t, nc.Publish("cadre.task-9.control", data))
	}

	publish(controlCommand{Command: CommandPause})
	assert.Equal(t, "pause", team.waitApplied(t))

	publish(controlCommand{Command: CommandResume})
	assert.Equal(t, "resume", team.waitApplied(t))

	publish(controlCommand{Command: CommandComplete, Reason: "milestone confirmed"})
	assert.Equal(t, "complete", team.waitApplied(t))

	publish(controlCommand{Command: CommandCancel, Reason: "operator abort"})
	assert.Equal(t, "cancel", team.waitApplied(t))

	team.mu.Lock()
	assert.Equal(t, []string{"pause", "resume", "complete", "cancel"}, team.calls)
	assert.Equal(t, "operator abort", team.lastReason)
	team.mu.Unlock()
}

func TestBridgeServeControlCancelDefaultReason(t *testing.T) {
	ns := startTestNATSServer(t)
	bridge := newTestBridge(t, ns.ClientURL())

	team := newFakeTeam()
	_, err := bridge.ServeControl("task-4", team)
	require.NoError(t, err)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	require.NoError(t, nc.Publish("cadre.task-4.control", []byte(`{"command":"cancel"}`)))
	assert.Equal(t, "cancel", team.waitApplied(t))

	team.mu.Lock()
	assert.Equal(t, "canceled via control subject", team.lastReason)
	team.mu.Unlock()
}

func TestBridgeServeControlIgnoresBadInput(t *testing.T) {
	ns := startTestNATSServer(t)
	bridge := newTestBridge(t, ns.ClientURL())

	team := newFakeTeam()
	_, err := bridge.ServeControl("task-5", team)
	require.NoError(t, err)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	// malformed payload and an unknown command, then a valid pause; NATS
	// delivers in order, so seeing the pause proves the others were skipped
	require.NoError(t, nc.Publish("cadre.task-5.control", []byte("not json")))
	require.NoError(t, nc.Publish("cadre.task-5.control", []byte(`{"command":"restart"}`)))
	require.NoError(t, nc.Publish("cadre.task-5.control", []byte(`{"command":"pause"}`)))

	assert.Equal(t, "pause", team.waitApplied(t))

	team.mu.Lock()
	assert.Equal(t, []string{"pause"}, team.calls)
	team.mu.Unlock()
}

func TestBridgeSendControlRoundTrip(t *testing.T) {
	ns := startTestNATSServer(t)
	runner := newTestBridge(t, ns.ClientURL())
	observer := newTestBridge(t, ns.ClientURL())

	team := newFakeTeam()
	_, err := runner.ServeControl("task-8", team)
	require.NoError(t, err)

	require.NoError(t, observer.SendControl("task-8", CommandCancel, "deadline missed"))
	assert.Equal(t, "cancel", team.waitApplied(t))

	team.mu.Lock()
	assert.Equal(t, "deadline missed", team.lastReason)
	team.mu.Unlock()
}

func TestBridgeSubscribeAll(t *testing.T) {
	ns := startTestNATSServer(t)
	bridge := newTestBridge(t, ns.ClientURL())

	type delivery struct {
		subject string
		data    []byte
	}
	received := make(chan delivery, 8)
	_, err := bridge.SubscribeAll(func(subject string, data []byte) {
		received <- delivery{subject: subject, data: data}
	})
	require.NoError(t, err)
	require.NoError(t, bridge.nc.Flush())

	events := kernel.NewEmitter()
	bridge.MirrorEvents(events)
	events.Emit(kernel.Event{
		Kind:   kernel.EventAgentTimeout,
		TaskID: "task-10",
		Tick:   3,
	})

	select {
	case d := <-received:
		assert.Equal(t, "cadre.task-10.events.agent_timeout", d.subject)
		var event kernel.Event
		require.NoError(t, json.Unmarshal(d.data, &event))
		assert.Equal(t, int64(3), event.Tick)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mirrored event")
	}
}

func TestBridgeControlTimeoutHasDeadline(t *testing.T) {
	ns := startTestNATSServer(t)
	bridge := newTestBridge(t, ns.ClientURL())

	deadlines := make(chan bool, 1)
	target := controllableFunc{
		pause: func(ctx context.Context) error {
			_, ok := ctx.Deadline()
			deadlines <- ok
			return nil
		},
	}
	_, err := bridge.ServeControl("task-6", target)
	require.NoError(t, err)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	require.NoError(t, nc.Publish("cadre.task-6.control", []byte(`{"command":"pause"}`)))

	select {
	case ok := <-deadlines:
		assert.True(t, ok, "control commands should carry a deadline")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pause")
	}
}

type controllableFunc struct {
	pause func(ctx context.Context) error
}

func (c controllableFunc) Pause(ctx context.Context) error {
	if c.pause != nil {
		return c.pause(ctx)
	}
	return nil
}

func (c controllableFunc) Resume(ctx context.Context) error { return nil }

func (c controllableFunc) Cancel(ctx context.Context, reason string) error { return nil }

func (c controllableFunc) Complete(ctx context.Context, outcome string) error { return nil }
