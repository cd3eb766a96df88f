// Package bridge mirrors a team's kernel events and message traffic
// onto NATS subjects so external consumers can watch a run live, and
// accepts control commands back over a per-task subject.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/cadreworks/cadre/internal/kernel"
	"github.com/cadreworks/cadre/internal/metrics"
)

// Control commands accepted on the per-task control subject
const (
	CommandPause    = "pause"
	CommandResume   = "resume"
	CommandCancel   = "cancel"
	CommandComplete = "complete"
)

// controlTimeout bounds how long one control command may take
const controlTimeout = 10 * time.Second

// Config tunes the NATS connection and the subject namespace
type Config struct {
	URL    string `json:"url" yaml:"url"`
	Prefix string `json:"prefix" yaml:"prefix"`
	Name   string `json:"name" yaml:"name"`
}

// DefaultConfig returns local-server defaults
func DefaultConfig() Config {
	return Config{
		URL:    nats.DefaultURL,
		Prefix: "cadre",
		Name:   "cadre-bridge",
	}
}

// Controllable is the slice of a team the control subject drives.
// *kernel.Team satisfies it.
type Controllable interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Cancel(ctx context.Context, reason string) error
	Complete(ctx context.Context, outcome string) error
}

// Bridge owns one NATS connection shared by every mirrored task.
// Subjects follow <prefix>.<task>.events.<kind>,
// <prefix>.<task>.messages.<kind>, and <prefix>.<task>.control.
type Bridge struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// New connects to NATS with infinite reconnects
func New(config Config, log zerolog.Logger) (*Bridge, error) {
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	if config.Prefix == "" {
		config.Prefix = "cadre"
	}
	if config.Name == "" {
		config.Name = "cadre-bridge"
	}

	blog := log.With().Str("component", "bridge").Logger()

	nc, err := nats.Connect(
		config.URL,
		nats.Name(config.Name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				blog.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			blog.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	blog.Info().
		Str("url", config.URL).
		Str("prefix", config.Prefix).
		Msg("Event bridge connected")

	return &Bridge{nc: nc, prefix: config.Prefix, log: blog}, nil
}

// Connected reports the connection state
func (b *Bridge) Connected() bool {
	return b.nc.IsConnected()
}

// Close closes the NATS connection
func (b *Bridge) Close() {
	b.nc.Close()
	b.log.Info().Msg("Event bridge closed")
}

// MirrorEvents registers an any-kind handler that republishes kernel
// events. nats publishes are buffered, so the handler does not block
// the tick loop.
func (b *Bridge) MirrorEvents(events *kernel.Emitter) {
	events.OnAny(func(event kernel.Event) {
		b.publishEvent(event)
	})
}

func (b *Bridge) publishEvent(event kernel.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		b.log.Error().Err(err).
			Str("kind", string(event.Kind)).
			Msg("Failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s.events.%s", b.prefix, event.TaskID, event.Kind)
	if err := b.nc.Publish(subject, data); err != nil {
		b.log.Error().Err(err).
			Str("subject", subject).
			Msg("Failed to publish event")
		return
	}
	metrics.RecordBridgePublish()
}

// Tee returns a message store that mirrors every message and then
// persists through inner. inner may be nil for runs without a
// database; mirroring still happens.
func (b *Bridge) Tee(inner kernel.MessageStore) kernel.MessageStore {
	return &teeStore{bridge: b, inner: inner}
}

type teeStore struct {
	bridge *Bridge
	inner  kernel.MessageStore
}

func (t *teeStore) SaveMessage(ctx context.Context, msg *kernel.Message) error {
	t.bridge.publishMessage(msg)
	if t.inner == nil {
		return nil
	}
	return t.inner.SaveMessage(ctx, msg)
}

func (b *Bridge) publishMessage(msg *kernel.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error().Err(err).
			Str("message_id", msg.ID).
			Msg("Failed to marshal message")
		return
	}

	subject := fmt.Sprintf("%s.%s.messages.%s", b.prefix, msg.TaskID, msg.Kind)
	if err := b.nc.Publish(subject, data); err != nil {
		b.log.Error().Err(err).
			Str("subject", subject).
			Msg("Failed to publish message")
		return
	}
	metrics.RecordBridgePublish()
}

// SubscribeAll delivers every mirrored subject under the bridge prefix
// to the handler, for external fan-out such as websocket feeds
func (b *Bridge) SubscribeAll(handler func(subject string, data []byte)) (*nats.Subscription, error) {
	subject := b.prefix + ".>"

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		metrics.RecordBridgeReceive()
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// controlCommand is the wire form accepted on the control subject
type controlCommand struct {
	Command string `json:"command"`
	Reason  string `json:"reason,omitempty"`
}

// SendControl publishes a control command for a task. The counterpart
// ServeControl on the process running the team applies it.
func (b *Bridge) SendControl(taskID, command, reason string) error {
	data, err := json.Marshal(controlCommand{Command: command, Reason: reason})
	if err != nil {
		return fmt.Errorf("failed to marshal control command: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.control", b.prefix, taskID)
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish control command: %w", err)
	}
	if err := b.nc.Flush(); err != nil {
		return fmt.Errorf("failed to flush control command: %w", err)
	}
	metrics.RecordBridgePublish()
	return nil
}

// ServeControl subscribes to the task's control subject and drives the
// target with the commands that arrive there. Callers unsubscribe
// before dissolving the team.
func (b *Bridge) ServeControl(taskID string, target Controllable) (*nats.Subscription, error) {
	subject := fmt.Sprintf("%s.%s.control", b.prefix, taskID)

	sub, err := b.nc.Subscribe(subject, b.controlHandler(taskID, target))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to control subject: %w", err)
	}

	b.log.Info().Str("subject", subject).Msg("Control subject ready")
	return sub, nil
}

func (b *Bridge) controlHandler(taskID string, target Controllable) nats.MsgHandler {
	return func(msg *nats.Msg) {
		metrics.RecordBridgeReceive()

		var cmd controlCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			b.log.Warn().Err(err).Msg("Failed to unmarshal control command")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		defer cancel()

		var err error
		switch cmd.Command {
		case CommandPause:
			err = target.Pause(ctx)
		case CommandResume:
			err = target.Resume(ctx)
		case CommandCancel:
			reason := cmd.Reason
			if reason == "" {
				reason = "canceled via control subject"
			}
			err = target.Cancel(ctx, reason)
		case CommandComplete:
			outcome := cmd.Reason
			if outcome == "" {
				outcome = "completed via control subject"
			}
			err = target.Complete(ctx, outcome)
		default:
			b.log.Warn().
				Str("command", cmd.Command).
				Msg("Unknown control command")
			return
		}

		if err != nil {
			b.log.Error().Err(err).
				Str("task_id", taskID).
				Str("command", cmd.Command).
				Msg("Control command failed")
			return
		}

		b.log.Info().
			Str("task_id", taskID).
			Str("command", cmd.Command).
			Msg("Control command applied")
	}
}
