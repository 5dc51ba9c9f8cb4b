// Package peers relays frames between daemons on different hosts over
// Redis pub/sub. Each host listens on its own channel plus a shared
// broadcast channel. Delivery is at-least-once: frames carry ids and the
// consumer drops ones it has already seen.
package peers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/teleclaude/teleclaude/internal/bus"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

const (
	defaultChannelPrefix = "teleclaude"
	publishTimeout       = 5 * time.Second
	seenFrameCap         = 1024
)

// Handler consumes inbound peer frames addressed to this host.
type Handler interface {
	InjectLinkedStop(ctx context.Context, payload protocol.LinkedStopPayload) error
}

// Transport is the Redis-backed peer link. It satisfies the engine's
// PeerSender and doubles as a bus.Broadcaster that relays local session
// events to the other hosts.
type Transport struct {
	cfg      config.RedisConfig
	computer string
	client   *redis.Client
	events   bus.Broadcaster

	seen *frameCache
}

// New builds the transport. events receives session events imported from
// other hosts; nil disables the relay direction.
func New(cfg config.RedisConfig, computer string, events bus.Broadcaster) *Transport {
	return &Transport{
		cfg:      cfg,
		computer: computer,
		events:   events,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		seen: newFrameCache(seenFrameCap),
	}
}

// Run subscribes to this host's channels and pumps inbound frames into
// handler until ctx is cancelled.
func (t *Transport) Run(ctx context.Context, handler Handler) error {
	sub := t.client.Subscribe(ctx, t.channel(t.computer), t.channel("all"))
	defer sub.Close()

	// Fail fast on a bad address instead of silently consuming nothing.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("peer subscribe: %w", err)
	}

	slog.Info("peer transport listening", "computer", t.computer, "addr", t.cfg.Addr)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			t.consume(ctx, handler, []byte(msg.Payload))
		}
	}
}

// Close releases the Redis connection.
func (t *Transport) Close() error {
	return t.client.Close()
}

// SendDeployStatus announces an artifact push to every peer host.
func (t *Transport) SendDeployStatus(ctx context.Context, payload json.RawMessage) error {
	return t.publish(ctx, "all", &protocol.PeerFrame{
		Type:    protocol.PeerDeployStatus,
		Payload: payload,
	})
}

// SendLinkedStop publishes a linked-stop frame at the peer hosting the
// target session.
func (t *Transport) SendLinkedStop(ctx context.Context, toComputer string, payload protocol.LinkedStopPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode linked stop: %w", err)
	}
	return t.publish(ctx, toComputer, &protocol.PeerFrame{
		Type:      protocol.PeerLinkedStop,
		SessionID: payload.TargetSessionID,
		Payload:   body,
	})
}

// Broadcast relays a local session event to every other host. Implements
// bus.Broadcaster so it can sit behind bus.Fan; failures are logged and
// swallowed, the local broadcast already succeeded.
func (t *Transport) Broadcast(event protocol.WSEvent) {
	if event.Computer == "" {
		event.Computer = t.computer
	}
	body, err := json.Marshal(event)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := t.publish(ctx, "all", &protocol.PeerFrame{
		Type:      protocol.PeerSessionEvent,
		SessionID: event.SessionID,
		Payload:   body,
	}); err != nil {
		slog.Debug("peer event relay failed", "type", event.Type, "error", err)
	}
}

func (t *Transport) publish(ctx context.Context, toComputer string, frame *protocol.PeerFrame) error {
	frame.FrameID = uuid.Must(uuid.NewV7()).String()
	frame.FromComputer = t.computer
	frame.ToComputer = toComputer
	frame.SentAt = time.Now().UTC()

	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode peer frame: %w", err)
	}
	if err := t.client.Publish(ctx, t.channel(toComputer), body).Err(); err != nil {
		return fmt.Errorf("publish peer frame: %w", err)
	}
	return nil
}

func (t *Transport) consume(ctx context.Context, handler Handler, raw []byte) {
	var frame protocol.PeerFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		slog.Warn("malformed peer frame dropped", "error", err)
		return
	}
	if frame.FromComputer == t.computer {
		return // own broadcast echo
	}
	if !t.seen.add(frame.FrameID) {
		slog.Debug("duplicate peer frame dropped", "frame_id", frame.FrameID)
		return
	}

	switch frame.Type {
	case protocol.PeerLinkedStop:
		var payload protocol.LinkedStopPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			slog.Warn("malformed linked-stop payload dropped", "frame_id", frame.FrameID, "error", err)
			return
		}
		if err := handler.InjectLinkedStop(ctx, payload); err != nil {
			slog.Error("linked-stop injection failed",
				"lane", "peer",
				"session_id", payload.TargetSessionID,
				"from_computer", frame.FromComputer,
				"error", err)
		}

	case protocol.PeerSessionEvent:
		if t.events == nil {
			return
		}
		var event protocol.WSEvent
		if err := json.Unmarshal(frame.Payload, &event); err != nil {
			slog.Warn("malformed peer event dropped", "frame_id", frame.FrameID, "error", err)
			return
		}
		t.events.Broadcast(event)

	case protocol.PeerDeployStatus:
		slog.Info("peer deploy status",
			"from_computer", frame.FromComputer, "payload", string(frame.Payload))
		if t.events != nil {
			t.events.Broadcast(protocol.WSEvent{
				Type:      protocol.EventError,
				Computer:  frame.FromComputer,
				Payload:   frame.Payload,
				Timestamp: time.Now().UTC(),
			})
		}

	default:
		slog.Debug("unknown peer frame type", "type", frame.Type, "from_computer", frame.FromComputer)
	}
}

func (t *Transport) channel(name string) string {
	prefix := t.cfg.ChannelPrefix
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	return prefix + ":peers:" + name
}

// frameCache is a fixed-size remember-what-we-saw set for frame dedup.
type frameCache struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

func newFrameCache(capacity int) *frameCache {
	return &frameCache{
		seen: make(map[string]struct{}, capacity),
		cap:  capacity,
	}
}

// add records id, reporting false when it was already present. The oldest
// entry is evicted at capacity.
func (c *frameCache) add(id string) bool {
	if id == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[id]; ok {
		return false
	}
	if len(c.order) >= c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	c.seen[id] = struct{}{}
	c.order = append(c.order, id)
	return true
}
