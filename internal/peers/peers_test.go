package peers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

func TestFrameCacheDedup(t *testing.T) {
	c := newFrameCache(8)
	if !c.add("f1") {
		t.Error("first sighting reported as duplicate")
	}
	if c.add("f1") {
		t.Error("second sighting not deduplicated")
	}
	if !c.add("f2") {
		t.Error("distinct frame rejected")
	}
}

func TestFrameCacheEvictsOldest(t *testing.T) {
	c := newFrameCache(2)
	c.add("a")
	c.add("b")
	c.add("c") // evicts a

	if !c.add("a") {
		t.Error("evicted frame still remembered")
	}
	if c.add("c") {
		t.Error("recent frame forgotten")
	}
}

func TestFrameCacheIgnoresEmptyID(t *testing.T) {
	c := newFrameCache(2)
	if !c.add("") || !c.add("") {
		t.Error("id-less frames must always pass; there is nothing to dedup on")
	}
}

// stopRecorder collects injected linked-stop payloads.
type stopRecorder struct {
	mu       sync.Mutex
	payloads []protocol.LinkedStopPayload
}

func (r *stopRecorder) InjectLinkedStop(_ context.Context, payload protocol.LinkedStopPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *stopRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

// eventRecorder collects relayed session events.
type eventRecorder struct {
	mu     sync.Mutex
	events []protocol.WSEvent
}

func (r *eventRecorder) Broadcast(event protocol.WSEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) all() []protocol.WSEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.WSEvent(nil), r.events...)
}

func frameJSON(t *testing.T, frame protocol.PeerFrame) []byte {
	t.Helper()
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	return raw
}

// newConsumeTransport builds a transport for exercising the consume path;
// no Redis connection is ever opened. A nil events recorder leaves the
// relay direction disabled, matching a daemon without a WS hub.
func newConsumeTransport(events *eventRecorder) *Transport {
	tr := New(config.RedisConfig{Addr: "localhost:0"}, "mac-mini", nil)
	if events != nil {
		tr.events = events
	}
	return tr
}

func TestConsumeLinkedStop(t *testing.T) {
	tr := newConsumeTransport(nil)
	handler := &stopRecorder{}
	ctx := context.Background()

	payload, _ := json.Marshal(protocol.LinkedStopPayload{
		TargetSessionID: "s-local",
		FromTitle:       "Remote worker",
		Output:          "Finished the migration.",
	})
	tr.consume(ctx, handler, frameJSON(t, protocol.PeerFrame{
		FrameID:      "f-1",
		Type:         protocol.PeerLinkedStop,
		FromComputer: "studio",
		Payload:      payload,
	}))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.payloads) != 1 {
		t.Fatalf("injected %d payloads, want 1", len(handler.payloads))
	}
	got := handler.payloads[0]
	if got.TargetSessionID != "s-local" || got.FromTitle != "Remote worker" {
		t.Errorf("payload = %+v", got)
	}
}

func TestConsumeDropsOwnEcho(t *testing.T) {
	tr := newConsumeTransport(nil)
	handler := &stopRecorder{}

	tr.consume(context.Background(), handler, frameJSON(t, protocol.PeerFrame{
		FrameID:      "f-echo",
		Type:         protocol.PeerLinkedStop,
		FromComputer: "mac-mini", // our own broadcast coming back
		Payload:      json.RawMessage(`{}`),
	}))
	if handler.count() != 0 {
		t.Error("own echo was consumed")
	}
}

func TestConsumeDropsDuplicates(t *testing.T) {
	tr := newConsumeTransport(nil)
	handler := &stopRecorder{}
	ctx := context.Background()

	raw := frameJSON(t, protocol.PeerFrame{
		FrameID:      "f-dup",
		Type:         protocol.PeerLinkedStop,
		FromComputer: "studio",
		Payload:      json.RawMessage(`{"target_session_id":"s1"}`),
	})
	tr.consume(ctx, handler, raw)
	tr.consume(ctx, handler, raw)

	if handler.count() != 1 {
		t.Errorf("redelivered frame consumed %d times, want 1", handler.count())
	}
}

func TestConsumeToleratesMalformedFrames(t *testing.T) {
	tr := newConsumeTransport(nil)
	handler := &stopRecorder{}
	ctx := context.Background()

	tr.consume(ctx, handler, []byte("{not json"))
	tr.consume(ctx, handler, frameJSON(t, protocol.PeerFrame{
		FrameID:      "f-bad-payload",
		Type:         protocol.PeerLinkedStop,
		FromComputer: "studio",
		Payload:      json.RawMessage(`"not an object"`),
	}))
	if handler.count() != 0 {
		t.Error("malformed frames reached the handler")
	}
}

func TestConsumeRelaysSessionEvents(t *testing.T) {
	events := &eventRecorder{}
	tr := newConsumeTransport(events)
	ctx := context.Background()

	body, _ := json.Marshal(protocol.WSEvent{
		Type:      protocol.EventSessionUpdated,
		Computer:  "studio",
		SessionID: "s-remote",
	})
	tr.consume(ctx, &stopRecorder{}, frameJSON(t, protocol.PeerFrame{
		FrameID:      "f-ev",
		Type:         protocol.PeerSessionEvent,
		FromComputer: "studio",
		Payload:      body,
	}))

	got := events.all()
	if len(got) != 1 {
		t.Fatalf("relayed %d events, want 1", len(got))
	}
	if got[0].Type != protocol.EventSessionUpdated || got[0].Computer != "studio" {
		t.Errorf("event = %+v", got[0])
	}
}

func TestConsumeUnknownTypeIsDropped(t *testing.T) {
	events := &eventRecorder{}
	tr := newConsumeTransport(events)
	handler := &stopRecorder{}

	tr.consume(context.Background(), handler, frameJSON(t, protocol.PeerFrame{
		FrameID:      "f-unknown",
		Type:         "teleportation",
		FromComputer: "studio",
	}))
	if handler.count() != 0 || len(events.all()) != 0 {
		t.Error("unknown frame type had side effects")
	}
}

func TestChannelNaming(t *testing.T) {
	tr := New(config.RedisConfig{}, "mac-mini", nil)
	if got := tr.channel("mac-mini"); got != "teleclaude:peers:mac-mini" {
		t.Errorf("channel = %q", got)
	}

	custom := New(config.RedisConfig{ChannelPrefix: "tc-staging"}, "mac-mini", nil)
	if got := custom.channel("all"); got != "tc-staging:peers:all" {
		t.Errorf("channel = %q", got)
	}
}
