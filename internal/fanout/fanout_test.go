package fanout

import (
	"context"
	"sync"
	"testing"

	"github.com/teleclaude/teleclaude/internal/adapters"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/store"
)

// laneFake records deliveries for one adapter lane.
type laneFake struct {
	name    string
	enabled bool
	maxLen  int

	mu       sync.Mutex
	messages []adapters.Message
}

func (f *laneFake) Name() string          { return f.name }
func (f *laneFake) Enabled() bool         { return f.enabled }
func (f *laneFake) MaxMessageLength() int { return f.maxLen }

func (f *laneFake) Start(context.Context) error { return nil }
func (f *laneFake) Stop(context.Context) error  { return nil }

func (f *laneFake) EnsureChannel(context.Context, *store.Session) error { return nil }

func (f *laneFake) SendMessage(_ context.Context, _ *store.Session, msg adapters.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *laneFake) SendFile(context.Context, *store.Session, adapters.File) error   { return nil }
func (f *laneFake) SendVoice(context.Context, *store.Session, adapters.Voice) error { return nil }

func (f *laneFake) TypingIndicator(context.Context, *store.Session, bool) error { return nil }
func (f *laneFake) UpdateTitle(context.Context, *store.Session, string) error   { return nil }
func (f *laneFake) CloseChannel(context.Context, *store.Session) error          { return nil }
func (f *laneFake) DeleteChannel(context.Context, *store.Session) error         { return nil }
func (f *laneFake) Broadcast(context.Context, string) error                     { return nil }

func (f *laneFake) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = m.Text
	}
	return out
}

func newTestRouter(t *testing.T, lanes []*laneFake, opts ...Option) *Router {
	t.Helper()
	manager := adapters.NewManager()
	for _, l := range lanes {
		manager.Register(l)
	}
	return NewRouter(manager, nil, &config.Config{}, opts...)
}

func testSession(origin string) *store.Session {
	return &store.Session{
		SessionID:       "s1",
		LastInputOrigin: origin,
		ActiveAgent:     "claude",
	}
}

func TestDeliverOutputReachesEveryEnabledLane(t *testing.T) {
	tg := &laneFake{name: "telegram", enabled: true}
	dc := &laneFake{name: "discord", enabled: true}
	wa := &laneFake{name: "whatsapp", enabled: false}
	r := newTestRouter(t, []*laneFake{tg, dc, wa})

	r.DeliverOutput(context.Background(), testSession("telegram"), "agent says hi", false)

	for _, l := range []*laneFake{tg, dc} {
		got := l.texts()
		if len(got) != 1 || got[0] != "agent says hi" {
			t.Errorf("%s got %v, want the output once", l.name, got)
		}
	}
	if len(wa.texts()) != 0 {
		t.Errorf("disabled lane received output")
	}

	// Standard output is the live in-place message; threaded deltas are not.
	tg.mu.Lock()
	live := tg.messages[0].Live
	tg.mu.Unlock()
	if !live {
		t.Errorf("standard output not marked live")
	}
}

func TestReflectInputSkipsOrigin(t *testing.T) {
	tg := &laneFake{name: "telegram", enabled: true}
	dc := &laneFake{name: "discord", enabled: true}
	r := newTestRouter(t, []*laneFake{tg, dc})

	r.ReflectInput(context.Background(), testSession("telegram"), "hello", "alice")

	if n := len(tg.texts()); n != 0 {
		t.Errorf("origin lane got %d reflections, want 0", n)
	}
	got := dc.texts()
	if len(got) != 1 {
		t.Fatalf("observer got %d messages, want 1", len(got))
	}
	if got[0] != "[telegram] alice: hello" {
		t.Errorf("reflection frame = %q", got[0])
	}
}

func TestDeliverToOrigin(t *testing.T) {
	tg := &laneFake{name: "telegram", enabled: true}
	dc := &laneFake{name: "discord", enabled: true}
	r := newTestRouter(t, []*laneFake{tg, dc})

	r.DeliverToOrigin(context.Background(), testSession("telegram"), "🔔 ping")

	if got := tg.texts(); len(got) != 1 || got[0] != "🔔 ping" {
		t.Errorf("origin got %v", got)
	}
	if len(dc.texts()) != 0 {
		t.Errorf("observer received an origin-only delivery")
	}

	// No origin recorded yet: the delivery has nowhere to land.
	r.DeliverToOrigin(context.Background(), testSession(""), "lost")
	if len(tg.texts()) != 1 {
		t.Errorf("origin-less delivery landed somewhere")
	}
}

func TestDropFilterSuppressesEveryLane(t *testing.T) {
	tg := &laneFake{name: "telegram", enabled: true}
	dc := &laneFake{name: "discord", enabled: true}
	r := newTestRouter(t, []*laneFake{tg, dc}, WithDropFilter(func(s string) bool {
		return s == "internal checkpoint ack"
	}))

	sess := testSession("telegram")
	r.DeliverOutput(context.Background(), sess, "internal checkpoint ack", false)
	r.ReflectInput(context.Background(), sess, "internal checkpoint ack", "")
	r.DeliverToOrigin(context.Background(), sess, "internal checkpoint ack")

	if n := len(tg.texts()) + len(dc.texts()); n != 0 {
		t.Errorf("filtered content reached %d lanes", n)
	}

	r.DeliverOutput(context.Background(), sess, "real output", false)
	if n := len(tg.texts()); n != 1 {
		t.Errorf("unfiltered output suppressed")
	}
}

func TestDeliveryWindowSmallestCap(t *testing.T) {
	r := newTestRouter(t, []*laneFake{
		{name: "telegram", enabled: true, maxLen: 4096},
		{name: "whatsapp", enabled: true, maxLen: 2000},
		{name: "web", enabled: true, maxLen: 0},
	})
	if w := r.DeliveryWindow(); w != 2000 {
		t.Errorf("window = %d, want 2000", w)
	}

	unbounded := newTestRouter(t, []*laneFake{
		{name: "web", enabled: true},
		{name: "tui", enabled: true},
	})
	if w := unbounded.DeliveryWindow(); w != 0 {
		t.Errorf("window with no caps = %d, want 0", w)
	}
}

func TestThreadedGate(t *testing.T) {
	cfg := &config.Config{}
	cfg.Experiments.ThreadedAgents = []string{"codex"}
	manager := adapters.NewManager()
	r := NewRouter(manager, nil, cfg)

	tests := []struct {
		name   string
		origin string
		agent  string
		want   bool
	}{
		{"discord origin forces threads", "discord", "claude", true},
		{"experiment agent forces threads", "telegram", "codex", true},
		{"default stays live", "telegram", "claude", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &store.Session{LastInputOrigin: tt.origin, ActiveAgent: tt.agent}
			if got := r.Threaded(sess); got != tt.want {
				t.Errorf("Threaded() = %v, want %v", got, tt.want)
			}
		})
	}
}
