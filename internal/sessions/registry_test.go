package sessions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/internal/store/sqlstore"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// fakeRunner records tmux commands instead of shelling out.
type fakeRunner struct {
	mu      sync.Mutex
	failNew error

	created []createdPane
	sent    map[string][]string
	killed  []string
}

type createdPane struct {
	name    string
	dir     string
	command string
	env     map[string]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{sent: make(map[string][]string)}
}

func (r *fakeRunner) HasSession(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.created {
		if p.name == name {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRunner) NewSession(ctx context.Context, name, dir, command string, env map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNew != nil {
		return r.failNew
	}
	r.created = append(r.created, createdPane{name: name, dir: dir, command: command, env: env})
	return nil
}

func (r *fakeRunner) SendText(ctx context.Context, name, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[name] = append(r.sent[name], text)
	return nil
}

func (r *fakeRunner) CapturePane(ctx context.Context, name string) (string, error) { return "", nil }

func (r *fakeRunner) KillSession(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed = append(r.killed, name)
	return nil
}

func (r *fakeRunner) SetEnvironment(ctx context.Context, name, key, value string) error { return nil }

func (r *fakeRunner) ListSessions(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.created))
	for _, p := range r.created {
		names = append(names, p.name)
	}
	return names, nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeRunner, *store.Stores) {
	t.Helper()
	db, err := sqlstore.Open(sqlstore.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	stores := sqlstore.NewStores(db)
	runner := newFakeRunner()
	cfg := &config.Config{ComputerName: "local", DefaultAgent: "claude"}
	return NewRegistry(stores, runner, cfg, nil, nil), runner, stores
}

func TestCreateLaunchesAgentPane(t *testing.T) {
	reg, runner, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, protocol.CreateSessionRequest{
		ProjectPath: "~/code/app",
		Title:       "Build feature",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if sess.ComputerName != "local" {
		t.Errorf("computer = %q, want the configured default", sess.ComputerName)
	}
	if sess.ActiveAgent != "claude" {
		t.Errorf("agent = %q, want the configured default", sess.ActiveAgent)
	}
	if !strings.HasPrefix(sess.TmuxSessionName, "tc-") {
		t.Errorf("tmux name = %q, want tc- prefix", sess.TmuxSessionName)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.created) != 1 {
		t.Fatalf("created %d panes, want 1", len(runner.created))
	}
	pane := runner.created[0]
	if pane.name != sess.TmuxSessionName {
		t.Errorf("pane name = %q, want %q", pane.name, sess.TmuxSessionName)
	}
	if pane.env["TELECLAUDE_SESSION_ID"] != sess.SessionID {
		t.Errorf("pane env session id = %q, want %q", pane.env["TELECLAUDE_SESSION_ID"], sess.SessionID)
	}

	stored, err := reg.Get(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.LifecycleStatus != store.LifecycleActive {
		t.Errorf("lifecycle = %q, want active", stored.LifecycleStatus)
	}
	if stored.AgentState != store.AgentStatePending {
		t.Errorf("agent state = %q, want pending until session_start", stored.AgentState)
	}
}

func TestCreateHeadlessSkipsTmux(t *testing.T) {
	reg, runner, _ := newTestRegistry(t)

	sess, err := reg.Create(context.Background(), protocol.CreateSessionRequest{
		ProjectPath: "/tmp/work",
		Headless:    true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !sess.Headless() {
		t.Errorf("tmux name = %q, want none", sess.TmuxSessionName)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.created) != 0 {
		t.Errorf("headless session created %d panes", len(runner.created))
	}
}

func TestCreateLaunchFailureClosesSession(t *testing.T) {
	reg, runner, stores := newTestRegistry(t)
	runner.failNew = errors.New("tmux server unreachable")

	_, err := reg.Create(context.Background(), protocol.CreateSessionRequest{ProjectPath: "/tmp/work"})
	if err == nil {
		t.Fatal("Create succeeded without a pane")
	}

	// The half-minted record must not linger as an active session nothing
	// can talk to.
	sessions, err := stores.Sessions.List(context.Background(), store.SessionFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d records, want 1", len(sessions))
	}
	if sessions[0].LifecycleStatus != store.LifecycleClosed {
		t.Errorf("lifecycle = %q, want closed after launch failure", sessions[0].LifecycleStatus)
	}
}

func TestTouchMovesProvenanceAndLiveness(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, protocol.CreateSessionRequest{Headless: true, Origin: protocol.AdapterTelegram})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	before := time.Now().UTC().Add(-time.Second)
	if err := reg.Touch(ctx, sess.SessionID, protocol.AdapterDiscord); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	got, err := reg.Get(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastInputOrigin != protocol.AdapterDiscord {
		t.Errorf("origin = %q, want discord", got.LastInputOrigin)
	}
	if got.LastActivity.Before(before) {
		t.Errorf("last activity %v did not advance", got.LastActivity)
	}

	// Origin-less input keeps provenance where it was.
	if err := reg.Touch(ctx, sess.SessionID, ""); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	got, _ = reg.Get(ctx, sess.SessionID)
	if got.LastInputOrigin != protocol.AdapterDiscord {
		t.Errorf("origin = %q after empty touch, want discord", got.LastInputOrigin)
	}
}

func TestResolveFindsEitherID(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, protocol.CreateSessionRequest{Headless: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	native := "native-abc-123"
	if err := reg.Patch(ctx, sess.SessionID, store.SessionPatch{NativeSessionID: &native}); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	byOurs, err := reg.Resolve(ctx, sess.SessionID)
	if err != nil || byOurs.SessionID != sess.SessionID {
		t.Errorf("Resolve by our id: %v", err)
	}
	byNative, err := reg.Resolve(ctx, native)
	if err != nil || byNative.SessionID != sess.SessionID {
		t.Errorf("Resolve by native id: %v", err)
	}
	if _, err := reg.Resolve(ctx, "neither"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Resolve unknown = %v, want ErrNotFound", err)
	}
}

func TestCloseKillsPane(t *testing.T) {
	reg, runner, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, protocol.CreateSessionRequest{ProjectPath: "/tmp/work"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.Close(ctx, sess.SessionID, "user request"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := reg.Get(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LifecycleStatus != store.LifecycleClosed || got.CloseReason != "user request" {
		t.Errorf("closed record = %q/%q", got.LifecycleStatus, got.CloseReason)
	}
	if got.ClosedAt == nil {
		t.Errorf("closed_at not stamped")
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.killed) != 1 || runner.killed[0] != sess.TmuxSessionName {
		t.Errorf("killed panes = %v, want [%s]", runner.killed, sess.TmuxSessionName)
	}
}

func TestEscalateDefaultsToMemberRole(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, protocol.CreateSessionRequest{Headless: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := reg.Escalate(ctx, sess.SessionID, "human@example.com", ""); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	got, _ := reg.Get(ctx, sess.SessionID)
	if got.HumanEmail != "human@example.com" || got.HumanRole != store.RoleMember {
		t.Errorf("escalation = %q/%q, want email with member role", got.HumanEmail, got.HumanRole)
	}

	if err := reg.Escalate(ctx, sess.SessionID, "admin@example.com", store.RoleAdmin); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	got, _ = reg.Get(ctx, sess.SessionID)
	if got.HumanRole != store.RoleAdmin {
		t.Errorf("role = %q, want admin", got.HumanRole)
	}
}

func TestMintTmuxName(t *testing.T) {
	name := mintTmuxName("0198c2f4-1a2b-7c3d-8e4f-567890abcdef")
	if !strings.HasPrefix(name, "tc-") {
		t.Errorf("name %q missing tc- prefix", name)
	}
	if strings.Contains(name[3:], "-") {
		t.Errorf("name %q carries separators tmux targets choke on", name)
	}
	if len(name) != len("tc-")+12 {
		t.Errorf("name %q length %d, want 15", name, len(name))
	}
}
