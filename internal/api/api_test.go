package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teleclaude/teleclaude/internal/adapters"
	"github.com/teleclaude/teleclaude/internal/bus"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/engine"
	"github.com/teleclaude/teleclaude/internal/fanout"
	"github.com/teleclaude/teleclaude/internal/links"
	"github.com/teleclaude/teleclaude/internal/listeners"
	"github.com/teleclaude/teleclaude/internal/sessions"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/internal/store/sqlstore"
	"github.com/teleclaude/teleclaude/internal/summary"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// apiHarness serves the full route table over httptest. Sessions are
// headless throughout, so no tmux runner is wired.
type apiHarness struct {
	srv    *Server
	eng    *engine.Engine
	stores *store.Stores
	cfg    *config.Config
	ts     *httptest.Server
}

func newAPIHarness(t *testing.T) *apiHarness {
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

	cfg := &config.Config{ComputerName: "local", DefaultAgent: "claude"}
	registry := sessions.NewRegistry(stores, nil, cfg, nil, nil)
	manager := adapters.NewManager()
	router := fanout.NewRouter(manager, registry, cfg)

	eng := engine.New(engine.Deps{
		Config:     cfg,
		Stores:     stores,
		Registry:   registry,
		Links:      links.NewRegistry(stores.Links),
		Listeners:  listeners.NewBus(stores.Listeners, nil),
		Router:     router,
		Summarizer: summary.New(config.SummaryConfig{}),
	})

	srv := NewServer(cfg, eng, stores, bus.New())
	ts := httptest.NewServer(srv.BuildMux())
	t.Cleanup(ts.Close)

	return &apiHarness{srv: srv, eng: eng, stores: stores, cfg: cfg, ts: ts}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func (h *apiHarness) createSession(t *testing.T, req protocol.CreateSessionRequest) protocol.SessionInfo {
	t.Helper()
	req.Headless = true
	if req.ProjectPath == "" {
		req.ProjectPath = "/tmp/work"
	}
	resp := h.do(t, http.MethodPost, "/sessions", req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}
	var out protocol.CreateSessionResponse
	decodeJSON(t, resp, &out)
	return out.Session
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestShutdownRoute(t *testing.T) {
	t.Run("unwired", func(t *testing.T) {
		h := newAPIHarness(t)
		resp := h.do(t, http.MethodPost, "/shutdown", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})

	t.Run("wired", func(t *testing.T) {
		h := newAPIHarness(t)
		fired := make(chan struct{})
		h.srv.SetShutdown(func() { close(fired) })

		resp := h.do(t, http.MethodPost, "/shutdown", nil)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", resp.StatusCode)
		}
		var body map[string]string
		decodeJSON(t, resp, &body)
		if body["status"] != "stopping" {
			t.Errorf("body = %v", body)
		}

		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatal("shutdown trigger never fired")
		}
	})
}

func TestSyncRoute(t *testing.T) {
	type syncResponse struct {
		Status        string `json:"status"`
		Computer      string `json:"computer"`
		PeersNotified bool   `json:"peers_notified"`
	}

	t.Run("local only", func(t *testing.T) {
		h := newAPIHarness(t)
		resp := h.do(t, http.MethodPost, "/sync", nil)
		var body syncResponse
		decodeJSON(t, resp, &body)
		if body.Status != "ok" || body.Computer != "local" || body.PeersNotified {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("peers notified", func(t *testing.T) {
		h := newAPIHarness(t)
		var (
			mu       sync.Mutex
			payloads []string
		)
		h.srv.SetDeployBroadcast(func(_ context.Context, payload json.RawMessage) error {
			mu.Lock()
			defer mu.Unlock()
			payloads = append(payloads, string(payload))
			return nil
		})

		resp := h.do(t, http.MethodPost, "/sync", nil)
		var body syncResponse
		decodeJSON(t, resp, &body)
		if !body.PeersNotified {
			t.Error("peers_notified = false, want true")
		}

		mu.Lock()
		defer mu.Unlock()
		if len(payloads) != 1 || !strings.Contains(payloads[0], "sync_started") || !strings.Contains(payloads[0], "local") {
			t.Errorf("broadcast payloads = %v", payloads)
		}
	})

	t.Run("broadcast failure reports false", func(t *testing.T) {
		h := newAPIHarness(t)
		h.srv.SetDeployBroadcast(func(context.Context, json.RawMessage) error {
			return errors.New("redis down")
		})

		resp := h.do(t, http.MethodPost, "/sync", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var body syncResponse
		decodeJSON(t, resp, &body)
		if body.PeersNotified {
			t.Error("failed broadcast still reported peers_notified")
		}
	})
}

func TestSessionLifecycle(t *testing.T) {
	h := newAPIHarness(t)

	created := h.createSession(t, protocol.CreateSessionRequest{Title: "API exercise"})
	if created.SessionID == "" || created.ComputerName != "local" || created.ActiveAgent != "claude" {
		t.Fatalf("created = %+v", created)
	}

	var list []protocol.SessionInfo
	decodeJSON(t, h.do(t, http.MethodGet, "/sessions", nil), &list)
	if len(list) != 1 || list[0].SessionID != created.SessionID {
		t.Fatalf("list = %+v", list)
	}

	var got protocol.SessionInfo
	decodeJSON(t, h.do(t, http.MethodGet, "/sessions/"+created.SessionID, nil), &got)
	if got.Title != "API exercise" || got.LifecycleStatus != store.LifecycleActive {
		t.Errorf("get = %+v", got)
	}

	resp := h.do(t, http.MethodDelete, "/sessions/"+created.SessionID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	decodeJSON(t, h.do(t, http.MethodGet, "/sessions", nil), &list)
	if len(list) != 0 {
		t.Errorf("closed session still listed: %+v", list)
	}
	decodeJSON(t, h.do(t, http.MethodGet, "/sessions?all=true", nil), &list)
	if len(list) != 1 || list[0].LifecycleStatus != store.LifecycleClosed {
		t.Errorf("all=true list = %+v", list)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(t, http.MethodPost, "/sessions", protocol.CreateSessionRequest{Headless: true})
	var errBody protocol.ErrorResponse
	decodeJSON(t, resp, &errBody)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(errBody.Detail, "project_path") {
		t.Errorf("missing project_path: status %d, detail %q", resp.StatusCode, errBody.Detail)
	}

	resp = h.do(t, http.MethodPost, "/sessions", "{not json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed JSON: status %d, want 400", resp.StatusCode)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(t, http.MethodGet, "/sessions/no-such-id", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSendMessageRoute(t *testing.T) {
	h := newAPIHarness(t)
	sess := h.createSession(t, protocol.CreateSessionRequest{})

	req := protocol.SendMessageRequest{
		Text:            "deploy it",
		Origin:          protocol.AdapterTelegram,
		SourceMessageID: "tg-7",
	}
	resp := h.do(t, http.MethodPost, "/sessions/"+sess.SessionID+"/message", req)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var first map[string]string
	decodeJSON(t, resp, &first)
	if first["queued_id"] == "" {
		t.Fatal("no queued_id in response")
	}

	// A platform retry with the same source id lands on the same envelope.
	var second map[string]string
	decodeJSON(t, h.do(t, http.MethodPost, "/sessions/"+sess.SessionID+"/message", req), &second)
	if second["queued_id"] != first["queued_id"] {
		t.Errorf("duplicate enqueue minted a new envelope: %q vs %q", second["queued_id"], first["queued_id"])
	}
}

func TestSendMessageRejectsEmptyText(t *testing.T) {
	h := newAPIHarness(t)
	sess := h.createSession(t, protocol.CreateSessionRequest{})

	resp := h.do(t, http.MethodPost, "/sessions/"+sess.SessionID+"/message",
		protocol.SendMessageRequest{Origin: protocol.AdapterTelegram})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSendKeysValidation(t *testing.T) {
	h := newAPIHarness(t)
	sess := h.createSession(t, protocol.CreateSessionRequest{})

	resp := h.do(t, http.MethodPost, "/sessions/"+sess.SessionID+"/keys", protocol.SendKeysRequest{})
	var errBody protocol.ErrorResponse
	decodeJSON(t, resp, &errBody)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(errBody.Detail, "keys") {
		t.Errorf("status %d, detail %q", resp.StatusCode, errBody.Detail)
	}
}

func TestTranscriptMessagesRoute(t *testing.T) {
	h := newAPIHarness(t)
	sess := h.createSession(t, protocol.CreateSessionRequest{})

	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	content := `{"type":"user","timestamp":"2026-01-01T10:00:00Z","message":{"role":"user","content":"run tests"}}` + "\n" +
		`{"type":"assistant","timestamp":"2026-01-01T12:00:00Z","message":{"role":"assistant","content":[{"type":"thinking","thinking":"check the suite"},{"type":"tool_use","name":"Bash","input":{"command":"go test ./..."}},{"type":"text","text":"All green."}]}}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	if err := h.eng.Registry().Patch(context.Background(), sess.SessionID, store.SessionPatch{TranscriptPath: &path}); err != nil {
		t.Fatalf("set transcript: %v", err)
	}

	base := "/sessions/" + sess.SessionID + "/messages"

	var msgs []protocol.TranscriptMessage
	decodeJSON(t, h.do(t, http.MethodGet, base, nil), &msgs)
	if len(msgs) != 2 {
		t.Fatalf("default view returned %d turns, want 2 (tools and thinking hidden): %+v", len(msgs), msgs)
	}
	if msgs[0].Text != "run tests" || msgs[1].Text != "All green." {
		t.Errorf("turns = %+v", msgs)
	}

	decodeJSON(t, h.do(t, http.MethodGet, base+"?include_tools=true&include_thinking=true", nil), &msgs)
	if len(msgs) != 4 {
		t.Errorf("full view returned %d turns, want 4", len(msgs))
	}

	decodeJSON(t, h.do(t, http.MethodGet, base+"?since=2026-01-01T11:00:00Z", nil), &msgs)
	if len(msgs) != 1 || msgs[0].Text != "All green." {
		t.Errorf("since view = %+v", msgs)
	}

	resp := h.do(t, http.MethodGet, base+"?since=yesterday", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed since: status %d, want 400", resp.StatusCode)
	}
}

func TestEscalateRoute(t *testing.T) {
	h := newAPIHarness(t)
	sess := h.createSession(t, protocol.CreateSessionRequest{})

	resp := h.do(t, http.MethodPost, "/sessions/"+sess.SessionID+"/escalate",
		protocol.EscalateRequest{HumanEmail: "ana@example.com"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got protocol.SessionInfo
	decodeJSON(t, h.do(t, http.MethodGet, "/sessions/"+sess.SessionID, nil), &got)
	if got.HumanEmail != "ana@example.com" || got.HumanRole != store.RoleMember {
		t.Errorf("escalated session = %+v", got)
	}

	resp = h.do(t, http.MethodPost, "/sessions/"+sess.SessionID+"/escalate", protocol.EscalateRequest{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing email: status %d, want 400", resp.StatusCode)
	}
}

func TestComputersIncludeSelf(t *testing.T) {
	h := newAPIHarness(t)

	var computers []protocol.ComputerInfo
	decodeJSON(t, h.do(t, http.MethodGet, "/computers", nil), &computers)
	if len(computers) != 1 || computers[0].Name != "local" || !computers[0].Self {
		t.Fatalf("empty host = %+v", computers)
	}

	h.createSession(t, protocol.CreateSessionRequest{})
	decodeJSON(t, h.do(t, http.MethodGet, "/computers", nil), &computers)
	if len(computers) != 1 || computers[0].SessionCount != 1 {
		t.Errorf("after session = %+v", computers)
	}
}

func TestProjectsAndTodos(t *testing.T) {
	h := newAPIHarness(t)
	dir := t.TempDir()
	h.createSession(t, protocol.CreateSessionRequest{ProjectPath: dir})

	var projects []protocol.ProjectInfo
	decodeJSON(t, h.do(t, http.MethodGet, "/projects", nil), &projects)
	if len(projects) != 1 || projects[0].Path != dir || projects[0].SessionCount != 1 {
		t.Fatalf("projects = %+v", projects)
	}

	if err := os.WriteFile(filepath.Join(dir, "TODO.md"), []byte("- ship it\n"), 0o644); err != nil {
		t.Fatalf("write TODO.md: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "todos"), 0o755); err != nil {
		t.Fatalf("mkdir todos: %v", err)
	}
	planPath := filepath.Join(dir, "todos", "plan.md")
	if err := os.WriteFile(planPath, []byte("- draft\n"), 0o644); err != nil {
		t.Fatalf("write plan.md: %v", err)
	}
	// Deterministic order: plan.md is the newer document.
	older := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "TODO.md"), older, older); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	var todos []protocol.TodoInfo
	decodeJSON(t, h.do(t, http.MethodGet, "/todos", nil), &todos)
	if len(todos) != 2 {
		t.Fatalf("todos = %+v", todos)
	}
	if todos[0].Name != "plan.md" || todos[1].Name != "TODO.md" {
		t.Errorf("order = [%s, %s], want newest first", todos[0].Name, todos[1].Name)
	}
}

func TestAgentAvailabilityRoute(t *testing.T) {
	h := newAPIHarness(t)

	resp := h.do(t, http.MethodGet, "/agents/availability", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var avail []protocol.AgentAvailability
	decodeJSON(t, resp, &avail)
	if len(avail) != len(protocol.KnownAgents()) {
		t.Errorf("reported %d agents, want %d", len(avail), len(protocol.KnownAgents()))
	}
}

func TestSettingsRoutes(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	var masked config.Config
	decodeJSON(t, h.do(t, http.MethodGet, "/settings", nil), &masked)
	if masked.ComputerName != "local" {
		t.Errorf("masked settings = %+v", &masked)
	}

	resp := h.do(t, http.MethodPatch, "/settings", `{"default_agent":"gemini"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}
	decodeJSON(t, resp, &masked)
	if masked.DefaultAgent != "gemini" {
		t.Errorf("patched copy reports agent %q", masked.DefaultAgent)
	}
	if h.cfg.DefaultAgent != "gemini" {
		t.Errorf("live config not updated: %q", h.cfg.DefaultAgent)
	}

	stored, err := h.stores.Settings.Get(ctx, SettingsOverridesKey)
	if err != nil || !strings.Contains(stored, `"default_agent"`) {
		t.Errorf("persisted overrides = %q, err %v", stored, err)
	}

	resp = h.do(t, http.MethodPatch, "/settings", `{"no_such_field":true}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown field: status %d, want 400", resp.StatusCode)
	}

	resp = h.do(t, http.MethodPatch, "/settings", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty patch: status %d, want 400", resp.StatusCode)
	}
}
