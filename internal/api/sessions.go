package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/engine"
	"github.com/teleclaude/teleclaude/internal/sessions"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/internal/transcript"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// SessionsHandler serves session CRUD and the per-session send routes.
type SessionsHandler struct {
	engine *engine.Engine
	cfg    *config.Config
}

// NewSessionsHandler creates the handler.
func NewSessionsHandler(eng *engine.Engine, cfg *config.Config) *SessionsHandler {
	return &SessionsHandler{engine: eng, cfg: cfg}
}

// RegisterRoutes registers all session routes on the given mux.
func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /sessions", h.handleList)
	mux.HandleFunc("POST /sessions", h.handleCreate)
	mux.HandleFunc("GET /sessions/{id}", h.handleGet)
	mux.HandleFunc("DELETE /sessions/{id}", h.handleDelete)
	mux.HandleFunc("GET /sessions/{id}/messages", h.handleMessages)
	mux.HandleFunc("POST /sessions/{id}/message", h.handleSendMessage)
	mux.HandleFunc("POST /sessions/{id}/keys", h.handleSendKeys)
	mux.HandleFunc("POST /sessions/{id}/voice", h.handleSendVoice)
	mux.HandleFunc("POST /sessions/{id}/file", h.handleSendFile)
	mux.HandleFunc("POST /sessions/{id}/agent-restart", h.handleAgentRestart)
	mux.HandleFunc("POST /sessions/{id}/revive", h.handleRevive)
	mux.HandleFunc("POST /sessions/{id}/escalate", h.handleEscalate)
}

func (h *SessionsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	f := store.SessionFilter{
		ComputerName: r.URL.Query().Get("computer"),
		ProjectPath:  r.URL.Query().Get("project"),
	}
	// Frontends list open sessions; closed history is opt-in.
	if r.URL.Query().Get("all") != "true" {
		f.LifecycleStatus = store.LifecycleActive
	}

	list, err := h.engine.Registry().List(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}

	infos := make([]protocol.SessionInfo, 0, len(list))
	for _, sess := range list {
		infos = append(infos, sessions.Info(sess))
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *SessionsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.ProjectPath == "" {
		writeDetail(w, http.StatusBadRequest, "project_path is required")
		return
	}

	sess, err := h.engine.StartSession(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, protocol.CreateSessionResponse{Session: sessions.Info(sess)})
}

func (h *SessionsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.Registry().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions.Info(sess))
}

func (h *SessionsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if c := r.URL.Query().Get("computer"); c != "" && c != h.cfg.ComputerName {
		writeDetail(w, http.StatusBadRequest, "session is on computer "+c+"; address its daemon directly")
		return
	}
	if err := h.engine.EndSession(r.Context(), r.PathValue("id"), "api"); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMessages returns the parsed conversation history. Tool calls and
// thinking are filtered out unless asked for; `since` keeps only turns
// stamped after it (undated turns always pass).
func (h *SessionsHandler) handleMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.Registry().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}

	msgs := []protocol.TranscriptMessage{}
	if sess.TranscriptPath != "" {
		parsed, err := transcript.For(sess.ActiveAgent).Messages(sess.TranscriptPath)
		if err != nil {
			writeErr(w, err)
			return
		}
		msgs = parsed
	}

	q := r.URL.Query()
	includeTools := q.Get("include_tools") == "true"
	includeThinking := q.Get("include_thinking") == "true"
	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}

	out := make([]protocol.TranscriptMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.ToolName != "" && !includeTools {
			continue
		}
		if m.Thinking && !includeThinking {
			continue
		}
		if !since.IsZero() && !m.Timestamp.IsZero() && !m.Timestamp.After(since) {
			continue
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *SessionsHandler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req protocol.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	id, err := h.engine.EnqueueMessage(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"queued_id": id})
}

func (h *SessionsHandler) handleSendKeys(w http.ResponseWriter, r *http.Request) {
	var req protocol.SendKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Keys == "" {
		writeDetail(w, http.StatusBadRequest, "keys is required")
		return
	}

	if err := h.engine.SendKeys(r.Context(), r.PathValue("id"), req.Keys); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (h *SessionsHandler) handleSendVoice(w http.ResponseWriter, r *http.Request) {
	var req protocol.SendVoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	id, err := h.engine.EnqueueVoice(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"queued_id": id})
}

func (h *SessionsHandler) handleSendFile(w http.ResponseWriter, r *http.Request) {
	var req protocol.SendFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	id, err := h.engine.EnqueueFile(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"queued_id": id})
}

func (h *SessionsHandler) handleAgentRestart(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RestartAgent(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

func (h *SessionsHandler) handleRevive(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.Revive(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, protocol.CreateSessionResponse{Session: sessions.Info(sess)})
}

func (h *SessionsHandler) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req protocol.EscalateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.HumanEmail == "" {
		writeDetail(w, http.StatusBadRequest, "human_email is required")
		return
	}
	role := req.HumanRole
	if role == "" {
		role = store.RoleMember
	}

	if err := h.engine.Registry().Escalate(r.Context(), r.PathValue("id"), req.HumanEmail, role); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}
