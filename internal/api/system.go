package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/teleclaude/teleclaude/internal/bus"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/engine"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// SettingsOverridesKey is the system_settings row holding UI-driven config
// patches. The daemon re-applies it over the config file on boot.
const SettingsOverridesKey = "config_overrides"

// SystemHandler serves the computer/project/todo listings, agent
// availability, and the settings API.
type SystemHandler struct {
	cfg      *config.Config
	engine   *engine.Engine
	settings store.SettingsStore
	events   bus.Publisher
}

// NewSystemHandler creates the handler.
func NewSystemHandler(cfg *config.Config, eng *engine.Engine, stores *store.Stores, events bus.Publisher) *SystemHandler {
	return &SystemHandler{cfg: cfg, engine: eng, settings: stores.Settings, events: events}
}

// RegisterRoutes registers the system routes on the given mux.
func (h *SystemHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /computers", h.handleComputers)
	mux.HandleFunc("GET /projects", h.handleProjects)
	mux.HandleFunc("GET /todos", h.handleTodos)
	mux.HandleFunc("GET /agents/availability", h.handleAgentAvailability)
	mux.HandleFunc("GET /settings", h.handleGetSettings)
	mux.HandleFunc("PATCH /settings", h.handlePatchSettings)
}

func (h *SystemHandler) handleComputers(w http.ResponseWriter, r *http.Request) {
	counts, err := h.engine.Registry().Computers(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}

	self := h.cfg.ComputerName
	out := make([]protocol.ComputerInfo, 0, len(counts)+1)
	seenSelf := false
	for _, c := range counts {
		if c.Name == self {
			seenSelf = true
		}
		out = append(out, protocol.ComputerInfo{
			Name:         c.Name,
			Self:         c.Name == self,
			SessionCount: c.SessionCount,
			LastSeen:     c.LastActivity,
		})
	}
	if !seenSelf {
		out = append(out, protocol.ComputerInfo{Name: self, Self: true})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *SystemHandler) handleProjects(w http.ResponseWriter, r *http.Request) {
	counts, err := h.engine.Registry().Projects(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}

	out := make([]protocol.ProjectInfo, 0, len(counts))
	for _, p := range counts {
		out = append(out, protocol.ProjectInfo{Path: p.Path, SessionCount: p.SessionCount})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTodos lists markdown todo documents across the known project
// paths: every todos/*.md plus a root TODO.md, newest first.
func (h *SystemHandler) handleTodos(w http.ResponseWriter, r *http.Request) {
	counts, err := h.engine.Registry().Projects(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}

	out := []protocol.TodoInfo{}
	for _, p := range counts {
		root := config.ExpandHome(p.Path)
		matches, _ := filepath.Glob(filepath.Join(root, "todos", "*.md"))
		matches = append(matches, filepath.Join(root, "TODO.md"))
		for _, m := range matches {
			fi, err := os.Stat(m)
			if err != nil || fi.IsDir() {
				continue
			}
			out = append(out, protocol.TodoInfo{
				Name:       filepath.Base(m),
				Path:       m,
				ModifiedAt: fi.ModTime(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModifiedAt.After(out[j].ModifiedAt) })
	writeJSON(w, http.StatusOK, out)
}

func (h *SystemHandler) handleAgentAvailability(w http.ResponseWriter, _ *http.Request) {
	out := make([]protocol.AgentAvailability, 0, len(protocol.KnownAgents()))
	for _, agent := range protocol.KnownAgents() {
		path, err := exec.LookPath(agent)
		out = append(out, protocol.AgentAvailability{
			Agent:     agent,
			Available: err == nil,
			Path:      path,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *SystemHandler) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.MaskedCopy())
}

// handlePatchSettings overlays a partial config document onto the live
// config and persists the accumulated overrides so they survive restart.
func (h *SystemHandler) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	patch, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(patch) == 0 {
		writeDetail(w, http.StatusBadRequest, "empty patch")
		return
	}

	if err := h.cfg.ApplyPatch(patch); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.persistOverrides(r.Context(), patch); err != nil {
		writeErr(w, err)
		return
	}

	masked := h.cfg.MaskedCopy()
	if h.events != nil {
		payload, err := json.Marshal(masked)
		if err == nil {
			h.events.Broadcast(protocol.WSEvent{
				Type:      protocol.EventSettingsUpdated,
				Computer:  h.cfg.ComputerName,
				Payload:   payload,
				Timestamp: time.Now().UTC(),
			})
		}
	}
	writeJSON(w, http.StatusOK, masked)
}

// persistOverrides merges the new patch over the stored one at the top
// level. Later patches to the same section replace it wholesale.
func (h *SystemHandler) persistOverrides(ctx context.Context, patch []byte) error {
	merged := map[string]json.RawMessage{}
	if prev, err := h.settings.Get(ctx, SettingsOverridesKey); err == nil && prev != "" {
		if err := json.Unmarshal([]byte(prev), &merged); err != nil {
			merged = map[string]json.RawMessage{}
		}
	}

	var incoming map[string]json.RawMessage
	if err := json.Unmarshal(patch, &incoming); err != nil {
		return engine.E(engine.KindContractViolation, "", "api", err)
	}
	for k, v := range incoming {
		merged[k] = v
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return h.settings.Set(ctx, SettingsOverridesKey, string(data))
}
