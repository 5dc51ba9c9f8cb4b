package adapters

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Manager owns all registered adapters, handling their lifecycle and
// name-keyed lookup for the fanout router.
type Manager struct {
	adapters map[string]Adapter
	mu       sync.RWMutex
}

// NewManager creates an empty manager. Adapters are registered
// externally via Register.
func NewManager() *Manager {
	return &Manager{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Name()] = a
}

// StartAll starts every enabled adapter. A single adapter failing to
// start is logged and skipped; the rest come up.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, a := range m.adapters {
		if !a.Enabled() {
			slog.Debug("adapter disabled", "adapter", name)
			continue
		}
		slog.Info("starting adapter", "adapter", name)
		if err := a.Start(ctx); err != nil {
			slog.Error("adapter start failed", "adapter", name, "error", err)
		}
	}
}

// StopAll gracefully stops every enabled adapter.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, a := range m.adapters {
		if !a.Enabled() {
			continue
		}
		slog.Info("stopping adapter", "adapter", name)
		if err := a.Stop(ctx); err != nil {
			slog.Error("adapter stop failed", "adapter", name, "error", err)
		}
	}
}

// Get returns an adapter by name.
func (m *Manager) Get(name string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[name]
	return a, ok
}

// Enabled returns the enabled adapters in stable name order.
func (m *Manager) Enabled() []Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		if a.Enabled() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Status reports enabled/running per adapter, for health and doctor.
func (m *Manager) Status() map[string]AdapterStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]AdapterStatus, len(m.adapters))
	for name, a := range m.adapters {
		s := AdapterStatus{Enabled: a.Enabled()}
		if r, ok := a.(interface{ Running() bool }); ok {
			s.Running = r.Running()
		}
		status[name] = s
	}
	return status
}

// AdapterStatus is one adapter's lifecycle snapshot.
type AdapterStatus struct {
	Enabled bool `json:"enabled"`
	Running bool `json:"running"`
}
