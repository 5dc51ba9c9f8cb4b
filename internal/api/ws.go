package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/teleclaude/teleclaude/internal/sessions"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second

	// Events queued per client before the push is dropped. A frontend that
	// stops reading loses frames, not the daemon.
	wsSendBuffer = 64
)

// wsClient is one connected frontend. Empty filter sets mean "everything".
type wsClient struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan protocol.WSEvent

	mu        sync.Mutex
	computers map[string]bool
	types     map[string]bool

	closeOnce sync.Once
	done      chan struct{}
}

// handleWebSocket upgrades the connection and runs the read loop until
// the client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		id:        uuid.NewString(),
		conn:      conn,
		server:    s,
		send:      make(chan protocol.WSEvent, wsSendBuffer),
		computers: make(map[string]bool),
		types:     make(map[string]bool),
		done:      make(chan struct{}),
	}

	s.registerClient(c)
	defer func() {
		s.unregisterClient(c)
		c.close()
	}()

	go c.writePump()
	c.sendSnapshot(r.Context())
	c.readPump(r.Context())
}

func (s *Server) registerClient(c *wsClient) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.events.Subscribe(c.id, func(ev protocol.WSEvent) {
		if !c.wants(ev) {
			return
		}
		select {
		case c.send <- ev:
		default:
			slog.Warn("ws client lagging, frame dropped", "client", c.id, "type", ev.Type)
		}
	})

	slog.Info("ws client connected", "client", c.id)
}

func (s *Server) unregisterClient(c *wsClient) {
	s.events.Unsubscribe(c.id)
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	slog.Info("ws client disconnected", "client", c.id)
}

// closeClients sends a best-effort shutdown frame to every client and
// closes the connections. Called once on daemon shutdown.
func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	frame := protocol.WSEvent{Type: protocol.EventShutdown, Timestamp: time.Now().UTC()}
	for _, c := range clients {
		select {
		case c.send <- frame:
		default:
		}
		c.close()
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// wants applies the client's subscription filters. Events without a
// computer scope (settings, shutdown) always pass.
func (c *wsClient) wants(ev protocol.WSEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.types) > 0 && !c.types[ev.Type] {
		return false
	}
	if len(c.computers) > 0 && ev.Computer != "" && !c.computers[ev.Computer] {
		return false
	}
	return true
}

func (c *wsClient) readPump(ctx context.Context) {
	for {
		var msg protocol.WSClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws read failed", "client", c.id, "error", err)
			}
			return
		}

		switch msg.Type {
		case protocol.ClientSubscribe:
			c.setFilters(msg.Computers, msg.Types)
			c.sendSnapshot(ctx)
		case protocol.ClientUnsubscribe:
			c.clearFilters(msg.Computers, msg.Types)
		case protocol.ClientRefresh:
			c.sendSnapshot(ctx)
		default:
			slog.Debug("ws unknown client message", "client", c.id, "type", msg.Type)
		}
	}
}

func (c *wsClient) writePump() {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.close()
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *wsClient) setFilters(computers, types []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range computers {
		c.computers[name] = true
	}
	for _, t := range types {
		c.types[t] = true
	}
}

// clearFilters removes the named entries; empty lists reset that filter
// to "everything".
func (c *wsClient) clearFilters(computers, types []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(computers) == 0 {
		c.computers = make(map[string]bool)
	}
	for _, name := range computers {
		delete(c.computers, name)
	}
	if len(types) == 0 {
		c.types = make(map[string]bool)
	}
	for _, t := range types {
		delete(c.types, t)
	}
}

// sendSnapshot queues the initial frame: the sessions and computers the
// client's filters cover.
func (c *wsClient) sendSnapshot(ctx context.Context) {
	snap, err := c.server.snapshot(ctx, c.filterComputers())
	if err != nil {
		slog.Error("ws snapshot failed", "client", c.id, "error", err)
		return
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	frame := protocol.WSEvent{
		Type:      protocol.EventInitial,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	select {
	case c.send <- frame:
	default:
		slog.Warn("ws client lagging, snapshot dropped", "client", c.id)
	}
}

func (c *wsClient) filterComputers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.computers))
	for name := range c.computers {
		out = append(out, name)
	}
	return out
}

// snapshot builds the initial payload. An empty computers filter means
// every computer the store knows.
func (s *Server) snapshot(ctx context.Context, computers []string) (*protocol.InitialSnapshot, error) {
	snap := &protocol.InitialSnapshot{
		Sessions:  []protocol.SessionInfo{},
		Computers: []protocol.ComputerInfo{},
	}

	filters := []store.SessionFilter{{LifecycleStatus: store.LifecycleActive}}
	if len(computers) > 0 {
		filters = filters[:0]
		for _, name := range computers {
			filters = append(filters, store.SessionFilter{
				LifecycleStatus: store.LifecycleActive,
				ComputerName:    name,
			})
		}
	}
	for _, f := range filters {
		list, err := s.engine.Registry().List(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, sess := range list {
			snap.Sessions = append(snap.Sessions, sessions.Info(sess))
		}
	}

	counts, err := s.engine.Registry().Computers(ctx)
	if err != nil {
		return nil, err
	}
	for _, cc := range counts {
		snap.Computers = append(snap.Computers, protocol.ComputerInfo{
			Name:         cc.Name,
			Self:         cc.Name == s.cfg.ComputerName,
			SessionCount: cc.SessionCount,
			LastSeen:     cc.LastActivity,
		})
	}
	return snap, nil
}
