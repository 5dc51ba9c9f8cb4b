// Package client is the Go client for the daemon's HTTP API. CLI
// subcommands, the MCP tool server, and external tooling use it instead of
// hand-rolling requests against the Unix socket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// Client talks to one daemon's HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option configures the client.
type Option func(*Client)

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a client for the daemon listening on socketPath.
func New(socketPath string, opts ...Option) *Client {
	c := &Client{
		// The host part is a placeholder; the transport dials the socket.
		baseURL: "http://teleclaude",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewHTTP creates a client for a daemon reachable over TCP or the tailnet.
func NewHTTP(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Health checks daemon liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Shutdown asks the daemon to stop. The daemon acknowledges before it
// begins closing listeners.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/shutdown", nil, nil)
}

// SyncStatus reports the daemon's handling of a sync trigger.
type SyncStatus struct {
	Status        string `json:"status"`
	Computer      string `json:"computer"`
	PeersNotified bool   `json:"peers_notified"`
}

// Sync announces an artifact push to the fleet through the daemon.
func (c *Client) Sync(ctx context.Context) (*SyncStatus, error) {
	var out SyncStatus
	if err := c.do(ctx, http.MethodPost, "/sync", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOptions filter ListSessions. Zero values mean no filter; closed
// sessions are included only when All is set.
type ListOptions struct {
	Computer string
	Project  string
	All      bool
}

// ListSessions returns sessions matching the filter.
func (c *Client) ListSessions(ctx context.Context, opts ListOptions) ([]protocol.SessionInfo, error) {
	q := url.Values{}
	if opts.Computer != "" {
		q.Set("computer", opts.Computer)
	}
	if opts.Project != "" {
		q.Set("project", opts.Project)
	}
	if opts.All {
		q.Set("all", "true")
	}
	path := "/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []protocol.SessionInfo
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSession starts a new session.
func (c *Client) CreateSession(ctx context.Context, req protocol.CreateSessionRequest) (protocol.SessionInfo, error) {
	var out protocol.CreateSessionResponse
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &out); err != nil {
		return protocol.SessionInfo{}, err
	}
	return out.Session, nil
}

// Session fetches one session by id (full UUID or unique prefix).
func (c *Client) Session(ctx context.Context, id string) (protocol.SessionInfo, error) {
	var out protocol.SessionInfo
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return protocol.SessionInfo{}, err
	}
	return out, nil
}

// EndSession closes a session and tears down its channels.
func (c *Client) EndSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

// MessagesOptions filter the transcript history.
type MessagesOptions struct {
	IncludeTools    bool
	IncludeThinking bool
	Since           time.Time
}

// Messages returns the session's parsed conversation history.
func (c *Client) Messages(ctx context.Context, id string, opts MessagesOptions) ([]protocol.TranscriptMessage, error) {
	q := url.Values{}
	if opts.IncludeTools {
		q.Set("include_tools", "true")
	}
	if opts.IncludeThinking {
		q.Set("include_thinking", "true")
	}
	if !opts.Since.IsZero() {
		q.Set("since", opts.Since.Format(time.RFC3339))
	}
	path := "/sessions/" + url.PathEscape(id) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []protocol.TranscriptMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type queuedResponse struct {
	QueuedID string `json:"queued_id"`
}

// SendMessage enqueues a text message for the session's agent and returns
// the queue entry id.
func (c *Client) SendMessage(ctx context.Context, id string, req protocol.SendMessageRequest) (string, error) {
	var out queuedResponse
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/message", req, &out); err != nil {
		return "", err
	}
	return out.QueuedID, nil
}

// SendKeys forwards raw key input to the session's tmux pane.
func (c *Client) SendKeys(ctx context.Context, id, keys string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/keys", protocol.SendKeysRequest{Keys: keys}, nil)
}

// SendVoice enqueues a transcribed voice message.
func (c *Client) SendVoice(ctx context.Context, id string, req protocol.SendVoiceRequest) (string, error) {
	var out queuedResponse
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/voice", req, &out); err != nil {
		return "", err
	}
	return out.QueuedID, nil
}

// SendFile enqueues a file drop.
func (c *Client) SendFile(ctx context.Context, id string, req protocol.SendFileRequest) (string, error) {
	var out queuedResponse
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/file", req, &out); err != nil {
		return "", err
	}
	return out.QueuedID, nil
}

// RestartAgent relaunches the session's agent CLI in its pane.
func (c *Client) RestartAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/agent-restart", nil, nil)
}

// Revive reopens a closed session under a fresh pane.
func (c *Client) Revive(ctx context.Context, id string) (protocol.SessionInfo, error) {
	var out protocol.CreateSessionResponse
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/revive", nil, &out); err != nil {
		return protocol.SessionInfo{}, err
	}
	return out.Session, nil
}

// Escalate attaches a human to the session.
func (c *Client) Escalate(ctx context.Context, id string, req protocol.EscalateRequest) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/escalate", req, nil)
}

// Computers lists daemons known to this one, self included.
func (c *Client) Computers(ctx context.Context) ([]protocol.ComputerInfo, error) {
	var out []protocol.ComputerInfo
	if err := c.do(ctx, http.MethodGet, "/computers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Projects lists known project paths with session counts.
func (c *Client) Projects(ctx context.Context) ([]protocol.ProjectInfo, error) {
	var out []protocol.ProjectInfo
	if err := c.do(ctx, http.MethodGet, "/projects", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Todos lists markdown todo documents across known projects.
func (c *Client) Todos(ctx context.Context) ([]protocol.TodoInfo, error) {
	var out []protocol.TodoInfo
	if err := c.do(ctx, http.MethodGet, "/todos", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AgentAvailability reports which agent CLIs are installed on the daemon
// host.
func (c *Client) AgentAvailability(ctx context.Context) ([]protocol.AgentAvailability, error) {
	var out []protocol.AgentAvailability
	if err := c.do(ctx, http.MethodGet, "/agents/availability", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Settings returns the daemon's config document with secrets masked.
func (c *Client) Settings(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/settings", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PatchSettings overlays a partial config document onto the daemon's live
// config. patch is a JSON object.
func (c *Client) PatchSettings(ctx context.Context, patch []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/settings", bytes.NewReader(patch))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiError converts a non-2xx response into an error carrying the daemon's
// {detail} body when one is present.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var er protocol.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Detail != "" {
		return fmt.Errorf("daemon: %s (status %d)", er.Detail, resp.StatusCode)
	}
	return fmt.Errorf("daemon: status %d", resp.StatusCode)
}
