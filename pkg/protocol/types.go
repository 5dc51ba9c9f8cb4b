package protocol

import (
	"encoding/json"
	"time"
)

// HookEnvelope is the payload a hook script appends to the hook outbox.
// The daemon never sees the agent-native shape; the receiver normalizes it.
type HookEnvelope struct {
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

// HookData carries the normalized per-agent payload fields the engine reads.
type HookData struct {
	NativeSessionID string `json:"session_id,omitempty"`
	TranscriptPath  string `json:"transcript_path,omitempty"`
	Prompt          string `json:"prompt,omitempty"`
	Message         string `json:"message,omitempty"`
	StopHookActive  bool   `json:"stop_hook_active,omitempty"`
	CWD             string `json:"cwd,omitempty"`
}

// SessionInfo is the API representation of a session.
type SessionInfo struct {
	SessionID         string     `json:"session_id"`
	ComputerName      string     `json:"computer_name"`
	TmuxSessionName   string     `json:"tmux_session_name,omitempty"`
	Title             string     `json:"title,omitempty"`
	LastInputOrigin   string     `json:"last_input_origin,omitempty"`
	ActiveAgent       string     `json:"active_agent,omitempty"`
	ThinkingMode      string     `json:"thinking_mode,omitempty"`
	LifecycleStatus   string     `json:"lifecycle_status"`
	AgentState        string     `json:"agent_state,omitempty"`
	ProjectPath       string     `json:"project_path,omitempty"`
	Subdir            string     `json:"subdir,omitempty"`
	InitiatorSession  string     `json:"initiator_session_id,omitempty"`
	HumanEmail        string     `json:"human_email,omitempty"`
	HumanRole         string     `json:"human_role,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivity      time.Time  `json:"last_activity"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
	LastOutputSummary string     `json:"last_output_summary,omitempty"`
	NativeSessionID   string     `json:"native_session_id,omitempty"`
}

// CreateSessionRequest starts a new coordinated session.
type CreateSessionRequest struct {
	ComputerName     string `json:"computer_name,omitempty"`
	ProjectPath      string `json:"project_path"`
	Subdir           string `json:"subdir,omitempty"`
	Agent            string `json:"agent,omitempty"`
	ThinkingMode     string `json:"thinking_mode,omitempty"`
	Title            string `json:"title,omitempty"`
	Origin           string `json:"origin,omitempty"`
	InitiatorSession string `json:"initiator_session_id,omitempty"`
	HumanEmail       string `json:"human_email,omitempty"`
	HumanRole        string `json:"human_role,omitempty"`
	Headless         bool   `json:"headless,omitempty"`
}

// CreateSessionResponse returns the minted session.
type CreateSessionResponse struct {
	Session SessionInfo `json:"session"`
}

// SendMessageRequest delivers text input into a session's terminal.
type SendMessageRequest struct {
	Text            string `json:"text"`
	Origin          string `json:"origin,omitempty"`
	ActorID         string `json:"actor_id,omitempty"`
	ActorName       string `json:"actor_name,omitempty"`
	SourceMessageID string `json:"source_message_id,omitempty"`
	SourceChannelID string `json:"source_channel_id,omitempty"`
}

// SendKeysRequest sends raw key input (no Enter appended).
type SendKeysRequest struct {
	Keys   string `json:"keys"`
	Origin string `json:"origin,omitempty"`
}

// SendVoiceRequest delivers a transcribed voice message.
type SendVoiceRequest struct {
	Transcript string `json:"transcript"`
	AudioPath  string `json:"audio_path,omitempty"`
	Origin     string `json:"origin,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	ActorName  string `json:"actor_name,omitempty"`
}

// SendFileRequest delivers a file reference into a session.
type SendFileRequest struct {
	Path      string `json:"path"`
	Caption   string `json:"caption,omitempty"`
	Origin    string `json:"origin,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	ActorName string `json:"actor_name,omitempty"`
}

// TranscriptMessage is one parsed transcript turn for GET /sessions/{id}/messages.
type TranscriptMessage struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	Thinking  bool      `json:"thinking,omitempty"`
}

// ComputerInfo describes one known daemon host.
type ComputerInfo struct {
	Name         string    `json:"name"`
	Self         bool      `json:"self"`
	SessionCount int       `json:"session_count"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
}

// ProjectInfo describes one known project path.
type ProjectInfo struct {
	Path         string `json:"path"`
	SessionCount int    `json:"session_count"`
}

// TodoInfo is one todo document surfaced by GET /todos.
type TodoInfo struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	ModifiedAt time.Time `json:"modified_at"`
}

// AgentAvailability reports which agent CLIs are installed.
type AgentAvailability struct {
	Agent     string `json:"agent"`
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
}

// EscalateRequest promotes a session to a human relay.
type EscalateRequest struct {
	HumanEmail string `json:"human_email"`
	HumanRole  string `json:"human_role,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ErrorResponse is the uniform API error body.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// WSEvent is one frame pushed to a WebSocket frontend.
type WSEvent struct {
	Type      string          `json:"type"`
	Computer  string          `json:"computer,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// WSClientMessage is one frame received from a WebSocket frontend.
type WSClientMessage struct {
	Type      string   `json:"type"`
	Computers []string `json:"computers,omitempty"`
	Types     []string `json:"types,omitempty"`
}

// InitialSnapshot is the payload of the first frame after connect/subscribe.
type InitialSnapshot struct {
	Sessions  []SessionInfo  `json:"sessions"`
	Computers []ComputerInfo `json:"computers"`
}

// PeerFrame is one message exchanged between daemons over the peer transport.
// Delivery is at-least-once; consumers dedup on FrameID.
type PeerFrame struct {
	FrameID      string          `json:"frame_id"`
	Type         string          `json:"type"`
	FromComputer string          `json:"from_computer"`
	ToComputer   string          `json:"to_computer,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	SentAt       time.Time       `json:"sent_at"`
}

// LinkedStopPayload is the PeerLinkedStop frame body.
type LinkedStopPayload struct {
	TargetSessionID string `json:"target_session_id"`
	FromTitle       string `json:"from_title"`
	Output          string `json:"output"`
}
