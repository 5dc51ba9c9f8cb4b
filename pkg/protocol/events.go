package protocol

// Hook event types produced by agent CLI hook scripts and drained from the
// hook outbox. These are the normalized names; per-agent hook names are
// mapped by the hook receiver (see HookEventFor).
const (
	HookSessionStart = "session_start"
	HookPrompt       = "prompt"
	HookStop         = "stop"
	HookNotification = "notification"
	HookSessionEnd   = "session_end"
)

// Agent identifiers for Session.ActiveAgent.
const (
	AgentClaude = "claude"
	AgentGemini = "gemini"
	AgentCodex  = "codex"
)

// Adapter lane names. Used as Session.LastInputOrigin, as the inbound
// queue's origin column, and as the lane key in delivery error logs.
const (
	AdapterTelegram = "telegram"
	AdapterDiscord  = "discord"
	AdapterWhatsApp = "whatsapp"
	AdapterWeb      = "web"
	AdapterTUI      = "tui"
	AdapterMCP      = "mcp"
)

// WebSocket event names pushed from daemon to frontends.
const (
	EventInitial         = "initial"
	EventSessionStarted  = "session_started"
	EventSessionUpdated  = "session_updated"
	EventSessionClosed   = "session_closed"
	EventSessionOutput   = "session_output"
	EventSettingsUpdated = "settings_updated"
	EventTodosUpdated    = "todos_updated"
	EventAgentActivity   = "agent_activity"
	EventError           = "error"
	EventShutdown        = "shutdown"
)

// OutputFrame is the payload of a session_output event: one outbound
// delivery on the "web"/"tui" lanes. Live frames replace the previous
// live frame in place; the rest append.
type OutputFrame struct {
	Text  string `json:"text"`
	Live  bool   `json:"live,omitempty"`
	Actor string `json:"actor,omitempty"`

	// Lane is the adapter lane that produced the frame ("web" or "tui").
	// Both lanes share the event stream; frontends render their own.
	Lane string `json:"lane,omitempty"`

	// File metadata for document/voice deliveries; the bytes themselves
	// stay on the daemon host.
	FileName string `json:"file_name,omitempty"`
	FileMIME string `json:"file_mime,omitempty"`
	FileSize int    `json:"file_size,omitempty"`
}

// WebSocket message types sent by frontends.
const (
	ClientSubscribe   = "subscribe"
	ClientUnsubscribe = "unsubscribe"
	ClientRefresh     = "refresh"
)

// Peer-transport frame types exchanged between daemons over Redis.
const (
	PeerLinkedStop   = "linked_stop"
	PeerDeployStatus = "deploy_status"
	PeerSessionEvent = "session_event"
)

// hookEventByAgent maps agent-native hook names to normalized event types.
var hookEventByAgent = map[string]map[string]string{
	AgentClaude: {
		"SessionStart":     HookSessionStart,
		"UserPromptSubmit": HookPrompt,
		"Stop":             HookStop,
		"Notification":     HookNotification,
		"SessionEnd":       HookSessionEnd,
	},
	AgentGemini: {
		"SessionStart": HookSessionStart,
		"AfterAgent":   HookStop,
		"Notification": HookNotification,
		"SessionEnd":   HookSessionEnd,
	},
	AgentCodex: {
		"agent-turn-complete": HookStop,
	},
}

// HookEventFor returns the normalized hook event type for an agent-native
// hook name, or "" when the agent/hook pair is unknown.
func HookEventFor(agent, nativeHook string) string {
	m, ok := hookEventByAgent[agent]
	if !ok {
		return ""
	}
	return m[nativeHook]
}

// KnownAgents lists the agent CLIs the daemon can coordinate.
func KnownAgents() []string {
	return []string{AgentClaude, AgentGemini, AgentCodex}
}
