package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the TeleClaude daemon.
type Config struct {
	// ComputerName identifies this host in session records and peer frames.
	// Defaults to the OS hostname.
	ComputerName string `json:"computer_name,omitempty"`

	// DefaultAgent is launched when a session request names no agent.
	DefaultAgent string `json:"default_agent,omitempty"`

	// Appearance is the UI hint pushed to web clients ("dark" or "light").
	Appearance string `json:"appearance,omitempty"`

	Adapters      AdaptersConfig      `json:"adapters"`
	API           APIConfig           `json:"api"`
	Storage       StorageConfig       `json:"storage"`
	Redis         RedisConfig         `json:"redis,omitempty"`
	Queue         QueueConfig         `json:"queue,omitempty"`
	Poller        PollerConfig        `json:"poller,omitempty"`
	Sweep         SweepConfig         `json:"sweep,omitempty"`
	Agents        map[string]AgentSpec `json:"agents,omitempty"`
	Notifications NotificationsConfig `json:"notifications,omitempty"`
	People        map[string]Person   `json:"people,omitempty"`
	Webhooks      []WebhookTarget     `json:"webhooks,omitempty"`
	TTS           TTSConfig           `json:"tts,omitempty"`
	Summary       SummaryConfig       `json:"summary,omitempty"`
	Experiments   ExperimentsConfig   `json:"experiments,omitempty"`
	Telemetry     TelemetryConfig     `json:"telemetry,omitempty"`
	Tailscale     TailscaleConfig     `json:"tailscale,omitempty"`

	mu sync.RWMutex
}

// AdaptersConfig groups the chat-platform adapters.
type AdaptersConfig struct {
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
	WebUI    WebUIConfig    `json:"webui,omitempty"`
	MCP      MCPConfig      `json:"mcp,omitempty"`

	// HelpDeskProject is the project path under which sessions minted by
	// a first message from an unknown customer are launched. Customer
	// inbound is rejected with a notice while it is unset.
	HelpDeskProject string `json:"help_desk_project,omitempty"`
}

// TelegramConfig configures the Telegram adapter. The bot token is env-only
// (TELEGRAM_BOT_TOKEN) and never written back to the config file.
type TelegramConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"` // from env TELEGRAM_BOT_TOKEN only

	// SupergroupID is the forum supergroup that holds one topic per session.
	SupergroupID int64 `json:"supergroup_id,omitempty"`

	// HelpDeskChatIDs lists DM chats treated as customer conversations:
	// inbound messages there route by customer lookup, not by topic.
	HelpDeskChatIDs []int64 `json:"help_desk_chat_ids,omitempty"`

	// STTProxyURL transcribes inbound voice notes when set. The adapter
	// POSTs the downloaded audio and expects a text/plain transcript.
	STTProxyURL string `json:"stt_proxy_url,omitempty"`

	// EditsPerMinute caps edit-in-place output updates per chat.
	EditsPerMinute int `json:"edits_per_minute,omitempty"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"-"` // from env DISCORD_BOT_TOKEN only

	// GuildID is the guild where per-session channels/threads are created.
	GuildID string `json:"guild_id,omitempty"`

	// ParentChannelID is the text channel that per-session threads hang off.
	ParentChannelID string `json:"parent_channel_id,omitempty"`
}

// WhatsAppConfig configures the WhatsApp Cloud API adapter. All credentials
// are env-only.
type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	AccessToken   string `json:"-"` // from env WHATSAPP_ACCESS_TOKEN only
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	VerifyToken   string `json:"-"` // from env WHATSAPP_VERIFY_TOKEN only
	AppSecret     string `json:"-"` // from env WHATSAPP_WEBHOOK_SECRET only

	// ListenAddr binds the Meta webhook receiver.
	ListenAddr string `json:"listen_addr,omitempty"`

	// TemplateName is the pre-approved template used when the 24h customer
	// service window has lapsed.
	TemplateName string `json:"template_name,omitempty"`

	// WebhookBurst bounds inbound webhook deliveries per minute.
	WebhookBurst int `json:"webhook_burst,omitempty"`
}

// WebUIConfig configures the WS-backed "web" and "tui" adapter lanes.
type WebUIConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// MCPConfig configures the MCP tool-server surface (agent-to-daemon tools
// over stdio).
type MCPConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// APIConfig configures the daemon API transport.
type APIConfig struct {
	// SocketPath is the Unix socket the HTTP API listens on.
	SocketPath string `json:"socket_path,omitempty"`

	// TCPAddr additionally serves the API over TCP when set (host:port).
	TCPAddr string `json:"tcp_addr,omitempty"`
}

// StorageConfig selects the store driver.
// PostgresDSN is env-only (TELECLAUDE_POSTGRES_DSN).
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default) or "postgres"
	Path        string `json:"path,omitempty"`   // sqlite file path
	PostgresDSN string `json:"-"`                // from env TELECLAUDE_POSTGRES_DSN only
}

// RedisConfig configures the cross-host peer transport.
type RedisConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"-"` // from env REDIS_PASSWORD only
	DB       int    `json:"db,omitempty"`

	// ChannelPrefix namespaces the pub/sub channels.
	ChannelPrefix string `json:"channel_prefix,omitempty"`
}

// QueueConfig tunes the durable queue workers. Durations are Go duration
// strings.
type QueueConfig struct {
	MaxAttempts    int    `json:"max_attempts,omitempty"`    // default 10
	LockTimeout    string `json:"lock_timeout,omitempty"`    // default "60s"
	BackoffFloor   string `json:"backoff_floor,omitempty"`   // default "1s"
	BackoffCeiling string `json:"backoff_ceiling,omitempty"` // default "30s"
	PollInterval   string `json:"poll_interval,omitempty"`   // default "500ms"
	BatchSize      int    `json:"batch_size,omitempty"`      // default 16
}

// PollerConfig tunes the output poller.
type PollerConfig struct {
	Interval       string `json:"interval,omitempty"`         // safety-net tick, default "2s"
	EditsPerMinute int    `json:"edits_per_minute,omitempty"` // default 20
}

// SweepConfig holds cron expressions (gronx syntax) and retention windows
// for the periodic sweeps.
type SweepConfig struct {
	IdleCloseSchedule string `json:"idle_close_schedule,omitempty"` // default "*/30 * * * *"
	IdleAfter         string `json:"idle_after,omitempty"`          // default "72h"
	ListenerSchedule  string `json:"listener_schedule,omitempty"`   // default "15 * * * *"
	VoiceSchedule     string `json:"voice_schedule,omitempty"`      // default "0 3 * * *"
	QueueGCSchedule   string `json:"queue_gc_schedule,omitempty"`   // default "30 3 * * *"
	QueueRetention    string `json:"queue_retention,omitempty"`     // default "168h"
}

// AgentSpec describes how to launch one agent CLI inside tmux.
type AgentSpec struct {
	// Command overrides the launch binary (defaults to the agent name).
	Command string `json:"command,omitempty"`
	// Args are appended to the launch command.
	Args []string `json:"args,omitempty"`
	// Env sets extra environment for the pane.
	Env map[string]string `json:"env,omitempty"`
}

// NotificationsConfig maps channel names to subscriber lists.
type NotificationsConfig struct {
	// Channels: name -> people keys (emails) subscribed to it.
	Channels map[string]NotificationChannel `json:"channels,omitempty"`
}

// NotificationChannel is one named notification fan-out target.
type NotificationChannel struct {
	Subscribers []string `json:"subscribers,omitempty"`
}

// Person is one configured human: notification credentials plus the role
// they assume when escalated into a session.
type Person struct {
	Name           string `json:"name,omitempty"`
	Role           string `json:"role,omitempty"`
	TelegramChatID int64  `json:"telegram_chat_id,omitempty"`
	DiscordUserID  string `json:"discord_user_id,omitempty"`
	WhatsAppPhone  string `json:"whatsapp_phone,omitempty"`
}

// WebhookTarget is one outbound webhook subscription.
type WebhookTarget struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret,omitempty"`
	Events []string `json:"events,omitempty"` // empty = all
}

// TTSConfig configures voice synthesis.
type TTSConfig struct {
	ElevenLabs ElevenLabsConfig `json:"elevenlabs,omitempty"`
}

// ElevenLabsConfig configures the ElevenLabs synthesis client. The API key
// is env-only (ELEVENLABS_API_KEY).
type ElevenLabsConfig struct {
	APIKey  string   `json:"-"`
	ModelID string   `json:"model_id,omitempty"`
	Voices  []string `json:"voices,omitempty"` // assignment pool
}

// SummaryConfig configures the output summarizer. Anthropic is tried first,
// then OpenAI; both keys are env-only.
type SummaryConfig struct {
	AnthropicAPIKey string `json:"-"` // from env ANTHROPIC_API_KEY only
	AnthropicModel  string `json:"anthropic_model,omitempty"`
	OpenAIAPIKey    string `json:"-"` // from env OPENAI_API_KEY only
	OpenAIModel     string `json:"openai_model,omitempty"`
	Timeout         string `json:"timeout,omitempty"` // default "60s"
}

// ExperimentsConfig holds feature gates.
type ExperimentsConfig struct {
	// ThreadedAgents enables threaded output for sessions running any of
	// these agents regardless of origin adapter.
	ThreadedAgents []string `json:"threaded_agents,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "http" (default) or "grpc"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional tsnet API listener. The auth key
// is env-only (TELECLAUDE_TSNET_AUTH_KEY).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ComputerName = src.ComputerName
	c.DefaultAgent = src.DefaultAgent
	c.Appearance = src.Appearance
	c.Adapters = src.Adapters
	c.API = src.API
	c.Storage = src.Storage
	c.Redis = src.Redis
	c.Queue = src.Queue
	c.Poller = src.Poller
	c.Sweep = src.Sweep
	c.Agents = src.Agents
	c.Notifications = src.Notifications
	c.People = src.People
	c.Webhooks = src.Webhooks
	c.TTS = src.TTS
	c.Summary = src.Summary
	c.Experiments = src.Experiments
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}

// QueueTuning is QueueConfig with durations parsed and defaults applied.
type QueueTuning struct {
	MaxAttempts    int
	LockTimeout    time.Duration
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	PollInterval   time.Duration
	BatchSize      int
}

// ToTuning parses the duration strings, falling back to defaults on any
// missing or malformed value.
func (q QueueConfig) ToTuning() QueueTuning {
	t := QueueTuning{
		MaxAttempts:    10,
		LockTimeout:    60 * time.Second,
		BackoffFloor:   time.Second,
		BackoffCeiling: 30 * time.Second,
		PollInterval:   500 * time.Millisecond,
		BatchSize:      16,
	}
	if q.MaxAttempts > 0 {
		t.MaxAttempts = q.MaxAttempts
	}
	if q.BatchSize > 0 {
		t.BatchSize = q.BatchSize
	}
	applyDuration(&t.LockTimeout, q.LockTimeout)
	applyDuration(&t.BackoffFloor, q.BackoffFloor)
	applyDuration(&t.BackoffCeiling, q.BackoffCeiling)
	applyDuration(&t.PollInterval, q.PollInterval)
	return t
}

func applyDuration(dst *time.Duration, s string) {
	if s == "" {
		return
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		*dst = d
	}
}

// IdleCutoff returns the idle-close window as a duration (default 72h).
func (s SweepConfig) IdleCutoff() time.Duration {
	d := 72 * time.Hour
	applyDuration(&d, s.IdleAfter)
	return d
}

// QueueRetentionWindow returns how long delivered envelopes are kept
// before garbage collection (default 168h).
func (s SweepConfig) QueueRetentionWindow() time.Duration {
	d := 168 * time.Hour
	applyDuration(&d, s.QueueRetention)
	return d
}

// Tick returns the poller's safety-net interval (default 2s).
func (p PollerConfig) Tick() time.Duration {
	d := 2 * time.Second
	applyDuration(&d, p.Interval)
	return d
}

// EditBudget returns the per-session edit-in-place cap per minute
// (default 20).
func (p PollerConfig) EditBudget() int {
	if p.EditsPerMinute > 0 {
		return p.EditsPerMinute
	}
	return 20
}

// SummaryTimeout returns the summarizer budget (default 60s).
func (s SummaryConfig) SummaryTimeout() time.Duration {
	d := 60 * time.Second
	applyDuration(&d, s.Timeout)
	return d
}
