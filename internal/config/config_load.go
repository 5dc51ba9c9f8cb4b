package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// DefaultSocketPath is where the daemon API listens unless overridden.
const DefaultSocketPath = "/tmp/teleclaude-api.sock"

// Default returns a Config with sensible defaults.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		ComputerName: hostname,
		DefaultAgent: "claude",
		Adapters: AdaptersConfig{
			Telegram: TelegramConfig{
				EditsPerMinute: 20,
			},
			WhatsApp: WhatsAppConfig{
				ListenAddr:   ":8443",
				TemplateName: "teleclaude_followup",
				WebhookBurst: 60,
			},
			WebUI: WebUIConfig{Enabled: true},
		},
		API: APIConfig{
			SocketPath: DefaultSocketPath,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "~/.teleclaude/teleclaude.db",
		},
		Redis: RedisConfig{
			ChannelPrefix: "teleclaude",
		},
		Poller: PollerConfig{
			Interval:       "2s",
			EditsPerMinute: 20,
		},
		Sweep: SweepConfig{
			IdleCloseSchedule: "*/30 * * * *",
			IdleAfter:         "72h",
			ListenerSchedule:  "15 * * * *",
			VoiceSchedule:     "0 3 * * *",
			QueueGCSchedule:   "30 3 * * *",
			QueueRetention:    "168h",
		},
		Summary: SummaryConfig{
			AnthropicModel: "claude-3-5-haiku-20241022",
			OpenAIModel:    "gpt-4o-mini",
			Timeout:        "60s",
		},
		TTS: TTSConfig{
			ElevenLabs: ElevenLabsConfig{
				ModelID: "eleven_turbo_v2_5",
			},
		},
		Telemetry: TelemetryConfig{
			Protocol:    "http",
			ServiceName: "teleclaude",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values; secrets only ever arrive this way.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}

	envStr("TELECLAUDE_COMPUTER_NAME", &c.ComputerName)
	envStr("APPEARANCE_MODE", &c.Appearance)

	// Adapter credentials
	envStr("TELEGRAM_BOT_TOKEN", &c.Adapters.Telegram.Token)
	envInt64("TELEGRAM_SUPERGROUP_ID", &c.Adapters.Telegram.SupergroupID)
	envStr("DISCORD_BOT_TOKEN", &c.Adapters.Discord.Token)
	envStr("DISCORD_GUILD_ID", &c.Adapters.Discord.GuildID)
	envStr("WHATSAPP_ACCESS_TOKEN", &c.Adapters.WhatsApp.AccessToken)
	envStr("WHATSAPP_PHONE_NUMBER_ID", &c.Adapters.WhatsApp.PhoneNumberID)
	envStr("WHATSAPP_VERIFY_TOKEN", &c.Adapters.WhatsApp.VerifyToken)
	envStr("WHATSAPP_WEBHOOK_SECRET", &c.Adapters.WhatsApp.AppSecret)

	// Auto-enable adapters when credentials are provided
	if c.Adapters.Telegram.Token != "" {
		c.Adapters.Telegram.Enabled = true
	}
	if c.Adapters.Discord.Token != "" {
		c.Adapters.Discord.Enabled = true
	}
	if c.Adapters.WhatsApp.AccessToken != "" && c.Adapters.WhatsApp.PhoneNumberID != "" {
		c.Adapters.WhatsApp.Enabled = true
	}

	// Transport
	envStr("DAEMON_SOCKET_PATH", &c.API.SocketPath)
	envStr("TELECLAUDE_API_TCP_ADDR", &c.API.TCPAddr)

	// Storage
	envStr("TELECLAUDE_DB_DRIVER", &c.Storage.Driver)
	envStr("TELECLAUDE_DB_PATH", &c.Storage.Path)
	envStr("TELECLAUDE_POSTGRES_DSN", &c.Storage.PostgresDSN)
	if c.Storage.PostgresDSN != "" && c.Storage.Driver == "sqlite" {
		c.Storage.Driver = "postgres"
	}

	// Redis peer transport
	envStr("TELECLAUDE_REDIS_ADDR", &c.Redis.Addr)
	envStr("REDIS_PASSWORD", &c.Redis.Password)
	if c.Redis.Addr != "" {
		c.Redis.Enabled = true
	}

	// Providers
	envStr("ANTHROPIC_API_KEY", &c.Summary.AnthropicAPIKey)
	envStr("OPENAI_API_KEY", &c.Summary.OpenAIAPIKey)
	envStr("ELEVENLABS_API_KEY", &c.TTS.ElevenLabs.APIKey)

	// Telemetry
	envStr("TELECLAUDE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	if v := os.Getenv("TELECLAUDE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("TELECLAUDE_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("TELECLAUDE_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("TELECLAUDE_TSNET_DIR", &c.Tailscale.StateDir)
}

// ApplyEnvOverrides re-applies environment overrides, restoring runtime
// secrets after the config was replaced from a masked copy.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config to disk. Secrets carry `json:"-"` tags, so they
// never persist.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ApplyPatch overlays a partial config document onto the live config.
// Unknown fields are rejected; env-only secrets are restored afterwards
// since the copy round-trips through JSON.
func (c *Config) ApplyPatch(patch []byte) error {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("snapshot config: %w", err)
	}

	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return fmt.Errorf("snapshot config: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(patch))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cp); err != nil {
		return fmt.Errorf("parse patch: %w", err)
	}

	c.ReplaceFrom(cp)
	c.ApplyEnvOverrides()
	return nil
}

const secretMask = "***"

// MaskedCopy returns a deep copy with secret fields masked, for the
// settings API and WS settings_updated payloads.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return &Config{}
	}

	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	// json:"-" fields did not survive the round trip; re-mark the ones that
	// were set so the UI can show "configured".
	c.mu.RLock()
	defer c.mu.RUnlock()
	maskInto(&cp.Adapters.Telegram.Token, c.Adapters.Telegram.Token)
	maskInto(&cp.Adapters.Discord.Token, c.Adapters.Discord.Token)
	maskInto(&cp.Adapters.WhatsApp.AccessToken, c.Adapters.WhatsApp.AccessToken)
	maskInto(&cp.Adapters.WhatsApp.VerifyToken, c.Adapters.WhatsApp.VerifyToken)
	maskInto(&cp.Adapters.WhatsApp.AppSecret, c.Adapters.WhatsApp.AppSecret)
	maskInto(&cp.Storage.PostgresDSN, c.Storage.PostgresDSN)
	maskInto(&cp.Redis.Password, c.Redis.Password)
	maskInto(&cp.Summary.AnthropicAPIKey, c.Summary.AnthropicAPIKey)
	maskInto(&cp.Summary.OpenAIAPIKey, c.Summary.OpenAIAPIKey)
	maskInto(&cp.TTS.ElevenLabs.APIKey, c.TTS.ElevenLabs.APIKey)
	maskInto(&cp.Tailscale.AuthKey, c.Tailscale.AuthKey)
	for i := range cp.Webhooks {
		maskInto(&cp.Webhooks[i].Secret, cp.Webhooks[i].Secret)
	}
	return cp
}

func maskInto(dst *string, src string) {
	if src != "" {
		*dst = secretMask
	}
}

// PersonByEmail returns the configured person record for email.
func (c *Config) PersonByEmail(email string) (Person, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.People[email]
	return p, ok
}

// AgentCommand resolves the launch command and args for an agent.
func (c *Config) AgentCommand(agent string) (string, []string, map[string]string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.Agents[agent]
	if !ok || spec.Command == "" {
		if ok {
			return agent, spec.Args, spec.Env
		}
		return agent, nil, nil
	}
	return spec.Command, spec.Args, spec.Env
}

// ThreadedAgent reports whether agent is in the threaded-output experiment.
func (c *Config) ThreadedAgent(agent string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.Experiments.ThreadedAgents {
		if a == agent {
			return true
		}
	}
	return false
}

// DatabaseDSN returns the effective driver and DSN for the store.
func (c *Config) DatabaseDSN() (driver, dsn string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Storage.Driver == "postgres" {
		return "postgres", c.Storage.PostgresDSN
	}
	return "sqlite", ExpandHome(c.Storage.Path)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
