package config

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestTuningDefaults(t *testing.T) {
	got := QueueConfig{}.ToTuning()
	want := QueueTuning{
		MaxAttempts:    10,
		LockTimeout:    60 * time.Second,
		BackoffFloor:   time.Second,
		BackoffCeiling: 30 * time.Second,
		PollInterval:   500 * time.Millisecond,
		BatchSize:      16,
	}
	if got != want {
		t.Fatalf("ToTuning() = %+v, want %+v", got, want)
	}
}

func TestTuningOverrides(t *testing.T) {
	q := QueueConfig{
		MaxAttempts:    3,
		LockTimeout:    "90s",
		BackoffFloor:   "2s",
		BackoffCeiling: "1m",
		PollInterval:   "250ms",
		BatchSize:      4,
	}
	got := q.ToTuning()
	want := QueueTuning{
		MaxAttempts:    3,
		LockTimeout:    90 * time.Second,
		BackoffFloor:   2 * time.Second,
		BackoffCeiling: time.Minute,
		PollInterval:   250 * time.Millisecond,
		BatchSize:      4,
	}
	if got != want {
		t.Fatalf("ToTuning() = %+v, want %+v", got, want)
	}
}

func TestTuningIgnoresBadDurations(t *testing.T) {
	q := QueueConfig{
		LockTimeout:    "soon",
		BackoffFloor:   "-5s",
		BackoffCeiling: "0s",
		PollInterval:   "100ms",
	}
	got := q.ToTuning()
	if got.LockTimeout != 60*time.Second {
		t.Errorf("malformed lock_timeout: got %v, want default 60s", got.LockTimeout)
	}
	if got.BackoffFloor != time.Second {
		t.Errorf("negative backoff_floor: got %v, want default 1s", got.BackoffFloor)
	}
	if got.BackoffCeiling != 30*time.Second {
		t.Errorf("zero backoff_ceiling: got %v, want default 30s", got.BackoffCeiling)
	}
	if got.PollInterval != 100*time.Millisecond {
		t.Errorf("valid poll_interval: got %v, want 100ms", got.PollInterval)
	}
}

func TestDurationWindows(t *testing.T) {
	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"idle cutoff default", SweepConfig{}.IdleCutoff(), 72 * time.Hour},
		{"idle cutoff override", SweepConfig{IdleAfter: "24h"}.IdleCutoff(), 24 * time.Hour},
		{"idle cutoff malformed", SweepConfig{IdleAfter: "three days"}.IdleCutoff(), 72 * time.Hour},
		{"queue retention default", SweepConfig{}.QueueRetentionWindow(), 168 * time.Hour},
		{"queue retention override", SweepConfig{QueueRetention: "48h"}.QueueRetentionWindow(), 48 * time.Hour},
		{"poller tick default", PollerConfig{}.Tick(), 2 * time.Second},
		{"poller tick override", PollerConfig{Interval: "500ms"}.Tick(), 500 * time.Millisecond},
		{"summary timeout default", SummaryConfig{}.SummaryTimeout(), 60 * time.Second},
		{"summary timeout override", SummaryConfig{Timeout: "2m"}.SummaryTimeout(), 2 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestEditBudget(t *testing.T) {
	if got := (PollerConfig{}).EditBudget(); got != 20 {
		t.Errorf("default EditBudget() = %d, want 20", got)
	}
	if got := (PollerConfig{EditsPerMinute: 5}).EditBudget(); got != 5 {
		t.Errorf("EditBudget() = %d, want 5", got)
	}
	if got := (PollerConfig{EditsPerMinute: -1}).EditBudget(); got != 20 {
		t.Errorf("negative EditBudget() = %d, want 20", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("UserHomeDir: %v", err)
	}
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/etc/teleclaude/config.json", "/etc/teleclaude/config.json"},
		{"~", home},
		{"~/.teleclaude/teleclaude.db", home + "/.teleclaude/teleclaude.db"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultAgent != "claude" {
		t.Errorf("DefaultAgent = %q, want claude", cfg.DefaultAgent)
	}
	if cfg.Adapters.WhatsApp.TemplateName != "teleclaude_followup" {
		t.Errorf("TemplateName = %q, want teleclaude_followup", cfg.Adapters.WhatsApp.TemplateName)
	}
	if cfg.Redis.ChannelPrefix != "teleclaude" {
		t.Errorf("ChannelPrefix = %q, want teleclaude", cfg.Redis.ChannelPrefix)
	}
	if !cfg.Adapters.WebUI.Enabled {
		t.Error("WebUI should be enabled by default")
	}
}

func TestLoadParsesJSON5(t *testing.T) {
	raw := `// TeleClaude daemon config.
{
  "computer_name": "workbench",
  "default_agent": "gemini",
  "adapters": {
    "telegram": {
      // Forum supergroup for session topics.
      "supergroup_id": 777000123,
    },
  },
  "queue": {
    "max_attempts": 4,
  },
}
`
	path := filepath.Join(t.TempDir(), "teleclaude.json")
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ComputerName != "workbench" {
		t.Errorf("ComputerName = %q, want workbench", cfg.ComputerName)
	}
	if cfg.DefaultAgent != "gemini" {
		t.Errorf("DefaultAgent = %q, want gemini", cfg.DefaultAgent)
	}
	if cfg.Adapters.Telegram.SupergroupID != 777000123 {
		t.Errorf("SupergroupID = %d, want 777000123", cfg.Adapters.Telegram.SupergroupID)
	}
	if cfg.Queue.MaxAttempts != 4 {
		t.Errorf("Queue.MaxAttempts = %d, want 4", cfg.Queue.MaxAttempts)
	}
	// Fields the file never mentions keep their defaults.
	if cfg.Adapters.WhatsApp.TemplateName != "teleclaude_followup" {
		t.Errorf("TemplateName = %q, want default retained", cfg.Adapters.WhatsApp.TemplateName)
	}
}

func TestLoadEnvAutoEnablesAdapters(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "12345:test-token")
	t.Setenv("WHATSAPP_ACCESS_TOKEN", "EAAG-test")
	t.Setenv("WHATSAPP_PHONE_NUMBER_ID", "1550100")
	t.Setenv("TELECLAUDE_REDIS_ADDR", "localhost:6379")
	t.Setenv("TELECLAUDE_POSTGRES_DSN", "postgres://tc@localhost/teleclaude")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Adapters.Telegram.Enabled || cfg.Adapters.Telegram.Token != "12345:test-token" {
		t.Errorf("telegram not enabled from env: %+v", cfg.Adapters.Telegram)
	}
	if !cfg.Adapters.WhatsApp.Enabled {
		t.Error("whatsapp should auto-enable when token and phone number id are set")
	}
	if cfg.Adapters.Discord.Enabled {
		t.Error("discord should stay disabled without a token")
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis not enabled from env: %+v", cfg.Redis)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Driver = %q, want postgres once a DSN is present", cfg.Storage.Driver)
	}
}

func TestApplyPatch(t *testing.T) {
	t.Run("updates live fields", func(t *testing.T) {
		cfg := Default()
		if err := cfg.ApplyPatch([]byte(`{"default_agent":"gemini"}`)); err != nil {
			t.Fatalf("ApplyPatch: %v", err)
		}
		if cfg.DefaultAgent != "gemini" {
			t.Errorf("DefaultAgent = %q, want gemini", cfg.DefaultAgent)
		}
		if cfg.Adapters.WhatsApp.TemplateName != "teleclaude_followup" {
			t.Errorf("unpatched field changed: TemplateName = %q", cfg.Adapters.WhatsApp.TemplateName)
		}
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		cfg := Default()
		err := cfg.ApplyPatch([]byte(`{"no_such_field":true}`))
		if err == nil || !strings.Contains(err.Error(), "no_such_field") {
			t.Fatalf("ApplyPatch err = %v, want unknown-field rejection", err)
		}
		if cfg.DefaultAgent != "claude" {
			t.Errorf("config changed despite rejected patch: DefaultAgent = %q", cfg.DefaultAgent)
		}
	})

	t.Run("restores env-only secrets", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
		cfg := Default()
		cfg.ApplyEnvOverrides()
		if cfg.Summary.AnthropicAPIKey != "sk-ant-test" {
			t.Fatalf("AnthropicAPIKey = %q before patch", cfg.Summary.AnthropicAPIKey)
		}
		if err := cfg.ApplyPatch([]byte(`{"appearance":"dark"}`)); err != nil {
			t.Fatalf("ApplyPatch: %v", err)
		}
		if cfg.Appearance != "dark" {
			t.Errorf("Appearance = %q, want dark", cfg.Appearance)
		}
		if cfg.Summary.AnthropicAPIKey != "sk-ant-test" {
			t.Errorf("AnthropicAPIKey = %q, want secret restored after patch", cfg.Summary.AnthropicAPIKey)
		}
	})
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.ComputerName = "workbench"
	cfg.Adapters.Telegram.Token = "12345:live"
	cfg.Storage.PostgresDSN = "postgres://tc:hunter2@db/teleclaude"
	cfg.Webhooks = []WebhookTarget{{URL: "https://ci.example/hook", Secret: "whsec_live"}}

	m := cfg.MaskedCopy()
	if m.Adapters.Telegram.Token != secretMask {
		t.Errorf("telegram token = %q, want masked", m.Adapters.Telegram.Token)
	}
	if m.Storage.PostgresDSN != secretMask {
		t.Errorf("postgres dsn = %q, want masked", m.Storage.PostgresDSN)
	}
	if m.Webhooks[0].Secret != secretMask {
		t.Errorf("webhook secret = %q, want masked", m.Webhooks[0].Secret)
	}
	if m.Webhooks[0].URL != "https://ci.example/hook" {
		t.Errorf("webhook url = %q, want untouched", m.Webhooks[0].URL)
	}
	if m.Adapters.Discord.Token != "" {
		t.Errorf("unset discord token = %q, want empty", m.Adapters.Discord.Token)
	}
	if m.ComputerName != "workbench" {
		t.Errorf("ComputerName = %q, want workbench", m.ComputerName)
	}
	if cfg.Adapters.Telegram.Token != "12345:live" {
		t.Errorf("original token = %q, masking must not touch the live config", cfg.Adapters.Telegram.Token)
	}
}

func TestSaveOmitsSecrets(t *testing.T) {
	// Keep a developer machine's real token out of the reload.
	t.Setenv("TELEGRAM_BOT_TOKEN", "")

	cfg := Default()
	cfg.ComputerName = "workbench"
	cfg.Adapters.Telegram.Token = "12345:live"

	path := filepath.Join(t.TempDir(), "nested", "teleclaude.json")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	if bytes.Contains(data, []byte("12345:live")) {
		t.Fatal("saved config contains the bot token")
	}
	if !bytes.Contains(data, []byte(`"computer_name": "workbench"`)) {
		t.Errorf("saved config missing computer_name: %s", data)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load saved config: %v", err)
	}
	if reloaded.ComputerName != "workbench" {
		t.Errorf("reloaded ComputerName = %q, want workbench", reloaded.ComputerName)
	}
	if reloaded.Adapters.Telegram.Token != "" {
		t.Errorf("reloaded token = %q, secrets must not round-trip through disk", reloaded.Adapters.Telegram.Token)
	}
}

func TestAgentCommand(t *testing.T) {
	cfg := Default()
	cfg.Agents = map[string]AgentSpec{
		"gemini": {Args: []string{"--approval-mode", "yolo"}},
		"codex":  {Command: "/opt/codex/bin/codex", Args: []string{"--quiet"}, Env: map[string]string{"CODEX_HOME": "/opt/codex"}},
	}

	tests := []struct {
		agent    string
		wantCmd  string
		wantArgs []string
		wantEnv  map[string]string
	}{
		{"claude", "claude", nil, nil},
		{"gemini", "gemini", []string{"--approval-mode", "yolo"}, nil},
		{"codex", "/opt/codex/bin/codex", []string{"--quiet"}, map[string]string{"CODEX_HOME": "/opt/codex"}},
	}
	for _, tt := range tests {
		t.Run(tt.agent, func(t *testing.T) {
			cmd, args, env := cfg.AgentCommand(tt.agent)
			if cmd != tt.wantCmd {
				t.Errorf("command = %q, want %q", cmd, tt.wantCmd)
			}
			if !reflect.DeepEqual(args, tt.wantArgs) {
				t.Errorf("args = %v, want %v", args, tt.wantArgs)
			}
			if !reflect.DeepEqual(env, tt.wantEnv) {
				t.Errorf("env = %v, want %v", env, tt.wantEnv)
			}
		})
	}
}

func TestThreadedAgent(t *testing.T) {
	cfg := Default()
	cfg.Experiments.ThreadedAgents = []string{"codex"}
	if !cfg.ThreadedAgent("codex") {
		t.Error("codex should be threaded")
	}
	if cfg.ThreadedAgent("claude") {
		t.Error("claude should not be threaded")
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := Default()
	driver, dsn := cfg.DatabaseDSN()
	if driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", driver)
	}
	if !strings.HasSuffix(dsn, "/.teleclaude/teleclaude.db") || strings.HasPrefix(dsn, "~") {
		t.Errorf("dsn = %q, want home-expanded sqlite path", dsn)
	}

	cfg.Storage.Driver = "postgres"
	cfg.Storage.PostgresDSN = "postgres://tc@db/teleclaude"
	driver, dsn = cfg.DatabaseDSN()
	if driver != "postgres" || dsn != "postgres://tc@db/teleclaude" {
		t.Errorf("DatabaseDSN() = (%q, %q), want postgres DSN", driver, dsn)
	}
}

func TestPersonByEmail(t *testing.T) {
	cfg := Default()
	cfg.People = map[string]Person{
		"ana@example.com": {Name: "Ana", TelegramChatID: 4242},
	}
	p, ok := cfg.PersonByEmail("ana@example.com")
	if !ok || p.Name != "Ana" || p.TelegramChatID != 4242 {
		t.Errorf("PersonByEmail(ana) = %+v, %v", p, ok)
	}
	if _, ok := cfg.PersonByEmail("ghost@example.com"); ok {
		t.Error("unknown person should not resolve")
	}
}
