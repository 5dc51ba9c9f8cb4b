// Package discord binds sessions to threads under a Discord text channel
// via the gateway API. One public thread per session; inbound thread
// messages route back by thread id.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/teleclaude/teleclaude/internal/adapters"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/sessions"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

const (
	// maxMessageLength is Discord's per-message character cap.
	maxMessageLength = 2000

	// maxThreadNameLength is Discord's thread name cap.
	maxThreadNameLength = 100

	// threadAutoArchiveMinutes keeps session threads visible for a week of
	// inactivity before Discord folds them away.
	threadAutoArchiveMinutes = 10080
)

// Adapter connects to Discord over the gateway and manages one thread per
// session under the configured parent channel.
type Adapter struct {
	adapters.BaseAdapter

	cfg       config.DiscordConfig
	session   *discordgo.Session
	botUserID string
}

// New creates the Discord adapter.
func New(cfg *config.Config, registry *sessions.Registry, inbound store.InboundQueueStore) (*Adapter, error) {
	dc := cfg.Adapters.Discord
	session, err := discordgo.New("Bot " + dc.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Adapter{
		BaseAdapter: adapters.NewBaseAdapter(protocol.AdapterDiscord, maxMessageLength, registry, inbound),
		cfg:         dc,
		session:     session,
	}, nil
}

// Enabled reports whether the adapter is configured to run.
func (a *Adapter) Enabled() bool {
	return a.cfg.Enabled && a.cfg.Token != "" && a.cfg.ParentChannelID != ""
}

// Start opens the gateway connection and begins receiving events.
func (a *Adapter) Start(_ context.Context) error {
	slog.Info("starting discord adapter")

	a.session.AddHandler(a.handleMessage)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	a.botUserID = user.ID

	a.SetRunning(true)
	slog.Info("discord adapter connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(_ context.Context) error {
	slog.Info("stopping discord adapter")
	a.SetRunning(false)
	return a.session.Close()
}

// EnsureChannel creates the session's thread under the parent channel and
// records its id.
func (a *Adapter) EnsureChannel(ctx context.Context, sess *store.Session) error {
	if !a.Running() {
		return nil
	}

	meta, err := a.Registry().AdapterMeta(ctx, sess.SessionID, protocol.AdapterDiscord)
	if err != nil {
		return err
	}
	if meta.ThreadID != "" {
		return nil
	}

	thread, err := a.session.ThreadStartComplex(a.cfg.ParentChannelID, &discordgo.ThreadStart{
		Name:                threadName(sess),
		AutoArchiveDuration: threadAutoArchiveMinutes,
		Type:                discordgo.ChannelTypeGuildPublicThread,
	})
	if err != nil {
		return fmt.Errorf("create discord thread: %w", err)
	}

	meta.ThreadID = thread.ID
	meta.ChatID = a.cfg.ParentChannelID
	if err := a.Registry().UpsertAdapterMeta(ctx, meta); err != nil {
		return fmt.Errorf("record discord thread: %w", err)
	}
	slog.Info("discord thread created", "session_id", sess.SessionID, "thread_id", thread.ID)

	a.sendBadge(ctx, sess, meta)
	return nil
}

// sendBadge posts the one-time session header into a fresh thread. Best
// effort; the thread works without it.
func (a *Adapter) sendBadge(ctx context.Context, sess *store.Session, meta *store.AdapterMeta) {
	if meta.BadgeSent {
		return
	}
	badge := fmt.Sprintf("🤖 %s\n%s · %s", threadName(sess), sess.ComputerName, sess.ProjectPath)
	if _, err := a.session.ChannelMessageSend(meta.ThreadID, badge); err != nil {
		slog.Warn("discord badge send failed", "session_id", sess.SessionID, "error", err)
		return
	}
	meta.BadgeSent = true
	if err := a.Registry().UpsertAdapterMeta(ctx, meta); err != nil {
		slog.Warn("discord badge flag update failed", "session_id", sess.SessionID, "error", err)
	}
}

// SendMessage delivers text to the session's thread, splitting past the
// 2000-character cap. Live messages edit the single output message in
// place.
func (a *Adapter) SendMessage(ctx context.Context, sess *store.Session, msg adapters.Message) error {
	if !a.Running() {
		return fmt.Errorf("discord adapter not running")
	}
	meta, err := a.Registry().AdapterMeta(ctx, sess.SessionID, protocol.AdapterDiscord)
	if err != nil {
		return err
	}
	if meta.ThreadID == "" {
		return nil
	}
	if msg.Live {
		return a.editLive(ctx, meta, msg.Text)
	}
	return a.sendChunked(meta.ThreadID, msg.Text)
}

func (a *Adapter) editLive(ctx context.Context, meta *store.AdapterMeta, text string) error {
	text = truncate(text, maxMessageLength)

	if meta.OutputMessageID != "" {
		if _, err := a.session.ChannelMessageEdit(meta.ThreadID, meta.OutputMessageID, text); err == nil {
			return nil
		} else {
			slog.Warn("discord live edit failed, starting fresh message",
				"thread_id", meta.ThreadID, "message_id", meta.OutputMessageID, "error", err)
		}
	}

	sent, err := a.session.ChannelMessageSend(meta.ThreadID, text)
	if err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	meta.OutputMessageID = sent.ID
	return a.Registry().UpsertAdapterMeta(ctx, meta)
}

// sendChunked sends a message, splitting into multiple messages when over
// the cap.
func (a *Adapter) sendChunked(channelID, content string) error {
	for _, chunk := range splitChunks(content) {
		if _, err := a.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// splitChunks cuts content into sendable pieces, preferring to break at a
// newline when one falls in the second half of an over-cap chunk.
func splitChunks(content string) []string {
	var chunks []string
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLength {
			cutAt := maxMessageLength
			if idx := lastIndexByte(content[:maxMessageLength], '\n'); idx > maxMessageLength/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// SendFile delivers a document as a thread attachment.
func (a *Adapter) SendFile(ctx context.Context, sess *store.Session, f adapters.File) error {
	return a.sendAttachment(ctx, sess, f.Name, f.MIME, f.Data, f.Caption)
}

// SendVoice delivers audio as a thread attachment; Discord bots have no
// native voice-note send.
func (a *Adapter) SendVoice(ctx context.Context, sess *store.Session, v adapters.Voice) error {
	name := "voice.ogg"
	if strings.Contains(v.MIME, "mpeg") || strings.Contains(v.MIME, "mp3") {
		name = "voice.mp3"
	}
	return a.sendAttachment(ctx, sess, name, v.MIME, v.Data, v.Caption)
}

func (a *Adapter) sendAttachment(ctx context.Context, sess *store.Session, name, mime string, data []byte, caption string) error {
	if !a.Running() {
		return fmt.Errorf("discord adapter not running")
	}
	meta, err := a.Registry().AdapterMeta(ctx, sess.SessionID, protocol.AdapterDiscord)
	if err != nil {
		return err
	}
	if meta.ThreadID == "" {
		return nil
	}

	_, err = a.session.ChannelMessageSendComplex(meta.ThreadID, &discordgo.MessageSend{
		Content: truncate(caption, maxMessageLength),
		Files: []*discordgo.File{{
			Name:        name,
			ContentType: mime,
			Reader:      bytes.NewReader(data),
		}},
	})
	if err != nil {
		return fmt.Errorf("send discord attachment: %w", err)
	}
	return nil
}

// TypingIndicator triggers Discord's typing affordance; it expires on its
// own, so active=false is a no-op.
func (a *Adapter) TypingIndicator(ctx context.Context, sess *store.Session, active bool) error {
	if !a.Running() || !active {
		return nil
	}
	meta, err := a.Registry().AdapterMeta(ctx, sess.SessionID, protocol.AdapterDiscord)
	if err != nil {
		return err
	}
	if meta.ThreadID == "" {
		return nil
	}
	return a.session.ChannelTyping(meta.ThreadID)
}

// UpdateTitle renames the session's thread.
func (a *Adapter) UpdateTitle(ctx context.Context, sess *store.Session, title string) error {
	if !a.Running() {
		return nil
	}
	meta, err := a.Registry().AdapterMeta(ctx, sess.SessionID, protocol.AdapterDiscord)
	if err != nil {
		return err
	}
	if meta.ThreadID == "" {
		return nil
	}

	_, err = a.session.ChannelEdit(meta.ThreadID, &discordgo.ChannelEdit{
		Name: truncate(title, maxThreadNameLength),
	})
	if err != nil {
		return fmt.Errorf("rename discord thread: %w", err)
	}
	return nil
}

// CloseChannel archives the session's thread. The transcript stays
// readable in the parent channel's thread list.
func (a *Adapter) CloseChannel(ctx context.Context, sess *store.Session) error {
	if !a.Running() {
		return nil
	}
	meta, err := a.Registry().AdapterMeta(ctx, sess.SessionID, protocol.AdapterDiscord)
	if err != nil {
		return err
	}
	if meta.ThreadID == "" {
		return nil
	}

	archived := true
	_, err = a.session.ChannelEdit(meta.ThreadID, &discordgo.ChannelEdit{Archived: &archived})
	if err != nil {
		return fmt.Errorf("archive discord thread: %w", err)
	}
	return nil
}

// DeleteChannel removes the session's thread entirely.
func (a *Adapter) DeleteChannel(ctx context.Context, sess *store.Session) error {
	if !a.Running() {
		return nil
	}
	meta, err := a.Registry().AdapterMeta(ctx, sess.SessionID, protocol.AdapterDiscord)
	if err != nil {
		return err
	}
	if meta.ThreadID == "" {
		return nil
	}

	if _, err := a.session.ChannelDelete(meta.ThreadID); err != nil {
		return fmt.Errorf("delete discord thread: %w", err)
	}
	meta.ThreadID = ""
	if uerr := a.Registry().UpsertAdapterMeta(ctx, meta); uerr != nil {
		slog.Warn("discord thread unbind failed", "session_id", sess.SessionID, "error", uerr)
	}
	return nil
}

// Broadcast posts to the parent channel, outside any session thread.
func (a *Adapter) Broadcast(_ context.Context, text string) error {
	if !a.Running() || a.cfg.ParentChannelID == "" {
		return nil
	}
	return a.sendChunked(a.cfg.ParentChannelID, text)
}

// handleMessage routes inbound gateway messages to sessions by thread id.
func (a *Adapter) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.botUserID || m.Author.Bot {
		return
	}
	if m.GuildID == "" {
		slog.Debug("discord DM ignored", "user_id", m.Author.ID)
		return
	}
	if a.cfg.GuildID != "" && m.GuildID != a.cfg.GuildID {
		return
	}

	ctx := context.Background()
	sess, err := a.Registry().FindByThread(ctx, protocol.AdapterDiscord, m.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("discord message outside a session thread", "channel_id", m.ChannelID)
		return
	}
	if err != nil {
		slog.Error("discord thread lookup failed", "channel_id", m.ChannelID, "error", err)
		return
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		slog.Debug("discord message without content skipped", "channel_id", m.ChannelID)
		return
	}

	entry := &store.InboundEntry{
		SessionID:       sess.SessionID,
		Origin:          protocol.AdapterDiscord,
		MessageType:     store.MessageText,
		Content:         content,
		ActorID:         m.Author.ID,
		ActorName:       resolveDisplayName(m),
		SourceMessageID: m.ID,
		SourceChannelID: m.ChannelID,
	}
	if _, err := a.AcceptInbound(ctx, entry); err != nil {
		slog.Error("discord inbound enqueue failed", "session_id", sess.SessionID, "error", err)
	}
}

func threadName(sess *store.Session) string {
	name := sess.Title
	if name == "" {
		short := sess.SessionID
		if len(short) > 8 {
			short = short[:8]
		}
		name = "session " + short
	}
	return truncate(name, maxThreadNameLength)
}

// resolveDisplayName returns the best available display name for a
// message author: server nickname > global display name > username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// lastIndexByte returns the last index of byte c in s, or -1.
func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
