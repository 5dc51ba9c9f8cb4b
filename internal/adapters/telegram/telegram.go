// Package telegram binds sessions to a Telegram forum supergroup via the
// Bot API using long polling. Member sessions live in forum topics; help
// desk customers talk to the bot in their own DM chat.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/teleclaude/teleclaude/internal/adapters"
	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/identity"
	"github.com/teleclaude/teleclaude/internal/sessions"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

const (
	// Telegram caps message text at 4096 characters and captions at 1024.
	maxMessageLength = 4096
	maxCaptionLength = 1024

	// maxTopicNameLength is the Bot API limit for forum topic names.
	maxTopicNameLength = 128

	// generalTopicID is the implicit "General" topic every forum supergroup
	// has. It is never created by us and never bound to a session.
	generalTopicID = 1

	// defaultEditsPerMinute bounds in-place live edits. Telegram throttles
	// edits per chat, not per topic, so all session topics in the
	// supergroup draw from one budget.
	defaultEditsPerMinute = 20
)

// Adapter connects to Telegram via the Bot API using long polling.
type Adapter struct {
	adapters.BaseAdapter

	cfg   config.TelegramConfig
	ident *identity.Resolver
	bot   *telego.Bot

	mu    sync.Mutex
	edits map[int64]*rate.Limiter // chat id -> live-edit budget

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the Telegram adapter. The bot token is validated locally
// only; the first API call happens in Start.
func New(cfg *config.Config, registry *sessions.Registry, inbound store.InboundQueueStore, ident *identity.Resolver) (*Adapter, error) {
	tg := cfg.Adapters.Telegram
	bot, err := telego.NewBot(tg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return &Adapter{
		BaseAdapter: adapters.NewBaseAdapter(protocol.AdapterTelegram, maxMessageLength, registry, inbound),
		cfg:         tg,
		ident:       ident,
		bot:         bot,
		edits:       map[int64]*rate.Limiter{},
	}, nil
}

// Enabled reports whether the adapter is configured to run.
func (a *Adapter) Enabled() bool {
	return a.cfg.Enabled && a.cfg.Token != ""
}

// Start begins long polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) error {
	slog.Info("starting telegram adapter (polling mode)")

	// Stop cancels this context to cleanly shut down long polling.
	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	a.SetRunning(true)
	slog.Info("telegram adapter connected", "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					a.handleMessage(pollCtx, update.Message)
				} else {
					slog.Debug("telegram update skipped (no message)", "update_id", update.UpdateID)
				}
			}
		}
	}()

	return nil
}

// Stop shuts the adapter down by cancelling the long polling context and
// waiting for the polling goroutine to exit.
func (a *Adapter) Stop(_ context.Context) error {
	slog.Info("stopping telegram adapter")
	a.SetRunning(false)

	if a.pollCancel != nil {
		a.pollCancel()
	}

	// Wait for the polling goroutine to fully exit so that Telegram
	// releases the getUpdates lock before a new instance starts.
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
			slog.Info("telegram adapter stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram adapter stop timed out waiting for polling goroutine")
		}
	}
	return nil
}

// EnsureChannel creates the session's forum topic in the supergroup and
// records its id. Customer sessions skip this: they live in the
// customer's own DM chat, bound by the inbound path.
func (a *Adapter) EnsureChannel(ctx context.Context, sess *store.Session) error {
	if !a.Running() || sess.HumanRole == store.RoleCustomer || a.cfg.SupergroupID == 0 {
		return nil
	}

	meta, err := a.Registry().AdapterMeta(ctx, sess.SessionID, protocol.AdapterTelegram)
	if err != nil {
		return err
	}
	if meta.TopicID != 0 {
		return nil
	}

	topic, err := a.bot.CreateForumTopic(ctx, &telego.CreateForumTopicParams{
		ChatID: tu.ID(a.cfg.SupergroupID),
		Name:   topicName(sess),
	})
	if err != nil {
		return fmt.Errorf("create forum topic: %w", err)
	}

	meta.TopicID = int64(topic.MessageThreadID)
	meta.ChatID = strconv.FormatInt(a.cfg.SupergroupID, 10)
	if err := a.Registry().UpsertAdapterMeta(ctx, meta); err != nil {
		return fmt.Errorf("record forum topic: %w", err)
	}
	slog.Info("telegram topic created", "session_id", sess.SessionID, "topic_id", meta.TopicID)

	a.sendBadge(ctx, sess, meta)
	return nil
}

// sendBadge posts the one-time session header into a fresh topic.
// Best effort; the topic works without it.
func (a *Adapter) sendBadge(ctx context.Context, sess *store.Session, meta *store.AdapterMeta) {
	if meta.BadgeSent {
		return
	}
	badge := fmt.Sprintf("🤖 %s\n%s · %s", topicName(sess), sess.ComputerName, sess.ProjectPath)
	if _, err := a.post(ctx, a.cfg.SupergroupID, int(meta.TopicID), badge); err != nil {
		slog.Warn("telegram badge send failed", "session_id", sess.SessionID, "error", err)
		return
	}
	meta.BadgeSent = true
	if err := a.Registry().UpsertAdapterMeta(ctx, meta); err != nil {
		slog.Warn("telegram badge flag update failed", "session_id", sess.SessionID, "error", err)
	}
}

// SendMessage delivers text to the session's topic or customer chat.
// Live messages edit the session's single output message in place.
func (a *Adapter) SendMessage(ctx context.Context, sess *store.Session, msg adapters.Message) error {
	if !a.Running() {
		return fmt.Errorf("telegram adapter not running")
	}
	chatID, threadID, meta, err := a.target(ctx, sess)
	if err != nil || chatID == 0 {
		return err
	}
	if msg.Live {
		return a.editLive(ctx, meta, chatID, threadID, msg.Text)
	}
	_, err = a.post(ctx, chatID, threadID, msg.Text)
	return err
}

// editLive maintains the session's single in-place-edited output message.
// When the per-chat edit budget is spent the call is skipped; the next
// poll tick carries the newer text.
func (a *Adapter) editLive(ctx context.Context, meta *store.AdapterMeta, chatID int64, threadID int, text string) error {
	text = truncate(text, maxMessageLength)

	if meta.OutputMessageID != "" {
		if !a.editBudget(chatID).Allow() {
			return nil
		}
		messageID, convErr := strconv.Atoi(meta.OutputMessageID)
		if convErr == nil {
			err := a.edit(ctx, chatID, messageID, text)
			if err == nil || isNotModified(err) {
				return nil
			}
			slog.Warn("telegram live edit failed, starting fresh message",
				"chat_id", chatID, "message_id", messageID, "error", err)
		}
	}

	sent, err := a.post(ctx, chatID, threadID, text)
	if err != nil {
		return err
	}
	meta.OutputMessageID = strconv.Itoa(sent.MessageID)
	return a.Registry().UpsertAdapterMeta(ctx, meta)
}

// SendFile delivers a document. Images are downscaled and sent as photos
// so chat clients render them inline.
func (a *Adapter) SendFile(ctx context.Context, sess *store.Session, f adapters.File) error {
	if !a.Running() {
		return fmt.Errorf("telegram adapter not running")
	}
	chatID, threadID, _, err := a.target(ctx, sess)
	if err != nil || chatID == 0 {
		return err
	}

	caption := truncate(f.Caption, maxCaptionLength)
	if isImageMIME(f.MIME) {
		params := &telego.SendPhotoParams{
			ChatID:  tu.ID(chatID),
			Photo:   tu.File(tu.NameReader(bytes.NewReader(fitImage(f.Data)), f.Name)),
			Caption: caption,
		}
		if threadID > 0 {
			params.MessageThreadID = threadID
		}
		_, err = a.bot.SendPhoto(ctx, params)
		return err
	}

	params := &telego.SendDocumentParams{
		ChatID:   tu.ID(chatID),
		Document: tu.File(tu.NameReader(bytes.NewReader(f.Data), f.Name)),
		Caption:  caption,
	}
	if threadID > 0 {
		params.MessageThreadID = threadID
	}
	_, err = a.bot.SendDocument(ctx, params)
	return err
}

// SendVoice delivers an audio payload as a Telegram voice note.
func (a *Adapter) SendVoice(ctx context.Context, sess *store.Session, v adapters.Voice) error {
	if !a.Running() {
		return fmt.Errorf("telegram adapter not running")
	}
	chatID, threadID, _, err := a.target(ctx, sess)
	if err != nil || chatID == 0 {
		return err
	}

	params := &telego.SendVoiceParams{
		ChatID:  tu.ID(chatID),
		Voice:   tu.File(tu.NameReader(bytes.NewReader(v.Data), voiceFileName(v.MIME))),
		Caption: truncate(v.Caption, maxCaptionLength),
	}
	if threadID > 0 {
		params.MessageThreadID = threadID
	}
	_, err = a.bot.SendVoice(ctx, params)
	return err
}

// TypingIndicator shows the typing chat action. Telegram auto-expires it
// after a few seconds, so active=false is a no-op.
func (a *Adapter) TypingIndicator(ctx context.Context, sess *store.Session, active bool) error {
	if !a.Running() || !active {
		return nil
	}
	chatID, threadID, _, err := a.target(ctx, sess)
	if err != nil || chatID == 0 {
		return err
	}

	action := tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)
	// Unlike sends, chat actions accept the General topic id.
	if threadID > 0 {
		action.MessageThreadID = threadID
	}
	return a.bot.SendChatAction(ctx, action)
}

// UpdateTitle renames the session's forum topic.
func (a *Adapter) UpdateTitle(ctx context.Context, sess *store.Session, title string) error {
	if !a.Running() {
		return nil
	}
	meta, err := a.Registry().AdapterMeta(ctx, sess.SessionID, protocol.AdapterTelegram)
	if err != nil {
		return err
	}
	if meta.TopicID == 0 || a.cfg.SupergroupID == 0 {
		return nil
	}

	err = a.bot.EditForumTopic(ctx, &telego.EditForumTopicParams{
		ChatID:          tu.ID(a.cfg.SupergroupID),
		MessageThreadID: int(meta.TopicID),
		Name:            truncate(title, maxTopicNameLength),
	})
	if err != nil && !isNotModified(err) {
		return fmt.Errorf("edit forum topic: %w", err)
	}
	return nil
}

// CloseChannel closes the session's forum topic. The transcript stays
// visible in the supergroup.
func (a *Adapter) CloseChannel(ctx context.Context, sess *store.Session) error {
	meta, topicID, err := a.topicOf(ctx, sess)
	if err != nil || topicID == 0 {
		return err
	}
	err = a.bot.CloseForumTopic(ctx, &telego.CloseForumTopicParams{
		ChatID:          tu.ID(a.cfg.SupergroupID),
		MessageThreadID: topicID,
	})
	if err != nil {
		return fmt.Errorf("close forum topic %d: %w", meta.TopicID, err)
	}
	return nil
}

// DeleteChannel removes the session's forum topic and its messages.
func (a *Adapter) DeleteChannel(ctx context.Context, sess *store.Session) error {
	meta, topicID, err := a.topicOf(ctx, sess)
	if err != nil || topicID == 0 {
		return err
	}
	err = a.bot.DeleteForumTopic(ctx, &telego.DeleteForumTopicParams{
		ChatID:          tu.ID(a.cfg.SupergroupID),
		MessageThreadID: topicID,
	})
	if err != nil {
		return fmt.Errorf("delete forum topic %d: %w", meta.TopicID, err)
	}
	meta.TopicID = 0
	if uerr := a.Registry().UpsertAdapterMeta(ctx, meta); uerr != nil {
		slog.Warn("telegram topic unbind failed", "session_id", sess.SessionID, "error", uerr)
	}
	return nil
}

// Broadcast posts to the supergroup's General topic.
func (a *Adapter) Broadcast(ctx context.Context, text string) error {
	if !a.Running() || a.cfg.SupergroupID == 0 {
		return nil
	}
	_, err := a.post(ctx, a.cfg.SupergroupID, 0, text)
	return err
}

// SendDirect delivers a notification to a person's private chat with the
// bot. recipient is the numeric chat id from the people config.
func (a *Adapter) SendDirect(ctx context.Context, recipient, subject, body string) error {
	chatID, err := parseChatID(recipient)
	if err != nil {
		return fmt.Errorf("bad telegram recipient %q: %w", recipient, err)
	}
	text := body
	if subject != "" {
		text = subject + "\n\n" + body
	}
	_, err = a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), truncate(text, maxMessageLength)))
	return err
}

// target resolves where a session's deliveries go: the customer's DM chat
// for help desk sessions, otherwise the supergroup topic. A zero chat id
// means the session has no Telegram channel and the delivery is skipped.
func (a *Adapter) target(ctx context.Context, sess *store.Session) (int64, int, *store.AdapterMeta, error) {
	meta, err := a.Registry().AdapterMeta(ctx, sess.SessionID, protocol.AdapterTelegram)
	if err != nil {
		return 0, 0, nil, err
	}

	if sess.HumanRole == store.RoleCustomer {
		if meta.ChatID == "" {
			return 0, 0, meta, nil
		}
		chatID, perr := parseChatID(meta.ChatID)
		if perr != nil {
			return 0, 0, meta, fmt.Errorf("bad stored chat id %q: %w", meta.ChatID, perr)
		}
		return chatID, 0, meta, nil
	}

	if meta.TopicID == 0 || a.cfg.SupergroupID == 0 {
		return 0, 0, meta, nil
	}
	return a.cfg.SupergroupID, resolveThreadIDForSend(int(meta.TopicID)), meta, nil
}

func (a *Adapter) topicOf(ctx context.Context, sess *store.Session) (*store.AdapterMeta, int, error) {
	if !a.Running() || a.cfg.SupergroupID == 0 {
		return nil, 0, nil
	}
	meta, err := a.Registry().AdapterMeta(ctx, sess.SessionID, protocol.AdapterTelegram)
	if err != nil {
		return nil, 0, err
	}
	return meta, int(meta.TopicID), nil
}

// post sends one message, trying MarkdownV2 first and falling back to
// plain text when Telegram rejects the entity markup.
func (a *Adapter) post(ctx context.Context, chatID int64, threadID int, text string) (*telego.Message, error) {
	text = truncate(text, maxMessageLength)

	params := &telego.SendMessageParams{
		ChatID:    tu.ID(chatID),
		Text:      ToMarkdownV2(text),
		ParseMode: telego.ModeMarkdownV2,
	}
	if threadID > 0 {
		params.MessageThreadID = threadID
	}

	sent, err := a.bot.SendMessage(ctx, params)
	if err != nil && isParseError(err) {
		slog.Warn("telegram rejected markdown, resending plain", "chat_id", chatID, "error", err)
		params.Text = text
		params.ParseMode = ""
		sent, err = a.bot.SendMessage(ctx, params)
	}
	return sent, err
}

// edit rewrites an existing message, with the same markdown fallback as
// post.
func (a *Adapter) edit(ctx context.Context, chatID int64, messageID int, text string) error {
	params := &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      ToMarkdownV2(text),
		ParseMode: telego.ModeMarkdownV2,
	}
	_, err := a.bot.EditMessageText(ctx, params)
	if err != nil && isParseError(err) {
		params.Text = text
		params.ParseMode = ""
		_, err = a.bot.EditMessageText(ctx, params)
	}
	return err
}

func (a *Adapter) editBudget(chatID int64) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	limiter, ok := a.edits[chatID]
	if !ok {
		perMinute := a.cfg.EditsPerMinute
		if perMinute <= 0 {
			perMinute = defaultEditsPerMinute
		}
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
		a.edits[chatID] = limiter
	}
	return limiter
}

// resolveThreadIDForSend maps the General topic to 0. Sends that name the
// General topic id explicitly are rejected by Telegram with "message
// thread not found"; omitting the id lands in General.
func resolveThreadIDForSend(threadID int) int {
	if threadID == generalTopicID {
		return 0
	}
	return threadID
}

func topicName(sess *store.Session) string {
	name := sess.Title
	if name == "" {
		short := sess.SessionID
		if len(short) > 8 {
			short = short[:8]
		}
		name = "session " + short
	}
	return truncate(name, maxTopicNameLength)
}

func parseChatID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, err
	}
	return id, nil
}

func voiceFileName(mime string) string {
	if strings.Contains(mime, "mpeg") || strings.Contains(mime, "mp3") {
		return "voice.mp3"
	}
	return "voice.ogg"
}

func isParseError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "can't parse entities")
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not modified")
}
