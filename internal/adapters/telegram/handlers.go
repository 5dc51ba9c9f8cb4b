package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/teleclaude/teleclaude/internal/identity"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// handleMessage routes one inbound update: help desk chats resolve to a
// customer session, supergroup messages route by forum topic, and
// anything else is ignored.
func (a *Adapter) handleMessage(ctx context.Context, message *telego.Message) {
	if message.From == nil || message.From.IsBot {
		return
	}
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}

	switch {
	case a.isHelpDeskChat(message.Chat.ID):
		a.handleCustomerMessage(ctx, message)
	case a.cfg.SupergroupID != 0 && message.Chat.ID == a.cfg.SupergroupID:
		a.handleTopicMessage(ctx, message)
	default:
		slog.Debug("telegram message outside managed chats", "chat_id", message.Chat.ID)
	}
}

func (a *Adapter) handleTopicMessage(ctx context.Context, message *telego.Message) {
	topicID := message.MessageThreadID
	if topicID == 0 || topicID == generalTopicID {
		slog.Debug("telegram message outside a session topic", "chat_id", message.Chat.ID)
		return
	}

	sess, err := a.Registry().FindByTopic(ctx, protocol.AdapterTelegram, int64(topicID))
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("telegram topic has no active session", "topic_id", topicID)
		return
	}
	if err != nil {
		slog.Error("telegram topic lookup failed", "topic_id", topicID, "error", err)
		return
	}
	a.enqueue(ctx, sess, message)
}

func (a *Adapter) handleCustomerMessage(ctx context.Context, message *telego.Message) {
	chatID := strconv.FormatInt(message.Chat.ID, 10)

	sess, created, err := a.ident.CustomerSession(ctx, protocol.AdapterTelegram, chatID, displayName(message.From))
	if errors.Is(err, identity.ErrNoHelpDesk) {
		slog.Warn("customer message arrived with no help desk project configured", "chat_id", chatID)
		a.reply(ctx, message.Chat.ID, "No one is available to take your message right now. Please try again later.")
		return
	}
	if err != nil {
		slog.Error("customer session resolution failed", "chat_id", chatID, "error", err)
		return
	}
	if created {
		slog.Info("help desk session opened", "session_id", sess.SessionID, "chat_id", chatID)
	}
	a.enqueue(ctx, sess, message)
}

func (a *Adapter) enqueue(ctx context.Context, sess *store.Session, message *telego.Message) {
	entry, err := a.buildEntry(ctx, sess, message)
	if err != nil {
		slog.Warn("telegram inbound dropped", "session_id", sess.SessionID, "error", err)
		return
	}
	if _, err := a.AcceptInbound(ctx, entry); err != nil {
		slog.Error("telegram inbound enqueue failed", "session_id", sess.SessionID, "error", err)
	}
}

// buildEntry normalizes a Telegram message into a queue entry. Media is
// downloaded to local temp files before enqueueing so the entry survives
// Telegram's file-id expiry.
func (a *Adapter) buildEntry(ctx context.Context, sess *store.Session, message *telego.Message) (*store.InboundEntry, error) {
	entry := &store.InboundEntry{
		SessionID:       sess.SessionID,
		Origin:          protocol.AdapterTelegram,
		MessageType:     store.MessageText,
		ActorID:         strconv.FormatInt(message.From.ID, 10),
		ActorName:       displayName(message.From),
		SourceMessageID: strconv.Itoa(message.MessageID),
		SourceChannelID: strconv.FormatInt(message.Chat.ID, 10),
	}

	switch {
	case message.Voice != nil:
		return a.voiceEntry(ctx, entry, message.Voice.FileID, message.Voice.Duration, message.Caption)
	case message.Audio != nil:
		return a.voiceEntry(ctx, entry, message.Audio.FileID, message.Audio.Duration, message.Caption)
	case message.Document != nil:
		return a.fileEntry(ctx, entry, message.Document.FileID, message.Document.FileName, message.Caption, false)
	case len(message.Photo) > 0:
		// Telegram lists renditions smallest first; take the largest.
		photo := message.Photo[len(message.Photo)-1]
		return a.fileEntry(ctx, entry, photo.FileID, "photo.jpg", message.Caption, true)
	case message.Video != nil:
		entry.Content = strings.TrimSpace("[video received, not supported]\n" + message.Caption)
		return entry, nil
	case message.Sticker != nil:
		entry.Content = strings.TrimSpace("[sticker] " + message.Sticker.Emoji)
		return entry, nil
	default:
		content := messageContent(message)
		if content == "" {
			return nil, fmt.Errorf("empty message")
		}
		entry.Content = content
		return entry, nil
	}
}

// voiceEntry downloads a voice note and transcribes it when an STT proxy
// is configured. Without a transcript the agent still learns that a voice
// message arrived and where its audio landed.
func (a *Adapter) voiceEntry(ctx context.Context, entry *store.InboundEntry, fileID string, seconds int, caption string) (*store.InboundEntry, error) {
	path, err := a.download(ctx, fileID, "voice.ogg")
	if err != nil {
		return nil, fmt.Errorf("download voice: %w", err)
	}

	var transcript string
	if a.cfg.STTProxyURL != "" {
		transcript, err = a.transcribe(ctx, path)
		if err != nil {
			slog.Warn("voice transcription failed", "session_id", entry.SessionID, "error", err)
		}
	}

	if transcript == "" {
		entry.Content = fmt.Sprintf("[voice message, %ds, saved at %s]", seconds, path)
		if caption != "" {
			entry.Content += "\n" + caption
		}
		return entry, nil
	}

	entry.MessageType = store.MessageVoice
	entry.Content = transcript
	payload, err := json.Marshal(protocol.SendVoiceRequest{
		Transcript: transcript,
		AudioPath:  path,
		Origin:     protocol.AdapterTelegram,
		ActorID:    entry.ActorID,
		ActorName:  entry.ActorName,
	})
	if err != nil {
		return nil, err
	}
	entry.PayloadJSON = string(payload)
	return entry, nil
}

func (a *Adapter) fileEntry(ctx context.Context, entry *store.InboundEntry, fileID, name, caption string, image bool) (*store.InboundEntry, error) {
	path, err := a.download(ctx, fileID, name)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	if image {
		scaled, derr := downscaleImage(path)
		if derr != nil {
			slog.Warn("image downscale failed, passing original", "path", path, "error", derr)
		} else {
			path = scaled
		}
	}

	entry.MessageType = store.MessageFile
	entry.Content = path
	payload, err := json.Marshal(protocol.SendFileRequest{
		Path:      path,
		Caption:   caption,
		Origin:    protocol.AdapterTelegram,
		ActorID:   entry.ActorID,
		ActorName: entry.ActorName,
	})
	if err != nil {
		return nil, err
	}
	entry.PayloadJSON = string(payload)
	return entry, nil
}

func (a *Adapter) reply(ctx context.Context, chatID int64, text string) {
	if _, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		slog.Warn("telegram reply failed", "chat_id", chatID, "error", err)
	}
}

func (a *Adapter) isHelpDeskChat(chatID int64) bool {
	for _, id := range a.cfg.HelpDeskChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// isServiceMessage reports messages with no forwardable content: topic
// lifecycle events, member joins, pins.
func isServiceMessage(message *telego.Message) bool {
	return message.Text == "" &&
		message.Caption == "" &&
		message.Voice == nil &&
		message.Audio == nil &&
		message.Document == nil &&
		len(message.Photo) == 0 &&
		message.Video == nil &&
		message.Sticker == nil
}

func messageContent(message *telego.Message) string {
	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}
	return strings.TrimSpace(content)
}

func displayName(user *telego.User) string {
	if user == nil {
		return ""
	}
	if user.Username != "" {
		return "@" + user.Username
	}
	name := user.FirstName
	if user.LastName != "" {
		name += " " + user.LastName
	}
	return strings.TrimSpace(name)
}
