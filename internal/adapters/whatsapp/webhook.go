package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/teleclaude/teleclaude/internal/identity"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// maxMediaBytes caps inbound media downloads.
const maxMediaBytes int64 = 20 * 1024 * 1024

// handleWebhook serves Meta's single webhook URL: GET is the subscription
// handshake, POST is event delivery.
func (a *Adapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleVerify(w, r)
	case http.MethodPost:
		a.handleEvents(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *Adapter) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && a.cfg.VerifyToken != "" && q.Get("hub.verify_token") == a.cfg.VerifyToken {
		_, _ = w.Write([]byte(q.Get("hub.challenge")))
		return
	}
	slog.Warn("whatsapp webhook verification rejected", "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusForbidden)
}

func (a *Adapter) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !a.validSignature(r.Header.Get("X-Hub-Signature-256"), body) {
		slog.Warn("whatsapp webhook signature mismatch", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Warn("whatsapp webhook payload unreadable", "error", err)
		// Redelivery would not parse any better.
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx := r.Context()
	accepted := true
	for _, msg := range payload.inbound() {
		if !a.limiter.Allow(msg.From) {
			slog.Warn("whatsapp sender rate limited", "phone", msg.From)
			continue
		}
		if err := a.acceptMessage(ctx, msg); err != nil {
			slog.Error("whatsapp inbound failed", "wamid", msg.ID, "error", err)
			accepted = false
		}
	}
	if !accepted {
		// Non-200 makes Meta redeliver the batch; wamid dedup absorbs the
		// messages that already landed.
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// validSignature checks Meta's X-Hub-Signature-256 HMAC over the raw body.
// Everything passes when no app secret is configured; Start warns about
// that once.
func (a *Adapter) validSignature(header string, body []byte) bool {
	if a.cfg.AppSecret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.cfg.AppSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// webhookPayload is the subset of Meta's webhook envelope the adapter
// consumes. Status updates and other change kinds fall away in parsing.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type changeValue struct {
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []waMessage `json:"messages"`
}

type waMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Audio    *mediaRef `json:"audio"`
	Document *mediaRef `json:"document"`
	Image    *mediaRef `json:"image"`
	Video    *mediaRef `json:"video"`

	senderName string // resolved from the contacts block, not wire data
}

type mediaRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
	Voice    bool   `json:"voice"`
}

// inbound flattens the envelope into messages with sender names attached.
func (p *webhookPayload) inbound() []waMessage {
	var out []waMessage
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			names := make(map[string]string, len(ch.Value.Contacts))
			for _, c := range ch.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range ch.Value.Messages {
				m.senderName = names[m.From]
				out = append(out, m)
			}
		}
	}
	return out
}

func (a *Adapter) acceptMessage(ctx context.Context, msg waMessage) error {
	phone := identity.NormalizePhone(msg.From)
	sess, created, err := a.ident.CustomerSession(ctx, protocol.AdapterWhatsApp, phone, msg.senderName)
	if errors.Is(err, identity.ErrNoHelpDesk) {
		slog.Warn("customer message with no help desk project configured", "phone", phone)
		a.replyUnavailable(ctx, phone)
		return nil
	}
	if err != nil {
		return err
	}
	if created {
		slog.Info("help desk session opened",
			"session_id", sess.SessionID, "phone", phone, "name", msg.senderName)
	}

	entry := a.buildEntry(ctx, sess, msg)
	if entry == nil {
		return nil
	}
	if _, err := a.AcceptInbound(ctx, entry); err != nil {
		return err
	}
	a.touchWindow(ctx, sess.SessionID, phone)
	return nil
}

// buildEntry maps a webhook message onto a queue entry. A nil return means
// there is nothing to enqueue. Media download failures degrade to a text
// placeholder rather than an error, so Meta's redelivery loop cannot hammer
// an unfetchable attachment forever.
func (a *Adapter) buildEntry(ctx context.Context, sess *store.Session, msg waMessage) *store.InboundEntry {
	entry := &store.InboundEntry{
		SessionID:       sess.SessionID,
		Origin:          protocol.AdapterWhatsApp,
		MessageType:     store.MessageText,
		ActorID:         identity.NormalizePhone(msg.From),
		ActorName:       msg.senderName,
		SourceMessageID: msg.ID,
		SourceChannelID: identity.NormalizePhone(msg.From),
	}

	switch {
	case msg.Text != nil && strings.TrimSpace(msg.Text.Body) != "":
		entry.Content = strings.TrimSpace(msg.Text.Body)
	case msg.Audio != nil:
		return a.mediaEntry(ctx, entry, msg.Audio, "[voice message]")
	case msg.Image != nil:
		return a.mediaEntry(ctx, entry, msg.Image, msg.Image.Caption)
	case msg.Document != nil:
		return a.mediaEntry(ctx, entry, msg.Document, msg.Document.Caption)
	case msg.Video != nil:
		entry.Content = strings.TrimSpace("[video received, not supported]\n" + msg.Video.Caption)
	default:
		slog.Debug("whatsapp message type skipped", "type", msg.Type, "wamid", msg.ID)
		return nil
	}
	return entry
}

func (a *Adapter) mediaEntry(ctx context.Context, entry *store.InboundEntry, ref *mediaRef, caption string) *store.InboundEntry {
	path, err := a.downloadMedia(ctx, ref)
	if err != nil {
		slog.Warn("whatsapp media download failed", "media_id", ref.ID, "error", err)
		entry.Content = strings.TrimSpace("[attachment could not be retrieved]\n" + caption)
		return entry
	}
	payload, err := json.Marshal(protocol.SendFileRequest{
		Path:      path,
		Caption:   caption,
		Origin:    protocol.AdapterWhatsApp,
		ActorID:   entry.ActorID,
		ActorName: entry.ActorName,
	})
	if err != nil {
		slog.Warn("whatsapp media payload encode failed", "error", err)
		entry.Content = strings.TrimSpace("[attachment could not be retrieved]\n" + caption)
		return entry
	}
	entry.MessageType = store.MessageFile
	entry.Content = path
	entry.PayloadJSON = string(payload)
	return entry
}

// downloadMedia resolves a media id to its ephemeral URL and fetches the
// bytes into a temp file. Both requests carry the bearer token.
func (a *Adapter) downloadMedia(ctx context.Context, ref *mediaRef) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, graphBaseURL+"/"+ref.ID, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve media url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve media url: status %d", resp.StatusCode)
	}
	var info struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return "", fmt.Errorf("decode media info: %w", err)
	}
	if info.URL == "" {
		return "", fmt.Errorf("media %s has no download url", ref.ID)
	}

	dlReq, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return "", err
	}
	dlReq.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	dlResp, err := a.client.Do(dlReq)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch media: status %d", dlResp.StatusCode)
	}

	ext := mediaExt(ref, info.MimeType)
	tmpFile, err := os.CreateTemp("", "teleclaude_media_*"+ext)
	if err != nil {
		return "", err
	}
	written, err := io.Copy(tmpFile, io.LimitReader(dlResp.Body, maxMediaBytes+1))
	closeErr := tmpFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpFile.Name())
		return "", err
	}
	if written > maxMediaBytes {
		_ = os.Remove(tmpFile.Name())
		return "", fmt.Errorf("media %s exceeds %d bytes", ref.ID, maxMediaBytes)
	}
	return tmpFile.Name(), nil
}

// mediaExt picks a file extension from the original filename or MIME type.
func mediaExt(ref *mediaRef, mimeType string) string {
	if ref.Filename != "" {
		if i := strings.LastIndex(ref.Filename, "."); i >= 0 {
			return ref.Filename[i:]
		}
	}
	mt := mimeType
	if mt == "" {
		mt = ref.MimeType
	}
	// Meta reports parameters like "audio/ogg; codecs=opus".
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	// The media types the Cloud API accepts, pinned so names do not depend
	// on the host's mime tables.
	switch mt {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/aac":
		return ".aac"
	case "audio/amr":
		return ".amr"
	case "video/mp4":
		return ".mp4"
	case "application/pdf":
		return ".pdf"
	}
	if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// touchWindow restarts the 24h service window on customer activity.
func (a *Adapter) touchWindow(ctx context.Context, sessionID, phone string) {
	meta, err := a.Registry().AdapterMeta(ctx, sessionID, protocol.AdapterWhatsApp)
	if err != nil {
		slog.Warn("whatsapp meta lookup failed", "session_id", sessionID, "error", err)
		return
	}
	now := time.Now().UTC()
	meta.Phone = phone
	meta.LastCustomerMessageAt = &now
	if err := a.Registry().UpsertAdapterMeta(ctx, meta); err != nil {
		slog.Warn("whatsapp service window update failed", "session_id", sessionID, "error", err)
	}
}

func (a *Adapter) replyUnavailable(ctx context.Context, phone string) {
	const notice = "No one is available to take your message right now. Please try again later."
	if err := a.sendText(ctx, phone, notice); err != nil {
		slog.Warn("whatsapp notice send failed", "phone", phone, "error", err)
	}
}
