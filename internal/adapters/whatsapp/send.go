package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/teleclaude/teleclaude/internal/adapters"
	"github.com/teleclaude/teleclaude/internal/identity"
	"github.com/teleclaude/teleclaude/internal/providers"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

const (
	maxCaptionLength = 1024

	// reEngagementCode is Meta's error for free-form sends attempted
	// outside the 24h customer service window.
	reEngagementCode = "131047"

	// templateCooldown spaces out re-engagement templates so a closed
	// window does not turn every queued delivery into a template blast.
	templateCooldown = time.Hour
)

// SendMessage delivers session output to the customer's conversation. Live
// frames are coalesced by the live buffer since messages cannot be edited
// after the fact; final text goes out immediately.
func (a *Adapter) SendMessage(ctx context.Context, sess *store.Session, msg adapters.Message) error {
	if !a.Running() {
		return fmt.Errorf("whatsapp adapter not running")
	}
	meta, err := a.Registry().AdapterMeta(ctx, sess.SessionID, protocol.AdapterWhatsApp)
	if err != nil {
		return err
	}
	if meta.Phone == "" {
		return nil
	}
	if msg.Live {
		a.live.put(sess.SessionID, meta.Phone, msg.Text)
		return nil
	}
	if !withinServiceWindow(meta) {
		return a.windowFallback(ctx, meta.Phone)
	}
	return a.sendText(ctx, meta.Phone, msg.Text)
}

// SendFile uploads the bytes to Meta's media endpoint and references the
// returned id in a follow-up message. Images go out inline, everything else
// as a document download.
func (a *Adapter) SendFile(ctx context.Context, sess *store.Session, f adapters.File) error {
	if !a.Running() {
		return fmt.Errorf("whatsapp adapter not running")
	}
	meta, err := a.Registry().AdapterMeta(ctx, sess.SessionID, protocol.AdapterWhatsApp)
	if err != nil {
		return err
	}
	if meta.Phone == "" {
		return nil
	}
	if !withinServiceWindow(meta) {
		return a.windowFallback(ctx, meta.Phone)
	}
	mediaID, err := a.uploadMedia(ctx, f.Name, f.MIME, f.Data)
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}
	kind := "document"
	if strings.HasPrefix(f.MIME, "image/") {
		kind = "image"
	}
	return a.graphPost(ctx, "messages", mediaPayload(meta.Phone, kind, mediaID, truncate(f.Caption, maxCaptionLength), f.Name))
}

// SendVoice uploads the audio and sends it as a voice note. Audio messages
// carry no caption on this platform, so a transcript follows as plain text.
func (a *Adapter) SendVoice(ctx context.Context, sess *store.Session, v adapters.Voice) error {
	if !a.Running() {
		return fmt.Errorf("whatsapp adapter not running")
	}
	meta, err := a.Registry().AdapterMeta(ctx, sess.SessionID, protocol.AdapterWhatsApp)
	if err != nil {
		return err
	}
	if meta.Phone == "" {
		return nil
	}
	if !withinServiceWindow(meta) {
		return a.windowFallback(ctx, meta.Phone)
	}
	mediaID, err := a.uploadMedia(ctx, voiceFileName(v.MIME), v.MIME, v.Data)
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}
	if err := a.graphPost(ctx, "messages", mediaPayload(meta.Phone, "audio", mediaID, "", "")); err != nil {
		return err
	}
	if v.Caption != "" {
		return a.sendText(ctx, meta.Phone, v.Caption)
	}
	return nil
}

// SendDirect delivers an out-of-session notification to a person's WhatsApp.
// recipient is their phone number in any formatting.
func (a *Adapter) SendDirect(ctx context.Context, recipient, subject, body string) error {
	phone := identity.NormalizePhone(recipient)
	if phone == "" {
		return fmt.Errorf("bad whatsapp recipient %q", recipient)
	}
	text := body
	if subject != "" {
		text = subject + "\n\n" + body
	}
	return a.sendText(ctx, phone, text)
}

// sendText posts a free-form text message. When Meta rejects it for a lapsed
// service window the pre-approved template goes out instead, which reopens
// the window once the customer replies.
func (a *Adapter) sendText(ctx context.Context, phone, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	err := a.graphPost(ctx, "messages", textPayload(phone, truncate(text, maxMessageLength)))
	if isWindowClosed(err) {
		slog.Warn("whatsapp rejected send outside service window", "error", err)
		return a.windowFallback(ctx, phone)
	}
	return err
}

func (a *Adapter) sendTemplate(ctx context.Context, phone string) error {
	return a.graphPost(ctx, "messages", templatePayload(phone, a.cfg.TemplateName))
}

// windowFallback handles a delivery that cannot go out free-form. With a
// template configured it nudges the customer at most once per cooldown;
// without one the caller gets a non-retryable platform error.
func (a *Adapter) windowFallback(ctx context.Context, phone string) error {
	if a.cfg.TemplateName == "" {
		slog.Warn("whatsapp service window closed and no template configured", "phone", phone)
		return &providers.HTTPError{
			Status: http.StatusForbidden,
			Body:   "outside 24h customer service window",
		}
	}
	if last, ok := a.templateSent.Load(phone); ok {
		if t, ok := last.(time.Time); ok && time.Since(t) < templateCooldown {
			return nil
		}
	}
	slog.Warn("whatsapp service window closed, sending re-engagement template",
		"template", a.cfg.TemplateName)
	if err := a.sendTemplate(ctx, phone); err != nil {
		return err
	}
	a.templateSent.Store(phone, time.Now())
	return nil
}

// withinServiceWindow reports whether Meta still accepts free-form sends,
// which it does for 24h after the customer's last message.
func withinServiceWindow(meta *store.AdapterMeta) bool {
	return meta.LastCustomerMessageAt != nil && time.Since(*meta.LastCustomerMessageAt) < serviceWindow
}

// isWindowClosed matches Meta's re-engagement rejection.
func isWindowClosed(err error) bool {
	var httpErr *providers.HTTPError
	return errors.As(err, &httpErr) && strings.Contains(httpErr.Body, reEngagementCode)
}

func textPayload(phone, body string) map[string]any {
	return map[string]any{
		"messaging_product": "whatsapp",
		"to":                phone,
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": body},
	}
}

func templatePayload(phone, name string) map[string]any {
	return map[string]any{
		"messaging_product": "whatsapp",
		"to":                phone,
		"type":              "template",
		"template": map[string]any{
			"name":     name,
			"language": map[string]string{"code": "en"},
		},
	}
}

func mediaPayload(phone, kind, mediaID, caption, filename string) map[string]any {
	media := map[string]any{"id": mediaID}
	if caption != "" {
		media["caption"] = caption
	}
	if kind == "document" && filename != "" {
		media["filename"] = filename
	}
	return map[string]any{
		"messaging_product": "whatsapp",
		"to":                phone,
		"type":              kind,
		kind:                media,
	}
}

// graphPost posts JSON to a phone-number-scoped Graph API endpoint. Non-2xx
// responses surface as *providers.HTTPError with Retry-After attached so
// queue retry policies can honor Meta's pacing.
func (a *Adapter) graphPost(ctx context.Context, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s/%s", graphBaseURL, a.cfg.PhoneNumberID, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp api: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &providers.HTTPError{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
			RetryAfter: providers.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return nil
}

// uploadMedia pushes file bytes to the media endpoint and returns the media
// id to reference in a send.
func (a *Adapter) uploadMedia(ctx context.Context, name, mime string, data []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", err
	}
	if err := w.WriteField("type", mime); err != nil {
		return "", err
	}
	fw, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/media", graphBaseURL, a.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp api: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &providers.HTTPError{
			Status:     resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
			RetryAfter: providers.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode media upload response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("media upload returned no id")
	}
	return out.ID, nil
}

func voiceFileName(mime string) string {
	if strings.Contains(mime, "mpeg") || strings.Contains(mime, "mp3") {
		return "voice.mp3"
	}
	return "voice.ogg"
}

func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
