package telegram

import (
	"testing"

	"github.com/mymmrac/telego"

	"github.com/teleclaude/teleclaude/internal/store"
)

func TestMessageContent(t *testing.T) {
	tests := []struct {
		name string
		msg  telego.Message
		want string
	}{
		{name: "text only", msg: telego.Message{Text: "hi"}, want: "hi"},
		{name: "caption only", msg: telego.Message{Caption: "a chart"}, want: "a chart"},
		{name: "text and caption joined", msg: telego.Message{Text: "see", Caption: "chart"}, want: "see\nchart"},
		{name: "whitespace trimmed", msg: telego.Message{Text: "  hi  "}, want: "hi"},
		{name: "empty", msg: telego.Message{}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := messageContent(&tt.msg); got != tt.want {
				t.Errorf("messageContent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name string
		user *telego.User
		want string
	}{
		{name: "username preferred", user: &telego.User{Username: "ana", FirstName: "Ana"}, want: "@ana"},
		{name: "first and last name", user: &telego.User{FirstName: "Ana", LastName: "Roy"}, want: "Ana Roy"},
		{name: "first name only", user: &telego.User{FirstName: "Ana"}, want: "Ana"},
		{name: "nil user", user: nil, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := displayName(tt.user); got != tt.want {
				t.Errorf("displayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsServiceMessage(t *testing.T) {
	if !isServiceMessage(&telego.Message{}) {
		t.Error("empty message should be a service message")
	}
	if isServiceMessage(&telego.Message{Text: "hi"}) {
		t.Error("text message should not be a service message")
	}
	if isServiceMessage(&telego.Message{Photo: []telego.PhotoSize{{FileID: "f"}}}) {
		t.Error("photo message should not be a service message")
	}
	if isServiceMessage(&telego.Message{Voice: &telego.Voice{FileID: "v"}}) {
		t.Error("voice message should not be a service message")
	}
}

func TestResolveThreadIDForSend(t *testing.T) {
	if got := resolveThreadIDForSend(generalTopicID); got != 0 {
		t.Errorf("general topic should resolve to 0, got %d", got)
	}
	if got := resolveThreadIDForSend(42); got != 42 {
		t.Errorf("topic 42 should pass through, got %d", got)
	}
}

func TestTopicName(t *testing.T) {
	sess := &store.Session{SessionID: "0190a1b2-c3d4-7890-abcd-ef0123456789", Title: "Fix flaky deploy"}
	if got := topicName(sess); got != "Fix flaky deploy" {
		t.Errorf("topicName with title = %q", got)
	}

	sess.Title = ""
	if got := topicName(sess); got != "session 0190a1b2" {
		t.Errorf("topicName fallback = %q", got)
	}
}

func TestParseChatID(t *testing.T) {
	id, err := parseChatID("123456")
	if err != nil || id != 123456 {
		t.Errorf("parseChatID(123456) = %d, %v", id, err)
	}

	id, err = parseChatID("-1001234567890")
	if err != nil || id != -1001234567890 {
		t.Errorf("parseChatID(supergroup) = %d, %v", id, err)
	}

	if _, err := parseChatID("not-a-number"); err == nil {
		t.Error("parseChatID should reject non-numeric input")
	}
}
