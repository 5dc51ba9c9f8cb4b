package discord

import (
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/teleclaude/teleclaude/internal/store"
)

func TestSplitChunks(t *testing.T) {
	t.Run("short content is one chunk", func(t *testing.T) {
		chunks := splitChunks("hello")
		if len(chunks) != 1 || chunks[0] != "hello" {
			t.Errorf("splitChunks(short) = %v", chunks)
		}
	})

	t.Run("breaks at newline in second half", func(t *testing.T) {
		content := strings.Repeat("a", 1800) + "\n" + strings.Repeat("b", 700)
		chunks := splitChunks(content)
		if len(chunks) != 2 {
			t.Fatalf("expected 2 chunks, got %d", len(chunks))
		}
		if len(chunks[0]) != 1801 {
			t.Errorf("first chunk should end after the newline, got %d bytes", len(chunks[0]))
		}
		if !strings.HasSuffix(chunks[0], "\n") {
			t.Error("first chunk should end with the newline")
		}
	})

	t.Run("hard cut when newline is too early", func(t *testing.T) {
		content := strings.Repeat("a", 500) + "\n" + strings.Repeat("b", 2000)
		chunks := splitChunks(content)
		if len(chunks[0]) != maxMessageLength {
			t.Errorf("expected hard cut at %d, got %d", maxMessageLength, len(chunks[0]))
		}
	})

	t.Run("hard cut without any newline", func(t *testing.T) {
		content := strings.Repeat("a", 4500)
		chunks := splitChunks(content)
		if len(chunks) != 3 {
			t.Fatalf("expected 3 chunks, got %d", len(chunks))
		}
		if len(chunks[0]) != maxMessageLength || len(chunks[1]) != maxMessageLength {
			t.Error("full chunks should hit the cap exactly")
		}
	})

	t.Run("chunks reassemble to the original", func(t *testing.T) {
		content := strings.Repeat("line one\nline two\n", 400)
		if got := strings.Join(splitChunks(content), ""); got != content {
			t.Error("chunks lost or duplicated content")
		}
	})
}

func TestLastIndexByte(t *testing.T) {
	if got := lastIndexByte("a\nb\nc", '\n'); got != 3 {
		t.Errorf("lastIndexByte = %d, want 3", got)
	}
	if got := lastIndexByte("abc", '\n'); got != -1 {
		t.Errorf("lastIndexByte without match = %d, want -1", got)
	}
}

func TestResolveDisplayName(t *testing.T) {
	tests := []struct {
		name string
		msg  *discordgo.MessageCreate
		want string
	}{
		{
			name: "nickname wins",
			msg: &discordgo.MessageCreate{Message: &discordgo.Message{
				Member: &discordgo.Member{Nick: "nick"},
				Author: &discordgo.User{GlobalName: "global", Username: "user"},
			}},
			want: "nick",
		},
		{
			name: "global name over username",
			msg: &discordgo.MessageCreate{Message: &discordgo.Message{
				Author: &discordgo.User{GlobalName: "global", Username: "user"},
			}},
			want: "global",
		},
		{
			name: "username fallback",
			msg: &discordgo.MessageCreate{Message: &discordgo.Message{
				Author: &discordgo.User{Username: "user"},
			}},
			want: "user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveDisplayName(tt.msg); got != tt.want {
				t.Errorf("resolveDisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestThreadName(t *testing.T) {
	sess := &store.Session{SessionID: "0190aaaa-bbbb-7ccc-dddd-eeeeffff0000", Title: "Ship the release"}
	if got := threadName(sess); got != "Ship the release" {
		t.Errorf("threadName with title = %q", got)
	}

	sess.Title = ""
	if got := threadName(sess); got != "session 0190aaaa" {
		t.Errorf("threadName fallback = %q", got)
	}

	sess.Title = strings.Repeat("x", 200)
	if got := threadName(sess); len(got) != maxThreadNameLength {
		t.Errorf("threadName should clamp to %d, got %d", maxThreadNameLength, len(got))
	}
}
