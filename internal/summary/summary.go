// Package summary distills raw agent stop output into the short digest
// shown in session lists and pushed to chat observers.
package summary

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/providers"
)

const systemPrompt = "You summarize the output of a terminal coding agent for a chat notification. " +
	"Reply with one or two plain sentences describing what the agent did or found. " +
	"No markdown, no preamble, no quotes."

// Output longer than this is truncated before prompting; the tail carries
// the conclusion, so keep the end rather than the start.
const maxPromptRunes = 12000

// Summarizer runs stop output through a provider chain: first client that
// answers wins.
type Summarizer struct {
	chain   []providers.Client
	timeout time.Duration
}

// New builds the chain from configured API keys. With no keys the
// summarizer is disabled and Summarize falls back to truncation.
func New(cfg config.SummaryConfig) *Summarizer {
	s := &Summarizer{timeout: cfg.SummaryTimeout()}
	if cfg.AnthropicAPIKey != "" {
		s.chain = append(s.chain, providers.NewAnthropicClient(cfg.AnthropicAPIKey, providers.WithAnthropicModel(cfg.AnthropicModel)))
	}
	if cfg.OpenAIAPIKey != "" {
		s.chain = append(s.chain, providers.NewOpenAIClient("openai", cfg.OpenAIAPIKey, "", cfg.OpenAIModel))
	}
	return s
}

// Enabled reports whether any provider is configured.
func (s *Summarizer) Enabled() bool { return len(s.chain) > 0 }

// Summarize distills raw output. It never fails the caller: on provider
// errors (or no providers) it returns a truncated fallback, so the stop
// pipeline keeps moving with a usable digest.
func (s *Summarizer) Summarize(ctx context.Context, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	prompt := raw
	if r := []rune(prompt); len(r) > maxPromptRunes {
		prompt = string(r[len(r)-maxPromptRunes:])
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var errs []error
	for _, client := range s.chain {
		out, err := client.Complete(ctx, providers.CompletionRequest{
			System:    systemPrompt,
			Prompt:    prompt,
			MaxTokens: 300,
		})
		if err == nil && strings.TrimSpace(out) != "" {
			return strings.TrimSpace(out)
		}
		if err != nil {
			errs = append(errs, err)
			slog.Warn("summarize attempt failed", "provider", client.Name(), "error", err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) > 0 {
		slog.Warn("summarize fell back to truncation", "error", errors.Join(errs...))
	}
	return Truncate(raw, 280)
}

// Truncate cuts text to at most n runes, appending an ellipsis when cut.
func Truncate(text string, n int) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
