package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// ClaudeParser reads the Claude CLI's JSONL transcript: one JSON object
// per line, assistant entries carrying content blocks. User entries may
// carry either a plain string or a block list, depending on CLI version.
type ClaudeParser struct{}

type claudeLine struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Message   struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type claudeContent struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
	Name     string `json:"name"`
}

// claudeBlocks normalizes message content: a block list stays as-is, a
// bare string becomes a single text block.
func claudeBlocks(raw json.RawMessage) []claudeContent {
	if len(raw) == 0 {
		return nil
	}
	var blocks []claudeContent
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return []claudeContent{{Type: "text", Text: s}}
	}
	return nil
}

func (ClaudeParser) scan(path string, visit func(claudeLine)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry claudeLine
		if err := json.Unmarshal(line, &entry); err != nil {
			continue // malformed lines are not output
		}
		visit(entry)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan transcript: %w", err)
	}
	return nil
}

// turns splits the transcript into alternating user/assistant text runs.
func (p ClaudeParser) turns(path string) ([]turn, error) {
	var out []turn
	err := p.scan(path, func(entry claudeLine) {
		switch entry.Type {
		case "assistant":
			var parts []string
			for _, c := range claudeBlocks(entry.Message.Content) {
				if c.Type == "text" && c.Text != "" {
					parts = append(parts, c.Text)
				}
			}
			if len(parts) > 0 {
				out = append(out, turn{role: "assistant", text: strings.Join(parts, "\n")})
			}
		case "user":
			out = append(out, turn{role: "user"})
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p ClaudeParser) LastAssistantTurn(path string) (string, error) {
	turns, err := p.turns(path)
	if err != nil {
		return "", err
	}
	return lastAssistantRun(turns), nil
}

func (p ClaudeParser) TailFrom(path string, charOffset int64) (string, int64, error) {
	turns, err := p.turns(path)
	if err != nil {
		return "", 0, err
	}
	return tail(lastAssistantRun(turns), charOffset)
}

func (p ClaudeParser) Messages(path string) ([]protocol.TranscriptMessage, error) {
	var out []protocol.TranscriptMessage
	err := p.scan(path, func(entry claudeLine) {
		if entry.Type != "assistant" && entry.Type != "user" {
			return
		}
		ts := parseStamp(entry.Timestamp)
		for _, c := range claudeBlocks(entry.Message.Content) {
			switch c.Type {
			case "text":
				if c.Text != "" {
					out = append(out, protocol.TranscriptMessage{Role: entry.Type, Text: c.Text, Timestamp: ts})
				}
			case "thinking":
				if c.Thinking != "" {
					out = append(out, protocol.TranscriptMessage{Role: entry.Type, Text: c.Thinking, Timestamp: ts, Thinking: true})
				}
			case "tool_use":
				out = append(out, protocol.TranscriptMessage{Role: entry.Type, Timestamp: ts, ToolName: c.Name})
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseStamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// turn is one user or assistant step; user turns carry no text, they only
// delimit assistant runs.
type turn struct {
	role string
	text string
}

// lastAssistantRun joins the assistant turns after the final user turn.
func lastAssistantRun(turns []turn) string {
	start := 0
	for i, t := range turns {
		if t.role == "user" {
			start = i + 1
		}
	}
	var parts []string
	for _, t := range turns[start:] {
		if t.role == "assistant" {
			parts = append(parts, t.text)
		}
	}
	return strings.Join(parts, "\n")
}

// tail slices text at charOffset by runes, clamping an offset that ran
// past the text (a fresh turn started shorter than the delivered cursor).
func tail(text string, charOffset int64) (string, int64, error) {
	runes := []rune(text)
	total := int64(len(runes))
	if charOffset < 0 || charOffset > total {
		charOffset = 0
	}
	return string(runes[charOffset:]), total, nil
}
