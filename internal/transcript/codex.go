package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// CodexParser reads the Codex CLI's rollout JSONL. Items may arrive bare
// or wrapped in a response_item envelope depending on the CLI version;
// assistant output is carried in output_text content blocks.
type CodexParser struct{}

type codexItem struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Name    string `json:"name"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (CodexParser) items(path string, visit func(codexItem)) error {
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

		var item codexItem
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}
		if item.Type == "response_item" || item.Type == "event_msg" {
			var envelope struct {
				Payload codexItem `json:"payload"`
			}
			if err := json.Unmarshal(line, &envelope); err != nil {
				continue
			}
			item = envelope.Payload
		}
		visit(item)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan transcript: %w", err)
	}
	return nil
}

func (p CodexParser) turns(path string) ([]turn, error) {
	var out []turn
	err := p.items(path, func(item codexItem) {
		if item.Type != "message" {
			return
		}
		switch item.Role {
		case "assistant":
			var parts []string
			for _, c := range item.Content {
				if (c.Type == "output_text" || c.Type == "text") && c.Text != "" {
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

func (p CodexParser) LastAssistantTurn(path string) (string, error) {
	turns, err := p.turns(path)
	if err != nil {
		return "", err
	}
	return lastAssistantRun(turns), nil
}

func (p CodexParser) TailFrom(path string, charOffset int64) (string, int64, error) {
	turns, err := p.turns(path)
	if err != nil {
		return "", 0, err
	}
	return tail(lastAssistantRun(turns), charOffset)
}

func (p CodexParser) Messages(path string) ([]protocol.TranscriptMessage, error) {
	var out []protocol.TranscriptMessage
	err := p.items(path, func(item codexItem) {
		switch item.Type {
		case "message":
			if item.Role != "user" && item.Role != "assistant" {
				return
			}
			for _, c := range item.Content {
				if (c.Type == "output_text" || c.Type == "text" || c.Type == "input_text") && c.Text != "" {
					out = append(out, protocol.TranscriptMessage{Role: item.Role, Text: c.Text})
				}
			}
		case "function_call":
			out = append(out, protocol.TranscriptMessage{Role: "assistant", ToolName: item.Name})
		case "reasoning":
			for _, c := range item.Content {
				if c.Text != "" {
					out = append(out, protocol.TranscriptMessage{Role: "assistant", Text: c.Text, Thinking: true})
				}
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
