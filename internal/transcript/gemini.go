package transcript

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// GeminiParser reads the Gemini CLI's checkpoint file: one JSON document
// holding the conversation history, entries with role "user"/"model" and
// text parts.
type GeminiParser struct{}

type geminiEntry struct {
	Role  string `json:"role"`
	Parts []struct {
		Text         string `json:"text"`
		Thought      bool   `json:"thought"`
		FunctionCall *struct {
			Name string `json:"name"`
		} `json:"functionCall"`
	} `json:"parts"`
}

func (GeminiParser) entries(path string) ([]geminiEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	var entries []geminiEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		// Some versions wrap the history in an envelope object.
		var envelope struct {
			History  []geminiEntry `json:"history"`
			Messages []geminiEntry `json:"messages"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("parse transcript: %w", err)
		}
		entries = envelope.History
		if len(entries) == 0 {
			entries = envelope.Messages
		}
	}
	return entries, nil
}

func (p GeminiParser) turns(path string) ([]turn, error) {
	entries, err := p.entries(path)
	if err != nil {
		return nil, err
	}

	var out []turn
	for _, e := range entries {
		switch e.Role {
		case "model":
			text := ""
			for _, p := range e.Parts {
				if p.Text != "" && !p.Thought {
					if text != "" {
						text += "\n"
					}
					text += p.Text
				}
			}
			if text != "" {
				out = append(out, turn{role: "assistant", text: text})
			}
		case "user":
			out = append(out, turn{role: "user"})
		}
	}
	return out, nil
}

func (p GeminiParser) LastAssistantTurn(path string) (string, error) {
	turns, err := p.turns(path)
	if err != nil {
		return "", err
	}
	return lastAssistantRun(turns), nil
}

func (p GeminiParser) TailFrom(path string, charOffset int64) (string, int64, error) {
	turns, err := p.turns(path)
	if err != nil {
		return "", 0, err
	}
	return tail(lastAssistantRun(turns), charOffset)
}

func (p GeminiParser) Messages(path string) ([]protocol.TranscriptMessage, error) {
	entries, err := p.entries(path)
	if err != nil {
		return nil, err
	}

	var out []protocol.TranscriptMessage
	for _, e := range entries {
		role := e.Role
		if role == "model" {
			role = "assistant"
		}
		if role != "user" && role != "assistant" {
			continue
		}
		for _, p := range e.Parts {
			switch {
			case p.FunctionCall != nil:
				out = append(out, protocol.TranscriptMessage{Role: role, ToolName: p.FunctionCall.Name})
			case p.Text != "":
				out = append(out, protocol.TranscriptMessage{Role: role, Text: p.Text, Thinking: p.Thought})
			}
		}
	}
	return out, nil
}
