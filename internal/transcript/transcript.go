// Package transcript parses agent CLI transcript files. Each agent writes
// a different on-disk format; the engine only ever sees the Parser
// interface.
package transcript

import (
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// Parser extracts agent output from a transcript file.
type Parser interface {
	// LastAssistantTurn returns the assistant text of the final turn: every
	// assistant message after the last user input, joined in order.
	LastAssistantTurn(path string) (string, error)

	// TailFrom returns the current assistant run (everything after the last
	// user input) from charOffset onward, plus the run's total length.
	// Callers persist the delivered offset as the session's pagination
	// cursor and reset it to 0 when the turn completes.
	TailFrom(path string, charOffset int64) (delta string, total int64, err error)

	// Messages returns the full conversation for the history API: user and
	// assistant turns in file order, tool calls and thinking flagged so the
	// caller can filter them.
	Messages(path string) ([]protocol.TranscriptMessage, error)
}

// For returns the parser for an agent. Codex has no dedicated hook-payload
// transcript field, so it shares the rollout parser for both uses.
func For(agent string) Parser {
	switch agent {
	case protocol.AgentGemini:
		return GeminiParser{}
	case protocol.AgentCodex:
		return CodexParser{}
	default:
		return ClaudeParser{}
	}
}
