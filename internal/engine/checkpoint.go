package engine

import "strings"

// CheckpointMarker is the token the checkpoint prompt asks the agent to
// lead its reply with. Replies carrying it are housekeeping turns: they
// never reach links, listeners, or chat surfaces.
const CheckpointMarker = "CHECKPOINT_OK"

// checkpointPrompt is injected into a linked session's terminal after its
// turn has been fanned out, nudging the agent to either continue the
// conversation or confirm it is waiting.
const checkpointPrompt = "Your last reply was delivered to your conversation peers. " +
	"If you are waiting for them, reply with exactly " + CheckpointMarker + ". " +
	"Otherwise continue working."

// IsCheckpointResponse reports whether agent output is the reply to a
// checkpoint prompt. Matches the marker at the start of the trimmed text
// so an agent that appends pleasantries still gets filtered.
func IsCheckpointResponse(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), CheckpointMarker)
}
