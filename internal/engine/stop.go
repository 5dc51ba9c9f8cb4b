package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/internal/transcript"
	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// handleStop runs the end-of-turn pipeline: extract the turn's output,
// distill it, fan it out to link peers, notify listeners, and reset the
// pagination cursor. Checkpoint replies short-circuit to bookkeeping
// only. Every post-extraction step is isolated: no single failure stops
// the ones after it.
func (e *Engine) handleStop(ctx context.Context, sess *store.Session) error {
	raw := e.extractLastTurn(sess)

	if IsCheckpointResponse(raw) {
		// Housekeeping turn: no fan-out, no listeners, no re-nudge.
		return e.settleTurn(ctx, sess, store.SessionPatch{})
	}

	distilled := raw
	if raw != "" {
		distilled = e.summarizer.Summarize(ctx, raw)
		e.recordObservation(ctx, sess, distilled)
	}

	patch := store.SessionPatch{}
	if raw != "" {
		patch.LastOutput = &raw
		patch.LastOutputSummary = &distilled
	}

	linked := e.fanOutToPeers(ctx, sess, distilled)

	e.listeners.TargetStopped(ctx, sess, distilled)

	if linked {
		e.injectCheckpoint(ctx, sess)
	}

	return e.settleTurn(ctx, sess, patch)
}

// extractLastTurn reads the assistant's final turn from the transcript.
// Extraction failure degrades to empty output; the turn still settles.
func (e *Engine) extractLastTurn(sess *store.Session) string {
	if sess.TranscriptPath == "" {
		return ""
	}
	parser := transcript.For(sess.ActiveAgent)
	raw, err := parser.LastAssistantTurn(sess.TranscriptPath)
	if err != nil {
		slog.Warn("transcript extraction failed",
			"session_id", sess.SessionID,
			"path", sess.TranscriptPath,
			"error", err)
		return ""
	}
	return raw
}

// fanOutToPeers delivers the distilled turn to every other member of the
// session's active links. Reports whether the session is linked at all.
// Each peer is isolated: a panic or transport failure on one is logged
// with its lane and never aborts the rest or the downstream stop steps.
func (e *Engine) fanOutToPeers(ctx context.Context, sess *store.Session, distilled string) bool {
	if distilled == "" {
		distilled = "(no output)"
	}

	active, err := e.links.For(ctx, sess.SessionID)
	if err != nil {
		slog.Error("link lookup failed", "lane", "link", "session_id", sess.SessionID, "error", err)
		return false
	}
	if len(active) == 0 {
		return false
	}

	fromTitle := sess.Title
	if fromTitle == "" {
		fromTitle = sess.SessionID
	}

	for _, link := range active {
		peers, err := e.links.PeerMembers(ctx, link.LinkID, sess.SessionID)
		if err != nil {
			slog.Error("peer member lookup failed",
				"lane", "link", "session_id", sess.SessionID, "link_id", link.LinkID, "error", err)
			continue
		}
		for _, peer := range peers {
			e.deliverToPeer(ctx, sess, peer, fromTitle, distilled)
		}
	}
	return true
}

// deliverToPeer pushes one framed turn at one peer, local or remote.
func (e *Engine) deliverToPeer(ctx context.Context, sess *store.Session, peer *store.LinkMember, fromTitle, distilled string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("peer delivery panicked",
				"lane", "peer", "session_id", sess.SessionID, "peer_session_id", peer.SessionID, "panic", r)
		}
	}()

	payload := protocol.LinkedStopPayload{
		TargetSessionID: peer.SessionID,
		FromTitle:       fromTitle,
		Output:          distilled,
	}

	var err error
	if peer.ComputerName == "" || peer.ComputerName == e.cfg.ComputerName {
		err = e.InjectLinkedStop(ctx, payload)
	} else if e.peers != nil {
		err = e.peers.SendLinkedStop(ctx, peer.ComputerName, payload)
	} else {
		err = fmt.Errorf("no peer transport for %s", peer.ComputerName)
	}
	if err != nil {
		kindErr := E(KindPeerDelivery, sess.SessionID, "peer", err)
		slog.Error("peer delivery failed",
			"lane", "peer",
			"session_id", sess.SessionID,
			"peer_session_id", peer.SessionID,
			"peer_computer", peer.ComputerName,
			"error", kindErr)
	}
}

// injectCheckpoint nudges a linked session after its turn was fanned out,
// so AI-to-AI conversations keep moving. The reply is recognized by
// IsCheckpointResponse and filtered on its own stop.
func (e *Engine) injectCheckpoint(ctx context.Context, sess *store.Session) {
	if sess.Headless() {
		return
	}
	if err := e.runner.SendText(ctx, sess.TmuxSessionName, checkpointPrompt); err != nil {
		slog.Warn("checkpoint injection failed", "session_id", sess.SessionID, "error", err)
	}
}

// recordObservation appends the distilled turn to the session's memory
// trail. Best effort.
func (e *Engine) recordObservation(ctx context.Context, sess *store.Session, distilled string) {
	err := e.stores.Memory.AddObservation(ctx, &store.MemoryObservation{
		SessionID: sess.SessionID,
		Content:   distilled,
	})
	if err != nil {
		slog.Warn("memory observation failed", "session_id", sess.SessionID, "error", err)
	}
}

// settleTurn writes the end-of-turn bookkeeping: agent idle, pagination
// cursor back to zero, live output messages finalized, plus whatever the
// caller collected.
func (e *Engine) settleTurn(ctx context.Context, sess *store.Session, patch store.SessionPatch) error {
	if err := e.stores.AdapterMeta.ClearOutputMessages(ctx, sess.SessionID); err != nil {
		slog.Warn("output message finalize failed", "session_id", sess.SessionID, "error", err)
	}

	idle := store.AgentStateIdle
	var zero int64
	now := time.Now().UTC()
	patch.AgentState = &idle
	patch.CharOffset = &zero
	patch.LastActivity = &now
	return e.registry.Patch(ctx, sess.SessionID, patch)
}
