// Package poller streams agent output from transcript files to the chat
// lanes. fsnotify wakes it on transcript writes; a safety ticker catches
// anything the watcher missed and keeps the watch set current. Delivery
// runs in one of two modes per session: standard keeps a single live
// message the lanes edit in place (rate-limited), threaded appends
// incremental messages paged by the session's char_offset.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/teleclaude/teleclaude/internal/config"
	"github.com/teleclaude/teleclaude/internal/fanout"
	"github.com/teleclaude/teleclaude/internal/sessions"
	"github.com/teleclaude/teleclaude/internal/store"
	"github.com/teleclaude/teleclaude/internal/transcript"
)

// defaultWindow bounds threaded deltas when no enabled lane reports a
// platform cap.
const defaultWindow = 4000

// debounceDelay coalesces transcript write bursts into one pass.
const debounceDelay = 150 * time.Millisecond

// Poller tails active sessions' transcripts and fans output deltas to the
// adapter lanes.
type Poller struct {
	registry *sessions.Registry
	router   *fanout.Router
	cfg      *config.Config

	mu       sync.Mutex
	byPath   map[string]string        // transcript path -> session id
	watched  map[string]struct{}      // dirs under fsnotify watch
	edits    map[string]*rate.Limiter // session id -> live-edit budget
	rendered map[string]string        // session id -> last live text sent
}

// New creates the output poller.
func New(registry *sessions.Registry, router *fanout.Router, cfg *config.Config) *Poller {
	return &Poller{
		registry: registry,
		router:   router,
		cfg:      cfg,
		byPath:   make(map[string]string),
		watched:  make(map[string]struct{}),
		edits:    make(map[string]*rate.Limiter),
		rendered: make(map[string]string),
	}
}

// Run blocks until ctx is cancelled, pumping transcript deltas to the
// lanes as they appear.
func (p *Poller) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("output watcher: %w", err)
	}
	defer fsw.Close()

	tick := time.NewTicker(p.cfg.Poller.Tick())
	defer tick.Stop()

	p.sweep(ctx, fsw)

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			id := p.sessionFor(ev.Name)
			if id == "" {
				continue
			}
			pending[id] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceDelay)
				timerC = timer.C
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("output watcher error", "error", err)

		case <-timerC:
			timerC = nil
			for id := range pending {
				delete(pending, id)
				p.passSession(ctx, id)
			}

		case <-tick.C:
			p.sweep(ctx, fsw)
		}
	}
}

// sweep is the safety net: refresh the watch set from the active session
// list, run a pass over every watched session, and drop state for
// sessions that went away.
func (p *Poller) sweep(ctx context.Context, fsw *fsnotify.Watcher) {
	active, err := p.registry.List(ctx, store.SessionFilter{LifecycleStatus: store.LifecycleActive})
	if err != nil {
		slog.Warn("poller session list failed", "error", err)
		return
	}

	current := make(map[string]struct{}, len(active))
	p.mu.Lock()
	p.byPath = make(map[string]string, len(active))
	for _, sess := range active {
		current[sess.SessionID] = struct{}{}
		if sess.TranscriptPath == "" {
			continue
		}
		path := filepath.Clean(sess.TranscriptPath)
		p.byPath[path] = sess.SessionID
		dir := filepath.Dir(path)
		if _, ok := p.watched[dir]; !ok {
			if err := fsw.Add(dir); err != nil {
				if !os.IsNotExist(err) {
					slog.Warn("transcript watch failed", "dir", dir, "error", err)
				}
				continue
			}
			p.watched[dir] = struct{}{}
		}
	}
	for id := range p.rendered {
		if _, ok := current[id]; !ok {
			delete(p.rendered, id)
			delete(p.edits, id)
		}
	}
	p.mu.Unlock()

	for _, sess := range active {
		if sess.TranscriptPath != "" {
			p.pass(ctx, sess)
		}
	}
}

// passSession refreshes the session row and runs one delivery pass.
func (p *Poller) passSession(ctx context.Context, id string) {
	sess, err := p.registry.Get(ctx, id)
	if err != nil {
		slog.Debug("poller session lookup failed", "session_id", id, "error", err)
		return
	}
	if sess.LifecycleStatus != store.LifecycleActive || sess.TranscriptPath == "" {
		return
	}
	p.pass(ctx, sess)
}

func (p *Poller) pass(ctx context.Context, sess *store.Session) {
	parser := transcript.For(sess.ActiveAgent)
	if p.router.Threaded(sess) {
		p.pageThreaded(ctx, sess, parser)
		return
	}
	p.editLive(ctx, sess, parser)
}

// pageThreaded drains the undelivered part of the current turn as append
// messages, advancing the session's pagination cursor per delivery.
func (p *Poller) pageThreaded(ctx context.Context, sess *store.Session, parser transcript.Parser) {
	window := p.window()
	offset := sess.CharOffset

	for {
		delta, total, err := parser.TailFrom(sess.TranscriptPath, offset)
		if err != nil {
			slog.Debug("transcript tail failed", "session_id", sess.SessionID, "error", err)
			return
		}
		if delta == "" {
			return
		}
		// TailFrom clamps a cursor that outran the turn; rebase on what it
		// actually returned.
		base := total - int64(len([]rune(delta)))

		chunk, n := clip(delta, window)
		p.router.DeliverOutput(ctx, sess, chunk, true)

		offset = base + n
		if err := p.registry.Patch(ctx, sess.SessionID, store.SessionPatch{CharOffset: &offset}); err != nil {
			slog.Warn("pagination cursor update failed", "session_id", sess.SessionID, "error", err)
			return
		}
		sess.CharOffset = offset
		if offset >= total {
			return
		}
	}
}

// editLive re-renders the session's single live message with the current
// turn's text, within the per-session edit budget.
func (p *Poller) editLive(ctx context.Context, sess *store.Session, parser transcript.Parser) {
	live, _, err := parser.TailFrom(sess.TranscriptPath, 0)
	if err != nil {
		slog.Debug("transcript tail failed", "session_id", sess.SessionID, "error", err)
		return
	}
	if live == "" || live == p.lastRendered(sess.SessionID) {
		return
	}
	if !p.limiter(sess.SessionID).Allow() {
		// Over budget; the safety tick retries once the window refills.
		return
	}

	p.router.DeliverOutput(ctx, sess, tailClip(live, p.window()), false)
	p.setRendered(sess.SessionID, live)
}

// window is the delta bound: the smallest cap across enabled lanes.
func (p *Poller) window() int {
	if w := p.router.DeliveryWindow(); w > 0 {
		return w
	}
	return defaultWindow
}

func (p *Poller) sessionFor(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byPath[filepath.Clean(name)]
}

func (p *Poller) limiter(id string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.edits[id]
	if !ok {
		budget := p.cfg.Poller.EditBudget()
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(budget)), 1)
		p.edits[id] = l
	}
	return l
}

func (p *Poller) lastRendered(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rendered[id]
}

func (p *Poller) setRendered(id, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rendered[id] = text
}

// clip takes up to window leading runes, preferring a line boundary near
// the cut so appended pages break cleanly. Returns the chunk and its rune
// count.
func clip(text string, window int) (string, int64) {
	runes := []rune(text)
	if window <= 0 || len(runes) <= window {
		return text, int64(len(runes))
	}
	cut := window
	for i := window; i > window-200 && i > 0; i-- {
		if runes[i-1] == '\n' {
			cut = i
			break
		}
	}
	return string(runes[:cut]), int64(cut)
}

// tailClip keeps the trailing window of a live message: the newest output
// is what the reader is following.
func tailClip(text string, window int) string {
	runes := []rune(text)
	if window <= 0 || len(runes) <= window {
		return text
	}
	return "…" + string(runes[len(runes)-window+1:])
}
