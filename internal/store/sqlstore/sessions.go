package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teleclaude/teleclaude/internal/store"
)

const sessionCols = `session_id, computer_name, tmux_session_name, title,
	last_input_origin, active_agent, thinking_mode, lifecycle_status,
	agent_state, project_path, subdir, initiator_session_id, human_email,
	human_role, created_at, last_activity, closed_at, close_reason,
	char_offset, last_output, last_output_summary, last_message_sent,
	last_message_sent_at, native_session_id, transcript_path`

// SessionStore is the SQL-backed session registry.
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a session store over db.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Create(ctx context.Context, sess *store.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now()
	}
	if sess.LastActivity.IsZero() {
		sess.LastActivity = sess.CreatedAt
	}
	if sess.LifecycleStatus == "" {
		sess.LifecycleStatus = store.LifecycleActive
	}
	if sess.AgentState == "" {
		sess.AgentState = store.AgentStatePending
	}
	if sess.ThinkingMode == "" {
		sess.ThinkingMode = store.ThinkingMed
	}

	q := s.db.Rebind(`INSERT INTO sessions (` + sessionCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q,
		sess.SessionID, sess.ComputerName, sess.TmuxSessionName, sess.Title,
		sess.LastInputOrigin, sess.ActiveAgent, sess.ThinkingMode, sess.LifecycleStatus,
		sess.AgentState, sess.ProjectPath, sess.Subdir, sess.InitiatorSession, sess.HumanEmail,
		sess.HumanRole, sess.CreatedAt, sess.LastActivity, sess.ClosedAt, sess.CloseReason,
		sess.CharOffset, sess.LastOutput, sess.LastOutputSummary, sess.LastMessageSent,
		sess.LastMessageSentAt, sess.NativeSessionID, sess.TranscriptPath)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*store.Session, error) {
	return s.getWhere(ctx, "session_id = ?", id)
}

func (s *SessionStore) GetByNativeID(ctx context.Context, nativeID string) (*store.Session, error) {
	if nativeID == "" {
		return nil, store.ErrNotFound
	}
	return s.getWhere(ctx, "native_session_id = ?", nativeID)
}

func (s *SessionStore) GetByTmuxName(ctx context.Context, computer, tmuxName string) (*store.Session, error) {
	if tmuxName == "" {
		return nil, store.ErrNotFound
	}
	return s.getWhere(ctx,
		"computer_name = ? AND tmux_session_name = ? AND lifecycle_status = ?",
		computer, tmuxName, store.LifecycleActive)
}

func (s *SessionStore) getWhere(ctx context.Context, cond string, args ...any) (*store.Session, error) {
	var sess store.Session
	q := s.db.Rebind(`SELECT ` + sessionCols + ` FROM sessions WHERE ` + cond +
		` ORDER BY created_at DESC LIMIT 1`)
	err := s.db.GetContext(ctx, &sess, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// Update applies the non-nil fields of patch in one statement.
func (s *SessionStore) Update(ctx context.Context, id string, patch store.SessionPatch) error {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if patch.Title != nil {
		set("title", *patch.Title)
	}
	if patch.LastInputOrigin != nil {
		set("last_input_origin", *patch.LastInputOrigin)
	}
	if patch.ActiveAgent != nil {
		set("active_agent", *patch.ActiveAgent)
	}
	if patch.ThinkingMode != nil {
		set("thinking_mode", *patch.ThinkingMode)
	}
	if patch.AgentState != nil {
		set("agent_state", *patch.AgentState)
	}
	if patch.HumanEmail != nil {
		set("human_email", *patch.HumanEmail)
	}
	if patch.HumanRole != nil {
		set("human_role", *patch.HumanRole)
	}
	if patch.LastActivity != nil {
		set("last_activity", patch.LastActivity.UTC())
	}
	if patch.CharOffset != nil {
		set("char_offset", *patch.CharOffset)
	}
	if patch.LastOutput != nil {
		set("last_output", *patch.LastOutput)
	}
	if patch.LastOutputSummary != nil {
		set("last_output_summary", *patch.LastOutputSummary)
	}
	if patch.LastMessageSent != nil {
		set("last_message_sent", *patch.LastMessageSent)
	}
	if patch.LastMessageSentAt != nil {
		set("last_message_sent_at", patch.LastMessageSentAt.UTC())
	}
	if patch.NativeSessionID != nil {
		set("native_session_id", *patch.NativeSessionID)
	}
	if patch.TranscriptPath != nil {
		set("transcript_path", *patch.TranscriptPath)
	}
	if patch.InitiatorSession != nil {
		set("initiator_session_id", *patch.InitiatorSession)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	q := s.db.Rebind(`UPDATE sessions SET ` + strings.Join(sets, ", ") + ` WHERE session_id = ?`)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Close marks the session closed. Idempotent: closing a closed session is a
// no-op that preserves the original closed_at and reason.
func (s *SessionStore) Close(ctx context.Context, id, reason string) error {
	q := s.db.Rebind(`UPDATE sessions
		SET lifecycle_status = ?, closed_at = ?, close_reason = ?, agent_state = ?
		WHERE session_id = ? AND lifecycle_status = ?`)
	res, err := s.db.ExecContext(ctx, q,
		store.LifecycleClosed, now(), reason, store.AgentStateIdle,
		id, store.LifecycleActive)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish "already closed" from "missing".
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SessionStore) List(ctx context.Context, f store.SessionFilter) ([]*store.Session, error) {
	var (
		conds []string
		args  []any
	)
	if f.ComputerName != "" {
		conds = append(conds, "computer_name = ?")
		args = append(args, f.ComputerName)
	}
	if f.LifecycleStatus != "" {
		conds = append(conds, "lifecycle_status = ?")
		args = append(args, f.LifecycleStatus)
	}
	if f.ProjectPath != "" {
		conds = append(conds, "project_path = ?")
		args = append(args, f.ProjectPath)
	}
	if f.Origin != "" {
		conds = append(conds, "last_input_origin = ?")
		args = append(args, f.Origin)
	}

	q := `SELECT ` + sessionCols + ` FROM sessions`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY last_activity DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	var out []*store.Session
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// FindCustomer locates the newest active session whose customer (phone or
// chat id, depending on the adapter) matches identifier.
func (s *SessionStore) FindCustomer(ctx context.Context, origin, identifier string) (*store.Session, error) {
	if identifier == "" {
		return nil, store.ErrNotFound
	}
	return s.findByMeta(ctx, "m.adapter = ? AND (m.phone = ? OR m.chat_id = ?)",
		origin, identifier, identifier)
}

// FindByTopic locates the active session whose adapter sub-record carries
// the given forum-topic id.
func (s *SessionStore) FindByTopic(ctx context.Context, adapter string, topicID int64) (*store.Session, error) {
	if topicID == 0 {
		return nil, store.ErrNotFound
	}
	return s.findByMeta(ctx, "m.adapter = ? AND m.topic_id = ?", adapter, topicID)
}

// FindByThread locates the active session whose adapter sub-record carries
// the given thread id.
func (s *SessionStore) FindByThread(ctx context.Context, adapter, threadID string) (*store.Session, error) {
	if threadID == "" {
		return nil, store.ErrNotFound
	}
	return s.findByMeta(ctx, "m.adapter = ? AND m.thread_id = ?", adapter, threadID)
}

func (s *SessionStore) findByMeta(ctx context.Context, cond string, args ...any) (*store.Session, error) {
	var sess store.Session
	q := s.db.Rebind(`SELECT ` + sessionPrefixedCols() + `
		FROM sessions s
		JOIN adapter_meta m ON m.session_id = s.session_id
		WHERE ` + cond + `
		  AND s.lifecycle_status = ?
		ORDER BY s.created_at DESC LIMIT 1`)
	args = append(args, store.LifecycleActive)
	err := s.db.GetContext(ctx, &sess, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session by adapter channel: %w", err)
	}
	return &sess, nil
}

func sessionPrefixedCols() string {
	cols := strings.Split(sessionCols, ",")
	for i, c := range cols {
		cols[i] = "s." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// IdleSince returns active sessions untouched since cutoff, oldest first.
func (s *SessionStore) IdleSince(ctx context.Context, cutoff time.Time) ([]*store.Session, error) {
	var out []*store.Session
	q := s.db.Rebind(`SELECT ` + sessionCols + ` FROM sessions
		WHERE lifecycle_status = ? AND last_activity < ?
		ORDER BY last_activity ASC`)
	if err := s.db.SelectContext(ctx, &out, q, store.LifecycleActive, cutoff.UTC()); err != nil {
		return nil, fmt.Errorf("list idle sessions: %w", err)
	}
	return out, nil
}

func (s *SessionStore) Computers(ctx context.Context) ([]store.ComputerCount, error) {
	var out []store.ComputerCount
	q := s.db.Rebind(`SELECT computer_name,
			COUNT(*) AS session_count,
			MAX(last_activity) AS last_activity
		FROM sessions WHERE lifecycle_status = ?
		GROUP BY computer_name ORDER BY computer_name`)
	if err := s.db.SelectContext(ctx, &out, q, store.LifecycleActive); err != nil {
		return nil, fmt.Errorf("list computers: %w", err)
	}
	return out, nil
}

func (s *SessionStore) Projects(ctx context.Context) ([]store.ProjectCount, error) {
	var out []store.ProjectCount
	q := s.db.Rebind(`SELECT project_path, COUNT(*) AS session_count
		FROM sessions WHERE lifecycle_status = ? AND project_path <> ''
		GROUP BY project_path ORDER BY project_path`)
	if err := s.db.SelectContext(ctx, &out, q, store.LifecycleActive); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

// AdapterMetaStore persists per-adapter channel bindings.
type AdapterMetaStore struct {
	db *DB
}

// NewAdapterMetaStore creates an adapter-meta store over db.
func NewAdapterMetaStore(db *DB) *AdapterMetaStore {
	return &AdapterMetaStore{db: db}
}

func (s *AdapterMetaStore) Get(ctx context.Context, sessionID, adapter string) (*store.AdapterMeta, error) {
	var m store.AdapterMeta
	q := s.db.Rebind(`SELECT session_id, adapter, topic_id, thread_id, phone, chat_id,
			last_customer_message_at, output_message_id, badge_sent, updated_at
		FROM adapter_meta WHERE session_id = ? AND adapter = ?`)
	err := s.db.GetContext(ctx, &m, q, sessionID, adapter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get adapter meta: %w", err)
	}
	return &m, nil
}

func (s *AdapterMetaStore) Upsert(ctx context.Context, m *store.AdapterMeta) error {
	m.UpdatedAt = now()
	q := s.db.Rebind(`INSERT INTO adapter_meta
			(session_id, adapter, topic_id, thread_id, phone, chat_id,
			 last_customer_message_at, output_message_id, badge_sent, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, adapter) DO UPDATE SET
			topic_id = excluded.topic_id,
			thread_id = excluded.thread_id,
			phone = excluded.phone,
			chat_id = excluded.chat_id,
			last_customer_message_at = excluded.last_customer_message_at,
			output_message_id = excluded.output_message_id,
			badge_sent = excluded.badge_sent,
			updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, q,
		m.SessionID, m.Adapter, m.TopicID, m.ThreadID, m.Phone, m.ChatID,
		m.LastCustomerMessageAt, m.OutputMessageID, m.BadgeSent, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert adapter meta: %w", err)
	}
	return nil
}

func (s *AdapterMetaStore) ListForSession(ctx context.Context, sessionID string) ([]*store.AdapterMeta, error) {
	var out []*store.AdapterMeta
	q := s.db.Rebind(`SELECT session_id, adapter, topic_id, thread_id, phone, chat_id,
			last_customer_message_at, output_message_id, badge_sent, updated_at
		FROM adapter_meta WHERE session_id = ? ORDER BY adapter`)
	if err := s.db.SelectContext(ctx, &out, q, sessionID); err != nil {
		return nil, fmt.Errorf("list adapter meta: %w", err)
	}
	return out, nil
}

func (s *AdapterMetaStore) DeleteForSession(ctx context.Context, sessionID string) error {
	q := s.db.Rebind(`DELETE FROM adapter_meta WHERE session_id = ?`)
	if _, err := s.db.ExecContext(ctx, q, sessionID); err != nil {
		return fmt.Errorf("delete adapter meta: %w", err)
	}
	return nil
}

func (s *AdapterMetaStore) ClearOutputMessages(ctx context.Context, sessionID string) error {
	q := s.db.Rebind(`UPDATE adapter_meta
		SET output_message_id = '', updated_at = ?
		WHERE session_id = ? AND output_message_id <> ''`)
	if _, err := s.db.ExecContext(ctx, q, now(), sessionID); err != nil {
		return fmt.Errorf("clear output messages: %w", err)
	}
	return nil
}

// isUniqueViolation matches unique-constraint failures from both drivers
// without importing their error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // modernc sqlite
		strings.Contains(msg, "SQLSTATE 23505") || // pgx
		strings.Contains(msg, "duplicate key value")
}
