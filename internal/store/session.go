package store

import (
	"context"
	"time"
)

// Session lifecycle states.
const (
	LifecycleActive = "active"
	LifecycleClosed = "closed"
)

// Agent activity states within an active session. A session is "pending"
// from creation until its session_start hook arrives, then alternates
// between idle and working on prompt/stop events.
const (
	AgentStatePending = "pending"
	AgentStateIdle    = "idle"
	AgentStateWorking = "working"
)

// Thinking modes steer how much deliberation the agent is asked for.
const (
	ThinkingFast = "fast"
	ThinkingMed  = "med"
	ThinkingSlow = "slow"
)

// Human roles attached to a session's human relay.
const (
	RoleAdmin       = "admin"
	RoleMember      = "member"
	RoleContributor = "contributor"
	RoleNewcomer    = "newcomer"
	RoleCustomer    = "customer"
)

// Session is the unit of coordination: one conversation with one agent
// running in a tmux pane (or headless for TTS/summarization work).
type Session struct {
	SessionID        string     `db:"session_id"`
	ComputerName     string     `db:"computer_name"`
	TmuxSessionName  string     `db:"tmux_session_name"`
	Title            string     `db:"title"`
	LastInputOrigin  string     `db:"last_input_origin"`
	ActiveAgent      string     `db:"active_agent"`
	ThinkingMode     string     `db:"thinking_mode"`
	LifecycleStatus  string     `db:"lifecycle_status"`
	AgentState       string     `db:"agent_state"`
	ProjectPath      string     `db:"project_path"`
	Subdir           string     `db:"subdir"`
	InitiatorSession string     `db:"initiator_session_id"`
	HumanEmail       string     `db:"human_email"`
	HumanRole        string     `db:"human_role"`
	CreatedAt        time.Time  `db:"created_at"`
	LastActivity     time.Time  `db:"last_activity"`
	ClosedAt         *time.Time `db:"closed_at"`
	CloseReason      string     `db:"close_reason"`

	// Pagination cursor into the transcript/pane. Session-level and
	// adapter-agnostic; reset to 0 on each stop event.
	CharOffset int64 `db:"char_offset"`

	LastOutput        string     `db:"last_output"`
	LastOutputSummary string     `db:"last_output_summary"`
	LastMessageSent   string     `db:"last_message_sent"`
	LastMessageSentAt *time.Time `db:"last_message_sent_at"`

	// Identity the CLI agent assigned itself, delivered by session_start.
	NativeSessionID string `db:"native_session_id"`
	TranscriptPath  string `db:"transcript_path"`
}

// Headless reports whether the session has no terminal attached.
func (s *Session) Headless() bool { return s.TmuxSessionName == "" }

// SessionPatch is a partial update; nil fields are left untouched.
// LastActivity and LastInputOrigin are written in the same statement when
// both are set, so provenance and liveness can never be observed split.
type SessionPatch struct {
	Title             *string
	LastInputOrigin   *string
	ActiveAgent       *string
	ThinkingMode      *string
	AgentState        *string
	HumanEmail        *string
	HumanRole         *string
	LastActivity      *time.Time
	CharOffset        *int64
	LastOutput        *string
	LastOutputSummary *string
	LastMessageSent   *string
	LastMessageSentAt *time.Time
	NativeSessionID   *string
	TranscriptPath    *string
	InitiatorSession  *string
}

// SessionFilter narrows List results. Zero values mean "any".
type SessionFilter struct {
	ComputerName    string
	LifecycleStatus string
	ProjectPath     string
	Origin          string
	Limit           int
}

// ComputerCount is one row of the distinct-computers listing.
type ComputerCount struct {
	Name         string    `db:"computer_name"`
	SessionCount int       `db:"session_count"`
	LastActivity time.Time `db:"last_activity"`
}

// ProjectCount is one row of the distinct-projects listing.
type ProjectCount struct {
	Path         string `db:"project_path"`
	SessionCount int    `db:"session_count"`
}

// SessionStore is the durable session registry.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	GetByNativeID(ctx context.Context, nativeID string) (*Session, error)
	GetByTmuxName(ctx context.Context, computer, tmuxName string) (*Session, error)
	Update(ctx context.Context, id string, patch SessionPatch) error
	Close(ctx context.Context, id, reason string) error
	List(ctx context.Context, f SessionFilter) ([]*Session, error)
	FindCustomer(ctx context.Context, origin, identifier string) (*Session, error)

	// FindByTopic and FindByThread locate the active session bound to an
	// adapter channel: numeric forum-topic id for topic lanes, string
	// thread id for thread lanes.
	FindByTopic(ctx context.Context, adapter string, topicID int64) (*Session, error)
	FindByThread(ctx context.Context, adapter, threadID string) (*Session, error)
	IdleSince(ctx context.Context, cutoff time.Time) ([]*Session, error)
	Computers(ctx context.Context) ([]ComputerCount, error)
	Projects(ctx context.Context) ([]ProjectCount, error)
}

// AdapterMeta is the per-session per-adapter sub-record: platform channel
// ids plus delivery bookkeeping. Owned by the session.
type AdapterMeta struct {
	SessionID             string     `db:"session_id"`
	Adapter               string     `db:"adapter"`
	TopicID               int64      `db:"topic_id"`
	ThreadID              string     `db:"thread_id"`
	Phone                 string     `db:"phone"`
	ChatID                string     `db:"chat_id"`
	LastCustomerMessageAt *time.Time `db:"last_customer_message_at"`
	OutputMessageID       string     `db:"output_message_id"`
	BadgeSent             bool       `db:"badge_sent"`
	UpdatedAt             time.Time  `db:"updated_at"`
}

// AdapterMetaStore persists adapter sub-records.
type AdapterMetaStore interface {
	Get(ctx context.Context, sessionID, adapter string) (*AdapterMeta, error)
	Upsert(ctx context.Context, m *AdapterMeta) error
	ListForSession(ctx context.Context, sessionID string) ([]*AdapterMeta, error)
	DeleteForSession(ctx context.Context, sessionID string) error

	// ClearOutputMessages finalizes the session's live output messages on
	// every lane: the next delivery starts a fresh message instead of
	// editing the completed turn's.
	ClearOutputMessages(ctx context.Context, sessionID string) error
}
