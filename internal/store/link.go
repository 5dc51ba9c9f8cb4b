package store

import (
	"context"
	"time"
)

// Link modes and states.
const (
	LinkDirect    = "direct_link"
	LinkGathering = "gathering_link"

	LinkActive = "active"
	LinkClosed = "closed"
)

// Link is a multi-session fan-out container. The direct_link variant is a
// two-member peer channel for AI-to-AI turn exchange.
type Link struct {
	LinkID           string     `db:"link_id"`
	Mode             string     `db:"mode"`
	Status           string     `db:"status"`
	CreatedBySession string     `db:"created_by_session_id"`
	MetadataJSON     string     `db:"metadata_json"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	ClosedAt         *time.Time `db:"closed_at"`
}

// LinkMember is one session's membership in a link.
type LinkMember struct {
	LinkID            string    `db:"link_id"`
	SessionID         string    `db:"session_id"`
	ParticipantName   string    `db:"participant_name"`
	ParticipantNumber int       `db:"participant_number"`
	ParticipantRole   string    `db:"participant_role"`
	ComputerName      string    `db:"computer_name"`
	JoinedAt          time.Time `db:"joined_at"`
}

// LinkStore persists conversation links and their members. Members are
// deleted when a link closes; a closed link never reopens.
type LinkStore interface {
	CreateLink(ctx context.Context, l *Link, members []*LinkMember) error
	GetLink(ctx context.Context, linkID string) (*Link, error)
	Members(ctx context.Context, linkID string) ([]*LinkMember, error)

	// ActiveLinkBetween returns the active link whose member set is
	// exactly {a, b} for the given mode, or ErrNotFound.
	ActiveLinkBetween(ctx context.Context, a, b, mode string) (*Link, error)

	// ActiveLinksForSession returns every active link the session is a
	// member of.
	ActiveLinksForSession(ctx context.Context, sessionID string) ([]*Link, error)

	AddMember(ctx context.Context, m *LinkMember) error

	// RemoveMember deletes the membership row and returns the remaining
	// member count for the link.
	RemoveMember(ctx context.Context, linkID, sessionID string) (int, error)

	// CloseLink marks the link closed and deletes its member rows.
	CloseLink(ctx context.Context, linkID string) error
}
