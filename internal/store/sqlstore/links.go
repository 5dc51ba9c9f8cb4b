package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/teleclaude/teleclaude/internal/store"
)

const linkCols = `link_id, mode, status, created_by_session_id, metadata_json,
	created_at, updated_at, closed_at`

// LinkStore is the SQL-backed conversation-link registry.
type LinkStore struct {
	db *DB
}

// NewLinkStore creates a link store over db.
func NewLinkStore(db *DB) *LinkStore {
	return &LinkStore{db: db}
}

// CreateLink inserts the link and its initial members in one transaction.
func (s *LinkStore) CreateLink(ctx context.Context, l *store.Link, members []*store.LinkMember) error {
	ts := now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = ts
	}
	l.UpdatedAt = ts
	if l.Status == "" {
		l.Status = store.LinkActive
	}
	if l.MetadataJSON == "" {
		l.MetadataJSON = "{}"
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create link: %w", err)
	}
	defer tx.Rollback()

	insLink := s.db.Rebind(`INSERT INTO conversation_links (` + linkCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insLink,
		l.LinkID, l.Mode, l.Status, l.CreatedBySession, l.MetadataJSON,
		l.CreatedAt, l.UpdatedAt, l.ClosedAt); err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("insert link: %w", err)
	}

	insMember := s.db.Rebind(`INSERT INTO conversation_link_members
			(link_id, session_id, participant_name, participant_number,
			 participant_role, computer_name, joined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for _, m := range members {
		if m.JoinedAt.IsZero() {
			m.JoinedAt = ts
		}
		if _, err := tx.ExecContext(ctx, insMember,
			l.LinkID, m.SessionID, m.ParticipantName, m.ParticipantNumber,
			m.ParticipantRole, m.ComputerName, m.JoinedAt); err != nil {
			return fmt.Errorf("insert link member: %w", err)
		}
		m.LinkID = l.LinkID
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create link: %w", err)
	}
	return nil
}

func (s *LinkStore) GetLink(ctx context.Context, linkID string) (*store.Link, error) {
	var l store.Link
	q := s.db.Rebind(`SELECT ` + linkCols + ` FROM conversation_links WHERE link_id = ?`)
	err := s.db.GetContext(ctx, &l, q, linkID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get link: %w", err)
	}
	return &l, nil
}

func (s *LinkStore) Members(ctx context.Context, linkID string) ([]*store.LinkMember, error) {
	var out []*store.LinkMember
	q := s.db.Rebind(`SELECT link_id, session_id, participant_name, participant_number,
			participant_role, computer_name, joined_at
		FROM conversation_link_members WHERE link_id = ?
		ORDER BY participant_number, joined_at`)
	if err := s.db.SelectContext(ctx, &out, q, linkID); err != nil {
		return nil, fmt.Errorf("list link members: %w", err)
	}
	return out, nil
}

// ActiveLinkBetween finds the active link whose member set is exactly
// {a, b}. Links with extra members do not match, so a gathering that
// happens to contain both sessions is never mistaken for their pair link.
func (s *LinkStore) ActiveLinkBetween(ctx context.Context, a, b, mode string) (*store.Link, error) {
	var l store.Link
	q := s.db.Rebind(`SELECT ` + linkPrefixedCols() + ` FROM conversation_links l
		WHERE l.status = ? AND l.mode = ?
		  AND EXISTS (SELECT 1 FROM conversation_link_members m
		              WHERE m.link_id = l.link_id AND m.session_id = ?)
		  AND EXISTS (SELECT 1 FROM conversation_link_members m
		              WHERE m.link_id = l.link_id AND m.session_id = ?)
		  AND (SELECT COUNT(*) FROM conversation_link_members m
		       WHERE m.link_id = l.link_id) = 2
		ORDER BY l.created_at DESC LIMIT 1`)
	err := s.db.GetContext(ctx, &l, q, store.LinkActive, mode, a, b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find link between sessions: %w", err)
	}
	return &l, nil
}

func linkPrefixedCols() string {
	return `l.link_id, l.mode, l.status, l.created_by_session_id, l.metadata_json,
		l.created_at, l.updated_at, l.closed_at`
}

func (s *LinkStore) ActiveLinksForSession(ctx context.Context, sessionID string) ([]*store.Link, error) {
	var out []*store.Link
	q := s.db.Rebind(`SELECT ` + linkPrefixedCols() + ` FROM conversation_links l
		JOIN conversation_link_members m ON m.link_id = l.link_id
		WHERE l.status = ? AND m.session_id = ?
		ORDER BY l.created_at ASC`)
	if err := s.db.SelectContext(ctx, &out, q, store.LinkActive, sessionID); err != nil {
		return nil, fmt.Errorf("list links for session: %w", err)
	}
	return out, nil
}

func (s *LinkStore) AddMember(ctx context.Context, m *store.LinkMember) error {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = now()
	}
	q := s.db.Rebind(`INSERT INTO conversation_link_members
			(link_id, session_id, participant_name, participant_number,
			 participant_role, computer_name, joined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (link_id, session_id) DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, q,
		m.LinkID, m.SessionID, m.ParticipantName, m.ParticipantNumber,
		m.ParticipantRole, m.ComputerName, m.JoinedAt); err != nil {
		return fmt.Errorf("add link member: %w", err)
	}
	return nil
}

func (s *LinkStore) RemoveMember(ctx context.Context, linkID, sessionID string) (int, error) {
	del := s.db.Rebind(`DELETE FROM conversation_link_members
		WHERE link_id = ? AND session_id = ?`)
	if _, err := s.db.ExecContext(ctx, del, linkID, sessionID); err != nil {
		return 0, fmt.Errorf("remove link member: %w", err)
	}

	var remaining int
	count := s.db.Rebind(`SELECT COUNT(*) FROM conversation_link_members WHERE link_id = ?`)
	if err := s.db.GetContext(ctx, &remaining, count, linkID); err != nil {
		return 0, fmt.Errorf("count link members: %w", err)
	}
	return remaining, nil
}

// CloseLink marks the link closed and removes its member rows in one
// transaction. Closing an already-closed link is a no-op.
func (s *LinkStore) CloseLink(ctx context.Context, linkID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin close link: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	upd := s.db.Rebind(`UPDATE conversation_links
		SET status = ?, closed_at = ?, updated_at = ?
		WHERE link_id = ? AND status = ?`)
	res, err := tx.ExecContext(ctx, upd, store.LinkClosed, ts, ts, linkID, store.LinkActive)
	if err != nil {
		return fmt.Errorf("close link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit() // already closed or missing; member rows already gone
	}

	del := s.db.Rebind(`DELETE FROM conversation_link_members WHERE link_id = ?`)
	if _, err := tx.ExecContext(ctx, del, linkID); err != nil {
		return fmt.Errorf("delete link members: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit close link: %w", err)
	}
	return nil
}
