package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/teleclaude/teleclaude/internal/store"
)

// SettingsStore is the SQL-backed system_settings key-value table.
type SettingsStore struct {
	db *DB
}

// NewSettingsStore creates a settings store over db.
func NewSettingsStore(db *DB) *SettingsStore {
	return &SettingsStore{db: db}
}

func (s *SettingsStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	q := s.db.Rebind(`SELECT value FROM system_settings WHERE key = ?`)
	err := s.db.GetContext(ctx, &value, q, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	q := s.db.Rebind(`INSERT INTO system_settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, q, key, value, now()); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func (s *SettingsStore) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT key, value FROM system_settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
