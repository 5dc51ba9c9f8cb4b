package store

import "context"

// SettingsStore is the key-value system_settings table backing the
// settings API.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	All(ctx context.Context) (map[string]string, error)
}
