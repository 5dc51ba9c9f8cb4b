// Package sqlstore implements the store interfaces over a single relational
// database. SQLite (modernc, cgo-free) is the default driver; Postgres (pgx
// stdlib) is supported for multi-daemon hosts. Queries are written once with
// `?` placeholders and rebound per driver via sqlx.
package sqlstore

import (
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/teleclaude/teleclaude/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps the connection with the driver name so stores can rebind
// placeholders for the active dialect.
type DB struct {
	*sqlx.DB
	driver string
}

// Open connects to the database. For SQLite the DSN is a file path; WAL and
// a busy timeout are applied so the daemon and short-lived hook receivers
// can write concurrently.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// A single writer keeps SQLite lock contention predictable.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	return &DB{DB: db, driver: driver}, nil
}

// sqliteDSN turns a plain file path into a modernc DSN with the pragmas the
// daemon needs (WAL for concurrent hook writers, busy timeout, FK checks).
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") || path == ":memory:" {
		if path == ":memory:" {
			return "file::memory:?_pragma=foreign_keys(1)"
		}
		return path
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + q.Encode()
}

// Migrator builds a migrate instance over the embedded migration set and
// the live connection. Callers must not Close it; that would close the
// shared database handle.
func (db *DB) Migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open migration source: %w", err)
	}

	switch db.driver {
	case DriverSQLite:
		drv, err := migratesqlite.WithInstance(db.DB.DB, &migratesqlite.Config{})
		if err != nil {
			return nil, fmt.Errorf("migration driver: %w", err)
		}
		m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return nil, fmt.Errorf("create migrator: %w", err)
		}
		return m, nil
	default:
		drv, err := migratepgx.WithInstance(db.DB.DB, &migratepgx.Config{})
		if err != nil {
			return nil, fmt.Errorf("migration driver: %w", err)
		}
		m, err := migrate.NewWithInstance("iofs", src, "pgx", drv)
		if err != nil {
			return nil, fmt.Errorf("create migrator: %w", err)
		}
		return m, nil
	}
}

// Migrate applies all pending schema migrations from the embedded set.
func (db *DB) Migrate() error {
	m, err := db.Migrator()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	v, dirty, _ := m.Version()
	slog.Debug("schema up to date", "version", v, "dirty", dirty)
	return nil
}

// New opens the database, applies migrations, and wires every store.
func New(driver, dsn string) (*store.Stores, *DB, error) {
	db, err := Open(driver, dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return NewStores(db), db, nil
}

// NewStores wires stores over an already-opened database. Used by tests and
// by the hook receiver, which opens without migrating.
func NewStores(db *DB) *store.Stores {
	return &store.Stores{
		Sessions:      NewSessionStore(db),
		AdapterMeta:   NewAdapterMetaStore(db),
		Inbound:       NewInboundQueueStore(db),
		HookOutbox:    NewHookOutboxStore(db),
		Links:         NewLinkStore(db),
		Listeners:     NewListenerStore(db),
		Notifications: NewNotificationStore(db),
		Webhooks:      NewWebhookStore(db),
		Voice:         NewVoiceStore(db),
		Memory:        NewMemoryStore(db),
		Settings:      NewSettingsStore(db),
	}
}

// now returns the UTC wall clock truncated to microseconds, so values
// round-trip identically through both drivers.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
