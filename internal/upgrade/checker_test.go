package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// One in-memory database per connection; pin the pool to a single conn.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedSchemaVersion(t *testing.T, db *sql.DB, version uint, dirty bool) {
	t.Helper()
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL, dirty BOOLEAN NOT NULL)`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("reset schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES ($1, $2)`, version, dirty); err != nil {
		t.Fatalf("seed schema_migrations: %v", err)
	}
}

func TestCheckSchemaFreshDatabase(t *testing.T) {
	t.Run("no table", func(t *testing.T) {
		db := openTestDB(t)
		s, err := CheckSchema(db)
		if err != nil {
			t.Fatalf("CheckSchema: %v", err)
		}
		if !s.NeedsMigration || s.Compatible || s.CurrentVersion != 0 {
			t.Errorf("status = %+v", s)
		}
		if s.RequiredVersion != RequiredSchemaVersion {
			t.Errorf("required = %d", s.RequiredVersion)
		}
	})

	t.Run("empty table", func(t *testing.T) {
		db := openTestDB(t)
		if _, err := db.Exec(`CREATE TABLE schema_migrations (version INTEGER NOT NULL, dirty BOOLEAN NOT NULL)`); err != nil {
			t.Fatalf("create table: %v", err)
		}
		s, err := CheckSchema(db)
		if err != nil {
			t.Fatalf("CheckSchema: %v", err)
		}
		if !s.NeedsMigration || s.Compatible {
			t.Errorf("status = %+v", s)
		}
	})
}

func TestCheckSchemaStates(t *testing.T) {
	tests := []struct {
		name    string
		version uint
		dirty   bool
		want    SchemaStatus
	}{
		{
			name:    "current",
			version: RequiredSchemaVersion,
			want:    SchemaStatus{CurrentVersion: RequiredSchemaVersion, RequiredVersion: RequiredSchemaVersion, Compatible: true},
		},
		{
			name:    "behind",
			version: 1,
			want:    SchemaStatus{CurrentVersion: 1, RequiredVersion: RequiredSchemaVersion, NeedsMigration: true},
		},
		{
			name:    "ahead",
			version: RequiredSchemaVersion + 5,
			want:    SchemaStatus{CurrentVersion: RequiredSchemaVersion + 5, RequiredVersion: RequiredSchemaVersion},
		},
		{
			name:    "dirty",
			version: 2,
			dirty:   true,
			want:    SchemaStatus{CurrentVersion: 2, RequiredVersion: RequiredSchemaVersion, Dirty: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openTestDB(t)
			seedSchemaVersion(t, db, tt.version, tt.dirty)

			s, err := CheckSchema(db)
			if err != nil {
				t.Fatalf("CheckSchema: %v", err)
			}
			if *s != tt.want {
				t.Errorf("status = %+v, want %+v", *s, tt.want)
			}
		})
	}
}

func TestFormatError(t *testing.T) {
	tests := []struct {
		name   string
		status SchemaStatus
		wants  []string
	}{
		{
			name:   "dirty names the force target",
			status: SchemaStatus{CurrentVersion: 2, RequiredVersion: RequiredSchemaVersion, Dirty: true},
			wants:  []string{"dirty", "migrate force 1", "migrate up"},
		},
		{
			name:   "ahead asks for a newer binary",
			status: SchemaStatus{CurrentVersion: 9, RequiredVersion: RequiredSchemaVersion},
			wants:  []string{"newer than this binary", "upgrade"},
		},
		{
			name:   "behind asks for migrate up",
			status: SchemaStatus{CurrentVersion: 1, RequiredVersion: RequiredSchemaVersion, NeedsMigration: true},
			wants:  []string{"outdated", "migrate up"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := FormatError(&tt.status)
			for _, want := range tt.wants {
				if !strings.Contains(msg, want) {
					t.Errorf("message %q missing %q", msg, want)
				}
			}
		})
	}
}

func withHookRegistry(t *testing.T) {
	t.Helper()
	prev := registry
	registry = nil
	t.Cleanup(func() { registry = prev })
}

func TestRunPendingHooksAppliesOnce(t *testing.T) {
	withHookRegistry(t)
	db := openTestDB(t)
	ctx := context.Background()

	var ran []string
	RegisterDataHook(4, "004_backfill_titles", func(context.Context, *sql.DB) error {
		ran = append(ran, "004_backfill_titles")
		return nil
	})
	RegisterDataHook(5, "005_rekey_voices", func(context.Context, *sql.DB) error {
		ran = append(ran, "005_rekey_voices")
		return nil
	})

	pending, err := PendingHooks(ctx, db)
	if err != nil {
		t.Fatalf("PendingHooks: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %v", pending)
	}

	n, err := RunPendingHooks(ctx, db)
	if err != nil {
		t.Fatalf("RunPendingHooks: %v", err)
	}
	if n != 2 || len(ran) != 2 {
		t.Fatalf("applied %d hooks, ran %v", n, ran)
	}

	// Second pass is a no-op: completion is recorded durably.
	n, err = RunPendingHooks(ctx, db)
	if err != nil {
		t.Fatalf("second RunPendingHooks: %v", err)
	}
	if n != 0 || len(ran) != 2 {
		t.Errorf("second pass applied %d hooks, ran %v", n, ran)
	}

	pending, err = PendingHooks(ctx, db)
	if err != nil {
		t.Fatalf("PendingHooks: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after run = %v", pending)
	}
}

func TestRunPendingHooksStopsOnFailure(t *testing.T) {
	withHookRegistry(t)
	db := openTestDB(t)
	ctx := context.Background()

	var ran []string
	RegisterDataHook(4, "004_good", func(context.Context, *sql.DB) error {
		ran = append(ran, "004_good")
		return nil
	})
	RegisterDataHook(5, "005_bad", func(context.Context, *sql.DB) error {
		return errors.New("backfill query failed")
	})
	RegisterDataHook(6, "006_never", func(context.Context, *sql.DB) error {
		ran = append(ran, "006_never")
		return nil
	})

	n, err := RunPendingHooks(ctx, db)
	if err == nil {
		t.Fatal("expected failure from the bad hook")
	}
	if !strings.Contains(err.Error(), "005_bad") {
		t.Errorf("error %q does not name the hook", err)
	}
	if n != 1 || len(ran) != 1 || ran[0] != "004_good" {
		t.Errorf("applied %d, ran %v", n, ran)
	}

	pending, err := PendingHooks(ctx, db)
	if err != nil {
		t.Fatalf("PendingHooks: %v", err)
	}
	if len(pending) != 2 || pending[0] != "005_bad" || pending[1] != "006_never" {
		t.Errorf("pending = %v", pending)
	}
}
