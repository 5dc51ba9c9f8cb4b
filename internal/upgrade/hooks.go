package upgrade

// RequiredSchemaVersion is the migration version this binary expects.
// Bump alongside every new file in internal/store/sqlstore/migrations.
const RequiredSchemaVersion uint = 3

// Data migration hooks are registered here.
// Add new hooks when a schema migration requires Go-based data transformation.
//
// Example:
//
//	func init() {
//		RegisterDataHook(4, "004_backfill_agent_states", func(ctx context.Context, db *sql.DB) error {
//			// transform data after migration 0004 is applied
//			return nil
//		})
//	}
