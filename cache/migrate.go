package cache

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations are applied in order, each in its own transaction together with
// the PRAGMA user_version bump that records it.
var migrations = []migration{
	{
		version: 1,
		name:    "create roots and entries",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS roots (
				id INTEGER PRIMARY KEY,
				canonical_path TEXT NOT NULL UNIQUE,
				scan_count INTEGER NOT NULL DEFAULT 0,
				last_scan_utc INTEGER NOT NULL DEFAULT 0,
				last_pruned_utc INTEGER NOT NULL DEFAULT 0,
				created_utc INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE TABLE IF NOT EXISTS entries (
				root_id INTEGER NOT NULL REFERENCES roots(id),
				path TEXT NOT NULL,
				parent TEXT,
				kind INTEGER NOT NULL,
				aggregate_size INTEGER NOT NULL,
				mtime_ns INTEGER NOT NULL,
				last_seen INTEGER NOT NULL,
				flags INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (root_id, path)
			)`,
		},
	},
	{
		version: 2,
		name:    "index entries by parent",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_entries_parent ON entries(root_id, parent)`,
		},
	},
	{
		version: 3,
		name:    "index entries by last_seen",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_entries_last_seen ON entries(last_seen)`,
		},
	},
	{
		version: 4,
		name:    "track dirty sequence",
		stmts: []string{
			`ALTER TABLE entries ADD COLUMN dirty_seq INTEGER NOT NULL DEFAULT 0`,
		},
	},
}

// SchemaVersion is the highest migration this build knows about.
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// migrate applies every pending step of list and returns the resulting
// version. A failed step leaves the schema at the previous version.
func migrate(ctx context.Context, db *sql.DB, list []migration, log *zap.Logger) (int, error) {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return 0, &StoreError{Kind: ErrKindMigration, Op: "read schema version", Err: err}
	}
	latest := 0
	if len(list) > 0 {
		latest = list[len(list)-1].version
	}
	if current > latest {
		return current, &StoreError{
			Kind: ErrKindMigration,
			Op:   "check schema version",
			Err:  fmt.Errorf("store schema v%d is newer than supported v%d", current, latest),
		}
	}

	for _, m := range list {
		if m.version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return current, &StoreError{
				Kind: ErrKindMigration,
				Op:   fmt.Sprintf("migrate v%d (%s)", m.version, m.name),
				Err:  err,
			}
		}
		log.Info("applied cache migration", zap.Int("version", m.version), zap.String("name", m.name))
		current = m.version
	}
	return current, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, m.version)); err != nil {
		return err
	}
	return tx.Commit()
}
