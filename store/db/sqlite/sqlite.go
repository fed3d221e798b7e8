package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/ratherhq/rather/internal/profile"
	"github.com/ratherhq/rather/store"
)

// SQLite is supported for development and single-user instances. The
// single-connection pool below makes the per-thread append serialization
// in the store layer sufficient on its own; concurrent writers never
// reach the database.

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the SQLite database at the profile DSN.
//
// Notes:
//   - When using the `modernc.org/sqlite` driver, each pragma must be
//     prefixed with `_pragma=`.
//   - WAL journal mode prevents reader/writer locking issues.
//   - Foreign keys are enabled: the message table relies on ON DELETE
//     CASCADE from thread.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// Single connection is optimal with WAL for a local file.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	return &DB{db: sqliteDB, profile: profile}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS "user" (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	theme_preference TEXT NOT NULL DEFAULT 'system',
	created_ts INTEGER NOT NULL,
	updated_ts INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS thread (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES "user" (id),
	parent_thread_id TEXT,
	anchor_message_id TEXT,
	anchor_start INTEGER,
	anchor_end INTEGER,
	title TEXT NOT NULL,
	summary TEXT,
	created_ts INTEGER NOT NULL,
	updated_ts INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_thread_user_id ON thread (user_id);
CREATE INDEX IF NOT EXISTS idx_thread_parent ON thread (parent_thread_id);

CREATE TABLE IF NOT EXISTS message (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL REFERENCES thread (id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	position INTEGER NOT NULL,
	created_ts INTEGER NOT NULL,
	UNIQUE (thread_id, position)
);

CREATE INDEX IF NOT EXISTS idx_message_thread_id ON message (thread_id);
`

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	return nil
}
