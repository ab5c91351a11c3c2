package ledger

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pocketbase/dbx"
	_ "modernc.org/sqlite"
)

// Open connects to the ledger database. driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*dbx.DB, error) {
	if driver == "sqlite" {
		dsn = sqliteDSN(dsn)
	}

	db, err := dbx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", driver, err)
	}

	// Every connection to :memory: is a separate database.
	if driver == "sqlite" && strings.Contains(dsn, ":memory:") {
		db.DB().SetMaxOpenConns(1)
	}
	return db, nil
}

// sqliteDSN makes file databases begin transactions IMMEDIATE and wait on a
// busy lock, so read-then-write transactions from concurrent writers queue up
// instead of failing with SQLITE_BUSY.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, ":memory:") {
		return dsn
	}

	var params []string
	if !strings.Contains(dsn, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(5000)")
	}
	if len(params) == 0 {
		return dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func schema(driver string) []string {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == "postgres" {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS queues (
			` + idColumn + `,
			name TEXT NOT NULL,
			prior_minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			` + idColumn + `,
			external_id BIGINT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queue_entries (
			` + idColumn + `,
			queue_id BIGINT NOT NULL REFERENCES queues(id) ON DELETE CASCADE,
			participant_id BIGINT NOT NULL REFERENCES participants(id),
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			called_at BIGINT NULL,
			served_at BIGINT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entries_order
			ON queue_entries (queue_id, status, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_entries_served
			ON queue_entries (queue_id, status, served_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_entries_one_waiting
			ON queue_entries (queue_id, participant_id) WHERE status = 'waiting'`,
	}
}

// Migrate creates the ledger tables and indexes when missing.
func (l *Ledger) Migrate(ctx context.Context) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	for _, stmt := range schema(l.db.DriverName()) {
		if _, err := l.db.NewQuery(stmt).WithContext(ctx).Execute(); err != nil {
			return fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return nil
}
