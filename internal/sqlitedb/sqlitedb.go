// Package sqlitedb opens the durable SQLite database shared by the queue,
// history and work item stores and runs their schema migrations.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqlite3 "modernc.org/sqlite"
)

// Open opens dbPath with WAL journaling and full sync. The returned handle
// uses a single connection.
func Open(dbPath string) (*sql.DB, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return db, nil
}

// Migrate applies numbered schema steps for component under an immediate
// transaction. Step i (1-based) is recorded as version i.
func Migrate(ctx context.Context, db *sql.DB, component string, steps []string) error {
	return WithTx(ctx, db, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  component TEXT PRIMARY KEY,
  version   INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("sqlite: init migrations table: %w", err)
		}

		var current int
		err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations WHERE component = ?;`, component).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: read %s schema_version: %w", component, err)
		}
		if current > len(steps) {
			return fmt.Errorf("sqlite: %s schema_version=%d, want <=%d", component, current, len(steps))
		}

		for v := current + 1; v <= len(steps); v++ {
			if _, err := conn.ExecContext(ctx, steps[v-1]); err != nil {
				return fmt.Errorf("sqlite: migrate %s v%d: %w", component, v, err)
			}
		}
		if current != len(steps) {
			if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(component, version) VALUES (?, ?);`, component, len(steps)); err != nil {
				return fmt.Errorf("sqlite: write %s schema_version: %w", component, err)
			}
		}
		return nil
	})
}

// WithTx runs fn inside BEGIN IMMEDIATE on a dedicated connection and
// commits when fn returns nil.
func WithTx(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK;")
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

// Extended sqlite result codes include base code in the lower 8 bits.
const (
	codeBusy       = 5
	codeLocked     = 6
	codeConstraint = 19
)

// IsBusy reports SQLITE_BUSY / SQLITE_LOCKED.
func IsBusy(err error) bool {
	code, ok := baseCode(err)
	return ok && (code == codeBusy || code == codeLocked)
}

// IsConstraint reports a constraint violation such as a duplicate key.
func IsConstraint(err error) bool {
	code, ok := baseCode(err)
	return ok && code == codeConstraint
}

func baseCode(err error) (int, bool) {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return 0, false
	}
	return sqliteErr.Code() & 0xff, true
}
