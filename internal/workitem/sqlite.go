package workitem

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/nuetzliches/commandfeed/internal/sqlitedb"
)

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS work_items (
  id          TEXT PRIMARY KEY,
  kind        TEXT NOT NULL,
  payload     BLOB NOT NULL,
  attempt     INTEGER NOT NULL DEFAULT 0,
  state       TEXT NOT NULL,
  not_before  INTEGER NOT NULL,
  created_at  INTEGER NOT NULL,
  lease_id    TEXT,
  lease_until INTEGER,
  last_error  TEXT
);
CREATE INDEX IF NOT EXISTS idx_work_items_due
  ON work_items(state, not_before, created_at);
CREATE INDEX IF NOT EXISTS idx_work_items_lease
  ON work_items(lease_id);
`

type SQLiteStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, now func() time.Time) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	if err := sqlitedb.Migrate(context.Background(), db, "work_items", []string{sqliteSchemaV1}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, nowFn: now}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Put(ctx context.Context, kind Kind, payload []byte, delay time.Duration) (string, error) {
	now := s.now()
	id := newID()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO work_items (id, kind, payload, attempt, state, not_before, created_at)
VALUES (?, ?, ?, 0, 'ready', ?, ?);
`, id, string(kind), payload, now.Add(delay).UnixNano(), now.UnixNano())
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, leaseTTL time.Duration) (*Item, error) {
	now := s.now()
	var out *Item
	err := sqlitedb.WithTx(ctx, s.db, func(conn *sql.Conn) error {
		var (
			it        Item
			kind      string
			notBefore int64
			created   int64
			lastErr   sql.NullString
		)
		err := conn.QueryRowContext(ctx, `
SELECT id, kind, payload, attempt, not_before, created_at, last_error
FROM work_items
WHERE (state = 'ready' AND not_before <= ?)
   OR (state = 'leased' AND lease_until <= ?)
ORDER BY not_before ASC, created_at ASC
LIMIT 1;
`, now.UnixNano(), now.UnixNano()).Scan(&it.ID, &kind, &it.Payload, &it.Attempt, &notBefore, &created, &lastErr)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		it.Kind = Kind(kind)
		it.NotBefore = time.Unix(0, notBefore).UTC()
		it.CreatedAt = time.Unix(0, created).UTC()
		it.LastError = lastErr.String
		it.LeaseID = newID()
		it.LeaseUntil = now.Add(leaseTTL)
		if _, err := conn.ExecContext(ctx, `
UPDATE work_items SET state = 'leased', lease_id = ?, lease_until = ? WHERE id = ?;
`, it.LeaseID, it.LeaseUntil.UnixNano(), it.ID); err != nil {
			return err
		}
		out = &it
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) Done(ctx context.Context, leaseID string) error {
	return s.withLease(ctx, leaseID, func(conn *sql.Conn, id string) error {
		_, err := conn.ExecContext(ctx, `DELETE FROM work_items WHERE id = ?;`, id)
		return err
	})
}

func (s *SQLiteStore) Retry(ctx context.Context, leaseID string, delay time.Duration, lastErr string) error {
	notBefore := s.now().Add(delay).UnixNano()
	return s.withLease(ctx, leaseID, func(conn *sql.Conn, id string) error {
		_, err := conn.ExecContext(ctx, `
UPDATE work_items
SET state = 'ready', attempt = attempt + 1, not_before = ?, lease_id = NULL, lease_until = NULL, last_error = ?
WHERE id = ?;
`, notBefore, lastErr, id)
		return err
	})
}

func (s *SQLiteStore) Dead(ctx context.Context, leaseID string, reason string) error {
	return s.withLease(ctx, leaseID, func(conn *sql.Conn, id string) error {
		_, err := conn.ExecContext(ctx, `
UPDATE work_items
SET state = 'dead', attempt = attempt + 1, lease_id = NULL, lease_until = NULL, last_error = ?
WHERE id = ?;
`, reason, id)
		return err
	})
}

func (s *SQLiteStore) withLease(ctx context.Context, leaseID string, fn func(conn *sql.Conn, id string) error) error {
	if leaseID == "" {
		return ErrLeaseNotFound
	}
	return sqlitedb.WithTx(ctx, s.db, func(conn *sql.Conn) error {
		var id string
		err := conn.QueryRowContext(ctx, `
SELECT id FROM work_items WHERE lease_id = ? AND state = 'leased';
`, leaseID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLeaseNotFound
		}
		if err != nil {
			return err
		}
		return fn(conn, id)
	})
}

func (s *SQLiteStore) now() time.Time {
	return s.nowFn().UTC()
}
