package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/nuetzliches/commandfeed/internal/command"
	"github.com/nuetzliches/commandfeed/internal/leasereceipt"
	"github.com/nuetzliches/commandfeed/internal/sqlitedb"
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS command_queue (
  agent_id        TEXT NOT NULL,
  asset_group_id  TEXT NOT NULL,
  command_id      TEXT NOT NULL,
  priority        TEXT NOT NULL,
  command_type    TEXT NOT NULL,
  qualifier       TEXT NOT NULL DEFAULT '',
  created_at      INTEGER NOT NULL,
  next_visible_at INTEGER NOT NULL,
  token           TEXT NOT NULL,
  agent_state     TEXT,
  payload         BLOB NOT NULL,
  PRIMARY KEY (agent_id, asset_group_id, command_id)
);
CREATE INDEX IF NOT EXISTS idx_command_queue_ready
  ON command_queue(agent_id, priority, next_visible_at, created_at);
`

const schemaV2 = `
CREATE INDEX IF NOT EXISTS idx_command_queue_stats
  ON command_queue(agent_id, qualifier, command_type);
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithSQLiteMoniker(moniker string) SQLiteOption {
	return func(s *SQLiteStore) {
		if moniker != "" {
			s.moniker = moniker
		}
	}
}

type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	nowFn   func() time.Time
	moniker string
}

var _ CommandQueue = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{
		db:      db,
		nowFn:   time.Now,
		moniker: "sqlite",
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := sqlitedb.Migrate(context.Background(), db, "command_queue", []string{schemaV1, schemaV2}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Enqueue(ctx context.Context, cmd command.PrivacyCommand, priority Priority) error {
	it, err := newItem(cmd, priority, s.now())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO command_queue (
  agent_id, asset_group_id, command_id, priority, command_type, qualifier,
  created_at, next_visible_at, token, agent_state, payload
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		it.agentID,
		it.assetGroupID,
		it.commandID,
		string(it.priority),
		string(it.commandType),
		it.qualifier,
		it.createdAt.UnixNano(),
		it.nextVisible.UnixNano(),
		it.token,
		nullIfEmpty(it.agentState),
		it.payload,
	)
	return mapSQLiteError(err)
}

func (s *SQLiteStore) Pop(ctx context.Context, agentID string, maxCount int, lease time.Duration, priority Priority) (PopResult, error) {
	maxCount, lease = normalizePop(maxCount, lease)
	now := s.now()
	leaseUntil := now.Add(lease)

	var out PopResult
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
SELECT agent_id, asset_group_id, command_id, priority, command_type, qualifier,
       created_at, next_visible_at, token, agent_state, payload
FROM command_queue
WHERE agent_id = ?
  AND priority = ?
  AND next_visible_at <= ?
ORDER BY next_visible_at ASC, created_at ASC, command_id ASC
LIMIT ?;
`, agentID, string(priority), now.UnixNano(), maxCount)
		if err != nil {
			return err
		}
		items, err := scanSQLiteItems(rows)
		if err != nil {
			return err
		}

		for _, it := range items {
			oldToken := it.token
			it.token = newToken()
			it.nextVisible = leaseUntil
			res, err := conn.ExecContext(ctx, `
UPDATE command_queue
SET token = ?, next_visible_at = ?
WHERE agent_id = ? AND asset_group_id = ? AND command_id = ? AND token = ?;
`, it.token, it.nextVisible.UnixNano(), it.agentID, it.assetGroupID, it.commandID, oldToken)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			cmd, err := it.command(s.moniker)
			if err != nil {
				out.Errors = append(out.Errors, err)
				continue
			}
			out.Commands = append(out.Commands, cmd)
		}
		return nil
	})
	if err != nil {
		return PopResult{}, mapSQLiteError(err)
	}
	return out, nil
}

func (s *SQLiteStore) Query(ctx context.Context, r leasereceipt.Receipt) (*command.PrivacyCommand, error) {
	if !s.SupportsLeaseReceipt(r) {
		return nil, ErrInvalidLeaseReceipt
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT agent_id, asset_group_id, command_id, priority, command_type, qualifier,
       created_at, next_visible_at, token, agent_state, payload
FROM command_queue
WHERE agent_id = ? AND asset_group_id = ? AND command_id = ?;
`, r.AgentID, r.AssetGroupID, r.CommandID)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	items, err := scanSQLiteItems(rows)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	cmd, err := items[0].command(s.moniker)
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

func (s *SQLiteStore) Replace(ctx context.Context, r leasereceipt.Receipt, cmd command.PrivacyCommand, flags ReplaceFlags) (command.PrivacyCommand, error) {
	var out command.PrivacyCommand
	err := s.withReceipt(ctx, r, func(conn *sql.Conn, it item) error {
		it.nextVisible, it.agentState = applyReplace(it, cmd, flags)
		it.token = newToken()
		if _, err := conn.ExecContext(ctx, `
UPDATE command_queue
SET token = ?, next_visible_at = ?, agent_state = ?
WHERE agent_id = ? AND asset_group_id = ? AND command_id = ?;
`, it.token, it.nextVisible.UnixNano(), nullIfEmpty(it.agentState), it.agentID, it.assetGroupID, it.commandID); err != nil {
			return err
		}
		var err error
		out, err = it.command(s.moniker)
		return err
	})
	if err != nil {
		return command.PrivacyCommand{}, err
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, r leasereceipt.Receipt) error {
	return s.withReceipt(ctx, r, func(conn *sql.Conn, it item) error {
		_, err := conn.ExecContext(ctx, `
DELETE FROM command_queue
WHERE agent_id = ? AND asset_group_id = ? AND command_id = ?;
`, it.agentID, it.assetGroupID, it.commandID)
		return err
	})
}

func (s *SQLiteStore) SupportsLeaseReceipt(r leasereceipt.Receipt) bool {
	return supportsReceipt(s.moniker, r)
}

func (s *SQLiteStore) Stats(ctx context.Context, req StatsRequest) ([]Stat, error) {
	query := `
SELECT qualifier, command_type, COUNT(*)
FROM command_queue
WHERE agent_id = ?`
	args := []any{req.AgentID}
	if req.AssetGroupQualifier != "" {
		query += " AND qualifier = ?"
		args = append(args, req.AssetGroupQualifier)
	}
	if req.CommandType != "" {
		query += " AND command_type = ?"
		args = append(args, string(req.CommandType))
	}
	query += " GROUP BY qualifier, command_type;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	defer rows.Close()

	var out []Stat
	for rows.Next() {
		var st Stat
		var ct string
		if err := rows.Scan(&st.AssetGroupQualifier, &ct, &st.Pending); err != nil {
			return nil, err
		}
		st.CommandType = command.Type(ct)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortStats(out)
	return out, nil
}

// withReceipt runs fn against the item r points at, inside one immediate
// transaction, after checking that r's token is still current.
func (s *SQLiteStore) withReceipt(ctx context.Context, r leasereceipt.Receipt, fn func(conn *sql.Conn, it item) error) error {
	if !s.SupportsLeaseReceipt(r) {
		return ErrInvalidLeaseReceipt
	}
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
SELECT agent_id, asset_group_id, command_id, priority, command_type, qualifier,
       created_at, next_visible_at, token, agent_state, payload
FROM command_queue
WHERE agent_id = ? AND asset_group_id = ? AND command_id = ?;
`, r.AgentID, r.AssetGroupID, r.CommandID)
		if err != nil {
			return err
		}
		items, err := scanSQLiteItems(rows)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return ErrNotFound
		}
		if items[0].token != r.Token {
			return ErrConflict
		}
		return fn(conn, items[0])
	})
	return mapSQLiteError(err)
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	return sqlitedb.WithTx(ctx, s.db, fn)
}

func scanSQLiteItems(rows *sql.Rows) ([]item, error) {
	defer rows.Close()
	var out []item
	for rows.Next() {
		var (
			it          item
			priority    string
			commandType string
			createdAt   int64
			nextVisible int64
			agentState  sql.NullString
		)
		if err := rows.Scan(
			&it.agentID,
			&it.assetGroupID,
			&it.commandID,
			&priority,
			&commandType,
			&it.qualifier,
			&createdAt,
			&nextVisible,
			&it.token,
			&agentState,
			&it.payload,
		); err != nil {
			return nil, err
		}
		it.priority = Priority(priority)
		it.commandType = command.Type(commandType)
		it.createdAt = time.Unix(0, createdAt).UTC()
		it.nextVisible = time.Unix(0, nextVisible).UTC()
		if agentState.Valid {
			it.agentState = agentState.String
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn().UTC()
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func mapSQLiteError(err error) error {
	switch {
	case err == nil:
		return nil
	case sqlitedb.IsBusy(err):
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	case sqlitedb.IsConstraint(err):
		return ErrExists
	}
	return err
}
