package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nuetzliches/commandfeed/internal/command"
	"github.com/nuetzliches/commandfeed/internal/leasereceipt"
)

type PostgresOption func(*PostgresStore)

type PostgresStore struct {
	db *sql.DB

	mu      sync.Mutex
	nowFn   func() time.Time
	moniker string
}

var _ CommandQueue = (*PostgresStore)(nil)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS command_queue (
  agent_id        TEXT NOT NULL,
  asset_group_id  TEXT NOT NULL,
  command_id      TEXT NOT NULL,
  priority        TEXT NOT NULL,
  command_type    TEXT NOT NULL,
  qualifier       TEXT NOT NULL DEFAULT '',
  created_at      TIMESTAMPTZ NOT NULL,
  next_visible_at TIMESTAMPTZ NOT NULL,
  token           TEXT NOT NULL,
  agent_state     TEXT,
  payload         BYTEA NOT NULL,
  PRIMARY KEY (agent_id, asset_group_id, command_id)
);

CREATE INDEX IF NOT EXISTS idx_command_queue_ready
  ON command_queue(agent_id, priority, next_visible_at, created_at);
CREATE INDEX IF NOT EXISTS idx_command_queue_stats
  ON command_queue(agent_id, qualifier, command_type);
`

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithPostgresMoniker(moniker string) PostgresOption {
	return func(s *PostgresStore) {
		if moniker != "" {
			s.moniker = moniker
		}
	}
}

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{
		db:      db,
		nowFn:   time.Now,
		moniker: "postgres",
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(ctx, postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Enqueue(ctx context.Context, cmd command.PrivacyCommand, priority Priority) error {
	it, err := newItem(cmd, priority, s.now())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO command_queue (
  agent_id, asset_group_id, command_id, priority, command_type, qualifier,
  created_at, next_visible_at, token, agent_state, payload
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`,
		it.agentID,
		it.assetGroupID,
		it.commandID,
		string(it.priority),
		string(it.commandType),
		it.qualifier,
		it.createdAt,
		it.nextVisible,
		it.token,
		nullIfEmpty(it.agentState),
		it.payload,
	)
	return mapPostgresError(err)
}

func (s *PostgresStore) Pop(ctx context.Context, agentID string, maxCount int, lease time.Duration, priority Priority) (PopResult, error) {
	maxCount, lease = normalizePop(maxCount, lease)
	now := s.now()
	leaseUntil := now.Add(lease)

	var out PopResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT agent_id, asset_group_id, command_id, priority, command_type, qualifier,
       created_at, next_visible_at, token, agent_state, payload
FROM command_queue
WHERE agent_id = $1
  AND priority = $2
  AND next_visible_at <= $3
ORDER BY next_visible_at ASC, created_at ASC, command_id ASC
LIMIT $4
FOR UPDATE SKIP LOCKED
`, agentID, string(priority), now, maxCount)
		if err != nil {
			return err
		}
		items, err := scanPostgresItems(rows)
		if err != nil {
			return err
		}

		for _, it := range items {
			it.token = newToken()
			it.nextVisible = leaseUntil
			if _, err := tx.ExecContext(ctx, `
UPDATE command_queue
SET token = $1, next_visible_at = $2
WHERE agent_id = $3 AND asset_group_id = $4 AND command_id = $5
`, it.token, it.nextVisible, it.agentID, it.assetGroupID, it.commandID); err != nil {
				return err
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
		return PopResult{}, mapPostgresError(err)
	}
	return out, nil
}

func (s *PostgresStore) Query(ctx context.Context, r leasereceipt.Receipt) (*command.PrivacyCommand, error) {
	if !s.SupportsLeaseReceipt(r) {
		return nil, ErrInvalidLeaseReceipt
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT agent_id, asset_group_id, command_id, priority, command_type, qualifier,
       created_at, next_visible_at, token, agent_state, payload
FROM command_queue
WHERE agent_id = $1 AND asset_group_id = $2 AND command_id = $3
`, r.AgentID, r.AssetGroupID, r.CommandID)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	items, err := scanPostgresItems(rows)
	if err != nil {
		return nil, mapPostgresError(err)
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

func (s *PostgresStore) Replace(ctx context.Context, r leasereceipt.Receipt, cmd command.PrivacyCommand, flags ReplaceFlags) (command.PrivacyCommand, error) {
	var out command.PrivacyCommand
	err := s.withReceipt(ctx, r, func(tx *sql.Tx, it item) error {
		it.nextVisible, it.agentState = applyReplace(it, cmd, flags)
		it.token = newToken()
		if _, err := tx.ExecContext(ctx, `
UPDATE command_queue
SET token = $1, next_visible_at = $2, agent_state = $3
WHERE agent_id = $4 AND asset_group_id = $5 AND command_id = $6
`, it.token, it.nextVisible, nullIfEmpty(it.agentState), it.agentID, it.assetGroupID, it.commandID); err != nil {
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

func (s *PostgresStore) Delete(ctx context.Context, r leasereceipt.Receipt) error {
	return s.withReceipt(ctx, r, func(tx *sql.Tx, it item) error {
		_, err := tx.ExecContext(ctx, `
DELETE FROM command_queue
WHERE agent_id = $1 AND asset_group_id = $2 AND command_id = $3
`, it.agentID, it.assetGroupID, it.commandID)
		return err
	})
}

func (s *PostgresStore) SupportsLeaseReceipt(r leasereceipt.Receipt) bool {
	return supportsReceipt(s.moniker, r)
}

func (s *PostgresStore) Stats(ctx context.Context, req StatsRequest) ([]Stat, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT qualifier, command_type, COUNT(*)
FROM command_queue
WHERE agent_id = $1
  AND ($2 = '' OR qualifier = $2)
  AND ($3 = '' OR command_type = $3)
GROUP BY qualifier, command_type
`, req.AgentID, req.AssetGroupQualifier, string(req.CommandType))
	if err != nil {
		return nil, mapPostgresError(err)
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

func (s *PostgresStore) withReceipt(ctx context.Context, r leasereceipt.Receipt, fn func(tx *sql.Tx, it item) error) error {
	if !s.SupportsLeaseReceipt(r) {
		return ErrInvalidLeaseReceipt
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
SELECT agent_id, asset_group_id, command_id, priority, command_type, qualifier,
       created_at, next_visible_at, token, agent_state, payload
FROM command_queue
WHERE agent_id = $1 AND asset_group_id = $2 AND command_id = $3
FOR UPDATE
`, r.AgentID, r.AssetGroupID, r.CommandID)
		if err != nil {
			return err
		}
		items, err := scanPostgresItems(rows)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return ErrNotFound
		}
		if items[0].token != r.Token {
			return ErrConflict
		}
		return fn(tx, items[0])
	})
	return mapPostgresError(err)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func scanPostgresItems(rows *sql.Rows) ([]item, error) {
	defer rows.Close()
	var out []item
	for rows.Next() {
		var (
			it          item
			priority    string
			commandType string
			agentState  sql.NullString
		)
		if err := rows.Scan(
			&it.agentID,
			&it.assetGroupID,
			&it.commandID,
			&priority,
			&commandType,
			&it.qualifier,
			&it.createdAt,
			&it.nextVisible,
			&it.token,
			&agentState,
			&it.payload,
		); err != nil {
			return nil, err
		}
		it.priority = Priority(priority)
		it.commandType = command.Type(commandType)
		it.createdAt = it.createdAt.UTC()
		it.nextVisible = it.nextVisible.UTC()
		if agentState.Valid {
			it.agentState = agentState.String
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn().UTC()
}

func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return ErrExists
	case "40001", "40P01":
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case "53300", "57014", "55P03":
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	}
	return err
}
