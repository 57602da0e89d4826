package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/nuetzliches/commandfeed/internal/command"
	"github.com/nuetzliches/commandfeed/internal/sqlitedb"
)

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS command_history (
  command_id   TEXT PRIMARY KEY,
  command_type TEXT NOT NULL,
  subject_type TEXT NOT NULL,
  created_at   INTEGER NOT NULL,
  payload      BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_command_history_created
  ON command_history(created_at);

CREATE TABLE IF NOT EXISTS command_destinations (
  command_id     TEXT NOT NULL,
  agent_id       TEXT NOT NULL,
  asset_group_id TEXT NOT NULL,
  completed_at   INTEGER,
  PRIMARY KEY (command_id, agent_id, asset_group_id)
);
CREATE INDEX IF NOT EXISTS idx_command_destinations_agent
  ON command_destinations(agent_id, asset_group_id);

CREATE TABLE IF NOT EXISTS lifecycle_events (
  seq            INTEGER PRIMARY KEY AUTOINCREMENT,
  event_id       TEXT NOT NULL UNIQUE,
  command_id     TEXT NOT NULL,
  agent_id       TEXT NOT NULL,
  asset_group_id TEXT NOT NULL,
  kind           TEXT NOT NULL,
  command_type   TEXT NOT NULL DEFAULT '',
  at             INTEGER NOT NULL,
  detail         TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_lifecycle_events_command
  ON lifecycle_events(command_id, seq);
`

type SQLiteRepository struct {
	db    *sql.DB
	nowFn func() time.Time
}

var _ Repository = (*SQLiteRepository)(nil)

func NewSQLiteRepository(dbPath string, now func() time.Time) (*SQLiteRepository, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	if err := sqlitedb.Migrate(context.Background(), db, "command_history", []string{sqliteSchemaV1}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteRepository{db: db, nowFn: now}, nil
}

func (s *SQLiteRepository) Close() error { return s.db.Close() }

func (s *SQLiteRepository) TryInsert(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.Command.CreatedTime
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.nowFn()
	}
	payload, err := json.Marshal(rec.Command)
	if err != nil {
		return fmt.Errorf("history: encode command: %w", err)
	}

	err = sqlitedb.WithTx(ctx, s.db, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
INSERT INTO command_history (command_id, command_type, subject_type, created_at, payload)
VALUES (?, ?, ?, ?, ?);
`, rec.Command.CommandID, string(rec.Command.Type), string(rec.Command.Subject.Type), rec.CreatedAt.UTC().UnixNano(), payload); err != nil {
			return err
		}
		for _, d := range rec.Destinations {
			if _, err := conn.ExecContext(ctx, `
INSERT INTO command_destinations (command_id, agent_id, asset_group_id, completed_at)
VALUES (?, ?, ?, ?);
`, rec.Command.CommandID, d.AgentID, d.AssetGroupID, nanosOrNil(d.CompletedAt)); err != nil {
				return err
			}
		}
		return nil
	})
	if sqlitedb.IsConstraint(err) {
		return ErrExists
	}
	return err
}

func (s *SQLiteRepository) Query(ctx context.Context, commandID string) (*Record, error) {
	var (
		payload []byte
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT payload, created_at FROM command_history WHERE command_id = ?;
`, commandID).Scan(&payload, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(payload, created)
	if err != nil {
		return nil, err
	}
	if rec.Destinations, err = s.destinations(ctx, commandID); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteRepository) QueryForReplay(ctx context.Context, f ReplayFilter) ([]Record, error) {
	if len(f.AssetGroupIDs) == 0 {
		return nil, nil
	}
	args := []any{f.AgentID}
	for _, id := range f.AssetGroupIDs {
		args = append(args, id)
	}
	args = append(args, f.From.UTC().UnixNano(), f.To.UTC().UnixNano())
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.AssetGroupIDs)), ",")

	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT h.command_id, h.payload, h.created_at
FROM command_history h
JOIN command_destinations d ON d.command_id = h.command_id
WHERE d.agent_id = ?
  AND d.asset_group_id IN (`+placeholders+`)
  AND h.created_at >= ? AND h.created_at < ?
ORDER BY h.created_at ASC, h.command_id ASC;
`, args...)
	if err != nil {
		return nil, err
	}
	type row struct {
		id      string
		payload []byte
		created int64
	}
	var found []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.payload, &r.created); err != nil {
			rows.Close()
			return nil, err
		}
		found = append(found, r)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	var out []Record
	for _, r := range found {
		rec, err := decodeRecord(r.payload, r.created)
		if err != nil {
			return nil, err
		}
		if !f.matches(rec) {
			continue
		}
		if rec.Destinations, err = s.destinations(ctx, r.id); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *SQLiteRepository) AppendEvent(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = xid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = s.nowFn()
	}
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return fmt.Errorf("history: encode event detail: %w", err)
	}
	return sqlitedb.WithTx(ctx, s.db, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
INSERT INTO lifecycle_events (event_id, command_id, agent_id, asset_group_id, kind, command_type, at, detail)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`, ev.ID, ev.CommandID, ev.AgentID, ev.AssetGroupID, string(ev.Kind), string(ev.CommandType), ev.At.UTC().UnixNano(), string(detail)); err != nil {
			return err
		}
		if ev.Kind != EventCompleted {
			return nil
		}
		_, err := conn.ExecContext(ctx, `
UPDATE command_destinations
SET completed_at = ?
WHERE command_id = ? AND agent_id = ? AND asset_group_id = ? AND completed_at IS NULL;
`, ev.At.UTC().UnixNano(), ev.CommandID, ev.AgentID, ev.AssetGroupID)
		return err
	})
}

func (s *SQLiteRepository) Events(ctx context.Context, commandID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, command_id, agent_id, asset_group_id, kind, command_type, at, detail
FROM lifecycle_events
WHERE command_id = ?
ORDER BY seq ASC;
`, commandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev          Event
			kind, ctype string
			at          int64
			detail      string
		)
		if err := rows.Scan(&ev.ID, &ev.CommandID, &ev.AgentID, &ev.AssetGroupID, &kind, &ctype, &at, &detail); err != nil {
			return nil, err
		}
		ev.Kind = EventKind(kind)
		ev.CommandType = command.Type(ctype)
		ev.At = time.Unix(0, at).UTC()
		if err := json.Unmarshal([]byte(detail), &ev.Detail); err != nil {
			return nil, fmt.Errorf("history: decode event detail: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteRepository) destinations(ctx context.Context, commandID string) ([]Destination, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT agent_id, asset_group_id, completed_at
FROM command_destinations
WHERE command_id = ?
ORDER BY agent_id ASC, asset_group_id ASC;
`, commandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Destination
	for rows.Next() {
		var (
			d         Destination
			completed sql.NullInt64
		)
		if err := rows.Scan(&d.AgentID, &d.AssetGroupID, &completed); err != nil {
			return nil, err
		}
		if completed.Valid {
			t := time.Unix(0, completed.Int64).UTC()
			d.CompletedAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func decodeRecord(payload []byte, created int64) (Record, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec.Command); err != nil {
		return Record{}, fmt.Errorf("history: decode command: %w", err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return rec, nil
}

func nanosOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}
