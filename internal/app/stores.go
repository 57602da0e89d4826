package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nuetzliches/commandfeed/internal/config"
	"github.com/nuetzliches/commandfeed/internal/history"
	"github.com/nuetzliches/commandfeed/internal/queue"
	"github.com/nuetzliches/commandfeed/internal/workitem"
)

// stores groups the persistent state of the feed. History and work items
// always live in SQLite next to the queue unless everything runs in memory.
type stores struct {
	backend string
	queue   queue.CommandQueue
	history history.Repository
	work    workitem.Store
}

func openStores(c config.QueueConfig, now func() time.Time) (*stores, error) {
	switch c.Backend {
	case "memory":
		return &stores{
			backend: "memory",
			queue:   queue.NewMemoryStore(queue.WithNowFunc(now), queue.WithMemoryMoniker(c.Moniker)),
			history: history.NewMemoryRepository(now),
			work:    workitem.NewMemoryStore(now),
		}, nil
	case "", "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", c.Backend)
	}

	if c.Path == "" {
		return nil, errors.New("queue.path is required for sqlite-backed state")
	}
	if dir := filepath.Dir(c.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	st := &stores{backend: "sqlite"}
	if c.Backend == "postgres" {
		if c.DSN == "" {
			return nil, errors.New("postgres backend requires queue.dsn or --postgres-dsn")
		}
		q, err := queue.NewPostgresStore(c.DSN, queue.WithPostgresNowFunc(now), queue.WithPostgresMoniker(c.Moniker))
		if err != nil {
			return nil, fmt.Errorf("open queue: %w", err)
		}
		st.backend = "postgres"
		st.queue = q
	} else {
		q, err := queue.NewSQLiteStore(c.Path, queue.WithSQLiteNowFunc(now), queue.WithSQLiteMoniker(c.Moniker))
		if err != nil {
			return nil, fmt.Errorf("open queue: %w", err)
		}
		st.queue = q
	}
	hist, err := history.NewSQLiteRepository(c.Path, now)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open history: %w", err)
	}
	st.history = hist
	work, err := workitem.NewSQLiteStore(c.Path, now)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open work items: %w", err)
	}
	st.work = work
	return st, nil
}

func (s *stores) Close() error {
	var errs []error
	if s.work != nil {
		errs = append(errs, s.work.Close())
	}
	if s.history != nil {
		errs = append(errs, s.history.Close())
	}
	if s.queue != nil {
		errs = append(errs, s.queue.Close())
	}
	return errors.Join(errs...)
}
