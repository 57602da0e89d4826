package history

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
)

type MemoryRepository struct {
	mu      sync.Mutex
	nowFn   func() time.Time
	records map[string]*Record
	events  map[string][]Event
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository(now func() time.Time) *MemoryRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryRepository{
		nowFn:   now,
		records: make(map[string]*Record),
		events:  make(map[string][]Event),
	}
}

func (m *MemoryRepository) Close() error { return nil }

func (m *MemoryRepository) TryInsert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := rec.Command.CommandID
	if _, ok := m.records[id]; ok {
		return ErrExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.Command.CreatedTime
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.nowFn()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	cp := cloneRecord(rec)
	m.records[id] = &cp
	return nil
}

func (m *MemoryRepository) Query(_ context.Context, commandID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[commandID]
	if !ok {
		return nil, nil
	}
	cp := cloneRecord(*rec)
	return &cp, nil
}

func (m *MemoryRepository) QueryForReplay(_ context.Context, f ReplayFilter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.records {
		if !f.matches(*rec) {
			continue
		}
		if !slices.ContainsFunc(rec.Destinations, func(d Destination) bool {
			return d.AgentID == f.AgentID && slices.Contains(f.AssetGroupIDs, d.AssetGroupID)
		}) {
			continue
		}
		out = append(out, cloneRecord(*rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) AppendEvent(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ID == "" {
		ev.ID = xid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = m.nowFn()
	}
	m.events[ev.CommandID] = append(m.events[ev.CommandID], ev)
	if ev.Kind == EventCompleted {
		if rec, ok := m.records[ev.CommandID]; ok {
			markCompleted(rec.Destinations, ev.AgentID, ev.AssetGroupID, ev.At)
		}
	}
	return nil
}

func (m *MemoryRepository) Events(_ context.Context, commandID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events[commandID]), nil
}
