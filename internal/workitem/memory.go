package workitem

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryState int

const (
	stateReady memoryState = iota
	stateLeased
	stateDead
)

type memoryItem struct {
	Item
	state memoryState
}

type MemoryStore struct {
	mu    sync.Mutex
	nowFn func() time.Time
	items map[string]*memoryItem
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{nowFn: now, items: make(map[string]*memoryItem)}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Put(_ context.Context, kind Kind, payload []byte, delay time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn().UTC()
	id := newID()
	m.items[id] = &memoryItem{Item: Item{
		ID:        id,
		Kind:      kind,
		Payload:   append([]byte(nil), payload...),
		NotBefore: now.Add(delay),
		CreatedAt: now,
	}}
	return id, nil
}

func (m *MemoryStore) Claim(_ context.Context, leaseTTL time.Duration) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn().UTC()
	var due []*memoryItem
	for _, it := range m.items {
		switch {
		case it.state == stateReady && !it.NotBefore.After(now):
			due = append(due, it)
		case it.state == stateLeased && !it.LeaseUntil.After(now):
			due = append(due, it)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NotBefore.Equal(due[j].NotBefore) {
			return due[i].NotBefore.Before(due[j].NotBefore)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	it := due[0]
	it.state = stateLeased
	it.LeaseID = newID()
	it.LeaseUntil = now.Add(leaseTTL)
	out := it.Item
	out.Payload = append([]byte(nil), it.Payload...)
	return &out, nil
}

func (m *MemoryStore) Done(_ context.Context, leaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.leased(leaseID)
	if !ok {
		return ErrLeaseNotFound
	}
	delete(m.items, it.ID)
	return nil
}

func (m *MemoryStore) Retry(_ context.Context, leaseID string, delay time.Duration, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.leased(leaseID)
	if !ok {
		return ErrLeaseNotFound
	}
	it.state = stateReady
	it.Attempt++
	it.NotBefore = m.nowFn().UTC().Add(delay)
	it.LeaseID = ""
	it.LeaseUntil = time.Time{}
	it.LastError = lastErr
	return nil
}

func (m *MemoryStore) Dead(_ context.Context, leaseID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.leased(leaseID)
	if !ok {
		return ErrLeaseNotFound
	}
	it.state = stateDead
	it.Attempt++
	it.LeaseID = ""
	it.LastError = reason
	return nil
}

// DeadItems returns the items that exhausted their attempts.
func (m *MemoryStore) DeadItems() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Item
	for _, it := range m.items {
		if it.state == stateDead {
			out = append(out, it.Item)
		}
	}
	return out
}

// Pending counts items that are not dead.
func (m *MemoryStore) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, it := range m.items {
		if it.state != stateDead {
			n++
		}
	}
	return n
}

func (m *MemoryStore) leased(leaseID string) (*memoryItem, bool) {
	if leaseID == "" {
		return nil, false
	}
	for _, it := range m.items {
		if it.state == stateLeased && it.LeaseID == leaseID {
			return it, true
		}
	}
	return nil, false
}
