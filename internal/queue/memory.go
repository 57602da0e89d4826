package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nuetzliches/commandfeed/internal/command"
	"github.com/nuetzliches/commandfeed/internal/leasereceipt"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithMemoryMoniker(moniker string) MemoryOption {
	return func(s *MemoryStore) {
		if moniker != "" {
			s.moniker = moniker
		}
	}
}

type itemKey struct {
	agentID      string
	assetGroupID string
	commandID    string
}

type MemoryStore struct {
	mu      sync.Mutex
	nowFn   func() time.Time
	moniker string
	items   map[itemKey]*item
}

var _ CommandQueue = (*MemoryStore)(nil)

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:   time.Now,
		moniker: "memory",
		items:   make(map[itemKey]*item),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Enqueue(_ context.Context, cmd command.PrivacyCommand, priority Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := newItem(cmd, priority, s.nowFn().UTC())
	if err != nil {
		return err
	}
	key := itemKey{it.agentID, it.assetGroupID, it.commandID}
	if _, ok := s.items[key]; ok {
		return ErrExists
	}
	s.items[key] = &it
	return nil
}

func (s *MemoryStore) Pop(ctx context.Context, agentID string, maxCount int, lease time.Duration, priority Priority) (PopResult, error) {
	if err := ctx.Err(); err != nil {
		return PopResult{}, err
	}
	maxCount, lease = normalizePop(maxCount, lease)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn().UTC()
	ready := make([]*item, 0, maxCount)
	for _, it := range s.items {
		if it.agentID == agentID && it.priority == priority && !it.nextVisible.After(now) {
			ready = append(ready, it)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].nextVisible.Equal(ready[j].nextVisible) {
			return ready[i].nextVisible.Before(ready[j].nextVisible)
		}
		if !ready[i].createdAt.Equal(ready[j].createdAt) {
			return ready[i].createdAt.Before(ready[j].createdAt)
		}
		return ready[i].commandID < ready[j].commandID
	})
	if len(ready) > maxCount {
		ready = ready[:maxCount]
	}

	var out PopResult
	for _, it := range ready {
		it.nextVisible = now.Add(lease)
		it.token = newToken()
		cmd, err := it.command(s.moniker)
		if err != nil {
			out.Errors = append(out.Errors, err)
			continue
		}
		out.Commands = append(out.Commands, cmd)
	}
	return out, nil
}

func (s *MemoryStore) Query(_ context.Context, r leasereceipt.Receipt) (*command.PrivacyCommand, error) {
	if !s.SupportsLeaseReceipt(r) {
		return nil, ErrInvalidLeaseReceipt
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[itemKey{r.AgentID, r.AssetGroupID, r.CommandID}]
	if !ok {
		return nil, nil
	}
	cmd, err := it.command(s.moniker)
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

func (s *MemoryStore) Replace(_ context.Context, r leasereceipt.Receipt, cmd command.PrivacyCommand, flags ReplaceFlags) (command.PrivacyCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.lockedItem(r)
	if err != nil {
		return command.PrivacyCommand{}, err
	}
	it.nextVisible, it.agentState = applyReplace(*it, cmd, flags)
	it.token = newToken()
	return it.command(s.moniker)
}

func (s *MemoryStore) Delete(_ context.Context, r leasereceipt.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lockedItem(r); err != nil {
		return err
	}
	delete(s.items, itemKey{r.AgentID, r.AssetGroupID, r.CommandID})
	return nil
}

func (s *MemoryStore) lockedItem(r leasereceipt.Receipt) (*item, error) {
	if !s.SupportsLeaseReceipt(r) {
		return nil, ErrInvalidLeaseReceipt
	}
	it, ok := s.items[itemKey{r.AgentID, r.AssetGroupID, r.CommandID}]
	if !ok {
		return nil, ErrNotFound
	}
	if it.token != r.Token {
		return nil, ErrConflict
	}
	return it, nil
}

func (s *MemoryStore) SupportsLeaseReceipt(r leasereceipt.Receipt) bool {
	return supportsReceipt(s.moniker, r)
}

func (s *MemoryStore) Stats(_ context.Context, req StatsRequest) ([]Stat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type statKey struct {
		qualifier   string
		commandType command.Type
	}
	counts := map[statKey]int{}
	for _, it := range s.items {
		if it.agentID != req.AgentID {
			continue
		}
		if req.AssetGroupQualifier != "" && it.qualifier != req.AssetGroupQualifier {
			continue
		}
		if req.CommandType != "" && it.commandType != req.CommandType {
			continue
		}
		counts[statKey{it.qualifier, it.commandType}]++
	}
	out := make([]Stat, 0, len(counts))
	for k, n := range counts {
		out = append(out, Stat{AssetGroupQualifier: k.qualifier, CommandType: k.commandType, Pending: n})
	}
	sortStats(out)
	return out, nil
}

func sortStats(stats []Stat) {
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].AssetGroupQualifier != stats[j].AssetGroupQualifier {
			return stats[i].AssetGroupQualifier < stats[j].AssetGroupQualifier
		}
		return stats[i].CommandType < stats[j].CommandType
	})
}
