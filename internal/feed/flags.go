package feed

import (
	"slices"
	"strings"
	"sync/atomic"
)

// Flags are the operational switches evaluated on every request. They are
// compiled from the flags block of the config and swapped on reload.
type Flags struct {
	GetCommandsDisabled     bool
	DeferredDeleteDisabled  bool
	AllowSDKWithoutVerifier bool
	ExportReplay            bool
	SyntheticInsertion      bool

	BlockedAgents          []string
	BlockedAssetGroups     []string
	ReplayDisallowedAgents []string
	ReplayExtendedAgents   []string
}

func (f *Flags) AgentBlocked(agentID string) bool {
	return f != nil && containsID(f.BlockedAgents, agentID)
}

func (f *Flags) AssetGroupBlocked(assetGroupID string) bool {
	return f != nil && containsID(f.BlockedAssetGroups, assetGroupID)
}

func (f *Flags) ReplayDisallowed(agentID string) bool {
	return f != nil && containsID(f.ReplayDisallowedAgents, agentID)
}

// ReplayExtended reports whether agentID may replay beyond the default
// window.
func (f *Flags) ReplayExtended(agentID string) bool {
	return f != nil && containsID(f.ReplayExtendedAgents, agentID)
}

func containsID(list []string, id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	return slices.ContainsFunc(list, func(x string) bool {
		return strings.EqualFold(strings.TrimSpace(x), id)
	})
}

// FlagsHolder publishes the current Flags to concurrent readers.
type FlagsHolder struct {
	cur atomic.Pointer[Flags]
}

func NewFlagsHolder(f *Flags) *FlagsHolder {
	h := &FlagsHolder{}
	h.Store(f)
	return h
}

// Current never returns nil.
func (h *FlagsHolder) Current() *Flags {
	if h == nil {
		return &Flags{}
	}
	if f := h.cur.Load(); f != nil {
		return f
	}
	return &Flags{}
}

func (h *FlagsHolder) Store(f *Flags) {
	if f == nil {
		f = &Flags{}
	}
	h.cur.Store(f)
}
