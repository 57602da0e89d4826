// Package agentmap holds the read-only data agent / asset group
// configuration the command feed consults on every request.
package agentmap

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/nuetzliches/commandfeed/internal/command"
)

type Readiness string

const (
	ReadinessProd       Readiness = "prod"
	ReadinessTestInProd Readiness = "tip"
)

type AppliedBy string

const (
	AppliedByAgent AppliedBy = "agent"
	AppliedByPCF   AppliedBy = "pcf"
)

// Variant narrows which commands an asset group must act on. Agent-applied
// variants are forwarded to the agent; PCF-applied variants suppress the
// command before it is sent.
type Variant struct {
	ID           string                `yaml:"id"`
	Name         string                `yaml:"name"`
	AppliedBy    AppliedBy             `yaml:"applied_by"`
	DataTypes    []string              `yaml:"data_types"`
	SubjectTypes []command.SubjectType `yaml:"subject_types"`
	CommandTypes []command.Type        `yaml:"command_types"`
}

// AssetGroup is the per-agent configuration snapshot for one asset group.
type AssetGroup struct {
	ID           string                `yaml:"id"`
	Qualifier    string                `yaml:"qualifier"`
	Readiness    Readiness             `yaml:"readiness"`
	Deprecated   bool                  `yaml:"deprecated"`
	LowPriority  bool                  `yaml:"low_priority"`
	Fake         bool                  `yaml:"fake"`
	TagDependent bool                  `yaml:"tag_dependent"`
	CommandTypes []command.Type        `yaml:"command_types"`
	SubjectTypes []command.SubjectType `yaml:"subject_types"`
	DataTypes    []string              `yaml:"data_types"`
	Variants     []Variant             `yaml:"variants"`

	qualifier Qualifier
}

// IsTestInProduction reports whether completions from this asset group are
// non-authoritative.
func (g *AssetGroup) IsTestInProduction() bool {
	return g.Readiness == ReadinessTestInProd
}

// ParsedQualifier returns the normalized qualifier.
func (g *AssetGroup) ParsedQualifier() Qualifier {
	return g.qualifier
}

type Agent struct {
	ID          string        `yaml:"id"`
	AADSubject2 bool          `yaml:"aad_subject2"`
	AssetGroups []*AssetGroup `yaml:"asset_groups"`

	byID map[string]*AssetGroup
}

func (a *Agent) AssetGroup(id string) (*AssetGroup, bool) {
	if a == nil {
		return nil, false
	}
	g, ok := a.byID[strings.ToLower(strings.TrimSpace(id))]
	return g, ok
}

// SupportsLowPriorityQueue reports whether any asset group reads the low
// priority tier.
func (a *Agent) SupportsLowPriorityQueue() bool {
	for _, g := range a.AssetGroups {
		if g.LowPriority {
			return true
		}
	}
	return false
}

// PrefersLowPriority reports whether cmd belongs on the low priority tier
// for g: AgeOut always, replays only for groups that read the low tier.
func (g *AssetGroup) PrefersLowPriority(cmd command.PrivacyCommand) bool {
	if cmd.Type == command.TypeAgeOut {
		return true
	}
	return g.LowPriority && cmd.IsReplay
}

// FindByQualifier returns the single non-deprecated asset group matching q.
func (a *Agent) FindByQualifier(q Qualifier) (*AssetGroup, bool) {
	var found *AssetGroup
	for _, g := range a.AssetGroups {
		if g.Deprecated || !g.qualifier.Equal(q) {
			continue
		}
		if found != nil {
			return nil, false
		}
		found = g
	}
	return found, found != nil
}

type Map struct {
	Agents []*Agent `yaml:"agents"`

	byID map[string]*Agent
}

func (m *Map) Agent(id string) (*Agent, bool) {
	if m == nil {
		return nil, false
	}
	a, ok := m.byID[strings.ToLower(strings.TrimSpace(id))]
	return a, ok
}

// Lookup resolves (agentID, assetGroupID) in one call.
func (m *Map) Lookup(agentID, assetGroupID string) (*Agent, *AssetGroup, bool) {
	a, ok := m.Agent(agentID)
	if !ok {
		return nil, nil, false
	}
	g, ok := a.AssetGroup(assetGroupID)
	return a, g, ok
}

// Parse decodes and indexes an agent map document.
func Parse(data []byte) (*Map, error) {
	var m Map
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("agentmap: decode: %w", err)
	}
	if err := m.index(); err != nil {
		return nil, err
	}
	return &m, nil
}

func LoadFile(path string) (*Map, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("agentmap: empty path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agentmap: read %s: %w", path, err)
	}
	return Parse(data)
}

func (m *Map) index() error {
	m.byID = make(map[string]*Agent, len(m.Agents))
	for i, a := range m.Agents {
		if a == nil {
			return fmt.Errorf("agentmap: agents[%d] is empty", i)
		}
		id, ok := command.NormalizeID(a.ID)
		if !ok {
			return fmt.Errorf("agentmap: agents[%d].id %q is not a valid id", i, a.ID)
		}
		if _, dup := m.byID[id]; dup {
			return fmt.Errorf("agentmap: duplicate agent %s", id)
		}
		a.ID = id
		a.byID = make(map[string]*AssetGroup, len(a.AssetGroups))
		for j, g := range a.AssetGroups {
			if g == nil {
				return fmt.Errorf("agentmap: agent %s asset_groups[%d] is empty", id, j)
			}
			gid, ok := command.NormalizeID(g.ID)
			if !ok {
				return fmt.Errorf("agentmap: agent %s asset_groups[%d].id %q is not a valid id", id, j, g.ID)
			}
			if _, dup := a.byID[gid]; dup {
				return fmt.Errorf("agentmap: agent %s duplicate asset group %s", id, gid)
			}
			g.ID = gid
			switch g.Readiness {
			case "":
				g.Readiness = ReadinessProd
			case ReadinessProd, ReadinessTestInProd:
			default:
				return fmt.Errorf("agentmap: asset group %s readiness %q must be prod or tip", gid, g.Readiness)
			}
			q, err := ParseQualifier(g.Qualifier)
			if err != nil {
				return fmt.Errorf("agentmap: asset group %s: %w", gid, err)
			}
			g.qualifier = q
			for k := range g.Variants {
				v := &g.Variants[k]
				vid, ok := command.NormalizeID(v.ID)
				if !ok {
					return fmt.Errorf("agentmap: asset group %s variants[%d].id %q is not a valid id", gid, k, v.ID)
				}
				v.ID = vid
				switch v.AppliedBy {
				case "":
					v.AppliedBy = AppliedByAgent
				case AppliedByAgent, AppliedByPCF:
				default:
					return fmt.Errorf("agentmap: variant %s applied_by %q must be agent or pcf", vid, v.AppliedBy)
				}
			}
			a.byID[gid] = g
		}
		m.byID[id] = a
	}
	return nil
}

// Holder publishes the current Map to concurrent readers and lets a watcher
// swap in a reloaded one.
type Holder struct {
	cur atomic.Pointer[Map]
}

func NewHolder(m *Map) *Holder {
	h := &Holder{}
	if m == nil {
		m = &Map{byID: map[string]*Agent{}}
	}
	h.cur.Store(m)
	return h
}

func (h *Holder) Current() *Map {
	return h.cur.Load()
}

func (h *Holder) Store(m *Map) {
	if m != nil {
		h.cur.Store(m)
	}
}

func containsFold[T ~string](list []T, v T) bool {
	return slices.ContainsFunc(list, func(x T) bool {
		return strings.EqualFold(string(x), string(v))
	})
}
