package agentmap

import (
	"slices"
	"strings"

	"github.com/nuetzliches/commandfeed/internal/command"
)

// Reason explains why a command is not actionable for an asset group.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonCommandType       Reason = "DoesNotMatchAssetGroupCapability"
	ReasonSubjectType       Reason = "DoesNotMatchAssetGroupSubjects"
	ReasonDataType          Reason = "DoesNotMatchAssetGroupDataTypes"
	ReasonTaggedDataType    Reason = "DoesNotMatchAssetGroupTags"
	ReasonFilteredByVariant Reason = "FilteredByVariant"
)

// IsTagDependent reports whether the decision relied on asset tags that the
// feed cannot evaluate authoritatively. Such commands are still delivered.
func (r Reason) IsTagDependent() bool {
	return r == ReasonTaggedDataType
}

type Applicability struct {
	Actionable bool
	Reason     Reason
}

// Applicability decides whether cmd still targets g under the current
// configuration.
func (g *AssetGroup) Applicability(cmd command.PrivacyCommand) Applicability {
	if len(g.CommandTypes) > 0 && !containsFold(g.CommandTypes, cmd.Type) {
		return Applicability{Reason: ReasonCommandType}
	}
	if len(g.SubjectTypes) > 0 && !g.acceptsSubject(cmd.Subject.Type) {
		return Applicability{Reason: ReasonSubjectType}
	}
	if len(g.DataTypes) > 0 && len(cmd.DataTypeIDs) > 0 && !intersects(g.DataTypes, cmd.DataTypeIDs) {
		if g.TagDependent {
			return Applicability{Reason: ReasonTaggedDataType}
		}
		return Applicability{Reason: ReasonDataType}
	}
	if len(g.PCFVariants(cmd)) > 0 {
		return Applicability{Reason: ReasonFilteredByVariant}
	}
	return Applicability{Actionable: true}
}

func (g *AssetGroup) acceptsSubject(t command.SubjectType) bool {
	if containsFold(g.SubjectTypes, t) {
		return true
	}
	return t == command.SubjectAAD2 && containsFold(g.SubjectTypes, command.SubjectAAD)
}

// AgentVariants returns the agent-applied variants that apply to cmd.
func (g *AssetGroup) AgentVariants(cmd command.PrivacyCommand) []Variant {
	return g.variants(cmd, AppliedByAgent)
}

// PCFVariants returns the PCF-applied variants that apply to cmd.
func (g *AssetGroup) PCFVariants(cmd command.PrivacyCommand) []Variant {
	return g.variants(cmd, AppliedByPCF)
}

func (g *AssetGroup) variants(cmd command.PrivacyCommand, by AppliedBy) []Variant {
	var out []Variant
	for _, v := range g.Variants {
		if v.AppliedBy == by && v.AppliesTo(cmd) {
			out = append(out, v)
		}
	}
	return out
}

// AppliesTo reports whether v narrows cmd.
func (v Variant) AppliesTo(cmd command.PrivacyCommand) bool {
	if len(v.CommandTypes) > 0 && !containsFold(v.CommandTypes, cmd.Type) {
		return false
	}
	if len(v.SubjectTypes) > 0 && !containsFold(v.SubjectTypes, cmd.Subject.Type) {
		return false
	}
	if len(v.DataTypes) > 0 && len(cmd.DataTypeIDs) > 0 && !intersects(v.DataTypes, cmd.DataTypeIDs) {
		return false
	}
	return true
}

// DataTypesFor returns the command data types the asset group handles.
func (g *AssetGroup) DataTypesFor(cmd command.PrivacyCommand) []string {
	if len(g.DataTypes) == 0 {
		return slices.Clone(cmd.DataTypeIDs)
	}
	out := make([]string, 0, len(cmd.DataTypeIDs))
	for _, dt := range cmd.DataTypeIDs {
		if containsFold(g.DataTypes, dt) {
			out = append(out, dt)
		}
	}
	return out
}

// VariantIDs flattens variants to their ids.
func VariantIDs(vs []Variant) []string {
	if len(vs) == 0 {
		return nil
	}
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.ID)
	}
	return out
}

// ClaimCheck is the outcome of validating variants an agent says it
// applied.
type ClaimCheck struct {
	Valid bool
	// PCFClaimed lists claimed variants that PCF applies itself.
	PCFClaimed []string
	// Unapproved lists claimed variants that are not configured at all, or
	// that do not apply to the command.
	Unapproved []string
}

// CheckClaimedVariants validates the variant ids an agent claimed for cmd.
// An empty claim is valid. Otherwise at least one claimed variant must be
// configured on g and apply to cmd.
func (g *AssetGroup) CheckClaimedVariants(cmd command.PrivacyCommand, claimed []string) ClaimCheck {
	if len(claimed) == 0 {
		return ClaimCheck{Valid: true}
	}
	var out ClaimCheck
	for _, raw := range claimed {
		id := strings.ToLower(strings.TrimSpace(raw))
		v, ok := g.findVariant(id, AppliedByAgent)
		if !ok {
			v, ok = g.findVariant(id, AppliedByPCF)
			if ok {
				out.PCFClaimed = append(out.PCFClaimed, raw)
			}
		}
		if ok && v.AppliesTo(cmd) {
			out.Valid = true
			continue
		}
		out.Unapproved = append(out.Unapproved, raw)
	}
	return out
}

func (g *AssetGroup) findVariant(id string, by AppliedBy) (Variant, bool) {
	for _, v := range g.Variants {
		if v.AppliedBy == by && v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

func intersects(a, b []string) bool {
	for _, x := range b {
		if containsFold(a, x) {
			return true
		}
	}
	return false
}
