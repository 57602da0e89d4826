// Package history keeps the authoritative record of every privacy command
// the feed has ever queued, which destinations it was sent to, and the
// lifecycle events reported against it.
package history

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/nuetzliches/commandfeed/internal/command"
)

var ErrExists = errors.New("command already exists in history")

// Destination is one (agent, asset group) pair a command was queued for.
type Destination struct {
	AgentID      string     `json:"agentId"`
	AssetGroupID string     `json:"assetGroupId"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

type Record struct {
	Command      command.PrivacyCommand
	Destinations []Destination
	CreatedAt    time.Time
}

// GloballyComplete reports whether every destination has completed.
func (r Record) GloballyComplete() bool {
	if len(r.Destinations) == 0 {
		return false
	}
	for _, d := range r.Destinations {
		if d.CompletedAt == nil {
			return false
		}
	}
	return true
}

type EventKind string

const (
	EventPending                       EventKind = "pending"
	EventSoftDeleted                   EventKind = "soft_deleted"
	EventCompleted                     EventKind = "completed"
	EventFailed                        EventKind = "failed"
	EventUnexpected                    EventKind = "unexpected"
	EventVerificationFailed            EventKind = "verification_failed"
	EventUnexpectedVerificationFailure EventKind = "unexpected_verification_failure"
	EventSentToAgent                   EventKind = "sent_to_agent"
)

// EventDetail carries the kind-specific payload of a lifecycle event.
type EventDetail struct {
	Variants               []string `json:"variants,omitempty"`
	IgnoredByVariant       bool     `json:"ignoredByVariant,omitempty"`
	AffectedRows           int      `json:"affectedRows,omitempty"`
	Delinked               bool     `json:"delinked,omitempty"`
	NonTransientExceptions string   `json:"nonTransientExceptions,omitempty"`
	CompletedByPCF         bool     `json:"completedByPcf,omitempty"`
	ForceCompleted         bool     `json:"forceCompleted,omitempty"`
	Message                string   `json:"message,omitempty"`
}

type Event struct {
	ID           string
	Kind         EventKind
	CommandID    string
	AgentID      string
	AssetGroupID string
	CommandType  command.Type
	At           time.Time
	Detail       EventDetail
}

// ReplayFilter selects history records for a date-range replay.
type ReplayFilter struct {
	AgentID       string
	AssetGroupIDs []string
	From          time.Time
	To            time.Time
	SubjectType   command.SubjectType
	IncludeExport bool
}

func (f ReplayFilter) matches(r Record) bool {
	if r.CreatedAt.Before(f.From) || !r.CreatedAt.Before(f.To) {
		return false
	}
	if f.SubjectType != "" && r.Command.Subject.Type != f.SubjectType {
		return false
	}
	if r.Command.Type == command.TypeExport && !f.IncludeExport {
		return false
	}
	return true
}

// EventSink receives lifecycle events.
type EventSink interface {
	// AppendEvent stores a lifecycle event. Completed events also mark the
	// destination complete.
	AppendEvent(ctx context.Context, ev Event) error
}

// Repository is the command history store.
type Repository interface {
	EventSink

	// TryInsert records a new command. It fails with ErrExists when the
	// command id is already known.
	TryInsert(ctx context.Context, rec Record) error
	// Query returns the record for commandID, or nil when unknown.
	Query(ctx context.Context, commandID string) (*Record, error)
	// QueryForReplay lists records created in [From, To) for the filter.
	QueryForReplay(ctx context.Context, f ReplayFilter) ([]Record, error)
	// Events lists the lifecycle events of commandID in insertion order.
	Events(ctx context.Context, commandID string) ([]Event, error)
	Close() error
}

func markCompleted(dests []Destination, agentID, assetGroupID string, at time.Time) bool {
	for i := range dests {
		if dests[i].AgentID == agentID && dests[i].AssetGroupID == assetGroupID {
			if dests[i].CompletedAt == nil {
				t := at.UTC()
				dests[i].CompletedAt = &t
			}
			return true
		}
	}
	return false
}

func cloneRecord(r Record) Record {
	out := r
	out.Destinations = slices.Clone(r.Destinations)
	return out
}
