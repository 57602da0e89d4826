// Package lifecycle publishes command lifecycle (audit) events.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nuetzliches/commandfeed/internal/command"
	"github.com/nuetzliches/commandfeed/internal/history"
)

// Target identifies the (command, asset group) pair an event is about.
type Target struct {
	AgentID             string
	AssetGroupID        string
	AssetGroupQualifier string
	CommandID           string
	CommandType         command.Type
	CreatedTime         time.Time
}

// Completion describes how a command finished on one asset group.
type Completion struct {
	Variants               []string
	IgnoredByVariant       bool
	AffectedRows           int
	Delinked               bool
	NonTransientExceptions string
	CompletedByPCF         bool
	ForceCompleted         bool
}

// Publisher writes events into a history sink and the debug log.
type Publisher struct {
	Sink   history.EventSink
	Logger *slog.Logger
	Now    func() time.Time
}

func NewPublisher(sink history.EventSink, logger *slog.Logger) *Publisher {
	return &Publisher{Sink: sink, Logger: logger, Now: time.Now}
}

func (p *Publisher) PublishPending(ctx context.Context, t Target) error {
	return p.publish(ctx, history.EventPending, t, history.EventDetail{})
}

func (p *Publisher) PublishSoftDeleted(ctx context.Context, t Target, nonTransientExceptions string) error {
	return p.publish(ctx, history.EventSoftDeleted, t, history.EventDetail{NonTransientExceptions: nonTransientExceptions})
}

func (p *Publisher) PublishCompleted(ctx context.Context, t Target, c Completion) error {
	return p.publish(ctx, history.EventCompleted, t, history.EventDetail{
		Variants:               append([]string(nil), c.Variants...),
		IgnoredByVariant:       c.IgnoredByVariant,
		AffectedRows:           c.AffectedRows,
		Delinked:               c.Delinked,
		NonTransientExceptions: c.NonTransientExceptions,
		CompletedByPCF:         c.CompletedByPCF,
		ForceCompleted:         c.ForceCompleted,
	})
}

func (p *Publisher) PublishFailed(ctx context.Context, t Target) error {
	return p.publish(ctx, history.EventFailed, t, history.EventDetail{})
}

func (p *Publisher) PublishUnexpected(ctx context.Context, t Target) error {
	return p.publish(ctx, history.EventUnexpected, t, history.EventDetail{})
}

func (p *Publisher) PublishVerificationFailed(ctx context.Context, t Target) error {
	return p.publish(ctx, history.EventVerificationFailed, t, history.EventDetail{})
}

func (p *Publisher) PublishUnexpectedVerificationFailure(ctx context.Context, t Target) error {
	return p.publish(ctx, history.EventUnexpectedVerificationFailure, t, history.EventDetail{})
}

func (p *Publisher) PublishSentToAgent(ctx context.Context, t Target) error {
	return p.publish(ctx, history.EventSentToAgent, t, history.EventDetail{})
}

func (p *Publisher) publish(ctx context.Context, kind history.EventKind, t Target, detail history.EventDetail) error {
	if p == nil || p.Sink == nil {
		return errors.New("lifecycle publisher has no sink")
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	ev := history.Event{
		Kind:         kind,
		CommandID:    t.CommandID,
		AgentID:      t.AgentID,
		AssetGroupID: t.AssetGroupID,
		CommandType:  t.CommandType,
		At:           now().UTC(),
		Detail:       detail,
	}
	if err := p.Sink.AppendEvent(ctx, ev); err != nil {
		return err
	}
	if p.Logger != nil {
		p.Logger.Debug("lifecycle_event",
			slog.String("kind", string(kind)),
			slog.String("agent_id", t.AgentID),
			slog.String("asset_group_id", t.AssetGroupID),
			slog.String("asset_group_qualifier", t.AssetGroupQualifier),
			slog.String("command_id", t.CommandID),
			slog.String("command_type", string(t.CommandType)),
			slog.Bool("completed_by_pcf", detail.CompletedByPCF),
		)
	}
	return nil
}
