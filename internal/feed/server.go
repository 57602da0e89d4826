// Package feed is the agent-facing command feed: lease acquisition across
// the priority tiers, the checkpoint state machine, batch completion,
// replay, and the smaller query and telemetry operations.
//
// Operations are transport neutral and report failures as *OpError; http.go
// maps them onto the REST surface.
package feed

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nuetzliches/commandfeed/internal/agentmap"
	"github.com/nuetzliches/commandfeed/internal/command"
	"github.com/nuetzliches/commandfeed/internal/history"
	"github.com/nuetzliches/commandfeed/internal/lifecycle"
	"github.com/nuetzliches/commandfeed/internal/queue"
	"github.com/nuetzliches/commandfeed/internal/workitem"
)

// AgentMap yields the current agent configuration snapshot.
type AgentMap interface {
	Current() *agentmap.Map
}

// History is the part of the command history store the feed reads.
type History interface {
	TryInsert(ctx context.Context, rec history.Record) error
	Query(ctx context.Context, commandID string) (*history.Record, error)
	QueryForReplay(ctx context.Context, f history.ReplayFilter) ([]history.Record, error)
}

// Lifecycle publishes audit events for a (command, asset group) pair.
type Lifecycle interface {
	PublishPending(ctx context.Context, t lifecycle.Target) error
	PublishSoftDeleted(ctx context.Context, t lifecycle.Target, nonTransientExceptions string) error
	PublishCompleted(ctx context.Context, t lifecycle.Target, c lifecycle.Completion) error
	PublishFailed(ctx context.Context, t lifecycle.Target) error
	PublishUnexpected(ctx context.Context, t lifecycle.Target) error
	PublishVerificationFailed(ctx context.Context, t lifecycle.Target) error
	PublishUnexpectedVerificationFailure(ctx context.Context, t lifecycle.Target) error
	PublishSentToAgent(ctx context.Context, t lifecycle.Target) error
}

// Background runs fire-and-forget work off the request path. Go reports
// false when the task was dropped.
type Background interface {
	Go(name string, fn func(ctx context.Context)) bool
}

// Settings are the tunables of the feed. Zero fields fall back to
// DefaultSettings.
type Settings struct {
	MinLease          time.Duration
	MaxLease          time.Duration
	PollInterval      time.Duration
	PopErrorThreshold int

	MaxCommands        int
	MaxWaitHigh        time.Duration
	MaxWaitHighReduced time.Duration
	MaxWaitLow         time.Duration
	MinWait            time.Duration
	LowTierThreshold   int
	MinRemainingLease  time.Duration

	FailedReplay                        time.Duration
	VerificationFailedReplay            time.Duration
	UnexpectedVerificationFailureReplay time.Duration
	UnexpectedCommandReplay             time.Duration
	CommandTTL                          time.Duration
	SLAAADExport                        time.Duration
	SLAExport                           time.Duration
	SLANonExport                        time.Duration

	MaxReplayDays      int
	ExtendedReplayDays int
	ReplayBatchSize    int

	MinSDKVersion         string
	MultiTenantSDKVersion string
}

func DefaultSettings() Settings {
	return Settings{
		MinLease:          60 * time.Second,
		MaxLease:          3 * 24 * time.Hour,
		PollInterval:      100 * time.Millisecond,
		PopErrorThreshold: 5,

		MaxCommands:        100,
		MaxWaitHigh:        15 * time.Second,
		MaxWaitHighReduced: 500 * time.Millisecond,
		MaxWaitLow:         20 * time.Second,
		MinWait:            500 * time.Millisecond,
		LowTierThreshold:   30,
		MinRemainingLease:  time.Minute,

		FailedReplay:                        900 * time.Second,
		VerificationFailedReplay:            3600 * time.Second,
		UnexpectedVerificationFailureReplay: 1800 * time.Second,
		UnexpectedCommandReplay:             86400 * time.Second,
		CommandTTL:                          30 * 24 * time.Hour,
		SLAAADExport:                        23 * 24 * time.Hour,
		SLAExport:                           14 * 24 * time.Hour,
		SLANonExport:                        7 * 24 * time.Hour,

		MaxReplayDays:      180,
		ExtendedReplayDays: 365,
		ReplayBatchSize:    25,

		MinSDKVersion:         "1.0.0",
		MultiTenantSDKVersion: "2.0.0",
	}
}

// withDefaults fills zero fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	fillDuration(&s.MinLease, d.MinLease)
	fillDuration(&s.MaxLease, d.MaxLease)
	fillDuration(&s.PollInterval, d.PollInterval)
	fillInt(&s.PopErrorThreshold, d.PopErrorThreshold)
	fillInt(&s.MaxCommands, d.MaxCommands)
	fillDuration(&s.MaxWaitHigh, d.MaxWaitHigh)
	fillDuration(&s.MaxWaitHighReduced, d.MaxWaitHighReduced)
	fillDuration(&s.MaxWaitLow, d.MaxWaitLow)
	fillDuration(&s.MinWait, d.MinWait)
	fillInt(&s.LowTierThreshold, d.LowTierThreshold)
	fillDuration(&s.MinRemainingLease, d.MinRemainingLease)
	fillDuration(&s.FailedReplay, d.FailedReplay)
	fillDuration(&s.VerificationFailedReplay, d.VerificationFailedReplay)
	fillDuration(&s.UnexpectedVerificationFailureReplay, d.UnexpectedVerificationFailureReplay)
	fillDuration(&s.UnexpectedCommandReplay, d.UnexpectedCommandReplay)
	fillDuration(&s.CommandTTL, d.CommandTTL)
	fillDuration(&s.SLAAADExport, d.SLAAADExport)
	fillDuration(&s.SLAExport, d.SLAExport)
	fillDuration(&s.SLANonExport, d.SLANonExport)
	fillInt(&s.MaxReplayDays, d.MaxReplayDays)
	fillInt(&s.ExtendedReplayDays, d.ExtendedReplayDays)
	fillInt(&s.ReplayBatchSize, d.ReplayBatchSize)
	if s.MinSDKVersion == "" {
		s.MinSDKVersion = d.MinSDKVersion
	}
	if s.MultiTenantSDKVersion == "" {
		s.MultiTenantSDKVersion = d.MultiTenantSDKVersion
	}
	return s
}

func fillDuration(v *time.Duration, d time.Duration) {
	if *v <= 0 {
		*v = d
	}
}

func fillInt(v *int, d int) {
	if *v <= 0 {
		*v = d
	}
}

// GetCommandsStats summarizes one GetCommands call for metrics.
type GetCommandsStats struct {
	Sent          map[string]int // by asset group id
	Dropped       map[string]int // by drop reason
	Completed     map[agentmap.Reason]int
	PopErrors     int
	QoSFailure    bool
	LowTierPolled bool
}

// Server implements the feed operations. Queue, Agents and Lifecycle are
// required; the remaining collaborators are optional and the features that
// need them degrade to no-ops or errors.
type Server struct {
	Queue      queue.CommandQueue
	Agents     AgentMap
	History    History
	Lifecycle  Lifecycle
	Flags      *FlagsHolder
	Gate       *TrafficGate
	Prober     ContainerProber
	Background Background

	DeleteFromQueue workitem.Enqueuer[DeleteFromQueueItem]
	BatchDeletes    workitem.Enqueuer[BatchCheckpointCompleteItem]
	ReplayRequests  workitem.Enqueuer[ReplayRequestItem]
	ReplayBatches   workitem.Enqueuer[ReplayBatchItem]

	Settings Settings
	Logger   *slog.Logger
	Tracer   trace.Tracer
	NowFunc  func() time.Time
	RandFunc func() float64

	ObserveGetCommands func(agentID string, stats GetCommandsStats)
	ObserveCheckpoint  func(status command.Status, action FinishAction)
	ObserveOpError     func(op string, err *OpError)

	live atomic.Pointer[Settings]
}

func NewServer(q queue.CommandQueue, agents AgentMap, lc Lifecycle) *Server {
	return &Server{
		Queue:     q,
		Agents:    agents,
		Lifecycle: lc,
		Flags:     NewFlagsHolder(nil),
		Settings:  DefaultSettings(),
		NowFunc:   time.Now,
		RandFunc:  rand.Float64,
	}
}

// UpdateSettings replaces the tunables of a running server. Calls in flight
// keep the snapshot they started with.
func (s *Server) UpdateSettings(set Settings) {
	set = set.withDefaults()
	s.live.Store(&set)
}

func (s *Server) settings() Settings {
	if p := s.live.Load(); p != nil {
		return *p
	}
	return s.Settings.withDefaults()
}

func (s *Server) now() time.Time {
	if s.NowFunc != nil {
		return s.NowFunc().UTC()
	}
	return time.Now().UTC()
}

// rand returns a uniform value in [0, 1).
func (s *Server) rand() float64 {
	if s.RandFunc != nil {
		return s.RandFunc()
	}
	return rand.Float64()
}

func (s *Server) flags() *Flags {
	return s.Flags.Current()
}

func (s *Server) agents() *agentmap.Map {
	if s.Agents == nil {
		return nil
	}
	return s.Agents.Current()
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) startSpan(ctx context.Context, name, agentID string) (context.Context, trace.Span) {
	tr := s.Tracer
	if tr == nil {
		tr = otel.Tracer("commandfeed/feed")
	}
	return tr.Start(ctx, name, trace.WithAttributes(attribute.String("feed.agent_id", agentID)))
}

// background submits fn to the background pool, or runs it inline when no
// pool is configured.
func (s *Server) background(name string, fn func(ctx context.Context)) {
	if s.Background != nil {
		s.Background.Go(name, fn)
		return
	}
	fn(context.Background())
}

// fail records err for op and returns it. Server-side failures are logged
// with their cause.
func (s *Server) fail(op string, err *OpError) *OpError {
	if err == nil {
		return nil
	}
	if err.StatusCode >= 500 {
		s.logger().Error("feed_operation_failed",
			slog.String("op", op),
			slog.String("error_code", err.Message),
			slog.Any("err", err.Err),
		)
	}
	if s.ObserveOpError != nil {
		s.ObserveOpError(op, err)
	}
	return err
}

func targetFromCommand(cmd command.PrivacyCommand) lifecycle.Target {
	return lifecycle.Target{
		AgentID:             cmd.AgentID,
		AssetGroupID:        cmd.AssetGroupID,
		AssetGroupQualifier: cmd.AssetGroupQualifier,
		CommandID:           cmd.CommandID,
		CommandType:         cmd.Type,
		CreatedTime:         cmd.CreatedTime,
	}
}
