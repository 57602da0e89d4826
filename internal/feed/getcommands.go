package feed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/commandfeed/internal/agentmap"
	"github.com/nuetzliches/commandfeed/internal/command"
	"github.com/nuetzliches/commandfeed/internal/leasereceipt"
	"github.com/nuetzliches/commandfeed/internal/lifecycle"
	"github.com/nuetzliches/commandfeed/internal/queue"
)

const (
	DropBlockedAssetGroup = "blocked_asset_group"
	DropUnknownAssetGroup = "unknown_asset_group"
	DropShortLease        = "short_lease"
)

type GetCommandsRequest struct {
	AgentID string
	// ClientVersion is the raw x-client-version header.
	ClientVersion string
	// LeaseDuration is the raw x-lease-duration-seconds header.
	LeaseDuration string
}

type GetCommandsResult struct {
	Commands []command.PrivacyCommand `json:"commands"`
}

// GetCommands leases up to MaxCommands commands for an agent. It polls the
// high priority tier under one wall-clock budget and, when that yields few
// commands and the agent reads the low tier, polls the low tier under a
// second budget. Finding nothing is not an error.
func (s *Server) GetCommands(ctx context.Context, req GetCommandsRequest) (GetCommandsResult, *OpError) {
	const op = "getcommands"
	ctx, span := s.startSpan(ctx, "feed.GetCommands", req.AgentID)
	defer span.End()

	start := time.Now()
	set := s.settings()
	flags := s.flags()
	empty := GetCommandsResult{Commands: []command.PrivacyCommand{}}

	cv := parseClientVersion(req.ClientVersion)
	if code := cv.check(set.MinSDKVersion, flags.AllowSDKWithoutVerifier); code != 0 {
		return empty, s.fail(op, opError(http.StatusBadRequest, code))
	}
	if flags.AgentBlocked(req.AgentID) {
		return empty, s.fail(op, opError(http.StatusForbidden, GetCommandsBlocked))
	}
	if flags.GetCommandsDisabled {
		return empty, nil
	}
	if !s.Gate.Allow("GetCommands", req.AgentID) {
		return empty, s.fail(op, opError(http.StatusTooManyRequests, GetCommandsTooManyRequests))
	}
	agent, ok := s.agents().Agent(req.AgentID)
	if !ok {
		return empty, s.fail(op, &OpError{StatusCode: http.StatusNotFound, Message: "AgentNotFound"})
	}

	lowSupported := agent.SupportsLowPriorityQueue()
	p := &commandPoll{
		srv:         s,
		set:         set,
		flags:       flags,
		agent:       agent,
		lease:       parseLeaseDuration(req.LeaseDuration, set),
		multiTenant: agent.AADSubject2 && cv.atLeast(set.MultiTenantSDKVersion),
		start:       start,
		out:         make([]command.PrivacyCommand, 0, set.MaxCommands),
		stats: GetCommandsStats{
			Sent:      map[string]int{},
			Dropped:   map[string]int{},
			Completed: map[agentmap.Reason]int{},
		},
	}

	highWait := set.MaxWaitHigh
	if lowSupported {
		highWait = set.MaxWaitHighReduced
	}
	p.run(ctx, queue.PriorityHigh, highWait, start)
	if lowSupported && len(p.out) <= set.LowTierThreshold {
		p.stats.LowTierPolled = true
		p.run(ctx, queue.PriorityLow, set.MaxWaitLow, time.Now())
	}

	p.stats.QoSFailure = len(p.out) == 0 && p.stats.PopErrors > set.PopErrorThreshold
	s.logGetCommands(req.AgentID, p, time.Since(start))
	if s.ObserveGetCommands != nil {
		s.ObserveGetCommands(req.AgentID, p.stats)
	}
	return GetCommandsResult{Commands: p.out}, nil
}

// commandPoll is the state of one GetCommands call across both tiers.
type commandPoll struct {
	srv         *Server
	set         Settings
	flags       *Flags
	agent       *agentmap.Agent
	lease       time.Duration
	multiTenant bool
	start       time.Time

	out   []command.PrivacyCommand
	stats GetCommandsStats
}

// run polls one tier until its budget is spent, ctx is done, or the
// response is ready. Budgets are measured on the monotonic clock.
func (p *commandPoll) run(ctx context.Context, priority queue.Priority, budget time.Duration, tierStart time.Time) {
	s := p.srv
	for time.Since(tierStart) < budget && ctx.Err() == nil {
		want := p.set.MaxCommands - len(p.out)
		res, err := s.Queue.Pop(ctx, p.agent.ID, want, p.lease, priority)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.stats.PopErrors++
			s.logger().Warn("getcommands_pop_failed",
				slog.String("agent_id", p.agent.ID),
				slog.String("priority", string(priority)),
				slog.Any("err", err),
			)
			if !sleepCtx(ctx, min(p.set.PollInterval, budget-time.Since(tierStart))) {
				return
			}
			continue
		}
		p.stats.PopErrors += len(res.Errors)

		for _, cmd := range res.Commands {
			p.consider(cmd)
		}
		if len(p.out) > 0 && time.Since(p.start) >= p.set.MinWait {
			return
		}
		if len(p.out) >= p.set.MaxCommands {
			return
		}
		if len(res.Commands) == 0 {
			if !sleepCtx(ctx, min(p.set.PollInterval, budget-time.Since(tierStart))) {
				return
			}
		}
	}
}

// consider runs the per-command filter pipeline and appends the command to
// the response when it survives.
func (p *commandPoll) consider(cmd command.PrivacyCommand) {
	s := p.srv

	if p.flags.AssetGroupBlocked(cmd.AssetGroupID) {
		p.stats.Dropped[DropBlockedAssetGroup]++
		return
	}
	g, ok := p.agent.AssetGroup(cmd.AssetGroupID)
	if !ok {
		p.stats.Dropped[DropUnknownAssetGroup]++
		return
	}

	// Tag-dependent decisions are not authoritative here, so those commands
	// are still sent rather than completed on the agent's behalf.
	if a := g.Applicability(cmd); !a.Actionable {
		switch {
		case a.Reason == agentmap.ReasonFilteredByVariant:
			p.stats.Completed[a.Reason]++
			s.completeInBackground(cmd, agentmap.VariantIDs(g.PCFVariants(cmd)))
			return
		case !a.Reason.IsTagDependent():
			p.stats.Completed[a.Reason]++
			s.completeInBackground(cmd, nil)
			return
		}
	}

	cmd.ApplicableVariants = agentmap.VariantIDs(g.AgentVariants(cmd))
	cmd.DataTypeIDs = g.DataTypesFor(cmd)

	if cmd.NextVisibleTime.Before(s.now().Add(p.set.MinRemainingLease)) {
		p.stats.Dropped[DropShortLease]++
		return
	}

	p.out = append(p.out, cmd.ForAgent(p.multiTenant))
	p.stats.Sent[cmd.AssetGroupID]++

	target := targetFromCommand(cmd)
	s.background("publish_sent_to_agent", func(ctx context.Context) {
		if err := s.Lifecycle.PublishSentToAgent(ctx, target); err != nil {
			s.logger().Warn("getcommands_sent_event_failed",
				slog.String("command_id", target.CommandID),
				slog.Any("err", err),
			)
		}
	})
}

// completeInBackground completes cmd on the agent's behalf and removes it
// from the queue. Failures are logged only.
func (s *Server) completeInBackground(cmd command.PrivacyCommand, variants []string) {
	target := targetFromCommand(cmd)
	encoded := cmd.LeaseReceipt
	s.background("complete_not_applicable", func(ctx context.Context) {
		logger := s.logger().With(
			slog.String("agent_id", target.AgentID),
			slog.String("asset_group_id", target.AssetGroupID),
			slog.String("command_id", target.CommandID),
		)
		err := s.Lifecycle.PublishCompleted(ctx, target, lifecycle.Completion{
			Variants:         variants,
			IgnoredByVariant: len(variants) > 0,
			CompletedByPCF:   true,
		})
		if err != nil {
			logger.Warn("getcommands_background_complete_failed", slog.Any("err", err))
			return
		}
		r, err := leasereceipt.Parse(encoded)
		if err != nil {
			logger.Warn("getcommands_background_delete_failed", slog.Any("err", err))
			return
		}
		if err := s.Queue.Delete(ctx, r); err != nil && !errors.Is(err, queue.ErrNotFound) {
			logger.Warn("getcommands_background_delete_failed", slog.Any("err", err))
		}
	})
}

func (s *Server) logGetCommands(agentID string, p *commandPoll, elapsed time.Duration) {
	logger := s.logger()
	for assetGroupID, n := range p.stats.Sent {
		logger.Debug("getcommands_asset_group_sent",
			slog.String("agent_id", agentID),
			slog.String("asset_group_id", assetGroupID),
			slog.Int("count", n),
		)
	}
	level := slog.LevelDebug
	if p.stats.QoSFailure {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "getcommands_served",
		slog.String("agent_id", agentID),
		slog.Int("count", len(p.out)),
		slog.Int("pop_errors", p.stats.PopErrors),
		slog.Bool("low_tier_polled", p.stats.LowTierPolled),
		slog.Bool("multi_tenant", p.multiTenant),
		slog.Bool("qos_failure", p.stats.QoSFailure),
		slog.Duration("elapsed", elapsed),
	)
}

// parseLeaseDuration reads x-lease-duration-seconds. Values that do not
// parse or fall outside [MinLease, MaxLease] are ignored, which leaves the
// queue default in effect.
func parseLeaseDuration(raw string, set Settings) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d < set.MinLease || d > set.MaxLease {
		return 0
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
