package feed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nuetzliches/commandfeed/internal/agentmap"
	"github.com/nuetzliches/commandfeed/internal/command"
	"github.com/nuetzliches/commandfeed/internal/history"
	"github.com/nuetzliches/commandfeed/internal/leasereceipt"
	"github.com/nuetzliches/commandfeed/internal/lifecycle"
	"github.com/nuetzliches/commandfeed/internal/queue"
)

type QueryCommandRequest struct {
	AgentID       string `json:"-"`
	ClientVersion string `json:"-"`
	LeaseReceipt  string `json:"leaseReceipt"`
}

type QueryCommandResult struct {
	Command *command.PrivacyCommand `json:"command"`
}

// QueryCommand returns the current state of one leased command. A command
// that no longer applies to its asset group is completed on the agent's
// behalf and reported as already completed.
func (s *Server) QueryCommand(ctx context.Context, req QueryCommandRequest) (QueryCommandResult, *OpError) {
	const op = "querycommand"
	ctx, span := s.startSpan(ctx, "feed.QueryCommand", req.AgentID)
	defer span.End()

	bad := func(code QueryCommandErrorCode) (QueryCommandResult, *OpError) {
		return QueryCommandResult{}, s.fail(op, opError(http.StatusBadRequest, code))
	}

	r, err := leasereceipt.Parse(req.LeaseReceipt)
	if err != nil {
		return bad(QueryMalformedLeaseReceipt)
	}
	if !sameID(r.AgentID, req.AgentID) {
		return bad(QueryLeaseReceiptAgentIDMismatch)
	}
	if r.QueueStorageType == leasereceipt.StorageMessage {
		return bad(QueryCommandNotQueryable)
	}
	if !s.Queue.SupportsLeaseReceipt(r) {
		return bad(QueryLeaseReceiptNotSupported)
	}

	cmd, err := s.Queue.Query(ctx, r)
	switch {
	case errors.Is(err, queue.ErrInvalidLeaseReceipt):
		return bad(QueryLeaseReceiptNotSupported)
	case err != nil:
		return QueryCommandResult{}, s.fail(op, internalError("querycommand_query_failed", err))
	case cmd == nil:
		return bad(QueryCommandNotFound)
	}
	if r.NeedsRefresh() {
		fresh, err := leasereceipt.Parse(cmd.LeaseReceipt)
		if err != nil {
			return QueryCommandResult{}, s.fail(op, internalError("querycommand_receipt_refresh_failed", err))
		}
		r = fresh
	}

	agent, g, ok := s.agents().Lookup(req.AgentID, r.AssetGroupID)
	if !ok {
		return bad(QueryLeaseReceiptAssetGroupIDInvalid)
	}

	if a := g.Applicability(*cmd); !a.Actionable && !a.Reason.IsTagDependent() {
		var variants []string
		if a.Reason == agentmap.ReasonFilteredByVariant {
			variants = agentmap.VariantIDs(g.PCFVariants(*cmd))
		}
		err := s.Lifecycle.PublishCompleted(ctx, receiptTarget(r), lifecycle.Completion{
			Variants:         variants,
			IgnoredByVariant: len(variants) > 0,
			CompletedByPCF:   true,
		})
		if err != nil {
			return QueryCommandResult{}, s.fail(op, internalError("querycommand_publish_failed", err))
		}
		if err := s.Queue.Delete(ctx, r); err != nil {
			if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrConflict) {
				return bad(QueryCommandNotFound)
			}
			return QueryCommandResult{}, s.fail(op, internalError("querycommand_delete_failed", err))
		}
		s.logger().Info("querycommand_completed_not_applicable",
			slog.String("agent_id", req.AgentID),
			slog.String("asset_group_id", g.ID),
			slog.String("command_id", r.CommandID),
			slog.String("reason", string(a.Reason)),
		)
		return bad(QueryCommandAlreadyCompleted)
	}

	cmd.ApplicableVariants = agentmap.VariantIDs(g.AgentVariants(*cmd))
	cmd.DataTypeIDs = g.DataTypesFor(*cmd)

	target := targetFromCommand(*cmd)
	s.background("publish_sent_to_agent", func(ctx context.Context) {
		if err := s.Lifecycle.PublishSentToAgent(ctx, target); err != nil {
			s.logger().Warn("querycommand_sent_event_failed",
				slog.String("command_id", target.CommandID),
				slog.Any("err", err),
			)
		}
	})

	cv := parseClientVersion(req.ClientVersion)
	out := cmd.ForAgent(agent.AADSubject2 && cv.atLeast(s.settings().MultiTenantSDKVersion))
	return QueryCommandResult{Command: &out}, nil
}

type QueueStatsRequest struct {
	AssetGroupQualifier string `json:"assetGroupQualifier,omitempty"`
	CommandType         string `json:"commandType,omitempty"`
}

type QueueStat struct {
	AssetGroupQualifier string       `json:"assetGroupQualifier"`
	CommandType         command.Type `json:"commandType"`
	PendingCommandCount int          `json:"pendingCommandCount"`
}

// QueueStats reports queue depth per asset group and command type.
func (s *Server) QueueStats(ctx context.Context, agentID string, req QueueStatsRequest) ([]QueueStat, *OpError) {
	const op = "queuestats"
	ctx, span := s.startSpan(ctx, "feed.QueueStats", agentID)
	defer span.End()

	if _, ok := s.agents().Agent(agentID); !ok {
		return nil, s.fail(op, &OpError{StatusCode: http.StatusNotFound, Message: "AgentNotFound"})
	}
	sr := queue.StatsRequest{AgentID: agentID}
	if raw := strings.TrimSpace(req.AssetGroupQualifier); raw != "" {
		if _, err := agentmap.ParseQualifier(raw); err != nil {
			return nil, s.fail(op, badRequest("Malformed asset group qualifier."))
		}
		sr.AssetGroupQualifier = raw
	}
	if raw := strings.TrimSpace(req.CommandType); raw != "" {
		t, ok := command.ParseType(raw)
		if !ok {
			return nil, s.fail(op, badRequest("Unknown command type: "+raw))
		}
		sr.CommandType = t
	}

	stats, err := s.Queue.Stats(ctx, sr)
	if err != nil {
		return nil, s.fail(op, internalError("queuestats_failed", err))
	}
	out := make([]QueueStat, 0, len(stats))
	for _, st := range stats {
		out = append(out, QueueStat{
			AssetGroupQualifier: st.AssetGroupQualifier,
			CommandType:         st.CommandType,
			PendingCommandCount: st.Pending,
		})
	}
	return out, nil
}

// InsertCommands queues synthetic commands for an agent. It is a test hook
// and only enabled by the synthetic insertion flag. Every command is
// validated before any is inserted.
func (s *Server) InsertCommands(ctx context.Context, agentID string, cmds []command.PrivacyCommand) *OpError {
	const op = "insertcommands"
	ctx, span := s.startSpan(ctx, "feed.InsertCommands", agentID)
	defer span.End()

	if !s.flags().SyntheticInsertion {
		return s.fail(op, &OpError{StatusCode: http.StatusNotFound, Message: "NotFound"})
	}
	if len(cmds) == 0 {
		return s.fail(op, badRequest("The request content is empty."))
	}
	if s.History == nil {
		return s.fail(op, internalError("insertcommands_failed", errors.New("no history store")))
	}
	agent, ok := s.agents().Agent(agentID)
	if !ok {
		return s.fail(op, &OpError{StatusCode: http.StatusNotFound, Message: "AgentNotFound"})
	}

	now := s.now()
	type insert struct {
		cmd      command.PrivacyCommand
		priority queue.Priority
	}
	inserts := make([]insert, 0, len(cmds))
	for _, cmd := range cmds {
		g, ok := agent.AssetGroup(cmd.AssetGroupID)
		if !ok {
			return s.fail(op, badRequest("Unknown asset group: "+cmd.AssetGroupID))
		}
		if strings.TrimSpace(cmd.CommandID) == "" {
			cmd.CommandID = command.NewID()
		} else if id, ok := command.NormalizeID(cmd.CommandID); ok {
			cmd.CommandID = id
		} else {
			return s.fail(op, badRequest("Malformed command id: "+cmd.CommandID))
		}
		cmd.AgentID = agent.ID
		cmd.AssetGroupID = g.ID
		cmd.AssetGroupQualifier = g.Qualifier
		if cmd.CreatedTime.IsZero() {
			cmd.CreatedTime = now
		}
		cmd.NextVisibleTime = now
		cmd.LeaseReceipt = ""
		if a := g.Applicability(cmd); !a.Actionable {
			return s.fail(op, badRequest("Command "+cmd.CommandID+" is not applicable: "+string(a.Reason)))
		}
		priority := queue.PriorityHigh
		if g.PrefersLowPriority(cmd) {
			priority = queue.PriorityLow
		}
		inserts = append(inserts, insert{cmd: cmd, priority: priority})
	}

	for _, in := range inserts {
		err := s.History.TryInsert(ctx, history.Record{
			Command:      in.cmd,
			Destinations: []history.Destination{{AgentID: in.cmd.AgentID, AssetGroupID: in.cmd.AssetGroupID}},
			CreatedAt:    in.cmd.CreatedTime,
		})
		if errors.Is(err, history.ErrExists) {
			return s.fail(op, badRequest("Command already exists: "+in.cmd.CommandID))
		}
		if err != nil {
			return s.fail(op, internalError("insertcommands_history_failed", err))
		}
		if err := s.Queue.Enqueue(ctx, in.cmd, in.priority); err != nil {
			return s.fail(op, internalError("insertcommands_enqueue_failed", err))
		}
	}
	s.logger().Info("insertcommands_inserted",
		slog.String("agent_id", agentID),
		slog.Int("count", len(inserts)),
	)
	return nil
}
