package feed

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nuetzliches/commandfeed/internal/agentmap"
	"github.com/nuetzliches/commandfeed/internal/command"
)

const (
	MaxReplayCommands = 50

	replayLookupLimit = 8
)

// ReplayRequest asks for historical commands to be queued again, either by
// id or by creation date range.
type ReplayRequest struct {
	CommandIDs            []string   `json:"commandIds,omitempty"`
	AssetQualifiers       []string   `json:"assetQualifiers,omitempty"`
	ReplayFromDate        *time.Time `json:"replayFromDate,omitempty"`
	ReplayToDate          *time.Time `json:"replayToDate,omitempty"`
	IncludeExportCommands bool       `json:"includeExportCommands,omitempty"`
	SubjectType           string     `json:"subjectType,omitempty"`
}

// ReplayCommands validates a replay request and publishes the work items
// that perform it. The replay itself is asynchronous.
func (s *Server) ReplayCommands(ctx context.Context, agentID string, req ReplayRequest) *OpError {
	const op = "replay"
	ctx, span := s.startSpan(ctx, "feed.ReplayCommands", agentID)
	defer span.End()

	if s.flags().ReplayDisallowed(agentID) {
		return s.fail(op, opError(http.StatusBadRequest, ReplayAgentNotAllowed))
	}
	agent, ok := s.agents().Agent(agentID)
	if !ok {
		return s.fail(op, &OpError{StatusCode: http.StatusNotFound, Message: "AgentNotFound"})
	}
	groups, oerr := replayAssetGroups(agent, req.AssetQualifiers)
	if oerr != nil {
		return s.fail(op, oerr)
	}

	if len(req.CommandIDs) > 0 {
		return s.fail(op, s.replayByIDs(ctx, agent.ID, groups, req.CommandIDs))
	}
	if req.ReplayFromDate == nil || req.ReplayToDate == nil {
		return s.fail(op, opError(http.StatusBadRequest, ReplayInvalidReplayDates))
	}
	var subject command.SubjectType
	if raw := strings.TrimSpace(req.SubjectType); raw != "" {
		st, ok := command.ParseSubjectType(raw)
		if !ok {
			return s.fail(op, badRequest("Unknown subject type: "+raw))
		}
		subject = st
	}
	return s.fail(op, s.replayByDates(ctx, agent.ID, groups, *req.ReplayFromDate, *req.ReplayToDate, subject, req.IncludeExportCommands))
}

// replayAssetGroups resolves the requested qualifiers to asset group ids.
// With no qualifiers every production asset group of the agent is used.
func replayAssetGroups(agent *agentmap.Agent, qualifiers []string) ([]string, *OpError) {
	var ids []string
	if len(qualifiers) == 0 {
		for _, g := range agent.AssetGroups {
			if !g.IsTestInProduction() {
				ids = append(ids, g.ID)
			}
		}
		return ids, nil
	}

	seen := make(map[string]bool, len(qualifiers))
	for _, raw := range qualifiers {
		if seen[raw] {
			continue
		}
		seen[raw] = true
		q, err := agentmap.ParseQualifier(raw)
		if err != nil {
			return nil, opError(http.StatusBadRequest, ReplayMalformedAssetQualifier)
		}
		g, ok := agent.FindByQualifier(q)
		if !ok {
			return nil, opError(http.StatusBadRequest, ReplayAssetQualifierNotFound)
		}
		if !slices.Contains(ids, g.ID) {
			ids = append(ids, g.ID)
		}
	}
	return ids, nil
}

func (s *Server) replayByDates(ctx context.Context, agentID string, groups []string, from, to time.Time, subject command.SubjectType, includeExport bool) *OpError {
	set := s.settings()
	today := utcDate(s.now())
	from, to = utcDate(from), utcDate(to)

	maxDays := set.MaxReplayDays
	if s.flags().ReplayExtended(agentID) {
		maxDays = max(maxDays, set.ExtendedReplayDays)
	}
	if from.Before(today.AddDate(0, 0, -maxDays)) || to.After(today) || from.After(to) {
		return opError(http.StatusBadRequest, ReplayInvalidReplayDates)
	}

	item := ReplayRequestItem{
		AgentID:       agentID,
		AssetGroupIDs: groups,
		From:          from,
		To:            to.AddDate(0, 0, 1),
		SubjectType:   subject,
		IncludeExport: includeExport,
	}
	s.logger().Info("replay_by_dates_requested",
		slog.String("agent_id", agentID),
		slog.Int("asset_groups", len(groups)),
		slog.Time("from", item.From),
		slog.Time("to", item.To),
		slog.Bool("include_export", includeExport),
	)

	var err error
	if s.ReplayRequests != nil {
		err = s.ReplayRequests.Publish(ctx, item, 0)
	} else {
		err = s.HandleReplayRequest(ctx, item)
	}
	if err != nil {
		return internalError("replay_publish_failed", err)
	}
	return nil
}

// replayByIDs looks every id up in history concurrently and only publishes
// when all of them can be replayed.
func (s *Server) replayByIDs(ctx context.Context, agentID string, groups []string, rawIDs []string) *OpError {
	if len(rawIDs) > MaxReplayCommands {
		return opError(http.StatusBadRequest, ReplayCommandsExceedsMaxNumberAllowed)
	}
	if s.History == nil {
		return internalError("replay_lookup_failed", fmt.Errorf("no history store"))
	}
	ids := slices.Compact(slices.Sorted(slices.Values(rawIDs)))
	exportReplay := s.flags().ExportReplay

	var (
		mu       sync.Mutex
		rejected = map[string]string{}
		commands = make([]*command.PrivacyCommand, len(ids))
	)
	reject := func(id, reason string) {
		mu.Lock()
		rejected[id] = reason
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(replayLookupLimit)
	for i, raw := range ids {
		g.Go(func() error {
			id, ok := command.NormalizeID(raw)
			if !ok {
				reject(raw, "InvalidFormat")
				return nil
			}
			rec, err := s.History.Query(gctx, id)
			if err != nil {
				return fmt.Errorf("query history %s: %w", id, err)
			}
			switch {
			case rec == nil:
				reject(raw, "NotFound")
			case rec.Command.Type == command.TypeExport && !exportReplay:
				reject(raw, "ExportNotSupported")
			case rec.Command.Type == command.TypeExport && rec.GloballyComplete():
				// A finished export has no destination container left to write to.
				reject(raw, "Command Globally Complete")
			default:
				cmd := rec.Command
				commands[i] = &cmd
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return internalError("replay_lookup_failed", err)
	}

	if len(rejected) > 0 {
		var b strings.Builder
		for _, id := range slices.Sorted(maps.Keys(rejected)) {
			fmt.Fprintf(&b, "[CommandId:%s,Error:%s];", id, rejected[id])
		}
		return &OpError{
			StatusCode: http.StatusBadRequest,
			Code:       int(ReplayInvalidCommandIDs),
			Message:    b.String(),
		}
	}

	destinations := make([]ReplayDestination, 0, len(groups))
	for _, id := range groups {
		destinations = append(destinations, ReplayDestination{AgentID: agentID, AssetGroupID: id})
	}
	pairs := make([]ReplayPair, 0, len(commands))
	for _, cmd := range commands {
		if cmd != nil {
			pairs = append(pairs, ReplayPair{Command: *cmd, Destinations: destinations})
		}
	}
	if err := s.publishReplayPairs(ctx, pairs); err != nil {
		return internalError("replay_publish_failed", err)
	}
	s.logger().Info("replay_by_ids_requested",
		slog.String("agent_id", agentID),
		slog.Int("commands", len(pairs)),
		slog.Int("asset_groups", len(groups)),
	)
	return nil
}

func utcDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
