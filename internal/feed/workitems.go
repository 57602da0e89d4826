package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nuetzliches/commandfeed/internal/command"
	"github.com/nuetzliches/commandfeed/internal/history"
	"github.com/nuetzliches/commandfeed/internal/leasereceipt"
	"github.com/nuetzliches/commandfeed/internal/queue"
	"github.com/nuetzliches/commandfeed/internal/workitem"
)

const (
	KindDeleteFromQueue         workitem.Kind = "delete_from_queue"
	KindBatchCheckpointComplete workitem.Kind = "batch_checkpoint_complete"
	KindReplayRequest           workitem.Kind = "replay_request"
	KindReplayBatch             workitem.Kind = "enqueue_replay_batch"
)

// DeleteFromQueueItem is a deferred delete of one completed command.
type DeleteFromQueueItem struct {
	AgentID      string `json:"agentId"`
	LeaseReceipt string `json:"leaseReceipt"`
}

// BatchCheckpointCompleteItem deletes every command of a completed batch.
type BatchCheckpointCompleteItem struct {
	AgentID       string   `json:"agentId"`
	LeaseReceipts []string `json:"leaseReceipts"`
}

// ReplayRequestItem re-enqueues the history of a date range.
type ReplayRequestItem struct {
	AgentID       string              `json:"agentId"`
	AssetGroupIDs []string            `json:"assetGroupIds"`
	From          time.Time           `json:"from"`
	To            time.Time           `json:"to"`
	SubjectType   command.SubjectType `json:"subjectType,omitempty"`
	IncludeExport bool                `json:"includeExport,omitempty"`
}

type ReplayDestination struct {
	AgentID      string `json:"agentId"`
	AssetGroupID string `json:"assetGroupId"`
}

// ReplayPair is one historical command and where to enqueue it again.
type ReplayPair struct {
	Command      command.PrivacyCommand `json:"command"`
	Destinations []ReplayDestination    `json:"destinations"`
}

type ReplayBatchItem struct {
	Pairs []ReplayPair `json:"pairs"`
}

// RegisterHandlers wires the feed's work item kinds into d.
func (s *Server) RegisterHandlers(d *workitem.Dispatcher) {
	workitem.Handle(d, KindDeleteFromQueue, s.HandleDeleteFromQueue)
	workitem.Handle(d, KindBatchCheckpointComplete, s.HandleBatchCheckpointComplete)
	workitem.Handle(d, KindReplayRequest, s.HandleReplayRequest)
	workitem.Handle(d, KindReplayBatch, s.HandleReplayBatch)
}

// HandleDeleteFromQueue performs a deferred delete. A command that is gone
// or was leased again since is left alone.
func (s *Server) HandleDeleteFromQueue(ctx context.Context, item DeleteFromQueueItem) error {
	return s.deleteByReceipt(ctx, item.AgentID, item.LeaseReceipt)
}

// HandleBatchCheckpointComplete deletes every receipt of a batch. It stops
// at the first retryable failure; receipts already deleted are skipped on
// the retry.
func (s *Server) HandleBatchCheckpointComplete(ctx context.Context, item BatchCheckpointCompleteItem) error {
	for _, encoded := range item.LeaseReceipts {
		if err := s.deleteByReceipt(ctx, item.AgentID, encoded); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) deleteByReceipt(ctx context.Context, agentID, encoded string) error {
	r, err := leasereceipt.Parse(encoded)
	if err != nil {
		return workitem.Permanent(fmt.Errorf("agent %s: %w", agentID, err))
	}
	err = s.Queue.Delete(ctx, r)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, queue.ErrConflict):
		s.logger().Debug("workitem_delete_skipped",
			slog.String("agent_id", agentID),
			slog.String("command_id", r.CommandID),
			slog.Any("err", err),
		)
		return nil
	default:
		return fmt.Errorf("delete %s: %w", r.CommandID, err)
	}
}

// HandleReplayRequest loads the commands created in the requested range and
// fans them out as replay batches.
func (s *Server) HandleReplayRequest(ctx context.Context, item ReplayRequestItem) error {
	if s.History == nil {
		return workitem.Permanent(errors.New("replay: no history store"))
	}
	records, err := s.History.QueryForReplay(ctx, history.ReplayFilter{
		AgentID:       item.AgentID,
		AssetGroupIDs: item.AssetGroupIDs,
		From:          item.From,
		To:            item.To,
		SubjectType:   item.SubjectType,
		IncludeExport: item.IncludeExport,
	})
	if err != nil {
		return fmt.Errorf("replay: query history: %w", err)
	}
	pairs := make([]ReplayPair, 0, len(records))
	for _, rec := range records {
		pairs = append(pairs, ReplayPair{
			Command:      rec.Command,
			Destinations: replayDestinations(item.AgentID, item.AssetGroupIDs, rec.Destinations),
		})
	}
	s.logger().Info("replay_request_loaded",
		slog.String("agent_id", item.AgentID),
		slog.Int("commands", len(pairs)),
		slog.Time("from", item.From),
		slog.Time("to", item.To),
	)
	return s.publishReplayPairs(ctx, pairs)
}

// replayDestinations keeps the requested asset groups the command was
// originally sent to.
func replayDestinations(agentID string, assetGroupIDs []string, original []history.Destination) []ReplayDestination {
	var out []ReplayDestination
	for _, id := range assetGroupIDs {
		for _, d := range original {
			if sameID(d.AgentID, agentID) && sameID(d.AssetGroupID, id) {
				out = append(out, ReplayDestination{AgentID: agentID, AssetGroupID: id})
				break
			}
		}
	}
	return out
}

// publishReplayPairs splits pairs into replay batches, or enqueues them
// inline when no work item queue is configured.
func (s *Server) publishReplayPairs(ctx context.Context, pairs []ReplayPair) error {
	if len(pairs) == 0 {
		return nil
	}
	if s.ReplayBatches == nil {
		return s.HandleReplayBatch(ctx, ReplayBatchItem{Pairs: pairs})
	}
	return workitem.PublishWithSplit(ctx, s.ReplayBatches, pairs, s.settings().ReplayBatchSize,
		func(batch []ReplayPair) ReplayBatchItem {
			return ReplayBatchItem{Pairs: append([]ReplayPair(nil), batch...)}
		},
		func(ReplayBatchItem) time.Duration { return 0 },
	)
}

// HandleReplayBatch enqueues each replayed command to each destination that
// still exists and still wants it. Commands already queued are skipped.
func (s *Server) HandleReplayBatch(ctx context.Context, item ReplayBatchItem) error {
	m := s.agents()
	now := s.now()
	var enqueued, skipped int
	for _, pair := range item.Pairs {
		for _, d := range pair.Destinations {
			_, g, ok := m.Lookup(d.AgentID, d.AssetGroupID)
			if !ok || g.IsTestInProduction() {
				skipped++
				continue
			}
			cmd := pair.Command
			cmd.AgentID = d.AgentID
			cmd.AssetGroupID = g.ID
			cmd.AssetGroupQualifier = g.Qualifier
			cmd.IsReplay = true
			cmd.NextVisibleTime = now
			cmd.AgentState = ""
			cmd.LeaseReceipt = ""
			if !g.Applicability(cmd).Actionable {
				skipped++
				continue
			}
			priority := queue.PriorityHigh
			if g.PrefersLowPriority(cmd) {
				priority = queue.PriorityLow
			}
			err := s.Queue.Enqueue(ctx, cmd, priority)
			switch {
			case err == nil:
				enqueued++
			case errors.Is(err, queue.ErrExists):
				skipped++
			default:
				return fmt.Errorf("replay: enqueue %s for %s: %w", cmd.CommandID, g.ID, err)
			}
		}
	}
	s.logger().Debug("replay_batch_enqueued",
		slog.Int("enqueued", enqueued),
		slog.Int("skipped", skipped),
	)
	return nil
}
