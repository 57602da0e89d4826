package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nuetzliches/commandfeed/internal/agentmap"
	"github.com/nuetzliches/commandfeed/internal/command"
	"github.com/nuetzliches/commandfeed/internal/history"
	"github.com/nuetzliches/commandfeed/internal/leasereceipt"
	"github.com/nuetzliches/commandfeed/internal/lifecycle"
	"github.com/nuetzliches/commandfeed/internal/queue"
)

const (
	agentStateMaxLength = 1024
	jitterRate          = 1.0 / 3
	maxAgeOutExtension  = 7 * 24 * time.Hour
	deferredDeleteFloor = 10 * time.Minute

	tipAgentMessage = "Agent is Test-In-Production, completion record is not authoritative"
)

// FinishAction is the queue mutation a checkpoint ends in.
type FinishAction int

const (
	FinishInlineDelete FinishAction = iota + 1
	FinishDeferredDelete
	FinishInlineReplace
)

func (a FinishAction) String() string {
	switch a {
	case FinishInlineDelete:
		return "InlineDelete"
	case FinishDeferredDelete:
		return "DeferredDelete"
	case FinishInlineReplace:
		return "InlineReplace"
	default:
		return "Unknown"
	}
}

type CheckpointRequest struct {
	CommandID               string                     `json:"commandId"`
	AgentState              string                     `json:"agentState,omitempty"`
	Status                  string                     `json:"status"`
	RowCount                int                        `json:"rowCount,omitempty"`
	LeaseExtensionSeconds   int64                      `json:"leaseExtensionSeconds,omitempty"`
	Variants                []string                   `json:"variants,omitempty"`
	NonTransientFailures    []string                   `json:"nonTransientFailures,omitempty"`
	ExportedFileSizeDetails []command.ExportedFileSize `json:"exportedFileSizeDetails,omitempty"`
	LeaseReceipt            string                     `json:"leaseReceipt"`
}

type CheckpointResult struct {
	// LeaseReceipt is set only when the command was replaced.
	LeaseReceipt string `json:"leaseReceipt,omitempty"`

	Action FinishAction `json:"-"`
	// DeferredDelay is the visibility delay of a deferred delete.
	DeferredDelay time.Duration `json:"-"`
}

// CheckpointContext is the validated state of one checkpoint call. Stages
// receive it by value; only the command fetch is shared.
type CheckpointContext struct {
	AgentID    string
	Request    CheckpointRequest
	Receipt    leasereceipt.Receipt
	AssetGroup *agentmap.AssetGroup
	Status     command.Status
	Now        time.Time

	cmd *commandFetch
}

// commandFetch reads the authoritative command at most once.
type commandFetch struct {
	q       queue.CommandQueue
	receipt leasereceipt.Receipt
	done    bool
	cmd     *command.PrivacyCommand
	err     error
}

func (f *commandFetch) get(ctx context.Context) (*command.PrivacyCommand, error) {
	if !f.done {
		f.cmd, f.err = f.q.Query(ctx, f.receipt)
		f.done = true
	}
	return f.cmd, f.err
}

// checkpointOutcome is what a status handler decided.
type checkpointOutcome struct {
	Action      FinishAction
	NextVisible time.Time
	AgentState  string
}

// Checkpoint reconciles one agent-reported status with exactly one queue
// mutation. The lifecycle event for the status is always published before
// the queue is touched.
func (s *Server) Checkpoint(ctx context.Context, agentID string, req CheckpointRequest) (CheckpointResult, *OpError) {
	const op = "checkpoint"
	ctx, span := s.startSpan(ctx, "feed.Checkpoint", agentID)
	defer span.End()

	c, oerr := s.prepareCheckpoint(ctx, agentID, req)
	if oerr != nil {
		return CheckpointResult{}, s.fail(op, oerr)
	}

	var out checkpointOutcome
	switch c.Status {
	case command.StatusComplete, command.StatusDeidentify:
		out, oerr = s.checkpointComplete(ctx, c, false, nil)
	case command.StatusFailed:
		out, oerr = s.checkpointFailed(ctx, c)
	case command.StatusVerificationFailed:
		out, oerr = s.checkpointRetry(ctx, c, s.Lifecycle.PublishVerificationFailed, s.settings().VerificationFailedReplay)
	case command.StatusUnexpectedVerificationFailure:
		out, oerr = s.checkpointRetry(ctx, c, s.Lifecycle.PublishUnexpectedVerificationFailure, s.settings().UnexpectedVerificationFailureReplay)
	case command.StatusUnexpectedCommand:
		out, oerr = s.checkpointUnexpected(ctx, c)
	case command.StatusSoftDelete:
		out, oerr = s.checkpointExtend(ctx, c, func(ctx context.Context, t lifecycle.Target) error {
			return s.Lifecycle.PublishSoftDeleted(ctx, t, c.nonTransientFailures(nil))
		})
	case command.StatusPending:
		out, oerr = s.checkpointExtend(ctx, c, s.Lifecycle.PublishPending)
	default:
		oerr = opError(http.StatusBadRequest, CheckpointUnknownPrivacyCommandStatus)
	}
	if oerr != nil {
		return CheckpointResult{}, s.fail(op, oerr)
	}

	res, oerr := s.finishCheckpoint(ctx, c, out)
	if oerr != nil {
		return CheckpointResult{}, s.fail(op, oerr)
	}
	if s.ObserveCheckpoint != nil {
		s.ObserveCheckpoint(c.Status, res.Action)
	}
	return res, nil
}

// prepareCheckpoint runs the shared preconditions in order and returns the
// validated context.
func (s *Server) prepareCheckpoint(ctx context.Context, agentID string, req CheckpointRequest) (CheckpointContext, *OpError) {
	bad := func(code CheckpointErrorCode) (CheckpointContext, *OpError) {
		return CheckpointContext{}, opError(http.StatusBadRequest, code)
	}
	set := s.settings()

	if !s.Gate.Allow("Checkpoint", agentID) {
		return CheckpointContext{}, opError(http.StatusTooManyRequests, CheckpointTooManyRequests)
	}
	if req.LeaseExtensionSeconds < 0 {
		return bad(CheckpointInvalidLeaseExtension)
	}
	if len(req.AgentState) > agentStateMaxLength {
		return bad(CheckpointAgentStateExceedsMaxSizeAllowed)
	}
	r, err := leasereceipt.Parse(req.LeaseReceipt)
	if err != nil {
		return bad(CheckpointMalformedLeaseReceipt)
	}
	extension := time.Duration(req.LeaseExtensionSeconds) * time.Second
	if r.CommandType == command.TypeAgeOut && extension >= maxAgeOutExtension {
		return bad(CheckpointInvalidLeaseExtension)
	}
	if !sameID(r.AgentID, agentID) {
		return bad(CheckpointLeaseReceiptAgentIDMismatch)
	}
	if !s.Queue.SupportsLeaseReceipt(r) {
		return bad(CheckpointLeaseReceiptNotSupported)
	}

	c := CheckpointContext{
		AgentID: agentID,
		Request: req,
		Now:     s.now(),
		cmd:     &commandFetch{q: s.Queue, receipt: r},
	}

	if r.NeedsRefresh() {
		cmd, oerr := c.command(ctx)
		if oerr != nil {
			return CheckpointContext{}, oerr
		}
		fresh, err := leasereceipt.Parse(cmd.LeaseReceipt)
		if err != nil {
			return CheckpointContext{}, internalError("checkpoint_receipt_refresh_failed", err)
		}
		if fresh.Token != r.Token {
			return bad(CheckpointLeaseReceiptConflict)
		}
		if fresh.NeedsRefresh() {
			return CheckpointContext{}, internalError("checkpoint_receipt_refresh_failed",
				fmt.Errorf("refreshed lease receipt is still version %d", fresh.Version))
		}
		r = fresh
	}
	c.Receipt = r

	// Terminal statuses are exempt so an agent can always finish a command
	// it holds.
	status, statusErr := command.ParseStatus(req.Status)
	if created, ok := r.CreatedTime(); ok && !(statusErr == nil && status.IsTerminal()) {
		if !created.Add(command.Lifespan(r.CommandType, set.CommandTTL)).After(c.Now) {
			return bad(CheckpointCommandAlreadyExpired)
		}
	}

	agent, ok := s.agents().Agent(agentID)
	if !ok {
		return bad(CheckpointLeaseReceiptAgentIDMismatch)
	}
	g, ok := agent.AssetGroup(r.AssetGroupID)
	if !ok {
		return bad(CheckpointLeaseReceiptAssetGroupIDMismatch)
	}
	c.AssetGroup = g

	if len(req.Variants) > 0 {
		cmd, oerr := c.command(ctx)
		if oerr != nil {
			return CheckpointContext{}, oerr
		}
		check := g.CheckClaimedVariants(*cmd, req.Variants)
		if len(check.PCFClaimed) > 0 || len(check.Unapproved) > 0 {
			s.logger().Warn("checkpoint_claimed_variants_rejected",
				slog.String("agent_id", agentID),
				slog.String("asset_group_id", g.ID),
				slog.String("command_id", r.CommandID),
				slog.Any("pcf_claimed", check.PCFClaimed),
				slog.Any("unapproved", check.Unapproved),
			)
		}
		if !check.Valid {
			return bad(CheckpointInvalidVariantsSpecified)
		}
	}

	switch {
	case errors.Is(statusErr, command.ErrBlankStatus):
		return bad(CheckpointInvalidCommandStatus)
	case statusErr != nil:
		return bad(CheckpointUnknownPrivacyCommandStatus)
	}
	c.Status = status
	return c, nil
}

// command returns the authoritative command. A command that is gone from
// the queue while its receipt still parses is an internal inconsistency and
// reported as 500 CommandNotFound.
func (c CheckpointContext) command(ctx context.Context) (*command.PrivacyCommand, *OpError) {
	cmd, err := c.cmd.get(ctx)
	if err != nil {
		return nil, checkpointStorageError(err)
	}
	if cmd == nil {
		return nil, opError(http.StatusInternalServerError, CheckpointCommandNotFound)
	}
	return cmd, nil
}

func (c CheckpointContext) target() lifecycle.Target {
	return receiptTarget(c.Receipt)
}

// nonTransientFailures joins the reported failures plus extra.
func (c CheckpointContext) nonTransientFailures(extra []string) string {
	failures := append(append([]string(nil), c.Request.NonTransientFailures...), extra...)
	return strings.Join(failures, ";")
}

// publishCompleted publishes the completion for c. Completions from a
// test-in-production asset group are flagged as not authoritative.
func (s *Server) publishCompleted(ctx context.Context, c CheckpointContext, completedByPCF bool, extraFailures []string) *OpError {
	if c.AssetGroup != nil && c.AssetGroup.IsTestInProduction() {
		extraFailures = append(extraFailures, tipAgentMessage)
	}
	err := s.Lifecycle.PublishCompleted(ctx, c.target(), lifecycle.Completion{
		Variants:               c.Request.Variants,
		AffectedRows:           c.Request.RowCount,
		Delinked:               c.Status == command.StatusDeidentify,
		NonTransientExceptions: c.nonTransientFailures(extraFailures),
		CompletedByPCF:         completedByPCF,
	})
	if err != nil {
		return internalError("checkpoint_publish_failed", err)
	}
	return nil
}

// checkpointComplete finishes the command. Commands with more than ten
// minutes of lease left are deleted later through a work item to smooth
// delete spikes.
func (s *Server) checkpointComplete(ctx context.Context, c CheckpointContext, completedByPCF bool, extraFailures []string) (checkpointOutcome, *OpError) {
	if oerr := s.publishCompleted(ctx, c, completedByPCF, extraFailures); oerr != nil {
		return checkpointOutcome{}, oerr
	}
	if c.Receipt.CommandType == command.TypeExport {
		r, sizes := c.Receipt, c.Request.ExportedFileSizeDetails
		s.background("log_exported_file_sizes", func(context.Context) {
			s.logExportedFileSizes(r.AgentID, r.AssetGroupID, r.CommandID, r.SubjectType, sizes)
		})
	}

	remaining := c.Receipt.ExpirationTime.Sub(c.Now)
	if remaining > deferredDeleteFloor && !s.flags().DeferredDeleteDisabled && s.DeleteFromQueue != nil {
		return checkpointOutcome{Action: FinishDeferredDelete}, nil
	}
	return checkpointOutcome{Action: FinishInlineDelete}, nil
}

func (s *Server) checkpointFailed(ctx context.Context, c CheckpointContext) (checkpointOutcome, *OpError) {
	if c.AssetGroup.IsTestInProduction() {
		return s.checkpointComplete(ctx, c, true, nil)
	}
	if err := s.Lifecycle.PublishFailed(ctx, c.target()); err != nil {
		return checkpointOutcome{}, internalError("checkpoint_publish_failed", err)
	}
	cmd, oerr := c.command(ctx)
	if oerr != nil {
		return checkpointOutcome{}, oerr
	}

	// An export whose destination container is gone can never succeed.
	if cmd.Type == command.TypeExport && cmd.Export != nil && s.Prober != nil {
		if status := s.Prober.ContainerError(ctx, *cmd.Export); status != "" {
			s.logger().Error("checkpoint_export_container_missing",
				slog.String("agent_id", c.AgentID),
				slog.String("command_id", cmd.CommandID),
				slog.String("container_status", status),
			)
			s.forceCompleteInBackground(c)
			if oerr := s.publishCompleted(ctx, c, true, []string{"Export container status: " + status}); oerr != nil {
				return checkpointOutcome{}, oerr
			}
			return checkpointOutcome{Action: FinishInlineDelete}, nil
		}
	}

	return checkpointOutcome{
		Action:      FinishInlineReplace,
		NextVisible: c.Now.Add(applyJitter(s.settings().FailedReplay, jitterRate, s.rand())),
		AgentState:  c.Request.AgentState,
	}, nil
}

// checkpointRetry handles the verification failure statuses: publish the
// event and schedule a jittered replay.
func (s *Server) checkpointRetry(ctx context.Context, c CheckpointContext, publish func(context.Context, lifecycle.Target) error, base time.Duration) (checkpointOutcome, *OpError) {
	if c.AssetGroup.IsTestInProduction() {
		return s.checkpointComplete(ctx, c, true, nil)
	}
	if err := publish(ctx, c.target()); err != nil {
		return checkpointOutcome{}, internalError("checkpoint_publish_failed", err)
	}
	if _, oerr := c.command(ctx); oerr != nil {
		return checkpointOutcome{}, oerr
	}
	return checkpointOutcome{
		Action:      FinishInlineReplace,
		NextVisible: c.Now.Add(applyJitter(base, jitterRate, s.rand())),
		AgentState:  c.Request.AgentState,
	}, nil
}

// checkpointUnexpected re-evaluates applicability. Commands that no longer
// apply are completed on the agent's behalf; the rest come back much later
// with their agent state cleared.
func (s *Server) checkpointUnexpected(ctx context.Context, c CheckpointContext) (checkpointOutcome, *OpError) {
	g := c.AssetGroup
	if g.IsTestInProduction() {
		return s.checkpointComplete(ctx, c, true, nil)
	}
	if err := s.Lifecycle.PublishUnexpected(ctx, c.target()); err != nil {
		return checkpointOutcome{}, internalError("checkpoint_publish_failed", err)
	}
	cmd, oerr := c.command(ctx)
	if oerr != nil {
		return checkpointOutcome{}, oerr
	}

	a := g.Applicability(*cmd)
	if g.Fake || !a.Actionable || g.IsTestInProduction() {
		s.logger().Warn("checkpoint_unexpected_command",
			slog.String("agent_id", c.AgentID),
			slog.String("asset_group_id", g.ID),
			slog.String("command_id", cmd.CommandID),
			slog.String("reason", string(a.Reason)),
			slog.Bool("fake_asset_group", g.Fake),
		)
		if oerr := s.publishCompleted(ctx, c, true, nil); oerr != nil {
			return checkpointOutcome{}, oerr
		}
		return checkpointOutcome{Action: FinishInlineDelete}, nil
	}

	return checkpointOutcome{
		Action:      FinishInlineReplace,
		NextVisible: c.Now.Add(applyJitter(s.settings().UnexpectedCommandReplay, jitterRate, s.rand())),
		AgentState:  "",
	}, nil
}

// checkpointExtend handles Pending and SoftDelete: the agent keeps working
// and asks for more lease time.
func (s *Server) checkpointExtend(ctx context.Context, c CheckpointContext, publish func(context.Context, lifecycle.Target) error) (checkpointOutcome, *OpError) {
	if err := publish(ctx, c.target()); err != nil {
		return checkpointOutcome{}, internalError("checkpoint_publish_failed", err)
	}
	cmd, oerr := c.command(ctx)
	if oerr != nil {
		return checkpointOutcome{}, oerr
	}
	extension := time.Duration(c.Request.LeaseExtensionSeconds) * time.Second
	return checkpointOutcome{
		Action:      FinishInlineReplace,
		NextVisible: CalculateNextVisibleTime(*cmd, extension, s.settings()),
		AgentState:  c.Request.AgentState,
	}, nil
}

// finishCheckpoint performs the queue mutation chosen by the handler.
func (s *Server) finishCheckpoint(ctx context.Context, c CheckpointContext, out checkpointOutcome) (CheckpointResult, *OpError) {
	res := CheckpointResult{Action: out.Action}
	switch out.Action {
	case FinishInlineDelete:
		if err := s.Queue.Delete(ctx, c.Receipt); err != nil {
			return CheckpointResult{}, checkpointStorageError(err)
		}
	case FinishDeferredDelete:
		// Rotate the token before scheduling the delete so the caller's
		// receipt is spent here, as an inline delete would spend it. A zero
		// NextVisibleTime keeps the current visibility.
		claimed, err := s.Queue.Replace(ctx, c.Receipt, command.PrivacyCommand{}, queue.ReplaceLeaseExtension)
		if err != nil {
			return CheckpointResult{}, checkpointStorageError(err)
		}
		delay := deferredDeleteDelay(c.Receipt.ExpirationTime, c.Now, s.rand())
		item := DeleteFromQueueItem{AgentID: c.AgentID, LeaseReceipt: claimed.LeaseReceipt}
		if err := s.DeleteFromQueue.Publish(ctx, item, delay); err != nil {
			return CheckpointResult{}, internalError("checkpoint_deferred_delete_failed", err)
		}
		res.DeferredDelay = delay
	case FinishInlineReplace:
		cmd, oerr := c.command(ctx)
		if oerr != nil {
			return CheckpointResult{}, oerr
		}
		next := *cmd
		next.NextVisibleTime = out.NextVisible
		next.AgentState = out.AgentState
		replaced, err := s.Queue.Replace(ctx, c.Receipt, next, outcomeReplaceFlags(c.Request, *cmd, out))
		if err != nil {
			return CheckpointResult{}, checkpointStorageError(err)
		}
		res.LeaseReceipt = replaced.LeaseReceipt
	default:
		return CheckpointResult{}, internalError("checkpoint_unknown_action",
			fmt.Errorf("unexpected finish action %d", out.Action))
	}
	s.logger().Debug("checkpoint_finished",
		slog.String("agent_id", c.AgentID),
		slog.String("command_id", c.Receipt.CommandID),
		slog.String("status", c.Status.String()),
		slog.String("action", res.Action.String()),
		slog.Duration("deferred_delay", res.DeferredDelay),
	)
	return res, nil
}

// forceCompleteInBackground marks the command force-completed when another
// destination already finished it. It never fails the caller.
func (s *Server) forceCompleteInBackground(c CheckpointContext) {
	if s.History == nil {
		return
	}
	target := c.target()
	s.background("force_complete_export", func(ctx context.Context) {
		rec, err := s.History.Query(ctx, target.CommandID)
		if err != nil {
			s.logger().Warn("checkpoint_force_complete_failed",
				slog.String("command_id", target.CommandID),
				slog.Any("err", err),
			)
			return
		}
		if rec == nil || !anyDestinationComplete(rec.Destinations) {
			return
		}
		err = s.Lifecycle.PublishCompleted(ctx, target, lifecycle.Completion{CompletedByPCF: true, ForceCompleted: true})
		if err != nil {
			s.logger().Warn("checkpoint_force_complete_failed",
				slog.String("command_id", target.CommandID),
				slog.Any("err", err),
			)
		}
	})
}

// replaceFlags picks what Replace rewrites. A request that names neither
// agent state nor an extension still extends the lease.
func replaceFlags(req CheckpointRequest) queue.ReplaceFlags {
	var f queue.ReplaceFlags
	if strings.TrimSpace(req.AgentState) != "" {
		f |= queue.ReplaceCommandContent
	}
	if req.LeaseExtensionSeconds > 0 {
		f |= queue.ReplaceLeaseExtension
	}
	if f == 0 {
		f = queue.ReplaceLeaseExtension
	}
	return f
}

// outcomeReplaceFlags adds to the request's flags whatever the outcome
// changes on its own: a replay delay moves visibility, and a cleared or new
// agent state rewrites content.
func outcomeReplaceFlags(req CheckpointRequest, cur command.PrivacyCommand, out checkpointOutcome) queue.ReplaceFlags {
	f := replaceFlags(req)
	if !out.NextVisible.IsZero() && !out.NextVisible.Equal(cur.NextVisibleTime) {
		f |= queue.ReplaceLeaseExtension
	}
	if out.AgentState != cur.AgentState {
		f |= queue.ReplaceCommandContent
	}
	return f
}

// CalculateNextVisibleTime extends the command's current visibility by
// extension. Extensions over a day that would land past the command type's
// SLA safety threshold are cut to one day, so commands close to their SLA
// are re-checked daily.
func CalculateNextVisibleTime(cmd command.PrivacyCommand, extension time.Duration, set Settings) time.Time {
	const oneDay = 24 * time.Hour
	requested := cmd.NextVisibleTime.Add(extension)
	if extension <= oneDay {
		return requested
	}

	threshold := set.SLANonExport
	if cmd.Type == command.TypeExport {
		threshold = set.SLAExport
		if cmd.Subject.IsAAD() {
			threshold = set.SLAAADExport
		}
	}
	if cmd.CreatedTime.Add(threshold).Before(requested) {
		return cmd.NextVisibleTime.Add(oneDay)
	}
	return requested
}

// applyJitter returns base * (1 + rate*(u-0.5)) for u in [0, 1).
func applyJitter(base time.Duration, rate, u float64) time.Duration {
	secs := base.Seconds()
	return time.Duration((secs + secs*rate*(u-0.5)) * float64(time.Second))
}

// deferredDeleteDelay is a random delay below both six hours and 75% of the
// remaining lease, with a five second floor.
func deferredDeleteDelay(expiration, now time.Time, u float64) time.Duration {
	secs := int(expiration.Sub(now).Seconds() * 0.75)
	secs = min(secs, 6*60*60)
	secs = int(float64(secs) * u)
	secs = max(secs, 5)
	return time.Duration(secs) * time.Second
}

// checkpointStorageError maps queue failures. Anything unrecognized is an
// internal error.
func checkpointStorageError(err error) *OpError {
	switch {
	case errors.Is(err, queue.ErrConflict):
		return opError(http.StatusConflict, CheckpointLeaseReceiptConflict)
	case errors.Is(err, queue.ErrNotFound):
		return opError(http.StatusBadRequest, CheckpointCommandAlreadyCompleted)
	case errors.Is(err, queue.ErrThrottled):
		return opError(http.StatusServiceUnavailable, CheckpointThrottle)
	case errors.Is(err, queue.ErrInvalidLeaseReceipt):
		return opError(http.StatusBadRequest, CheckpointLeaseReceiptNotSupported)
	default:
		return internalError("checkpoint_storage_failed", err)
	}
}

func anyDestinationComplete(dests []history.Destination) bool {
	for _, d := range dests {
		if d.CompletedAt != nil {
			return true
		}
	}
	return false
}

func sameID(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
