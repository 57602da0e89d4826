package feed

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nuetzliches/commandfeed/internal/command"
	"github.com/nuetzliches/commandfeed/internal/leasereceipt"
	"github.com/nuetzliches/commandfeed/internal/lifecycle"
)

const (
	MaxBatchSize = 100

	// batchValidationLimit bounds concurrent queue lookups per request.
	batchValidationLimit = 16
	batchExpiryMargin    = time.Hour
	maxBatchDelay        = 6 * time.Hour

	invalidCommandIDPrefix = "One or more checkpointIds were null, white space or not parsable. "
)

// BatchCompleteItem completes one command inside a batch.
type BatchCompleteItem struct {
	CommandID               string                     `json:"commandId"`
	LeaseReceipt            string                     `json:"leaseReceipt"`
	Variants                []string                   `json:"variants,omitempty"`
	RowCount                int                        `json:"rowCount,omitempty"`
	NonTransientFailures    []string                   `json:"nonTransientFailures,omitempty"`
	ExportedFileSizeDetails []command.ExportedFileSize `json:"exportedFileSizeDetails,omitempty"`
}

// BatchItemError reports why one batch item was rejected.
type BatchItemError struct {
	CommandID string `json:"commandId"`
	Error     string `json:"error"`
}

// batchErrors collects per-item failures from concurrent validators.
type batchErrors struct {
	mu   sync.Mutex
	byID map[string]BatchItemError
}

func (e *batchErrors) add(commandID string, code CheckpointErrorCode, prefix string) {
	key := strings.TrimSpace(commandID)
	if key == "" {
		key = "null"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.byID == nil {
		e.byID = make(map[string]BatchItemError)
	}
	e.byID[key] = BatchItemError{CommandID: key, Error: prefix + code.String()}
}

func (e *batchErrors) list() []BatchItemError {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]BatchItemError, 0, len(e.byID))
	for _, v := range e.byID {
		out = append(out, v)
	}
	return out
}

// BatchComplete validates every item and, only when all are valid, records
// their completion and schedules a single delayed delete for the whole
// batch. Rejected items are returned together; nothing is mutated then.
func (s *Server) BatchComplete(ctx context.Context, agentID string, items []BatchCompleteItem) ([]BatchItemError, *OpError) {
	const op = "batchcomplete"
	ctx, span := s.startSpan(ctx, "feed.BatchComplete", agentID)
	defer span.End()

	if len(items) == 0 {
		return nil, s.fail(op, badRequest("The request content is empty."))
	}
	if !s.Gate.Allow("BatchComplete", agentID) {
		return nil, s.fail(op, opError(http.StatusTooManyRequests, CheckpointTooManyRequests))
	}
	if len(items) > MaxBatchSize {
		return nil, s.fail(op, &OpError{
			StatusCode: http.StatusRequestEntityTooLarge,
			Message:    fmt.Sprintf("Please process a batch with a maximum size of %d.", MaxBatchSize),
		})
	}

	receipts := make([]leasereceipt.Receipt, len(items))
	valid := make([]bool, len(items))
	var errs batchErrors

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchValidationLimit)
	for i, item := range items {
		g.Go(func() error {
			r, ok, err := s.validateBatchItem(gctx, agentID, item, &errs)
			if err != nil {
				return err
			}
			receipts[i], valid[i] = r, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, s.fail(op, internalError("batchcomplete_validation_failed", err))
	}
	if rejected := errs.list(); len(rejected) > 0 {
		return rejected, s.fail(op, badRequest("BatchValidationFailed"))
	}

	pg, pctx := errgroup.WithContext(ctx)
	for i, item := range items {
		if !valid[i] {
			continue
		}
		r := receipts[i]
		pg.Go(func() error {
			return s.Lifecycle.PublishCompleted(pctx, receiptTarget(r), lifecycle.Completion{
				Variants:               item.Variants,
				AffectedRows:           item.RowCount,
				NonTransientExceptions: strings.Join(item.NonTransientFailures, ";"),
			})
		})
		if r.CommandType == command.TypeExport {
			sizes := item.ExportedFileSizeDetails
			s.background("log_exported_file_sizes", func(context.Context) {
				s.logExportedFileSizes(r.AgentID, r.AssetGroupID, r.CommandID, r.SubjectType, sizes)
			})
		}
	}
	if err := pg.Wait(); err != nil {
		return nil, s.fail(op, internalError("batchcomplete_publish_failed", err))
	}

	encoded := make([]string, 0, len(receipts))
	for _, r := range receipts {
		encoded = append(encoded, r.MustSerialize())
	}
	work := BatchCheckpointCompleteItem{AgentID: agentID, LeaseReceipts: encoded}
	if s.BatchDeletes == nil {
		if err := s.HandleBatchCheckpointComplete(ctx, work); err != nil {
			return nil, s.fail(op, internalError("batchcomplete_delete_failed", err))
		}
		return nil, nil
	}
	delay := batchDelay(receipts, s.now(), s.rand())
	if err := s.BatchDeletes.Publish(ctx, work, delay); err != nil {
		return nil, s.fail(op, internalError("batchcomplete_enqueue_failed", err))
	}
	return nil, nil
}

// validateBatchItem applies the single checkpoint receipt rules to one
// item. Rejections go to errs; the error return is reserved for failures
// that abort the whole batch.
func (s *Server) validateBatchItem(ctx context.Context, agentID string, item BatchCompleteItem, errs *batchErrors) (leasereceipt.Receipt, bool, error) {
	reject := func(id string, code CheckpointErrorCode, prefix string) (leasereceipt.Receipt, bool, error) {
		errs.add(id, code, prefix)
		return leasereceipt.Receipt{}, false, nil
	}

	commandID, ok := command.NormalizeID(item.CommandID)
	if !ok {
		return reject(item.CommandID, CheckpointMalformedLeaseReceipt, invalidCommandIDPrefix)
	}
	r, err := leasereceipt.Parse(item.LeaseReceipt)
	if err != nil {
		return reject(commandID, CheckpointMalformedLeaseReceipt, "")
	}
	if !sameID(r.AgentID, agentID) {
		return reject(commandID, CheckpointLeaseReceiptAgentIDMismatch, "")
	}
	if !sameID(r.CommandID, commandID) {
		return reject(commandID, CheckpointMalformedLeaseReceipt, "")
	}
	if !s.Queue.SupportsLeaseReceipt(r) {
		return reject(commandID, CheckpointLeaseReceiptNotSupported, "")
	}

	fetch := &commandFetch{q: s.Queue, receipt: r}
	if r.NeedsRefresh() {
		cmd, err := fetch.get(ctx)
		if err != nil {
			return leasereceipt.Receipt{}, false, fmt.Errorf("query command %s: %w", commandID, err)
		}
		if cmd == nil {
			return reject(commandID, CheckpointCommandNotFound, "")
		}
		fresh, err := leasereceipt.Parse(cmd.LeaseReceipt)
		if err != nil {
			return leasereceipt.Receipt{}, false, fmt.Errorf("refresh lease receipt %s: %w", commandID, err)
		}
		if fresh.NeedsRefresh() {
			return leasereceipt.Receipt{}, false, fmt.Errorf("refreshed lease receipt %s is still version %d", commandID, fresh.Version)
		}
		r = fresh
	}

	if created, ok := r.CreatedTime(); ok && r.CommandType != command.TypeAccountClose {
		if created.Add(s.settings().CommandTTL - batchExpiryMargin).Before(s.now()) {
			return reject(commandID, CheckpointCommandAlreadyExpired, "")
		}
	}

	agent, ok := s.agents().Agent(agentID)
	if !ok {
		return reject(commandID, CheckpointLeaseReceiptAgentIDMismatch, "")
	}
	g, ok := agent.AssetGroup(r.AssetGroupID)
	if !ok {
		return reject(commandID, CheckpointLeaseReceiptAssetGroupIDMismatch, "")
	}

	if len(item.Variants) > 0 {
		cmd, err := fetch.get(ctx)
		if err != nil {
			return leasereceipt.Receipt{}, false, fmt.Errorf("query command %s: %w", commandID, err)
		}
		if cmd == nil {
			return reject(commandID, CheckpointCommandNotFound, "")
		}
		if !g.CheckClaimedVariants(*cmd, item.Variants).Valid {
			return reject(commandID, CheckpointInvalidVariantsSpecified, "")
		}
	}
	return r, true, nil
}

// batchDelay spreads the batch delete over a quarter of the shortest
// remaining lease, capped at six hours.
func batchDelay(receipts []leasereceipt.Receipt, now time.Time, u float64) time.Duration {
	if len(receipts) == 0 {
		return 0
	}
	earliest := receipts[0].ExpirationTime
	for _, r := range receipts[1:] {
		if r.ExpirationTime.Before(earliest) {
			earliest = r.ExpirationTime
		}
	}
	maxDelay := earliest.Sub(now) / 4
	maxDelay = max(min(maxDelay, maxBatchDelay), 0)
	return time.Duration(u * float64(maxDelay))
}

func receiptTarget(r leasereceipt.Receipt) lifecycle.Target {
	t := lifecycle.Target{
		AgentID:             r.AgentID,
		AssetGroupID:        r.AssetGroupID,
		AssetGroupQualifier: r.AssetGroupQualifier,
		CommandID:           r.CommandID,
		CommandType:         r.CommandType,
	}
	if created, ok := r.CreatedTime(); ok {
		t.CreatedTime = created
	}
	return t
}
