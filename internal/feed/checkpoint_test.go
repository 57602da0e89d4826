package feed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nuetzliches/commandfeed/internal/command"
	"github.com/nuetzliches/commandfeed/internal/history"
	"github.com/nuetzliches/commandfeed/internal/leasereceipt"
	"github.com/nuetzliches/commandfeed/internal/queue"
)

func TestCheckpointCompleteDefersDelete(t *testing.T) {
	f := newFixture(t)
	deletes := &recordingEnqueuer[DeleteFromQueueItem]{}
	f.srv.DeleteFromQueue = deletes
	cmd := f.lease(t, newCommand(cmdID(1), prodGroupID, command.TypeDelete))[0]

	res, err := f.srv.Checkpoint(context.Background(), agentID, CheckpointRequest{
		CommandID:    cmd.CommandID,
		Status:       "Complete",
		RowCount:     12,
		LeaseReceipt: cmd.LeaseReceipt,
	})
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if res.Action != FinishDeferredDelete {
		t.Fatalf("action=%s, want DeferredDelete", res.Action)
	}
	if res.LeaseReceipt != "" {
		t.Fatalf("deferred delete must not return a receipt, got %q", res.LeaseReceipt)
	}
	// 15m left: int(900*0.75)=675, halved by the fixed random value.
	if res.DeferredDelay != 337*time.Second {
		t.Fatalf("delay=%s, want 337s", res.DeferredDelay)
	}
	if len(deletes.items) != 1 || deletes.delays[0] != res.DeferredDelay {
		t.Fatalf("deferred delete items=%+v delays=%v", deletes.items, deletes.delays)
	}
	if deletes.items[0].AgentID != agentID {
		t.Fatalf("work item agent=%q", deletes.items[0].AgentID)
	}
	if f.queued(t, cmd.LeaseReceipt) == nil {
		t.Fatal("deferred delete removed the command inline")
	}
	completed := f.lc.ofKind(history.EventCompleted)
	if len(completed) != 1 {
		t.Fatalf("completed events=%d, want 1", len(completed))
	}
	if c := completed[0].Completion; c.AffectedRows != 12 || c.CompletedByPCF {
		t.Fatalf("unexpected completion: %+v", c)
	}
}

func TestCheckpointCompleteDeletesInline(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		lease time.Duration
	}{
		{name: "no deferred queue", lease: queue.DefaultLease},
		{
			name:  "deferred delete disabled",
			setup: func(f *fixture) { f.srv.Flags.Store(&Flags{DeferredDeleteDisabled: true}) },
			lease: queue.DefaultLease,
		},
		{name: "short remaining lease", lease: 5 * time.Minute},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			deletes := &recordingEnqueuer[DeleteFromQueueItem]{}
			if tc.name != "no deferred queue" {
				f.srv.DeleteFromQueue = deletes
			}
			if tc.setup != nil {
				tc.setup(f)
			}
			cmd := f.leaseFor(t, tc.lease, newCommand(cmdID(1), prodGroupID, command.TypeDelete))[0]

			res, err := f.srv.Checkpoint(context.Background(), agentID, CheckpointRequest{
				CommandID:    cmd.CommandID,
				Status:       "complete",
				LeaseReceipt: cmd.LeaseReceipt,
			})
			if err != nil {
				t.Fatalf("checkpoint: %v", err)
			}
			if res.Action != FinishInlineDelete {
				t.Fatalf("action=%s, want InlineDelete", res.Action)
			}
			if f.queued(t, cmd.LeaseReceipt) != nil {
				t.Fatal("command still queued after inline delete")
			}
			if len(deletes.items) != 0 {
				t.Fatalf("unexpected deferred deletes: %+v", deletes.items)
			}
		})
	}
}

func TestCheckpointDeidentifyIsDelinked(t *testing.T) {
	f := newFixture(t)
	cmd := f.lease(t, newCommand(cmdID(1), prodGroupID, command.TypeAccountClose))[0]

	if _, err := f.srv.Checkpoint(context.Background(), agentID, CheckpointRequest{
		CommandID:            cmd.CommandID,
		Status:               "Deidentify",
		NonTransientFailures: []string{"a", "b"},
		LeaseReceipt:         cmd.LeaseReceipt,
	}); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	completed := f.lc.ofKind(history.EventCompleted)
	if len(completed) != 1 {
		t.Fatalf("completed events=%d", len(completed))
	}
	c := completed[0].Completion
	if !c.Delinked || c.NonTransientExceptions != "a;b" {
		t.Fatalf("unexpected completion: %+v", c)
	}
}

func TestCheckpointPendingExtendsLease(t *testing.T) {
	f := newFixture(t)
	cmd := f.lease(t, newCommand(cmdID(1), prodGroupID, command.TypeDelete))[0]
	ctx := context.Background()

	res, err := f.srv.Checkpoint(ctx, agentID, CheckpointRequest{
		CommandID:             cmd.CommandID,
		Status:                "Pending",
		AgentState:            "page=2",
		LeaseExtensionSeconds: 3600,
		LeaseReceipt:          cmd.LeaseReceipt,
	})
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if res.Action != FinishInlineReplace || res.LeaseReceipt == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.LeaseReceipt == cmd.LeaseReceipt {
		t.Fatal("replace must rotate the lease receipt")
	}
	got := f.queued(t, res.LeaseReceipt)
	if got == nil {
		t.Fatal("command missing after replace")
	}
	if want := cmd.NextVisibleTime.Add(time.Hour); !got.NextVisibleTime.Equal(want) {
		t.Fatalf("next visible=%s, want %s", got.NextVisibleTime, want)
	}
	if got.AgentState != "page=2" {
		t.Fatalf("agent state=%q", got.AgentState)
	}
	if kinds := f.lc.kinds(); len(kinds) != 1 || kinds[0] != history.EventPending {
		t.Fatalf("events=%v", kinds)
	}

	_, err = f.srv.Checkpoint(ctx, agentID, CheckpointRequest{
		CommandID:    cmd.CommandID,
		Status:       "Pending",
		LeaseReceipt: cmd.LeaseReceipt,
	})
	assertOpError(t, err, http.StatusConflict, int(CheckpointLeaseReceiptConflict))
}

func TestCheckpointSoftDeleteCarriesFailures(t *testing.T) {
	f := newFixture(t)
	cmd := f.lease(t, newCommand(cmdID(1), prodGroupID, command.TypeDelete))[0]

	res, err := f.srv.Checkpoint(context.Background(), agentID, CheckpointRequest{
		CommandID:            cmd.CommandID,
		Status:               "SoftDelete",
		NonTransientFailures: []string{"row 4 locked"},
		LeaseReceipt:         cmd.LeaseReceipt,
	})
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if res.Action != FinishInlineReplace {
		t.Fatalf("action=%s", res.Action)
	}
	soft := f.lc.ofKind(history.EventSoftDeleted)
	if len(soft) != 1 || soft[0].Detail != "row 4 locked" {
		t.Fatalf("soft delete events=%+v", soft)
	}
}

func TestCheckpointRetryStatusesReplayWithJitter(t *testing.T) {
	tests := []struct {
		status string
		event  history.EventKind
		delay  time.Duration
	}{
		{"Failed", history.EventFailed, 900 * time.Second},
		{"VerificationFailed", history.EventVerificationFailed, 3600 * time.Second},
		{"UnexpectedVerificationFailure", history.EventUnexpectedVerificationFailure, 1800 * time.Second},
		{"UnexpectedCommand", history.EventUnexpected, 86400 * time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.status, func(t *testing.T) {
			f := newFixture(t)
			cmd := f.lease(t, newCommand(cmdID(1), prodGroupID, command.TypeDelete))[0]

			res, err := f.srv.Checkpoint(context.Background(), agentID, CheckpointRequest{
				CommandID:    cmd.CommandID,
				Status:       tc.status,
				LeaseReceipt: cmd.LeaseReceipt,
			})
			if err != nil {
				t.Fatalf("checkpoint: %v", err)
			}
			if res.Action != FinishInlineReplace {
				t.Fatalf("action=%s", res.Action)
			}
			got := f.queued(t, res.LeaseReceipt)
			if got == nil {
				t.Fatal("command missing after replace")
			}
			if want := testNow.Add(tc.delay); !got.NextVisibleTime.Equal(want) {
				t.Fatalf("next visible=%s, want %s", got.NextVisibleTime, want)
			}
			if kinds := f.lc.kinds(); len(kinds) != 1 || kinds[0] != tc.event {
				t.Fatalf("events=%v, want [%s]", kinds, tc.event)
			}
		})
	}
}

func TestCheckpointTestInProductionCompletesFailures(t *testing.T) {
	for _, status := range []string{"Failed", "VerificationFailed", "UnexpectedCommand"} {
		t.Run(status, func(t *testing.T) {
			f := newFixture(t)
			cmd := f.lease(t, newCommand(cmdID(1), tipGroupID, command.TypeDelete))[0]

			res, err := f.srv.Checkpoint(context.Background(), agentID, CheckpointRequest{
				CommandID:    cmd.CommandID,
				Status:       status,
				LeaseReceipt: cmd.LeaseReceipt,
			})
			if err != nil {
				t.Fatalf("checkpoint: %v", err)
			}
			if res.Action != FinishInlineDelete {
				t.Fatalf("action=%s, want InlineDelete", res.Action)
			}
			if kinds := f.lc.kinds(); len(kinds) != 1 || kinds[0] != history.EventCompleted {
				t.Fatalf("events=%v", kinds)
			}
			c := f.lc.ofKind(history.EventCompleted)[0].Completion
			if !c.CompletedByPCF || c.NonTransientExceptions != tipAgentMessage {
				t.Fatalf("unexpected completion: %+v", c)
			}
		})
	}
}

func TestCheckpointFailedExportWithMissingContainer(t *testing.T) {
	f := newFixture(t)
	prober := &stubProber{status: ContainerGone}
	f.srv.Prober = prober
	export := newCommand(cmdID(1), prodGroupID, command.TypeExport)
	export.Export = &command.ExportDetails{DestinationURI: "https://exports.example.com/c1"}
	cmd := f.lease(t, export)[0]

	res, err := f.srv.Checkpoint(context.Background(), agentID, CheckpointRequest{
		CommandID:    cmd.CommandID,
		Status:       "Failed",
		LeaseReceipt: cmd.LeaseReceipt,
	})
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if res.Action != FinishInlineDelete {
		t.Fatalf("action=%s", res.Action)
	}
	if prober.calls != 1 {
		t.Fatalf("prober calls=%d", prober.calls)
	}
	kinds := f.lc.kinds()
	if len(kinds) != 2 || kinds[0] != history.EventFailed || kinds[1] != history.EventCompleted {
		t.Fatalf("events=%v, want failed then completed", kinds)
	}
	c := f.lc.ofKind(history.EventCompleted)[0].Completion
	if c.NonTransientExceptions != "Export container status: ContainerGone" || !c.CompletedByPCF {
		t.Fatalf("unexpected completion: %+v", c)
	}
	if f.queued(t, cmd.LeaseReceipt) != nil {
		t.Fatal("command still queued")
	}
}

func TestCheckpointFailedExportForceCompletes(t *testing.T) {
	f := newFixture(t)
	f.srv.Prober = &stubProber{status: ContainerNotFound}
	export := newCommand(cmdID(1), prodGroupID, command.TypeExport)
	export.Export = &command.ExportDetails{DestinationURI: "https://exports.example.com/c1"}
	done := testNow.Add(-time.Minute)
	if err := f.history.TryInsert(context.Background(), history.Record{
		Command: export,
		Destinations: []history.Destination{
			{AgentID: agentID, AssetGroupID: prodGroupID},
			{AgentID: otherAgentID, AssetGroupID: otherGroupID, CompletedAt: &done},
		},
	}); err != nil {
		t.Fatalf("history insert: %v", err)
	}
	cmd := f.lease(t, export)[0]

	if _, err := f.srv.Checkpoint(context.Background(), agentID, CheckpointRequest{
		CommandID:    cmd.CommandID,
		Status:       "Failed",
		LeaseReceipt: cmd.LeaseReceipt,
	}); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	var forced int
	for _, c := range f.lc.ofKind(history.EventCompleted) {
		if c.Completion.ForceCompleted {
			forced++
		}
	}
	if forced != 1 {
		t.Fatalf("force completed events=%d, want 1", forced)
	}
}

func TestCheckpointUnexpectedOnFakeAssetGroupCompletes(t *testing.T) {
	f := newFixture(t)
	cmd := f.lease(t, newCommand(cmdID(1), fakeGroupID, command.TypeDelete))[0]

	res, err := f.srv.Checkpoint(context.Background(), agentID, CheckpointRequest{
		CommandID:    cmd.CommandID,
		Status:       "UnexpectedCommand",
		LeaseReceipt: cmd.LeaseReceipt,
	})
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if res.Action != FinishInlineDelete {
		t.Fatalf("action=%s", res.Action)
	}
	kinds := f.lc.kinds()
	if len(kinds) != 2 || kinds[0] != history.EventUnexpected || kinds[1] != history.EventCompleted {
		t.Fatalf("events=%v", kinds)
	}
}

func TestCheckpointPreconditions(t *testing.T) {
	f := newFixture(t)
	cmd := f.lease(t, newCommand(cmdID(1), prodGroupID, command.TypeDelete))[0]
	ageOut := f.lease(t, newCommand(cmdID(2), prodGroupID, command.TypeAgeOut))[0]

	unknownGroup := newCommand(cmdID(3), "9a1b7c2d-0000-4000-8000-0000000000ff", command.TypeDelete)
	unknownGroupReceipt := leasereceipt.New("memory", leasereceipt.StorageDocument, "tk_1", unknownGroup, testNow.Add(time.Hour)).MustSerialize()
	otherStore := leasereceipt.New("cosmos-east", leasereceipt.StorageDocument, "tk_1", cmd, testNow.Add(time.Hour)).MustSerialize()

	tests := []struct {
		name    string
		agentID string
		req     CheckpointRequest
		code    CheckpointErrorCode
	}{
		{
			name: "negative extension wins over a malformed receipt",
			req:  CheckpointRequest{Status: "Pending", LeaseExtensionSeconds: -1, LeaseReceipt: "garbage"},
			code: CheckpointInvalidLeaseExtension,
		},
		{
			name: "agent state too large",
			req:  CheckpointRequest{Status: "Pending", AgentState: strings.Repeat("x", 1025), LeaseReceipt: cmd.LeaseReceipt},
			code: CheckpointAgentStateExceedsMaxSizeAllowed,
		},
		{
			name: "malformed receipt",
			req:  CheckpointRequest{Status: "Pending", LeaseReceipt: "garbage"},
			code: CheckpointMalformedLeaseReceipt,
		},
		{
			name: "age out extension of a week",
			req:  CheckpointRequest{Status: "Pending", LeaseExtensionSeconds: 7 * 86400, LeaseReceipt: ageOut.LeaseReceipt},
			code: CheckpointInvalidLeaseExtension,
		},
		{
			name:    "receipt of another agent",
			agentID: otherAgentID,
			req:     CheckpointRequest{Status: "Pending", LeaseReceipt: cmd.LeaseReceipt},
			code:    CheckpointLeaseReceiptAgentIDMismatch,
		},
		{
			name: "receipt of another store",
			req:  CheckpointRequest{Status: "Pending", LeaseReceipt: otherStore},
			code: CheckpointLeaseReceiptNotSupported,
		},
		{
			name: "unknown asset group",
			req:  CheckpointRequest{Status: "Pending", LeaseReceipt: unknownGroupReceipt},
			code: CheckpointLeaseReceiptAssetGroupIDMismatch,
		},
		{
			name: "unapproved variant",
			req:  CheckpointRequest{Status: "Complete", Variants: []string{"33333333-0000-4000-8000-000000000099"}, LeaseReceipt: cmd.LeaseReceipt},
			code: CheckpointInvalidVariantsSpecified,
		},
		{
			name: "blank status",
			req:  CheckpointRequest{Status: "  ", LeaseReceipt: cmd.LeaseReceipt},
			code: CheckpointInvalidCommandStatus,
		},
		{
			name: "unknown status",
			req:  CheckpointRequest{Status: "Done", LeaseReceipt: cmd.LeaseReceipt},
			code: CheckpointUnknownPrivacyCommandStatus,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id := tc.agentID
			if id == "" {
				id = agentID
			}
			_, err := f.srv.Checkpoint(context.Background(), id, tc.req)
			assertOpError(t, err, http.StatusBadRequest, int(tc.code))
		})
	}
	if kinds := f.lc.kinds(); len(kinds) != 0 {
		t.Fatalf("rejected checkpoints published events: %v", kinds)
	}
}

func TestCheckpointExpiredCommand(t *testing.T) {
	f := newFixture(t)
	old := newCommand(cmdID(1), prodGroupID, command.TypeDelete)
	old.CreatedTime = testNow.Add(-31 * 24 * time.Hour)
	cmd := f.lease(t, old)[0]
	ctx := context.Background()

	_, err := f.srv.Checkpoint(ctx, agentID, CheckpointRequest{
		CommandID:    cmd.CommandID,
		Status:       "Pending",
		LeaseReceipt: cmd.LeaseReceipt,
	})
	assertOpError(t, err, http.StatusBadRequest, int(CheckpointCommandAlreadyExpired))

	if _, err := f.srv.Checkpoint(ctx, agentID, CheckpointRequest{
		CommandID:    cmd.CommandID,
		Status:       "Complete",
		LeaseReceipt: cmd.LeaseReceipt,
	}); err != nil {
		t.Fatalf("completing an expired command: %v", err)
	}
}

func TestCheckpointRefreshesOldReceipts(t *testing.T) {
	tests := []struct {
		name    string
		token   func(current string) string
		wantErr bool
	}{
		{name: "same token", token: func(cur string) string { return cur }},
		{name: "stale token", token: func(string) string { return "tk_stale" }, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			cmd := f.lease(t, newCommand(cmdID(1), prodGroupID, command.TypeDelete))[0]
			r, err := leasereceipt.Parse(cmd.LeaseReceipt)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			r.Version = 1
			r.CommandCreatedTime = nil
			r.CommandType = ""
			r.Token = tc.token(r.Token)

			_, oerr := f.srv.Checkpoint(context.Background(), agentID, CheckpointRequest{
				CommandID:    cmd.CommandID,
				Status:       "Complete",
				LeaseReceipt: r.MustSerialize(),
			})
			if tc.wantErr {
				assertOpError(t, oerr, http.StatusBadRequest, int(CheckpointLeaseReceiptConflict))
				return
			}
			if oerr != nil {
				t.Fatalf("checkpoint: %v", oerr)
			}
			if f.queued(t, cmd.LeaseReceipt) != nil {
				t.Fatal("command still queued")
			}
		})
	}
}

func TestCheckpointCommandGone(t *testing.T) {
	f := newFixture(t)
	cmd := f.lease(t, newCommand(cmdID(1), prodGroupID, command.TypeDelete))[0]
	ctx := context.Background()
	req := CheckpointRequest{CommandID: cmd.CommandID, Status: "Complete", LeaseReceipt: cmd.LeaseReceipt}

	if _, err := f.srv.Checkpoint(ctx, agentID, req); err != nil {
		t.Fatalf("first checkpoint: %v", err)
	}
	_, err := f.srv.Checkpoint(ctx, agentID, req)
	assertOpError(t, err, http.StatusBadRequest, int(CheckpointCommandAlreadyCompleted))

	req.Status = "Pending"
	_, err = f.srv.Checkpoint(ctx, agentID, req)
	assertOpError(t, err, http.StatusInternalServerError, int(CheckpointCommandNotFound))
}

func TestCheckpointPublishFailureLeavesQueueUntouched(t *testing.T) {
	f := newFixture(t)
	deletes := &recordingEnqueuer[DeleteFromQueueItem]{}
	f.srv.DeleteFromQueue = deletes
	var observed []string
	f.srv.ObserveOpError = func(op string, err *OpError) { observed = append(observed, op) }
	cmd := f.lease(t, newCommand(cmdID(1), prodGroupID, command.TypeDelete))[0]
	f.lc.err = errors.New("sink down")

	_, err := f.srv.Checkpoint(context.Background(), agentID, CheckpointRequest{
		CommandID:    cmd.CommandID,
		Status:       "Complete",
		LeaseReceipt: cmd.LeaseReceipt,
	})
	if err == nil || err.StatusCode != http.StatusInternalServerError {
		t.Fatalf("err=%v, want 500", err)
	}
	if !errors.Is(err, f.lc.err) {
		t.Fatalf("error does not wrap the cause: %v", err)
	}
	if f.queued(t, cmd.LeaseReceipt) == nil {
		t.Fatal("command deleted although the audit event failed")
	}
	if len(deletes.items) != 0 {
		t.Fatal("deferred delete published although the audit event failed")
	}
	if len(observed) != 1 || observed[0] != "checkpoint" {
		t.Fatalf("observed=%v", observed)
	}
}

func TestCheckpointStorageErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   CheckpointErrorCode
	}{
		{queue.ErrConflict, http.StatusConflict, CheckpointLeaseReceiptConflict},
		{queue.ErrNotFound, http.StatusBadRequest, CheckpointCommandAlreadyCompleted},
		{queue.ErrThrottled, http.StatusServiceUnavailable, CheckpointThrottle},
		{fmt.Errorf("wrapped: %w", queue.ErrInvalidLeaseReceipt), http.StatusBadRequest, CheckpointLeaseReceiptNotSupported},
		{errors.New("disk on fire"), http.StatusInternalServerError, 0},
	}
	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			f := newFixture(t)
			f.srv.Queue = &faultyQueue{MemoryStore: f.queue, replaceErr: tc.err}
			cmd := f.lease(t, newCommand(cmdID(1), prodGroupID, command.TypeDelete))[0]

			_, err := f.srv.Checkpoint(context.Background(), agentID, CheckpointRequest{
				CommandID:    cmd.CommandID,
				Status:       "Pending",
				LeaseReceipt: cmd.LeaseReceipt,
			})
			assertOpError(t, err, tc.status, int(tc.code))
		})
	}
}

func TestCheckpointThrottled(t *testing.T) {
	f := newFixture(t)
	f.srv.Gate = NewTrafficGate(1, 1)
	cmd := f.lease(t, newCommand(cmdID(1), prodGroupID, command.TypeDelete))[0]
	req := CheckpointRequest{CommandID: cmd.CommandID, Status: "Pending", LeaseReceipt: cmd.LeaseReceipt}

	res, err := f.srv.Checkpoint(context.Background(), agentID, req)
	if err != nil {
		t.Fatalf("first checkpoint: %v", err)
	}
	req.LeaseReceipt = res.LeaseReceipt
	_, err = f.srv.Checkpoint(context.Background(), agentID, req)
	assertOpError(t, err, http.StatusTooManyRequests, int(CheckpointTooManyRequests))
}

func TestCalculateNextVisibleTime(t *testing.T) {
	set := DefaultSettings()
	day := 24 * time.Hour
	base := func(typ command.Type, subject command.SubjectType, age time.Duration) command.PrivacyCommand {
		return command.PrivacyCommand{
			Type:            typ,
			Subject:         command.Subject{Type: subject},
			CreatedTime:     testNow.Add(-age),
			NextVisibleTime: testNow,
		}
	}

	tests := []struct {
		name      string
		cmd       command.PrivacyCommand
		extension time.Duration
		want      time.Time
	}{
		{"short extension is kept", base(command.TypeDelete, command.SubjectMSA, 20*day), time.Hour, testNow.Add(time.Hour)},
		{"delete near sla is capped", base(command.TypeDelete, command.SubjectMSA, 6*day), 2 * day, testNow.Add(day)},
		{"fresh delete is kept", base(command.TypeDelete, command.SubjectMSA, 0), 2 * day, testNow.Add(2 * day)},
		{"export near sla is capped", base(command.TypeExport, command.SubjectMSA, 13*day), 2 * day, testNow.Add(day)},
		{"aad export has a longer sla", base(command.TypeExport, command.SubjectAAD, 13*day), 2 * day, testNow.Add(2 * day)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := CalculateNextVisibleTime(tc.cmd, tc.extension, set)
			if !got.Equal(tc.want) {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestApplyJitter(t *testing.T) {
	tests := []struct {
		u    float64
		want time.Duration
	}{
		{0, 750 * time.Second},
		{0.5, 900 * time.Second},
		{1, 1050 * time.Second},
	}
	for _, tc := range tests {
		got := applyJitter(900*time.Second, jitterRate, tc.u)
		if math.Abs(float64(got-tc.want)) > float64(time.Millisecond) {
			t.Fatalf("u=%v: got %s, want %s", tc.u, got, tc.want)
		}
	}
}

func TestDeferredDeleteDelay(t *testing.T) {
	tests := []struct {
		name      string
		remaining time.Duration
		u         float64
		want      time.Duration
	}{
		{"quarter of an hour", 15 * time.Minute, 0.5, 337 * time.Second},
		{"capped at six hours", 8 * time.Hour, 0.5, 3 * time.Hour},
		{"floor", 15 * time.Minute, 0, 5 * time.Second},
		{"expired", -time.Minute, 0.9, 5 * time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := deferredDeleteDelay(testNow.Add(tc.remaining), testNow, tc.u)
			if got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestReplaceFlags(t *testing.T) {
	tests := []struct {
		req  CheckpointRequest
		want queue.ReplaceFlags
	}{
		{CheckpointRequest{}, queue.ReplaceLeaseExtension},
		{CheckpointRequest{AgentState: "s"}, queue.ReplaceCommandContent},
		{CheckpointRequest{LeaseExtensionSeconds: 60}, queue.ReplaceLeaseExtension},
		{CheckpointRequest{AgentState: "s", LeaseExtensionSeconds: 60}, queue.ReplaceLeaseExtension | queue.ReplaceCommandContent},
	}
	for _, tc := range tests {
		if got := replaceFlags(tc.req); got != tc.want {
			t.Fatalf("replaceFlags(%+v)=%v, want %v", tc.req, got, tc.want)
		}
	}
}

func TestCheckpointRetryStatusesWithAgentStateKeepReplayDelay(t *testing.T) {
	tests := []struct {
		status    string
		delay     time.Duration
		wantState string
	}{
		{"Failed", 900 * time.Second, "progress=42"},
		{"VerificationFailed", 3600 * time.Second, "progress=42"},
		{"UnexpectedVerificationFailure", 1800 * time.Second, "progress=42"},
		{"UnexpectedCommand", 86400 * time.Second, ""},
	}
	for _, tc := range tests {
		t.Run(tc.status, func(t *testing.T) {
			f := newFixture(t)
			cmd := f.lease(t, newCommand(cmdID(1), prodGroupID, command.TypeDelete))[0]

			res, err := f.srv.Checkpoint(context.Background(), agentID, CheckpointRequest{
				CommandID:    cmd.CommandID,
				Status:       tc.status,
				AgentState:   "progress=42",
				LeaseReceipt: cmd.LeaseReceipt,
			})
			if err != nil {
				t.Fatalf("checkpoint: %v", err)
			}
			got := f.queued(t, res.LeaseReceipt)
			if got == nil {
				t.Fatal("command missing after replace")
			}
			if want := testNow.Add(tc.delay); !got.NextVisibleTime.Equal(want) {
				t.Fatalf("next visible=%s, want %s (lease expiry %s)", got.NextVisibleTime, want, cmd.NextVisibleTime)
			}
			if got.AgentState != tc.wantState {
				t.Fatalf("agent state=%q, want %q", got.AgentState, tc.wantState)
			}
		})
	}
}

func TestCheckpointUnexpectedClearsStoredAgentState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cmd := f.lease(t, newCommand(cmdID(1), prodGroupID, command.TypeDelete))[0]

	res, err := f.srv.Checkpoint(ctx, agentID, CheckpointRequest{
		CommandID:    cmd.CommandID,
		Status:       "Pending",
		AgentState:   "page=3",
		LeaseReceipt: cmd.LeaseReceipt,
	})
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	res, err = f.srv.Checkpoint(ctx, agentID, CheckpointRequest{
		CommandID:    cmd.CommandID,
		Status:       "UnexpectedCommand",
		LeaseReceipt: res.LeaseReceipt,
	})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if got := f.queued(t, res.LeaseReceipt); got == nil || got.AgentState != "" {
		t.Fatalf("stored command=%+v, want cleared agent state", got)
	}
}

func TestCheckpointCompleteTwiceWithSameReceipt(t *testing.T) {
	tests := []struct {
		name     string
		deferred bool
		status   int
		code     CheckpointErrorCode
	}{
		{"inline", false, http.StatusBadRequest, CheckpointCommandAlreadyCompleted},
		{"deferred", true, http.StatusConflict, CheckpointLeaseReceiptConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			deletes := &recordingEnqueuer[DeleteFromQueueItem]{}
			if tc.deferred {
				f.srv.DeleteFromQueue = deletes
			}
			cmd := f.lease(t, newCommand(cmdID(1), prodGroupID, command.TypeDelete))[0]
			req := CheckpointRequest{CommandID: cmd.CommandID, Status: "Complete", LeaseReceipt: cmd.LeaseReceipt}

			first, err := f.srv.Checkpoint(context.Background(), agentID, req)
			if err != nil {
				t.Fatalf("first checkpoint: %v", err)
			}
			wantAction := FinishInlineDelete
			if tc.deferred {
				wantAction = FinishDeferredDelete
			}
			if first.Action != wantAction {
				t.Fatalf("action=%s, want %s", first.Action, wantAction)
			}

			_, err = f.srv.Checkpoint(context.Background(), agentID, req)
			assertOpError(t, err, tc.status, int(tc.code))
			if len(deletes.items) > 1 {
				t.Fatalf("deferred deletes=%d, want at most 1", len(deletes.items))
			}
		})
	}
}

func TestCheckpointDeferredDeleteSpendsReceipt(t *testing.T) {
	f := newFixture(t)
	deletes := &recordingEnqueuer[DeleteFromQueueItem]{}
	f.srv.DeleteFromQueue = deletes
	cmd := f.lease(t, newCommand(cmdID(1), prodGroupID, command.TypeDelete))[0]

	if _, err := f.srv.Checkpoint(context.Background(), agentID, CheckpointRequest{
		CommandID:    cmd.CommandID,
		Status:       "Complete",
		LeaseReceipt: cmd.LeaseReceipt,
	}); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if len(deletes.items) != 1 {
		t.Fatalf("deferred deletes=%d", len(deletes.items))
	}
	item := deletes.items[0]
	if item.LeaseReceipt == cmd.LeaseReceipt {
		t.Fatal("work item carries the caller's receipt")
	}
	held := f.queued(t, item.LeaseReceipt)
	if held == nil || !held.NextVisibleTime.Equal(cmd.NextVisibleTime) {
		t.Fatalf("held command=%+v, want visibility %s kept", held, cmd.NextVisibleTime)
	}

	// The scheduled delete still owns the command.
	if err := f.srv.HandleDeleteFromQueue(context.Background(), item); err != nil {
		t.Fatalf("deferred delete: %v", err)
	}
	if f.queued(t, item.LeaseReceipt) != nil {
		t.Fatal("command still queued after the deferred delete ran")
	}
}

func TestCheckpointConcurrentCompletesOneWins(t *testing.T) {
	for _, deferred := range []bool{false, true} {
		t.Run(fmt.Sprintf("deferred=%v", deferred), func(t *testing.T) {
			f := newFixture(t)
			deletes := &recordingEnqueuer[DeleteFromQueueItem]{}
			if deferred {
				f.srv.DeleteFromQueue = deletes
			}
			cmd := f.lease(t, newCommand(cmdID(1), prodGroupID, command.TypeDelete))[0]
			req := CheckpointRequest{CommandID: cmd.CommandID, Status: "Complete", LeaseReceipt: cmd.LeaseReceipt}

			const callers = 4
			errs := make([]*OpError, callers)
			var wg sync.WaitGroup
			for i := range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, errs[i] = f.srv.Checkpoint(context.Background(), agentID, req)
				}()
			}
			wg.Wait()

			ok := 0
			for _, err := range errs {
				switch {
				case err == nil:
					ok++
				case err.Code != int(CheckpointLeaseReceiptConflict) && err.Code != int(CheckpointCommandAlreadyCompleted):
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if ok != 1 {
				t.Fatalf("successful completes=%d, want 1", ok)
			}
			if deferred && len(deletes.items) != 1 {
				t.Fatalf("deferred deletes=%d, want 1", len(deletes.items))
			}
		})
	}
}

func TestCheckpointPendingExtensionCappedNearAADExportSLA(t *testing.T) {
	f := newFixture(t)
	export := newCommand(cmdID(1), prodGroupID, command.TypeExport)
	export.Subject = command.Subject{Type: command.SubjectAAD}
	export.CreatedTime = testNow.Add(-25 * 24 * time.Hour)
	cmd := f.lease(t, export)[0]

	res, err := f.srv.Checkpoint(context.Background(), agentID, CheckpointRequest{
		CommandID:             cmd.CommandID,
		Status:                "Pending",
		LeaseExtensionSeconds: 10 * 86400,
		LeaseReceipt:          cmd.LeaseReceipt,
	})
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	got := f.queued(t, res.LeaseReceipt)
	if got == nil {
		t.Fatal("command missing after extension")
	}
	if want := cmd.NextVisibleTime.Add(24 * time.Hour); !got.NextVisibleTime.Equal(want) {
		t.Fatalf("next visible=%s, want %s", got.NextVisibleTime, want)
	}
}

func TestOutcomeReplaceFlags(t *testing.T) {
	cur := command.PrivacyCommand{NextVisibleTime: testNow, AgentState: "s"}
	tests := []struct {
		name string
		req  CheckpointRequest
		out  checkpointOutcome
		want queue.ReplaceFlags
	}{
		{"unchanged", CheckpointRequest{}, checkpointOutcome{NextVisible: testNow, AgentState: "s"}, queue.ReplaceLeaseExtension},
		{"replay delay with agent state", CheckpointRequest{AgentState: "s"}, checkpointOutcome{NextVisible: testNow.Add(time.Hour), AgentState: "s"}, queue.ReplaceLeaseExtension | queue.ReplaceCommandContent},
		{"cleared agent state", CheckpointRequest{}, checkpointOutcome{NextVisible: testNow, AgentState: ""}, queue.ReplaceLeaseExtension | queue.ReplaceCommandContent},
		{"content only", CheckpointRequest{AgentState: "t"}, checkpointOutcome{NextVisible: testNow, AgentState: "t"}, queue.ReplaceCommandContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := outcomeReplaceFlags(tc.req, cur, tc.out); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}
