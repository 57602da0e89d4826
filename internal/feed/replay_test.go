package feed

import (
	"context"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/nuetzliches/commandfeed/internal/command"
	"github.com/nuetzliches/commandfeed/internal/history"
	"github.com/nuetzliches/commandfeed/internal/queue"
)

func (f *fixture) remember(t *testing.T, cmd command.PrivacyCommand, dests ...history.Destination) {
	t.Helper()
	if len(dests) == 0 {
		dests = []history.Destination{{AgentID: cmd.AgentID, AssetGroupID: cmd.AssetGroupID}}
	}
	if err := f.history.TryInsert(context.Background(), history.Record{
		Command:      cmd,
		Destinations: dests,
		CreatedAt:    cmd.CreatedTime,
	}); err != nil {
		t.Fatalf("history insert %s: %v", cmd.CommandID, err)
	}
}

func datePtr(t time.Time) *time.Time { return &t }

func TestReplayByDatesPublishesRequest(t *testing.T) {
	f := newFixture(t)
	requests := &recordingEnqueuer[ReplayRequestItem]{}
	f.srv.ReplayRequests = requests

	err := f.srv.ReplayCommands(context.Background(), agentID, ReplayRequest{
		ReplayFromDate:        datePtr(testNow.AddDate(0, 0, -3).Add(3 * time.Hour)),
		ReplayToDate:          datePtr(testNow.AddDate(0, 0, -1)),
		IncludeExportCommands: true,
		SubjectType:           "msa",
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(requests.items) != 1 {
		t.Fatalf("requests=%d, want 1", len(requests.items))
	}
	item := requests.items[0]
	if want := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC); !item.From.Equal(want) {
		t.Fatalf("from=%s, want %s", item.From, want)
	}
	if want := time.Date(2026, 2, 4, 0, 0, 0, 0, time.UTC); !item.To.Equal(want) {
		t.Fatalf("to=%s, want %s", item.To, want)
	}
	if item.SubjectType != command.SubjectMSA || !item.IncludeExport {
		t.Fatalf("item=%+v", item)
	}
	wantGroups := []string{prodGroupID, lowGroupID, fakeGroupID}
	if !slices.Equal(item.AssetGroupIDs, wantGroups) {
		t.Fatalf("asset groups=%v, want %v (test-in-production excluded)", item.AssetGroupIDs, wantGroups)
	}
}

func TestReplayByDatesWindow(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		name     string
		from, to time.Time
		extended bool
		ok       bool
	}{
		{name: "inside window", from: testNow.Add(-10 * day), to: testNow, ok: true},
		{name: "today only", from: testNow, to: testNow, ok: true},
		{name: "before window", from: testNow.Add(-181 * day), to: testNow},
		{name: "extended agent", from: testNow.Add(-300 * day), to: testNow, extended: true, ok: true},
		{name: "beyond extended window", from: testNow.Add(-366 * day), to: testNow, extended: true},
		{name: "future end", from: testNow.Add(-day), to: testNow.Add(day)},
		{name: "reversed", from: testNow.Add(-day), to: testNow.Add(-2 * day)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.srv.ReplayRequests = &recordingEnqueuer[ReplayRequestItem]{}
			if tc.extended {
				f.srv.Flags.Store(&Flags{ReplayExtendedAgents: []string{agentID}})
			}
			err := f.srv.ReplayCommands(context.Background(), agentID, ReplayRequest{
				ReplayFromDate: datePtr(tc.from),
				ReplayToDate:   datePtr(tc.to),
			})
			if tc.ok {
				if err != nil {
					t.Fatalf("replay: %v", err)
				}
				return
			}
			assertOpError(t, err, http.StatusBadRequest, int(ReplayInvalidReplayDates))
		})
	}
}

func TestReplayRequestValidation(t *testing.T) {
	ids := make([]string, MaxReplayCommands+1)
	for i := range ids {
		ids[i] = cmdID(i)
	}
	tests := []struct {
		name    string
		agentID string
		flags   Flags
		req     ReplayRequest
		status  int
		code    ReplayErrorCode
	}{
		{
			name:    "agent not allowed",
			agentID: agentID,
			flags:   Flags{ReplayDisallowedAgents: []string{agentID}},
			req:     ReplayRequest{CommandIDs: []string{cmdID(1)}},
			status:  http.StatusBadRequest,
			code:    ReplayAgentNotAllowed,
		},
		{
			name:    "unknown agent",
			agentID: "7d5d3c9e-0000-4000-8000-0000000000ff",
			req:     ReplayRequest{CommandIDs: []string{cmdID(1)}},
			status:  http.StatusNotFound,
		},
		{
			name:    "missing dates",
			agentID: agentID,
			req:     ReplayRequest{ReplayFromDate: datePtr(testNow)},
			status:  http.StatusBadRequest,
			code:    ReplayInvalidReplayDates,
		},
		{
			name:    "malformed qualifier",
			agentID: agentID,
			req:     ReplayRequest{CommandIDs: []string{cmdID(1)}, AssetQualifiers: []string{"no properties"}},
			status:  http.StatusBadRequest,
			code:    ReplayMalformedAssetQualifier,
		},
		{
			name:    "unknown qualifier",
			agentID: agentID,
			req:     ReplayRequest{CommandIDs: []string{cmdID(1)}, AssetQualifiers: []string{"AssetType=AzureBlob;AccountName=Nope"}},
			status:  http.StatusBadRequest,
			code:    ReplayAssetQualifierNotFound,
		},
		{
			name:    "too many ids",
			agentID: agentID,
			req:     ReplayRequest{CommandIDs: ids},
			status:  http.StatusBadRequest,
			code:    ReplayCommandsExceedsMaxNumberAllowed,
		},
		{
			name:    "unknown subject type",
			agentID: agentID,
			req:     ReplayRequest{ReplayFromDate: datePtr(testNow), ReplayToDate: datePtr(testNow), SubjectType: "Robot"},
			status:  http.StatusBadRequest,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.srv.Flags.Store(&tc.flags)
			err := f.srv.ReplayCommands(context.Background(), tc.agentID, tc.req)
			assertOpError(t, err, tc.status, int(tc.code))
		})
	}
}

func TestReplayByIDsRejectsUnreplayableCommands(t *testing.T) {
	f := newFixture(t)
	batches := &recordingEnqueuer[ReplayBatchItem]{}
	f.srv.ReplayBatches = batches

	ok := newCommand(cmdID(1), prodGroupID, command.TypeDelete)
	export := newCommand(cmdID(2), prodGroupID, command.TypeExport)
	finished := newCommand(cmdID(3), prodGroupID, command.TypeDelete)
	done := testNow.Add(-time.Minute)
	f.remember(t, ok)
	f.remember(t, export)
	f.remember(t, finished, history.Destination{AgentID: agentID, AssetGroupID: prodGroupID, CompletedAt: &done})

	err := f.srv.ReplayCommands(context.Background(), agentID, ReplayRequest{
		CommandIDs: []string{cmdID(1), cmdID(2), cmdID(3), cmdID(4), "nope", cmdID(1)},
	})
	assertOpError(t, err, http.StatusBadRequest, int(ReplayInvalidCommandIDs))
	want := "[CommandId:" + cmdID(2) + ",Error:ExportNotSupported];" +
		"[CommandId:" + cmdID(4) + ",Error:NotFound];" +
		"[CommandId:nope,Error:InvalidFormat];"
	if err.Message != want {
		t.Fatalf("message=%q\nwant   =%q", err.Message, want)
	}
	if len(batches.items) != 0 {
		t.Fatal("rejected replay published batches")
	}
}

func TestReplayByIDsGloballyCompleteOnlyRejectsExports(t *testing.T) {
	f := newFixture(t)
	f.srv.Flags.Store(&Flags{ExportReplay: true})
	batches := &recordingEnqueuer[ReplayBatchItem]{}
	f.srv.ReplayBatches = batches

	done := testNow.Add(-time.Minute)
	finished := history.Destination{AgentID: agentID, AssetGroupID: prodGroupID, CompletedAt: &done}
	f.remember(t, newCommand(cmdID(1), prodGroupID, command.TypeDelete), finished)
	f.remember(t, newCommand(cmdID(2), prodGroupID, command.TypeExport), finished)
	f.remember(t, newCommand(cmdID(3), prodGroupID, command.TypeAccountClose), finished)

	err := f.srv.ReplayCommands(context.Background(), agentID, ReplayRequest{CommandIDs: []string{cmdID(2)}})
	assertOpError(t, err, http.StatusBadRequest, int(ReplayInvalidCommandIDs))
	if want := "[CommandId:" + cmdID(2) + ",Error:Command Globally Complete];"; err.Message != want {
		t.Fatalf("message=%q, want %q", err.Message, want)
	}
	if len(batches.items) != 0 {
		t.Fatal("rejected replay published batches")
	}

	if err := f.srv.ReplayCommands(context.Background(), agentID, ReplayRequest{CommandIDs: []string{cmdID(1), cmdID(3)}}); err != nil {
		t.Fatalf("replay of finished non-export commands: %v", err)
	}
	var pairs int
	for _, b := range batches.items {
		pairs += len(b.Pairs)
	}
	if pairs != 2 {
		t.Fatalf("replayed pairs=%d, want 2", pairs)
	}
}

func TestReplayByIDsEnqueuesInline(t *testing.T) {
	f := newFixture(t)
	f.srv.Flags.Store(&Flags{ExportReplay: true})
	del := newCommand(cmdID(1), prodGroupID, command.TypeDelete)
	del.CreatedTime = testNow.AddDate(0, 0, -20)
	export := newCommand(cmdID(2), prodGroupID, command.TypeExport)
	f.remember(t, del)
	f.remember(t, export)

	err := f.srv.ReplayCommands(context.Background(), agentID, ReplayRequest{
		CommandIDs:      []string{cmdID(1), cmdID(2)},
		AssetQualifiers: []string{"assettype=AzureBlob; accountname=Prod"},
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	res, perr := f.queue.Pop(context.Background(), agentID, 10, 0, queue.PriorityHigh)
	if perr != nil {
		t.Fatalf("pop: %v", perr)
	}
	if len(res.Commands) != 2 {
		t.Fatalf("replayed commands=%d, want 2", len(res.Commands))
	}
	for _, cmd := range res.Commands {
		if !cmd.IsReplay || cmd.AssetGroupID != prodGroupID || cmd.AssetGroupQualifier != prodQualifier {
			t.Fatalf("replayed command=%+v", cmd)
		}
	}
}

func TestReplayByIDsSplitsBatches(t *testing.T) {
	f := newFixture(t)
	batches := &recordingEnqueuer[ReplayBatchItem]{}
	f.srv.ReplayBatches = batches
	f.srv.Settings.ReplayBatchSize = 2
	ids := make([]string, 0, 5)
	for i := 1; i <= 5; i++ {
		f.remember(t, newCommand(cmdID(i), prodGroupID, command.TypeDelete))
		ids = append(ids, cmdID(i))
	}

	if err := f.srv.ReplayCommands(context.Background(), agentID, ReplayRequest{CommandIDs: ids}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(batches.items) != 3 {
		t.Fatalf("batches=%d, want 3", len(batches.items))
	}
	var pairs int
	for _, b := range batches.items {
		pairs += len(b.Pairs)
		for _, p := range b.Pairs {
			if len(p.Destinations) != 3 {
				t.Fatalf("destinations=%+v, want every production asset group", p.Destinations)
			}
		}
	}
	if pairs != 5 {
		t.Fatalf("pairs=%d, want 5", pairs)
	}
}
