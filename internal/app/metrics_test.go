package app

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/commandfeed/internal/agentmap"
	"github.com/nuetzliches/commandfeed/internal/command"
	"github.com/nuetzliches/commandfeed/internal/feed"
	"github.com/nuetzliches/commandfeed/internal/workitem"
)

func scrapeMetrics(t *testing.T, m *runtimeMetrics) string {
	t.Helper()
	srv := httptest.NewServer(newMetricsHandler(m))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scrape status=%d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(body)
}

func assertMetricLine(t *testing.T, body, want string) {
	t.Helper()
	for _, line := range strings.Split(body, "\n") {
		if line == want {
			return
		}
	}
	t.Fatalf("missing metric line %q", want)
}

func TestMetricsHandler_BuildInfo(t *testing.T) {
	m := newRuntimeMetrics("v1.2.3", time.Unix(1771070400, 0))
	body := scrapeMetrics(t, m)

	assertMetricLine(t, body, `commandfeed_build_info{version="v1.2.3"} 1`)
	assertMetricLine(t, body, `commandfeed_tracing_enabled 0`)
	if !strings.Contains(body, "commandfeed_start_time_seconds 1.77") {
		t.Fatalf("expected start time gauge")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go runtime collector output")
	}
}

func TestMetricsHandler_FeedCounters(t *testing.T) {
	m := newRuntimeMetrics("test", time.Now())
	m.setTracingEnabled(true)
	m.incTracingExportErrors()

	m.observeGetCommands("agent-1", feed.GetCommandsStats{
		Sent:       map[string]int{"group-1": 3},
		Dropped:    map[string]int{"expired": 2},
		Completed:  map[agentmap.Reason]int{agentmap.ReasonCommandType: 1, agentmap.ReasonNone: 1},
		PopErrors:  4,
		QoSFailure: true,
	})
	m.observeCheckpoint(command.StatusComplete, feed.FinishDeferredDelete)
	m.observeCheckpoint(command.StatusComplete, feed.FinishDeferredDelete)
	m.observeOpError("Checkpoint", &feed.OpError{StatusCode: http.StatusBadRequest, Code: 9, Message: "CommandAlreadyCompleted"})
	m.observeOpError("Replay", &feed.OpError{StatusCode: http.StatusTooManyRequests})
	m.observeOpError("Replay", nil)
	m.observeBackgroundDropped("complete")
	m.observeWorkItem(workitem.Kind("delete_from_queue"), workitem.OutcomeDone)
	m.observeReload("config", nil)
	m.observeReload("agents", io.EOF)

	body := scrapeMetrics(t, m)
	for _, want := range []string{
		`commandfeed_tracing_enabled 1`,
		`commandfeed_tracing_export_errors_total 1`,
		`commandfeed_getcommands_sent_total{agent="agent-1",asset_group="group-1"} 3`,
		`commandfeed_getcommands_dropped_total{reason="expired"} 2`,
		`commandfeed_getcommands_completed_by_applicability_total{reason="DoesNotMatchAssetGroupCapability"} 1`,
		`commandfeed_getcommands_completed_by_applicability_total{reason="unknown"} 1`,
		`commandfeed_getcommands_pop_errors_total 4`,
		`commandfeed_getcommands_qos_failures_total 1`,
		`commandfeed_checkpoint_total{action="DeferredDelete",status="Complete"} 2`,
		`commandfeed_op_errors_total{code="CommandAlreadyCompleted",op="Checkpoint"} 1`,
		`commandfeed_op_errors_total{code="429",op="Replay"} 1`,
		`commandfeed_background_dropped_total 1`,
		`commandfeed_workitems_processed_total{kind="delete_from_queue",outcome="done"} 1`,
		`commandfeed_config_reloads_total{result="ok",source="config"} 1`,
		`commandfeed_config_reloads_total{result="error",source="agents"} 1`,
	} {
		assertMetricLine(t, body, want)
	}
}

func TestRuntimeMetrics_NilSafe(t *testing.T) {
	var m *runtimeMetrics
	m.setTracingEnabled(true)
	m.incTracingInitFailures()
	m.incTracingExportErrors()
	m.observeGetCommands("a", feed.GetCommandsStats{})
	m.observeCheckpoint(command.StatusFailed, feed.FinishInlineReplace)
	m.observeOpError("x", &feed.OpError{})
	m.observeBackgroundDropped("x")
	m.observeWorkItem("x", "done")
	m.observeReload("config", nil)
}
