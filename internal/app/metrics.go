package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nuetzliches/commandfeed/internal/agentmap"
	"github.com/nuetzliches/commandfeed/internal/command"
	"github.com/nuetzliches/commandfeed/internal/feed"
	"github.com/nuetzliches/commandfeed/internal/workitem"
)

type runtimeMetrics struct {
	registry *prometheus.Registry

	tracingEnabled           prometheus.Gauge
	tracingInitFailuresTotal prometheus.Counter
	tracingExportErrorsTotal prometheus.Counter

	getCommandsSent        *prometheus.CounterVec
	getCommandsDropped     *prometheus.CounterVec
	getCommandsCompleted   *prometheus.CounterVec
	getCommandsQoSFailures prometheus.Counter
	getCommandsPopErrors   prometheus.Counter

	checkpointTotal *prometheus.CounterVec
	opErrorsTotal   *prometheus.CounterVec

	backgroundDroppedTotal prometheus.Counter
	workItemsProcessed     *prometheus.CounterVec

	configReloadsTotal *prometheus.CounterVec
}

func newRuntimeMetrics(version string, start time.Time) *runtimeMetrics {
	reg := prometheus.NewRegistry()
	m := &runtimeMetrics{
		registry: reg,
		tracingEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "commandfeed_tracing_enabled",
			Help: "Whether OpenTelemetry tracing is enabled (1) or disabled (0).",
		}),
		tracingInitFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commandfeed_tracing_init_failures_total",
			Help: "Total tracing exporter initialization failures.",
		}),
		tracingExportErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commandfeed_tracing_export_errors_total",
			Help: "Total OpenTelemetry export errors.",
		}),
		getCommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandfeed_getcommands_sent_total",
			Help: "Commands delivered to agents by GetCommands.",
		}, []string{"agent", "asset_group"}),
		getCommandsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandfeed_getcommands_dropped_total",
			Help: "Leased commands GetCommands did not return, by reason.",
		}, []string{"reason"}),
		getCommandsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandfeed_getcommands_completed_by_applicability_total",
			Help: "Commands completed on the agent's behalf because they did not apply.",
		}, []string{"reason"}),
		getCommandsQoSFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commandfeed_getcommands_qos_failures_total",
			Help: "GetCommands calls that returned nothing after queue pop errors.",
		}),
		getCommandsPopErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commandfeed_getcommands_pop_errors_total",
			Help: "Queue pop errors seen while polling.",
		}),
		checkpointTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandfeed_checkpoint_total",
			Help: "Checkpoints processed, by requested status and resulting action.",
		}, []string{"status", "action"}),
		opErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandfeed_op_errors_total",
			Help: "Feed operation failures, by operation and error code.",
		}, []string{"op", "code"}),
		backgroundDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commandfeed_background_dropped_total",
			Help: "Background tasks dropped because the pool was full or closed.",
		}),
		workItemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandfeed_workitems_processed_total",
			Help: "Work items handled by the dispatcher, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		configReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandfeed_config_reloads_total",
			Help: "Config and agent map reload attempts, by source and result.",
		}, []string{"source", "result"}),
	}

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "commandfeed_build_info",
		Help:        "Build information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
	buildInfo.Set(1)
	startTime := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "commandfeed_start_time_seconds",
		Help: "Process start time in unix seconds.",
	})
	startTime.Set(float64(start.Unix()))

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildInfo,
		startTime,
		m.tracingEnabled,
		m.tracingInitFailuresTotal,
		m.tracingExportErrorsTotal,
		m.getCommandsSent,
		m.getCommandsDropped,
		m.getCommandsCompleted,
		m.getCommandsQoSFailures,
		m.getCommandsPopErrors,
		m.checkpointTotal,
		m.opErrorsTotal,
		m.backgroundDroppedTotal,
		m.workItemsProcessed,
		m.configReloadsTotal,
	)
	return m
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.tracingEnabled.Set(1)
		return
	}
	m.tracingEnabled.Set(0)
}

func (m *runtimeMetrics) incTracingInitFailures() {
	if m == nil {
		return
	}
	m.tracingInitFailuresTotal.Inc()
}

func (m *runtimeMetrics) incTracingExportErrors() {
	if m == nil {
		return
	}
	m.tracingExportErrorsTotal.Inc()
}

func (m *runtimeMetrics) observeGetCommands(agentID string, stats feed.GetCommandsStats) {
	if m == nil {
		return
	}
	for group, n := range stats.Sent {
		m.getCommandsSent.WithLabelValues(agentID, group).Add(float64(n))
	}
	for reason, n := range stats.Dropped {
		m.getCommandsDropped.WithLabelValues(reason).Add(float64(n))
	}
	for reason, n := range stats.Completed {
		m.getCommandsCompleted.WithLabelValues(applicabilityLabel(reason)).Add(float64(n))
	}
	if stats.PopErrors > 0 {
		m.getCommandsPopErrors.Add(float64(stats.PopErrors))
	}
	if stats.QoSFailure {
		m.getCommandsQoSFailures.Inc()
	}
}

func (m *runtimeMetrics) observeCheckpoint(status command.Status, action feed.FinishAction) {
	if m == nil {
		return
	}
	m.checkpointTotal.WithLabelValues(status.String(), action.String()).Inc()
}

func (m *runtimeMetrics) observeOpError(op string, err *feed.OpError) {
	if m == nil || err == nil {
		return
	}
	code := err.Message
	if code == "" {
		code = strconv.Itoa(err.StatusCode)
	}
	m.opErrorsTotal.WithLabelValues(op, code).Inc()
}

func (m *runtimeMetrics) observeBackgroundDropped(string) {
	if m == nil {
		return
	}
	m.backgroundDroppedTotal.Inc()
}

func (m *runtimeMetrics) observeWorkItem(kind workitem.Kind, outcome string) {
	if m == nil {
		return
	}
	m.workItemsProcessed.WithLabelValues(string(kind), outcome).Inc()
}

func (m *runtimeMetrics) observeReload(source string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.configReloadsTotal.WithLabelValues(source, result).Inc()
}

func applicabilityLabel(r agentmap.Reason) string {
	if r == agentmap.ReasonNone {
		return "unknown"
	}
	return string(r)
}

func newMetricsHandler(rm *runtimeMetrics) http.Handler {
	return promhttp.HandlerFor(rm.registry, promhttp.HandlerOpts{})
}
