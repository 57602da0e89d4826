package config

import (
	"fmt"
	"math"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/nuetzliches/commandfeed/internal/secrets"
)

const (
	defaultFeedListen       = ":8080"
	defaultFeedPrefix       = "/v1/feed"
	defaultMaxBodyBytes     = 4 << 20 // 4 MiB
	defaultMetricsListen    = "127.0.0.1:9900"
	defaultMetricsPath      = "/metrics"
	defaultQueueBackend     = "sqlite"
	defaultQueuePath        = "./.data/commandfeed.db"
	defaultServiceName      = "commandfeed"
	defaultTracingTimeout   = 10 * time.Second
	defaultProbeTimeout     = 10 * time.Second
	defaultWorkerCount      = 4
	defaultBackgroundCount  = 4
	defaultBackgroundBuffer = 1024
	defaultWorkerPoll       = 250 * time.Millisecond
	defaultWorkerAttempts   = 8
	defaultWorkerRetryCap   = 5 * time.Minute
	defaultHandlerTimeout   = 30 * time.Second

	day = 24 * time.Hour
)

type Compiled struct {
	FeedAPI       FeedAPIConfig
	HealthAPI     HealthAPIConfig
	Lease         LeaseConfig
	GetCommands   GetCommandsConfig
	Checkpoint    CheckpointConfig
	Replay        ReplayConfig
	Client        ClientConfig
	APITraffic    APITrafficConfig
	Flags         FlagsConfig
	Agents        AgentsConfig
	Queue         QueueConfig
	Workers       WorkersConfig
	ExportProbe   ExportProbeConfig
	Observability ObservabilityConfig
}

type FeedAPIConfig struct {
	Listen       string
	Prefix       string
	MaxBodyBytes int64
	AuthTokens   []TokenRef
	AdminTokens  []string
}

// TokenRef is a bearer token secret ref, optionally bound to one agent.
type TokenRef struct {
	Ref     string
	AgentID string
}

type HealthAPIConfig struct {
	Enabled bool
	Listen  string
}

type LeaseConfig struct {
	Min               time.Duration
	Max               time.Duration
	PollInterval      time.Duration
	PopErrorThreshold int
}

type GetCommandsConfig struct {
	MaxCommands       int
	MaxWait           time.Duration
	MaxWaitReduced    time.Duration
	LowTierWait       time.Duration
	MinWait           time.Duration
	LowTierThreshold  int
	MinRemainingLease time.Duration
}

type CheckpointConfig struct {
	FailedReplay                        time.Duration
	VerificationFailedReplay            time.Duration
	UnexpectedVerificationFailureReplay time.Duration
	UnexpectedCommandReplay             time.Duration
	CommandTTL                          time.Duration
	SLA                                 SLAConfig
}

type SLAConfig struct {
	AADExport time.Duration
	Export    time.Duration
	NonExport time.Duration
}

type ReplayConfig struct {
	MaxDays      int
	ExtendedDays int
	BatchSize    int
}

type ClientConfig struct {
	MinSDKVersion         string
	MultiTenantSDKVersion string
}

type APITrafficConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

type FlagsConfig struct {
	GetCommandsDisabled     bool
	DeferredDeleteDisabled  bool
	AllowSDKWithoutVerifier bool
	ExportReplay            bool
	SyntheticInsertion      bool

	BlockedAgents          []string
	BlockedAssetGroups     []string
	ReplayDisallowedAgents []string
	ReplayExtendedAgents   []string
}

type AgentsConfig struct {
	File  string
	Watch bool
}

type QueueConfig struct {
	Backend string
	Path    string
	DSN     string
	Moniker string
}

type WorkersConfig struct {
	Concurrency       int
	BackgroundWorkers int
	BackgroundBuffer  int
	PollInterval      time.Duration
	MaxAttempts       int
	RetryCap          time.Duration
	HandlerTimeout    time.Duration
}

type ExportProbeConfig struct {
	Enabled bool
	Timeout time.Duration
}

type ObservabilityConfig struct {
	LogLevel string

	AccessLogEnabled bool
	AccessLogOutput  string
	AccessLogPath    string

	MetricsEnabled bool
	MetricsListen  string
	MetricsPath    string

	TracingEnabled     bool
	TracingCollector   string
	TracingInsecure    bool
	TracingSampleRatio float64
	TracingServiceName string
	TracingTimeout     time.Duration
}

func defaultCompiled() Compiled {
	return Compiled{
		FeedAPI: FeedAPIConfig{
			Listen:       defaultFeedListen,
			Prefix:       defaultFeedPrefix,
			MaxBodyBytes: defaultMaxBodyBytes,
		},
		Lease: LeaseConfig{
			Min:               60 * time.Second,
			Max:               3 * day,
			PollInterval:      100 * time.Millisecond,
			PopErrorThreshold: 5,
		},
		GetCommands: GetCommandsConfig{
			MaxCommands:       100,
			MaxWait:           15 * time.Second,
			MaxWaitReduced:    500 * time.Millisecond,
			LowTierWait:       20 * time.Second,
			MinWait:           500 * time.Millisecond,
			LowTierThreshold:  30,
			MinRemainingLease: time.Minute,
		},
		Checkpoint: CheckpointConfig{
			FailedReplay:                        900 * time.Second,
			VerificationFailedReplay:            3600 * time.Second,
			UnexpectedVerificationFailureReplay: 1800 * time.Second,
			UnexpectedCommandReplay:             86400 * time.Second,
			CommandTTL:                          30 * day,
			SLA: SLAConfig{
				AADExport: 23 * day,
				Export:    14 * day,
				NonExport: 7 * day,
			},
		},
		Replay: ReplayConfig{
			MaxDays:      180,
			ExtendedDays: 365,
			BatchSize:    25,
		},
		Client: ClientConfig{
			MinSDKVersion:         "1.0.0",
			MultiTenantSDKVersion: "2.0.0",
		},
		Agents: AgentsConfig{Watch: true},
		Queue: QueueConfig{
			Backend: defaultQueueBackend,
			Path:    defaultQueuePath,
		},
		Workers: WorkersConfig{
			Concurrency:       defaultWorkerCount,
			BackgroundWorkers: defaultBackgroundCount,
			BackgroundBuffer:  defaultBackgroundBuffer,
			PollInterval:      defaultWorkerPoll,
			MaxAttempts:       defaultWorkerAttempts,
			RetryCap:          defaultWorkerRetryCap,
			HandlerTimeout:    defaultHandlerTimeout,
		},
		ExportProbe: ExportProbeConfig{
			Enabled: true,
			Timeout: defaultProbeTimeout,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			AccessLogOutput:    "stderr",
			MetricsListen:      defaultMetricsListen,
			MetricsPath:        defaultMetricsPath,
			TracingSampleRatio: 1,
			TracingServiceName: defaultServiceName,
			TracingTimeout:     defaultTracingTimeout,
		},
	}
}

// Compile resolves placeholders, applies defaults and validates cfg.
func Compile(cfg *Config) (Compiled, ValidationResult) {
	res := ValidationResult{}
	out := defaultCompiled()
	if cfg == nil {
		res.errorf("nil config")
		return out, res
	}
	c := &compiler{res: &res}

	c.compileFeedAPI(cfg.Block("feed_api"), &out.FeedAPI)
	if d := cfg.Block("health_api"); d != nil {
		if d.Child("listen") == nil {
			res.errorf("health_api.listen is required")
		}
		out.HealthAPI.Enabled = c.str(d, "listen", "health_api.listen", &out.HealthAPI.Listen)
	}
	c.compileLease(cfg.Block("lease"), &out.Lease)
	c.compileGetCommands(cfg.Block("getcommands"), &out.GetCommands)
	c.compileCheckpoint(cfg.Block("checkpoint"), &out.Checkpoint)
	c.compileReplay(cfg.Block("replay"), &out.Replay)
	c.compileClient(cfg.Block("client"), &out.Client)
	c.compileAPITraffic(cfg.Block("api_traffic"), &out.APITraffic)
	c.compileFlags(cfg.Block("flags"), &out.Flags)
	c.compileAgents(cfg.Block("agents"), &out.Agents)
	c.compileQueue(cfg.Block("queue"), &out.Queue)
	c.compileWorkers(cfg.Block("workers"), &out.Workers)
	if d := cfg.Block("export_probe"); d != nil {
		c.boolean(d, "enabled", "export_probe.enabled", &out.ExportProbe.Enabled)
		c.duration(d, "timeout", "export_probe.timeout", &out.ExportProbe.Timeout)
	}
	c.compileObservability(cfg.Block("observability"), &out.Observability)

	res.OK = len(res.Errors) == 0
	return out, res
}

type compiler struct {
	res *ValidationResult
}

// value returns the resolved single argument of parent's child name.
func (c *compiler) value(parent *Directive, name, field string) (string, bool) {
	d := parent.Child(name)
	if d == nil {
		return "", false
	}
	v := strings.TrimSpace(resolveValue(d.Arg(0), field, c.res))
	if v == "" {
		c.res.errorf("%s must not be empty", field)
		return "", false
	}
	return v, true
}

func (c *compiler) str(parent *Directive, name, field string, dst *string) bool {
	v, ok := c.value(parent, name, field)
	if ok {
		*dst = v
	}
	return ok
}

func (c *compiler) duration(parent *Directive, name, field string, dst *time.Duration) {
	raw, ok := c.value(parent, name, field)
	if !ok {
		return
	}
	d, err := parsePositiveDuration(raw)
	if err != nil {
		c.res.errorf("%s %s", field, err.Error())
		return
	}
	*dst = d
}

func (c *compiler) intRange(parent *Directive, name, field string, min, max int, dst *int) {
	raw, ok := c.value(parent, name, field)
	if !ok {
		return
	}
	if v, ok := parsePositiveIntInRange(raw, field, min, max, c.res); ok {
		*dst = v
	}
}

func (c *compiler) boolean(parent *Directive, name, field string, dst *bool) {
	raw, ok := c.value(parent, name, field)
	if !ok {
		return
	}
	v, ok := parseBoolValue(raw)
	if !ok {
		c.res.errorf("%s must be on or off", field)
		return
	}
	*dst = v
}

// ids reads a list of uuids given as separate arguments, comma separated,
// or both.
func (c *compiler) ids(parent *Directive, name, field string) []string {
	d := parent.Child(name)
	if d == nil {
		return nil
	}
	var out []string
	for _, raw := range d.Values() {
		raw = resolveValue(raw, field, c.res)
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := uuid.Parse(part)
			if err != nil {
				c.res.errorf("%s: %q is not a valid id", field, part)
				continue
			}
			out = append(out, id.String())
		}
	}
	return out
}

func (c *compiler) compileFeedAPI(d *Directive, out *FeedAPIConfig) {
	if d == nil {
		c.res.warnf("feed_api: block missing; serving on %s without authentication", defaultFeedListen)
		return
	}
	c.str(d, "listen", "feed_api.listen", &out.Listen)
	if raw, ok := c.value(d, "prefix", "feed_api.prefix"); ok {
		p, err := normalizePrefixValue(raw)
		if err != nil {
			c.res.errorf("feed_api.prefix %s", err.Error())
		} else {
			out.Prefix = p
		}
	}
	if raw, ok := c.value(d, "max_body", "feed_api.max_body"); ok {
		n, err := humanize.ParseBytes(raw)
		if err != nil || n == 0 || n > math.MaxInt32 {
			c.res.errorf("feed_api.max_body must be a positive size like 512KiB or 4MiB")
		} else {
			out.MaxBodyBytes = int64(n)
		}
	}

	for i, a := range d.Children("auth") {
		field := fmt.Sprintf("feed_api.auth[%d]", i)
		if a.Arg(0) != "token" {
			c.res.errorf("%s: expected `auth token <secret> [agent-id]`", field)
			continue
		}
		ref, ok := c.tokenRef(a.Arg(1), field)
		if !ok {
			continue
		}
		tr := TokenRef{Ref: ref}
		if raw := strings.TrimSpace(resolveValue(a.Arg(2), field, c.res)); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				c.res.errorf("%s: agent %q is not a valid id", field, raw)
				continue
			}
			tr.AgentID = id.String()
		}
		out.AuthTokens = append(out.AuthTokens, tr)
	}
	for i, a := range d.Children("admin_token") {
		if ref, ok := c.tokenRef(a.Arg(0), fmt.Sprintf("feed_api.admin_token[%d]", i)); ok {
			out.AdminTokens = append(out.AdminTokens, ref)
		}
	}
	if len(out.AuthTokens) == 0 {
		c.res.warnf("feed_api.auth: no tokens configured; the feed API is unauthenticated")
	}
}

// tokenRef turns a token value into a secret ref. Values without an env:,
// file: or raw: scheme are literal tokens.
func (c *compiler) tokenRef(raw, field string) (string, bool) {
	v := strings.TrimSpace(resolveValue(raw, field, c.res))
	if v == "" {
		c.res.errorf("%s: token must not be empty", field)
		return "", false
	}
	if !strings.HasPrefix(v, "env:") && !strings.HasPrefix(v, "file:") && !strings.HasPrefix(v, "raw:") {
		v = "raw:" + v
	}
	if err := secrets.ValidateRef(v); err != nil {
		c.res.errorf("%s: %v", field, err)
		return "", false
	}
	return v, true
}

func (c *compiler) compileLease(d *Directive, out *LeaseConfig) {
	if d == nil {
		return
	}
	c.duration(d, "min", "lease.min", &out.Min)
	c.duration(d, "max", "lease.max", &out.Max)
	c.duration(d, "poll_interval", "lease.poll_interval", &out.PollInterval)
	c.intRange(d, "pop_error_threshold", "lease.pop_error_threshold", 1, 1000, &out.PopErrorThreshold)
	if out.Min > out.Max {
		c.res.errorf("lease.min must be <= lease.max")
	}
}

func (c *compiler) compileGetCommands(d *Directive, out *GetCommandsConfig) {
	if d == nil {
		return
	}
	c.intRange(d, "max_commands", "getcommands.max_commands", 1, 1000, &out.MaxCommands)
	c.duration(d, "max_wait", "getcommands.max_wait", &out.MaxWait)
	c.duration(d, "max_wait_reduced", "getcommands.max_wait_reduced", &out.MaxWaitReduced)
	c.duration(d, "low_tier_wait", "getcommands.low_tier_wait", &out.LowTierWait)
	c.duration(d, "min_wait", "getcommands.min_wait", &out.MinWait)
	c.intRange(d, "low_tier_threshold", "getcommands.low_tier_threshold", 1, 1000, &out.LowTierThreshold)
	c.duration(d, "min_remaining_lease", "getcommands.min_remaining_lease", &out.MinRemainingLease)
	if out.LowTierThreshold > out.MaxCommands {
		c.res.warnf("getcommands.low_tier_threshold exceeds max_commands; the low tier is always polled")
	}
	if out.MinWait > out.MaxWait {
		c.res.errorf("getcommands.min_wait must be <= getcommands.max_wait")
	}
}

func (c *compiler) compileCheckpoint(d *Directive, out *CheckpointConfig) {
	if d == nil {
		return
	}
	c.duration(d, "failed_replay", "checkpoint.failed_replay", &out.FailedReplay)
	c.duration(d, "verification_failed_replay", "checkpoint.verification_failed_replay", &out.VerificationFailedReplay)
	c.duration(d, "unexpected_verification_failure_replay", "checkpoint.unexpected_verification_failure_replay", &out.UnexpectedVerificationFailureReplay)
	c.duration(d, "unexpected_command_replay", "checkpoint.unexpected_command_replay", &out.UnexpectedCommandReplay)
	c.duration(d, "command_ttl", "checkpoint.command_ttl", &out.CommandTTL)
	if sla := d.Child("sla"); sla != nil {
		c.duration(sla, "aad_export", "checkpoint.sla.aad_export", &out.SLA.AADExport)
		c.duration(sla, "export", "checkpoint.sla.export", &out.SLA.Export)
		c.duration(sla, "non_export", "checkpoint.sla.non_export", &out.SLA.NonExport)
	}
}

func (c *compiler) compileReplay(d *Directive, out *ReplayConfig) {
	if d == nil {
		return
	}
	c.intRange(d, "max_days", "replay.max_days", 1, 3650, &out.MaxDays)
	c.intRange(d, "extended_days", "replay.extended_days", 1, 3650, &out.ExtendedDays)
	c.intRange(d, "batch_size", "replay.batch_size", 1, 1000, &out.BatchSize)
	if out.ExtendedDays < out.MaxDays {
		c.res.errorf("replay.extended_days must be >= replay.max_days")
	}
}

func (c *compiler) compileClient(d *Directive, out *ClientConfig) {
	if d == nil {
		return
	}
	check := func(name string, dst *string) {
		field := "client." + name
		raw, ok := c.value(d, name, field)
		if !ok {
			return
		}
		if !semver.IsValid("v" + strings.TrimPrefix(raw, "v")) {
			c.res.errorf("%s must be a semantic version like 1.2.3", field)
			return
		}
		*dst = strings.TrimPrefix(raw, "v")
	}
	check("min_sdk_version", &out.MinSDKVersion)
	check("multi_tenant_sdk_version", &out.MultiTenantSDKVersion)
}

func (c *compiler) compileAPITraffic(d *Directive, out *APITrafficConfig) {
	if d == nil {
		return
	}
	raw, ok := c.value(d, "rps", "api_traffic.rps")
	if !ok {
		if d.Child("rps") == nil {
			c.res.errorf("api_traffic.rps is required")
		}
		return
	}
	rps, err := strconv.ParseFloat(raw, 64)
	if err != nil || rps <= 0 || math.IsInf(rps, 0) || math.IsNaN(rps) {
		c.res.errorf("api_traffic.rps must be a positive number")
		return
	}
	out.Enabled = true
	out.RPS = rps
	out.Burst = int(math.Ceil(rps))
	c.intRange(d, "burst", "api_traffic.burst", 1, 1_000_000, &out.Burst)
}

func (c *compiler) compileFlags(d *Directive, out *FlagsConfig) {
	if d == nil {
		return
	}
	c.boolean(d, "getcommands_disabled", "flags.getcommands_disabled", &out.GetCommandsDisabled)
	c.boolean(d, "deferred_delete_disabled", "flags.deferred_delete_disabled", &out.DeferredDeleteDisabled)
	c.boolean(d, "allow_sdk_without_verifier", "flags.allow_sdk_without_verifier", &out.AllowSDKWithoutVerifier)
	c.boolean(d, "export_replay", "flags.export_replay", &out.ExportReplay)
	c.boolean(d, "synthetic_insertion", "flags.synthetic_insertion", &out.SyntheticInsertion)
	out.BlockedAgents = c.ids(d, "blocked_agents", "flags.blocked_agents")
	out.BlockedAssetGroups = c.ids(d, "blocked_asset_groups", "flags.blocked_asset_groups")
	out.ReplayDisallowedAgents = c.ids(d, "replay_disallowed_agents", "flags.replay_disallowed_agents")
	out.ReplayExtendedAgents = c.ids(d, "replay_extended_agents", "flags.replay_extended_agents")
	if out.GetCommandsDisabled {
		c.res.warnf("flags.getcommands_disabled is on; agents receive no commands")
	}
}

func (c *compiler) compileAgents(d *Directive, out *AgentsConfig) {
	if d == nil || d.Child("file") == nil {
		c.res.errorf("agents.file is required")
		return
	}
	c.str(d, "file", "agents.file", &out.File)
	c.boolean(d, "watch", "agents.watch", &out.Watch)
}

func (c *compiler) compileQueue(d *Directive, out *QueueConfig) {
	if d == nil {
		return
	}
	if raw, ok := c.value(d, "backend", "queue.backend"); ok {
		switch backend := strings.ToLower(raw); backend {
		case "memory", "sqlite", "postgres":
			out.Backend = backend
		default:
			c.res.errorf("queue.backend must be memory, sqlite or postgres")
		}
	}
	c.str(d, "path", "queue.path", &out.Path)
	c.str(d, "dsn", "queue.dsn", &out.DSN)
	c.str(d, "moniker", "queue.moniker", &out.Moniker)
	switch {
	case out.Backend == "postgres" && out.DSN == "":
		c.res.errorf("queue.dsn is required for the postgres backend")
	case out.Backend != "postgres" && out.DSN != "":
		c.res.warnf("queue.dsn is ignored by the %s backend", out.Backend)
	}
}

func (c *compiler) compileWorkers(d *Directive, out *WorkersConfig) {
	if d == nil {
		return
	}
	c.intRange(d, "concurrency", "workers.concurrency", 1, 256, &out.Concurrency)
	c.intRange(d, "background_workers", "workers.background_workers", 1, 256, &out.BackgroundWorkers)
	c.intRange(d, "background_buffer", "workers.background_buffer", 1, 1<<20, &out.BackgroundBuffer)
	c.duration(d, "poll_interval", "workers.poll_interval", &out.PollInterval)
	c.intRange(d, "max_attempts", "workers.max_attempts", 1, 100, &out.MaxAttempts)
	c.duration(d, "retry_cap", "workers.retry_cap", &out.RetryCap)
	c.duration(d, "handler_timeout", "workers.handler_timeout", &out.HandlerTimeout)
}

func (c *compiler) compileObservability(d *Directive, out *ObservabilityConfig) {
	if d == nil {
		return
	}
	if raw, ok := c.value(d, "log_level", "observability.log_level"); ok {
		switch level := strings.ToLower(raw); level {
		case "debug", "info", "warn", "error":
			out.LogLevel = level
		default:
			c.res.errorf("observability.log_level must be debug, info, warn or error")
		}
	}

	if al := d.Child("access_log"); al != nil {
		out.AccessLogEnabled = c.switchArg(al, "observability.access_log")
		if raw, ok := c.value(al, "output", "observability.access_log.output"); ok {
			switch raw {
			case "stdout", "stderr", "file":
				out.AccessLogOutput = raw
			default:
				c.res.errorf("observability.access_log.output must be stdout, stderr or file")
			}
		}
		c.str(al, "path", "observability.access_log.path", &out.AccessLogPath)
		if out.AccessLogOutput == "file" && out.AccessLogPath == "" {
			c.res.errorf("observability.access_log.path is required when output is file")
		}
	}

	if m := d.Child("metrics"); m != nil {
		out.MetricsEnabled = c.switchArg(m, "observability.metrics")
		c.str(m, "listen", "observability.metrics.listen", &out.MetricsListen)
		if raw, ok := c.value(m, "path", "observability.metrics.path"); ok {
			p, err := normalizePathValue(raw)
			if err != nil {
				c.res.errorf("observability.metrics.path %s", err.Error())
			} else {
				out.MetricsPath = p
			}
		}
	}

	if t := d.Child("tracing"); t != nil {
		out.TracingEnabled = c.switchArg(t, "observability.tracing")
		if raw, ok := c.value(t, "collector", "observability.tracing.collector"); ok {
			u, err := url.Parse(raw)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				c.res.errorf("observability.tracing.collector must be an http(s) URL")
			} else {
				out.TracingCollector = raw
			}
		}
		c.boolean(t, "insecure", "observability.tracing.insecure", &out.TracingInsecure)
		if raw, ok := c.value(t, "sample_ratio", "observability.tracing.sample_ratio"); ok {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil || v < 0 || v > 1 {
				c.res.errorf("observability.tracing.sample_ratio must be a number between 0 and 1")
			} else {
				out.TracingSampleRatio = v
			}
		}
		c.str(t, "service_name", "observability.tracing.service_name", &out.TracingServiceName)
		c.duration(t, "timeout", "observability.tracing.timeout", &out.TracingTimeout)
	}
}

// switchArg reads the optional on/off argument of a block directive. A bare
// block is on.
func (c *compiler) switchArg(d *Directive, field string) bool {
	if len(d.Args) == 0 {
		return true
	}
	v, ok := parseBoolValue(resolveValue(d.Arg(0), field, c.res))
	if !ok {
		c.res.errorf("%s must be on or off", field)
		return false
	}
	return v
}

func parseBoolValue(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "on":
		return true, true
	case "0", "false", "off":
		return false, true
	default:
		return false, false
	}
}

func parseDurationValue(raw string) (time.Duration, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false, fmt.Errorf("must not be empty")
	}
	if strings.EqualFold(raw, "off") || raw == "0" {
		return 0, true, nil
	}

	rawLower := strings.ToLower(raw)
	if num, ok := strings.CutSuffix(rawLower, "d"); ok {
		if num == "" {
			return 0, false, fmt.Errorf("must be a duration like 5m, 2h, 7d, or off")
		}
		v, err := strconv.Atoi(num)
		if err != nil || v < 0 {
			return 0, false, fmt.Errorf("must be a non-negative duration")
		}
		return time.Duration(v) * day, false, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("must be a duration like 5m, 2h, 7d, or off")
	}
	if d < 0 {
		return 0, false, fmt.Errorf("must be a non-negative duration")
	}
	return d, false, nil
}

func parsePositiveDuration(raw string) (time.Duration, error) {
	d, off, err := parseDurationValue(raw)
	if err != nil {
		return 0, err
	}
	if off || d <= 0 {
		return 0, fmt.Errorf("must be a positive duration like 5s")
	}
	return d, nil
}

func parsePositiveIntInRange(raw string, field string, min int, max int, res *ValidationResult) (int, bool) {
	if raw == "" {
		res.errorf("%s must not be empty", field)
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		res.errorf("%s must be an integer", field)
		return 0, false
	}
	if v < min || v > max {
		res.errorf("%s must be between %d and %d", field, min, max)
		return 0, false
	}
	return v, true
}

func normalizePrefixValue(s string) (string, error) {
	if !strings.HasPrefix(s, "/") {
		return "", fmt.Errorf("must start with '/'")
	}
	c := path.Clean(s)
	if c == "/" {
		// "/" is equivalent to "no prefix"; keep it empty.
		return "", nil
	}
	return c, nil
}

func normalizePathValue(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("must not be empty")
	}
	if !strings.HasPrefix(s, "/") {
		return "", fmt.Errorf("must start with '/'")
	}
	return path.Clean(s), nil
}
