package app

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"github.com/nuetzliches/commandfeed/internal/agentmap"
	"github.com/nuetzliches/commandfeed/internal/config"
	"github.com/nuetzliches/commandfeed/internal/feed"
	"github.com/nuetzliches/commandfeed/internal/secrets"
)

var errRestartRequired = errors.New("restart required")

// runtimeState holds everything a config reload may swap while requests are
// being served.
type runtimeState struct {
	feed   *feed.Server
	agents *agentmap.Holder
	gate   *feed.TrafficGate

	authorize      atomic.Pointer[feed.Authorizer]
	authorizeAdmin atomic.Pointer[feed.Authorizer]
}

func newRuntimeState(srv *feed.Server, agents *agentmap.Holder, gate *feed.TrafficGate) *runtimeState {
	s := &runtimeState{feed: srv, agents: agents, gate: gate}
	deny := feed.Authorizer(func(*http.Request, string) bool { return false })
	s.authorize.Store(&deny)
	s.authorizeAdmin.Store(&deny)
	return s
}

func (s *runtimeState) authorizeFeed(r *http.Request, agentID string) bool {
	return (*s.authorize.Load())(r, agentID)
}

func (s *runtimeState) authorizeAdminRequest(r *http.Request, agentID string) bool {
	return (*s.authorizeAdmin.Load())(r, agentID)
}

// loadAuth resolves every token ref and swaps in new authorizers. Nothing is
// swapped when a ref fails to load.
func (s *runtimeState) loadAuth(compiled config.Compiled) error {
	auth, admin, err := buildAuthorizers(compiled.FeedAPI)
	if err != nil {
		return err
	}
	s.setAuth(auth, admin)
	return nil
}

func (s *runtimeState) setAuth(auth, admin feed.Authorizer) {
	s.authorize.Store(&auth)
	s.authorizeAdmin.Store(&admin)
}

// buildAuthorizers loads the feed and admin tokens. Without admin tokens the
// admin operations accept the feed tokens.
func buildAuthorizers(c config.FeedAPIConfig) (feed.Authorizer, feed.Authorizer, error) {
	creds := make([]feed.Credential, 0, len(c.AuthTokens))
	for i, tr := range c.AuthTokens {
		tok, err := secrets.LoadRef(tr.Ref)
		if err != nil {
			return nil, nil, fmt.Errorf("feed_api.auth[%d]: %w", i, err)
		}
		creds = append(creds, feed.Credential{Token: tok, AgentID: tr.AgentID})
	}
	adminCreds := make([]feed.Credential, 0, len(c.AdminTokens))
	for i, ref := range c.AdminTokens {
		tok, err := secrets.LoadRef(ref)
		if err != nil {
			return nil, nil, fmt.Errorf("feed_api.admin_token[%d]: %w", i, err)
		}
		adminCreds = append(adminCreds, feed.Credential{Token: tok})
	}

	auth := feed.BearerTokenAuthorizer(creds)
	if len(adminCreds) == 0 {
		return auth, auth, nil
	}
	return auth, feed.BearerTokenAuthorizer(adminCreds), nil
}

// apply pushes the live-reloadable parts of compiled into the running feed.
func (s *runtimeState) apply(compiled config.Compiled) {
	s.feed.UpdateSettings(settingsFromCompiled(compiled))
	s.feed.Flags.Store(flagsFromCompiled(compiled.Flags))
	if s.gate != nil {
		rps, burst := trafficLimits(compiled.APITraffic)
		s.gate.Configure(rps, burst)
	}
}

// reloadAgents replaces the agent map from path. The previous map stays in
// place when the file cannot be loaded.
func (s *runtimeState) reloadAgents(path string) (*agentmap.Map, error) {
	m, err := agentmap.LoadFile(path)
	if err != nil {
		return nil, err
	}
	s.agents.Store(m)
	return m, nil
}

func trafficLimits(c config.APITrafficConfig) (float64, int) {
	if !c.Enabled {
		return 0, 0
	}
	return c.RPS, c.Burst
}

func settingsFromCompiled(c config.Compiled) feed.Settings {
	return feed.Settings{
		MinLease:          c.Lease.Min,
		MaxLease:          c.Lease.Max,
		PollInterval:      c.Lease.PollInterval,
		PopErrorThreshold: c.Lease.PopErrorThreshold,

		MaxCommands:        c.GetCommands.MaxCommands,
		MaxWaitHigh:        c.GetCommands.MaxWait,
		MaxWaitHighReduced: c.GetCommands.MaxWaitReduced,
		MaxWaitLow:         c.GetCommands.LowTierWait,
		MinWait:            c.GetCommands.MinWait,
		LowTierThreshold:   c.GetCommands.LowTierThreshold,
		MinRemainingLease:  c.GetCommands.MinRemainingLease,

		FailedReplay:                        c.Checkpoint.FailedReplay,
		VerificationFailedReplay:            c.Checkpoint.VerificationFailedReplay,
		UnexpectedVerificationFailureReplay: c.Checkpoint.UnexpectedVerificationFailureReplay,
		UnexpectedCommandReplay:             c.Checkpoint.UnexpectedCommandReplay,
		CommandTTL:                          c.Checkpoint.CommandTTL,
		SLAAADExport:                        c.Checkpoint.SLA.AADExport,
		SLAExport:                           c.Checkpoint.SLA.Export,
		SLANonExport:                        c.Checkpoint.SLA.NonExport,

		MaxReplayDays:      c.Replay.MaxDays,
		ExtendedReplayDays: c.Replay.ExtendedDays,
		ReplayBatchSize:    c.Replay.BatchSize,

		MinSDKVersion:         c.Client.MinSDKVersion,
		MultiTenantSDKVersion: c.Client.MultiTenantSDKVersion,
	}
}

func flagsFromCompiled(c config.FlagsConfig) *feed.Flags {
	return &feed.Flags{
		GetCommandsDisabled:     c.GetCommandsDisabled,
		DeferredDeleteDisabled:  c.DeferredDeleteDisabled,
		AllowSDKWithoutVerifier: c.AllowSDKWithoutVerifier,
		ExportReplay:            c.ExportReplay,
		SyntheticInsertion:      c.SyntheticInsertion,
		BlockedAgents:           c.BlockedAgents,
		BlockedAssetGroups:      c.BlockedAssetGroups,
		ReplayDisallowedAgents:  c.ReplayDisallowedAgents,
		ReplayExtendedAgents:    c.ReplayExtendedAgents,
	}
}

// reloadConfig re-reads path and applies what can change at runtime. It
// returns the config now in effect; on any failure that is running.
func reloadConfig(path string, running config.Compiled, state *runtimeState, logger *slog.Logger, trigger string) (config.Compiled, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fail := func(err error) (config.Compiled, error) {
		logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return running, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fail(err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return fail(err)
	}
	compiled, res := config.Compile(cfg)
	if !res.OK {
		return fail(errors.New(config.FormatValidationText(res)))
	}

	changed := config.ChangedBlocks(running, compiled)
	if len(changed) == 0 {
		logger.Info("config_reload_unchanged", slog.String("trigger", trigger))
		return running, nil
	}
	if restart := config.RestartRequired(running, compiled); len(restart) > 0 {
		logger.Warn("config_reloaded_restart_required",
			slog.String("trigger", trigger),
			slog.String("fields", strings.Join(restart, ",")),
		)
		return running, errRestartRequired
	}

	auth, admin, err := buildAuthorizers(compiled.FeedAPI)
	if err != nil {
		return fail(err)
	}
	var agents *agentmap.Map
	if compiled.Agents.File != running.Agents.File {
		if agents, err = agentmap.LoadFile(compiled.Agents.File); err != nil {
			return fail(fmt.Errorf("agents.file: %w", err))
		}
	}

	state.setAuth(auth, admin)
	if agents != nil {
		state.agents.Store(agents)
	}
	state.apply(compiled)

	for _, w := range res.Warnings {
		logger.Warn("config_warning", slog.String("warning", w))
	}
	logger.Info("config_reloaded_ok",
		slog.String("trigger", trigger),
		slog.String("changed", strings.Join(changed, ",")),
	)
	return compiled, nil
}
