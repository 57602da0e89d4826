package app

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nuetzliches/commandfeed/internal/config"
	"github.com/nuetzliches/commandfeed/internal/feed"
)

const (
	testAgentID = "7d5d3c9e-0000-4000-8000-000000000001"
	otherAgent  = "7d5d3c9e-0000-4000-8000-0000000000ff"
)

const testAgents = `
agents:
  - id: 7d5d3c9e-0000-4000-8000-000000000001
    asset_groups:
      - id: 9a1b7c2d-0000-4000-8000-000000000002
        qualifier: "AssetType=AzureBlob;AccountName=Acct"
        command_types: [Delete, Export]
`

// testConfigDir writes an agent map and a Commandfeedfile built from body.
func testConfigDir(t *testing.T, body string) (cfgPath, agentsPath string) {
	t.Helper()
	dir := t.TempDir()
	agentsPath = filepath.Join(dir, "agents.yaml")
	if err := os.WriteFile(agentsPath, []byte(testAgents), 0o644); err != nil {
		t.Fatal(err)
	}
	cfgPath = filepath.Join(dir, "Commandfeedfile")
	writeTestConfig(t, cfgPath, agentsPath, body)
	return cfgPath, agentsPath
}

func writeTestConfig(t *testing.T, cfgPath, agentsPath, body string) {
	t.Helper()
	full := body + "\nagents {\n  file \"" + filepath.ToSlash(agentsPath) + "\"\n}\n\nqueue {\n  backend memory\n}\n"
	if err := os.WriteFile(cfgPath, []byte(full), 0o644); err != nil {
		t.Fatal(err)
	}
}

func mustLoadCompiled(t *testing.T, path string) config.Compiled {
	t.Helper()
	c, err := loadCompiled(path)
	if err != nil {
		t.Fatalf("loadCompiled: %v", err)
	}
	return c
}

func newTestRuntime(t *testing.T, compiled config.Compiled) *feedRuntime {
	t.Helper()
	st, err := openStores(compiled.Queue, time.Now)
	if err != nil {
		t.Fatalf("openStores: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	rt, err := newRuntime(compiled, st, newDiscardLogger(), newRuntimeMetrics("test", time.Now()))
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}
	t.Cleanup(func() { rt.shutdown(newDiscardLogger()) })
	return rt
}

func bearer(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

func serve(h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSettingsFromCompiled(t *testing.T) {
	cfgPath, _ := testConfigDir(t, `
lease {
  min 2m
  max 1d
  pop_error_threshold 3
}

getcommands {
  max_commands 40
  low_tier_wait 5s
}

checkpoint {
  failed_replay 10m
  sla {
    export 10d
  }
}

replay {
  max_days 30
  extended_days 60
}

client {
  min_sdk_version 1.5.0
}
`)
	got := settingsFromCompiled(mustLoadCompiled(t, cfgPath))
	def := feed.DefaultSettings()

	if got.MinLease != 2*time.Minute || got.MaxLease != 24*time.Hour || got.PopErrorThreshold != 3 {
		t.Fatalf("lease settings: %+v", got)
	}
	if got.MaxCommands != 40 || got.MaxWaitLow != 5*time.Second || got.MaxWaitHigh != def.MaxWaitHigh {
		t.Fatalf("getcommands settings: %+v", got)
	}
	if got.FailedReplay != 10*time.Minute || got.SLAExport != 10*24*time.Hour || got.SLANonExport != def.SLANonExport {
		t.Fatalf("checkpoint settings: %+v", got)
	}
	if got.MaxReplayDays != 30 || got.ExtendedReplayDays != 60 || got.ReplayBatchSize != def.ReplayBatchSize {
		t.Fatalf("replay settings: %+v", got)
	}
	if got.MinSDKVersion != "1.5.0" || got.MultiTenantSDKVersion != def.MultiTenantSDKVersion {
		t.Fatalf("client settings: %+v", got)
	}
}

func TestFlagsFromCompiled(t *testing.T) {
	got := flagsFromCompiled(config.FlagsConfig{
		GetCommandsDisabled:    true,
		ExportReplay:           true,
		BlockedAgents:          []string{otherAgent},
		ReplayExtendedAgents:   []string{testAgentID},
		ReplayDisallowedAgents: []string{otherAgent},
	})
	if !got.GetCommandsDisabled || !got.ExportReplay || got.DeferredDeleteDisabled {
		t.Fatalf("unexpected switches: %+v", got)
	}
	if !got.AgentBlocked(otherAgent) || got.AgentBlocked(testAgentID) {
		t.Fatalf("unexpected blocked agents: %+v", got.BlockedAgents)
	}
	if !got.ReplayExtended(testAgentID) || !got.ReplayDisallowed(otherAgent) {
		t.Fatalf("unexpected replay lists: %+v", got)
	}
}

func TestBuildAuthorizers(t *testing.T) {
	t.Setenv("COMMANDFEED_APP_ADMIN", "admin-secret")
	auth, admin, err := buildAuthorizers(config.FeedAPIConfig{
		AuthTokens: []config.TokenRef{
			{Ref: "raw:shared"},
			{Ref: "raw:bound", AgentID: testAgentID},
		},
		AdminTokens: []string{"env:COMMANDFEED_APP_ADMIN"},
	})
	if err != nil {
		t.Fatalf("buildAuthorizers: %v", err)
	}

	req := func(token string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header = bearer(token)
		return r
	}
	cases := []struct {
		name  string
		authz feed.Authorizer
		token string
		agent string
		want  bool
	}{
		{"shared any agent", auth, "shared", otherAgent, true},
		{"bound own agent", auth, "bound", testAgentID, true},
		{"bound other agent", auth, "bound", otherAgent, false},
		{"missing token", auth, "", testAgentID, false},
		{"admin token on feed", auth, "admin-secret", testAgentID, false},
		{"admin token", admin, "admin-secret", testAgentID, true},
		{"feed token on admin", admin, "shared", testAgentID, false},
	}
	for _, tc := range cases {
		if got := tc.authz(req(tc.token), tc.agent); got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestBuildAuthorizers_AdminFallsBackToFeedTokens(t *testing.T) {
	_, admin, err := buildAuthorizers(config.FeedAPIConfig{
		AuthTokens: []config.TokenRef{{Ref: "raw:shared"}},
	})
	if err != nil {
		t.Fatalf("buildAuthorizers: %v", err)
	}
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header = bearer("shared")
	if !admin(r, testAgentID) {
		t.Fatalf("expected feed token to authorize admin operations")
	}
}

func TestRuntimeState_LoadAuthKeepsPreviousOnError(t *testing.T) {
	state := newRuntimeState(feed.NewServer(nil, nil, nil), nil, nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header = bearer("good")
	if state.authorizeFeed(r, testAgentID) {
		t.Fatalf("expected deny before tokens are loaded")
	}

	good := config.Compiled{FeedAPI: config.FeedAPIConfig{AuthTokens: []config.TokenRef{{Ref: "raw:good"}}}}
	if err := state.loadAuth(good); err != nil {
		t.Fatalf("loadAuth: %v", err)
	}
	t.Setenv("COMMANDFEED_APP_MISSING", "")
	bad := config.Compiled{FeedAPI: config.FeedAPIConfig{AuthTokens: []config.TokenRef{{Ref: "env:COMMANDFEED_APP_MISSING"}}}}
	if err := state.loadAuth(bad); err == nil || !strings.Contains(err.Error(), "feed_api.auth[0]") {
		t.Fatalf("expected auth load error, got %v", err)
	}
	if !state.authorizeFeed(r, testAgentID) {
		t.Fatalf("expected previous tokens to stay active")
	}
}

func TestOpenStores(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC) }

	st, err := openStores(config.QueueConfig{Backend: "memory"}, now)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if st.backend != "memory" {
		t.Fatalf("backend=%q", st.backend)
	}
	_ = st.Close()

	path := filepath.Join(t.TempDir(), "data", "commandfeed.db")
	st, err = openStores(config.QueueConfig{Backend: "sqlite", Path: path}, now)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if st.backend != "sqlite" {
		t.Fatalf("backend=%q", st.backend)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected sqlite file: %v", err)
	}

	if _, err := openStores(config.QueueConfig{Backend: "postgres", Path: path}, now); err == nil {
		t.Fatalf("expected error for postgres without dsn")
	}
	if _, err := openStores(config.QueueConfig{Backend: "redis", Path: path}, now); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestFeedHandler_AuthAndAccessLog(t *testing.T) {
	cfgPath, _ := testConfigDir(t, `
feed_api {
  prefix /pcf/v1
  auth token shared
  auth token bound `+testAgentID+`
  admin_token admin
}
`)
	compiled := mustLoadCompiled(t, cfgPath)
	rt := newTestRuntime(t, compiled)
	h := feedHandler(rt, compiled, newDiscardLogger())

	target := "/pcf/v1/" + testAgentID + "/checkpoint"
	if rr := serve(h, http.MethodGet, target, bearer("")); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status=%d", rr.Code)
	}
	// Past authorization the wrong method is reported.
	rr := serve(h, http.MethodGet, target, bearer("shared"))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("shared token: status=%d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get(headerRequestID) == "" {
		t.Fatalf("expected generated request id")
	}
	if rr := serve(h, http.MethodGet, "/pcf/v1/"+otherAgent+"/checkpoint", bearer("bound")); rr.Code != http.StatusUnauthorized {
		t.Fatalf("bound token on other agent: status=%d", rr.Code)
	}

	insert := "/pcf/v1/" + testAgentID + "/insertcommands"
	if rr := serve(h, http.MethodGet, insert, bearer("shared")); rr.Code != http.StatusUnauthorized {
		t.Fatalf("feed token on insertcommands: status=%d", rr.Code)
	}
	if rr := serve(h, http.MethodGet, insert, bearer("admin")); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("admin token on insertcommands: status=%d", rr.Code)
	}

	hdr := bearer("shared")
	hdr.Set(headerRequestID, "req-1")
	if rr := serve(h, http.MethodGet, target, hdr); rr.Header().Get(headerRequestID) != "req-1" {
		t.Fatalf("expected request id echoed, got %q", rr.Header().Get(headerRequestID))
	}
}

func TestReloadConfig_AppliesLiveChanges(t *testing.T) {
	cfgPath, agentsPath := testConfigDir(t, "feed_api {\n  auth token old\n}\n")
	running := mustLoadCompiled(t, cfgPath)
	rt := newTestRuntime(t, running)

	writeTestConfig(t, cfgPath, agentsPath, `
feed_api {
  auth token new
}

getcommands {
  max_commands 7
}

flags {
  getcommands_disabled on
}

api_traffic {
  rps 1
  burst 1
}
`)
	updated, err := reloadConfig(cfgPath, running, rt.state, newDiscardLogger(), "test")
	if err != nil {
		t.Fatalf("reloadConfig: %v", err)
	}
	if updated.GetCommands.MaxCommands != 7 {
		t.Fatalf("expected updated config returned")
	}
	if !rt.feed.Flags.Current().GetCommandsDisabled {
		t.Fatalf("expected flags applied")
	}
	if !rt.feed.Gate.Allow("GetCommands", testAgentID) || rt.feed.Gate.Allow("GetCommands", testAgentID) {
		t.Fatalf("expected api_traffic applied to the gate")
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header = bearer("new")
	if !rt.state.authorizeFeed(r, testAgentID) {
		t.Fatalf("expected new token accepted")
	}
	r.Header = bearer("old")
	if rt.state.authorizeFeed(r, testAgentID) {
		t.Fatalf("expected old token rejected")
	}
}

func TestReloadConfig_Failures(t *testing.T) {
	cfgPath, agentsPath := testConfigDir(t, "feed_api {\n  auth token old\n}\n")
	running := mustLoadCompiled(t, cfgPath)
	rt := newTestRuntime(t, running)

	cases := []struct {
		name  string
		write func()
		check func(error) bool
	}{
		{
			name:  "parse error",
			write: func() { _ = os.WriteFile(cfgPath, []byte("feed_api {\n"), 0o644) },
			check: func(err error) bool { return err != nil && !errors.Is(err, errRestartRequired) },
		},
		{
			name:  "compile error",
			write: func() { writeTestConfig(t, cfgPath, agentsPath, "lease {\n  min 5m\n  max 1m\n}\n") },
			check: func(err error) bool { return err != nil && !errors.Is(err, errRestartRequired) },
		},
		{
			name:  "restart required",
			write: func() { writeTestConfig(t, cfgPath, agentsPath, "feed_api {\n  listen :9999\n  auth token old\n}\n") },
			check: func(err error) bool { return errors.Is(err, errRestartRequired) },
		},
		{
			name:  "missing agents file",
			write: func() { writeTestConfig(t, cfgPath, filepath.Join(filepath.Dir(agentsPath), "gone.yaml"), "feed_api {\n  auth token old\n}\n") },
			check: func(err error) bool { return err != nil && strings.Contains(err.Error(), "agents.file") },
		},
		{
			name:  "missing config",
			write: func() { _ = os.Remove(cfgPath) },
			check: func(err error) bool { return errors.Is(err, os.ErrNotExist) },
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.write()
			got, err := reloadConfig(cfgPath, running, rt.state, newDiscardLogger(), "test")
			if !tc.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
			if got.FeedAPI.Listen != running.FeedAPI.Listen || got.Agents.File != running.Agents.File {
				t.Fatalf("expected running config kept")
			}
		})
	}
}

func TestReloadConfig_Unchanged(t *testing.T) {
	cfgPath, _ := testConfigDir(t, "feed_api {\n  auth token old\n}\n")
	running := mustLoadCompiled(t, cfgPath)
	rt := newTestRuntime(t, running)

	got, err := reloadConfig(cfgPath, running, rt.state, newDiscardLogger(), "test")
	if err != nil {
		t.Fatalf("reloadConfig: %v", err)
	}
	if len(config.ChangedBlocks(running, got)) != 0 {
		t.Fatalf("expected no changes")
	}
}

func TestRuntimeState_ReloadAgents(t *testing.T) {
	cfgPath, agentsPath := testConfigDir(t, "")
	rt := newTestRuntime(t, mustLoadCompiled(t, cfgPath))

	if _, ok := rt.state.agents.Current().Agent(testAgentID); !ok {
		t.Fatalf("expected agent loaded at startup")
	}
	if err := os.WriteFile(agentsPath, []byte("agents: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := rt.state.reloadAgents(agentsPath)
	if err != nil {
		t.Fatalf("reloadAgents: %v", err)
	}
	if len(m.Agents) != 0 {
		t.Fatalf("expected empty map")
	}
	if _, ok := rt.state.agents.Current().Agent(testAgentID); ok {
		t.Fatalf("expected agent removed after reload")
	}

	if err := os.WriteFile(agentsPath, []byte("agents:\n  - id: nope\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.state.reloadAgents(agentsPath); err == nil {
		t.Fatalf("expected error for invalid agent map")
	}
	if rt.state.agents.Current() == nil {
		t.Fatalf("expected previous map kept")
	}
}
