package config

import (
	"strings"
	"testing"
)

func TestValidateSecretPreflight_GroupsSharedRefs(t *testing.T) {
	t.Setenv("COMMANDFEED_TEST_SHARED_TOKEN", "")
	compiled := Compiled{FeedAPI: FeedAPIConfig{
		AuthTokens: []TokenRef{
			{Ref: "env:COMMANDFEED_TEST_SHARED_TOKEN"},
			{Ref: "env:COMMANDFEED_TEST_SHARED_TOKEN", AgentID: "7d5d3c9e-0000-4000-8000-000000000001"},
		},
		AdminTokens: []string{"env:COMMANDFEED_TEST_SHARED_TOKEN"},
	}}

	errs := validateSecretPreflight(compiled)
	if len(errs) != 1 {
		t.Fatalf("errors=%v", errs)
	}
	for _, want := range []string{"feed_api.admin_token[0]", "feed_api.auth token[0]", "feed_api.auth token[1]"} {
		if !strings.Contains(errs[0], want) {
			t.Fatalf("expected %q in %q", want, errs[0])
		}
	}
}

func TestValidateSecretPreflight_RawRefsAreRedacted(t *testing.T) {
	if got := redactRef("raw:s3cret"); got != "raw:***" {
		t.Fatalf("got %q", got)
	}
	if got := redactRef("env:TOKEN"); got != "env:TOKEN" {
		t.Fatalf("got %q", got)
	}
	if errs := validateSecretPreflight(Compiled{FeedAPI: FeedAPIConfig{
		AuthTokens: []TokenRef{{Ref: "raw:s3cret"}},
	}}); len(errs) != 0 {
		t.Fatalf("errors=%v", errs)
	}
}

func TestUniqueSortedStrings(t *testing.T) {
	got := uniqueSortedStrings([]string{"b", "a", "b", "c", "a"})
	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("got %v", got)
	}
	if uniqueSortedStrings(nil) != nil {
		t.Fatalf("expected nil")
	}
}
