package feed

import (
	"net/http/httptest"
	"testing"
)

func TestBearerTokenAuthorizer(t *testing.T) {
	authorize := BearerTokenAuthorizer([]Credential{
		{Token: []byte("scoped"), AgentID: agentID},
		{Token: []byte("global")},
		{Token: nil, AgentID: otherAgentID},
	})
	tests := []struct {
		name    string
		header  string
		agentID string
		want    bool
	}{
		{"scoped token for its agent", "Bearer scoped", agentID, true},
		{"scoped token ignores id case", "Bearer scoped", "7D5D3C9E-0000-4000-8000-0000000000A1", true},
		{"scoped token for another agent", "Bearer scoped", otherAgentID, false},
		{"global token", "Bearer global", otherAgentID, true},
		{"unknown token", "Bearer nope", agentID, false},
		{"missing header", "", agentID, false},
		{"wrong scheme", "Basic global", agentID, false},
		{"empty bearer", "Bearer ", agentID, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if got := authorize(r, tc.agentID); got != tc.want {
				t.Fatalf("authorize=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestBearerTokenAuthorizerWithoutCredentials(t *testing.T) {
	authorize := BearerTokenAuthorizer(nil)
	if !authorize(httptest.NewRequest("GET", "/", nil), agentID) {
		t.Fatal("no credentials must admit every request")
	}
}
