package feed

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Authorizer decides whether r may act for agentID.
type Authorizer func(r *http.Request, agentID string) bool

// Credential is one accepted bearer token. A token with an AgentID only
// authorizes that agent; an empty AgentID authorizes every agent.
type Credential struct {
	Token   []byte
	AgentID string
}

// BearerTokenAuthorizer accepts requests carrying one of creds. With no
// credentials configured every request is accepted.
func BearerTokenAuthorizer(creds []Credential) Authorizer {
	allowed := make([]Credential, 0, len(creds))
	for _, c := range creds {
		if len(c.Token) == 0 {
			continue
		}
		cp := make([]byte, len(c.Token))
		copy(cp, c.Token)
		allowed = append(allowed, Credential{Token: cp, AgentID: strings.TrimSpace(c.AgentID)})
	}

	return func(r *http.Request, agentID string) bool {
		if len(allowed) == 0 {
			return true
		}
		got := bearerToken(r)
		if got == "" {
			return false
		}
		gb := []byte(got)
		ok := false
		for _, want := range allowed {
			// Every credential is compared, matched or not.
			match := subtle.ConstantTimeCompare(gb, want.Token) == 1
			if match && (want.AgentID == "" || sameID(want.AgentID, agentID)) {
				ok = true
			}
		}
		return ok
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}
