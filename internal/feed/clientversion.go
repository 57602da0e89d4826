package feed

import (
	"strings"

	"golang.org/x/mod/semver"
)

// clientVersion is the parsed x-client-version header, for example
// "pcfsdk;1.4.2;v:true;net472".
type clientVersion struct {
	SDK        bool
	Version    string // canonical semver with a leading "v", or ""
	NoVerifier bool
}

func parseClientVersion(raw string) clientVersion {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return clientVersion{}
	}
	chunks := strings.FieldsFunc(raw, func(r rune) bool { return r == ';' })
	if len(chunks) == 0 || !strings.HasPrefix(strings.ToLower(chunks[0]), "pcfsdk") {
		return clientVersion{}
	}
	out := clientVersion{SDK: true}
	for _, c := range chunks[1:] {
		c = strings.TrimSpace(c)
		if c == "v:false" {
			out.NoVerifier = true
			continue
		}
		if out.Version == "" {
			if v := canonicalSemver(c); v != "" {
				out.Version = v
			}
		}
	}
	return out
}

func canonicalSemver(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.HasPrefix(raw, "v") {
		raw = "v" + raw
	}
	if !semver.IsValid(raw) {
		return ""
	}
	return semver.Canonical(raw)
}

// atLeast reports whether the client version is known and not below min.
// An empty min is always satisfied.
func (c clientVersion) atLeast(min string) bool {
	min = canonicalSemver(min)
	if min == "" {
		return true
	}
	if c.Version == "" {
		return false
	}
	return semver.Compare(c.Version, min) >= 0
}

// check enforces the SDK admission rules. It returns 0 when the client may
// proceed.
func (c clientVersion) check(minSDK string, allowWithoutVerifier bool) GetCommandsErrorCode {
	if !c.SDK {
		return 0
	}
	if c.NoVerifier && !allowWithoutVerifier {
		return GetCommandsEnforceValidationRequired
	}
	if c.Version != "" && !c.atLeast(minSDK) {
		return GetCommandsClientVersionTooOld
	}
	return 0
}
