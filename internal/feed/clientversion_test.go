package feed

import "testing"

func TestParseClientVersion(t *testing.T) {
	tests := []struct {
		raw  string
		want clientVersion
	}{
		{"", clientVersion{}},
		{"curl/8.4.0", clientVersion{}},
		{"pcfsdk;1.4.2;v:true;net472", clientVersion{SDK: true, Version: "v1.4.2"}},
		{"PCFSDK;v2.0.0", clientVersion{SDK: true, Version: "v2.0.0"}},
		{"pcfsdk;1.4;v:false", clientVersion{SDK: true, Version: "v1.4.0", NoVerifier: true}},
		{"pcfsdk;net472;1.9.0", clientVersion{SDK: true, Version: "v1.9.0"}},
		{"pcfsdk;banana", clientVersion{SDK: true}},
	}
	for _, tc := range tests {
		if got := parseClientVersion(tc.raw); got != tc.want {
			t.Fatalf("parseClientVersion(%q)=%+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestClientVersionCheck(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		allowNoVer bool
		want       GetCommandsErrorCode
	}{
		{"non sdk callers are not checked", "curl/8.4.0", false, 0},
		{"current sdk", "pcfsdk;1.4.2;v:true", false, 0},
		{"old sdk", "pcfsdk;0.9.0;v:true", false, GetCommandsClientVersionTooOld},
		{"sdk without version", "pcfsdk;v:true", false, 0},
		{"verifier disabled", "pcfsdk;1.4.2;v:false", false, GetCommandsEnforceValidationRequired},
		{"verifier disabled but allowed", "pcfsdk;1.4.2;v:false", true, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseClientVersion(tc.raw).check("1.0.0", tc.allowNoVer); got != tc.want {
				t.Fatalf("check=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestClientVersionAtLeast(t *testing.T) {
	cv := parseClientVersion("pcfsdk;2.0.0")
	if !cv.atLeast("2.0.0") || !cv.atLeast("1.9.9") || cv.atLeast("2.0.1") {
		t.Fatalf("unexpected comparisons for %+v", cv)
	}
	if !cv.atLeast("") {
		t.Fatal("empty minimum must always be satisfied")
	}
	if (clientVersion{SDK: true}).atLeast("1.0.0") {
		t.Fatal("unknown version must not satisfy a minimum")
	}
}
