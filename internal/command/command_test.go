package command

import (
	"errors"
	"testing"
	"time"
)

func TestParseStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want Status
		err  error
	}{
		{raw: "Complete", want: StatusComplete},
		{raw: "complete", want: StatusComplete},
		{raw: " softdelete ", want: StatusSoftDelete},
		{raw: "UnexpectedVerificationFailure", want: StatusUnexpectedVerificationFailure},
		{raw: "", err: ErrBlankStatus},
		{raw: "   ", err: ErrBlankStatus},
		{raw: "Done", err: ErrUnknownStatus},
	}
	for _, tc := range cases {
		got, err := ParseStatus(tc.raw)
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Fatalf("ParseStatus(%q) err=%v, want %v", tc.raw, err, tc.err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseStatus(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseStatus(%q)=%s, want %s", tc.raw, got, tc.want)
		}
	}
}

func TestForAgentDowngradesAAD2(t *testing.T) {
	cmd := PrivacyCommand{
		CommandID: "c",
		Subject: Subject{
			Type:         SubjectAAD2,
			ObjectID:     "o",
			TenantID:     "t",
			HomeTenantID: "home",
			TenantIDType: "Resource",
		},
		ApplicableVariants: []string{"v1"},
	}

	single := cmd.ForAgent(false)
	if single.Subject.Type != SubjectAAD {
		t.Fatalf("expected AAD subject, got %s", single.Subject.Type)
	}
	if single.Subject.HomeTenantID != "" || single.Subject.TenantIDType != "" {
		t.Fatalf("expected multi-tenant fields stripped, got %+v", single.Subject)
	}
	if single.Subject.ObjectID != "o" || single.Subject.TenantID != "t" {
		t.Fatalf("expected object/tenant preserved, got %+v", single.Subject)
	}

	multi := cmd.ForAgent(true)
	if multi.Subject.Type != SubjectAAD2 || multi.Subject.HomeTenantID != "home" {
		t.Fatalf("expected AAD2 subject untouched, got %+v", multi.Subject)
	}

	single.ApplicableVariants[0] = "changed"
	if cmd.ApplicableVariants[0] != "v1" {
		t.Fatal("ForAgent must not share variant slices with the source")
	}
}

func TestLifespan(t *testing.T) {
	ttl := 30 * 24 * time.Hour
	if got := Lifespan(TypeAccountClose, ttl); got != 90*24*time.Hour {
		t.Fatalf("account close lifespan=%s", got)
	}
	if got := Lifespan(TypeExport, ttl); got != ttl {
		t.Fatalf("export lifespan=%s", got)
	}
}

func TestNormalizeID(t *testing.T) {
	id, ok := NormalizeID("6F1C1E4A-6C4E-4B3B-9E55-0B8E4B0C9A11")
	if !ok {
		t.Fatal("expected valid id")
	}
	if id != "6f1c1e4a-6c4e-4b3b-9e55-0b8e4b0c9a11" {
		t.Fatalf("id=%q", id)
	}
	if _, ok := NormalizeID("not-a-guid"); ok {
		t.Fatal("expected invalid id")
	}
	if _, ok := NormalizeID(" "); ok {
		t.Fatal("expected blank id to be invalid")
	}
}
