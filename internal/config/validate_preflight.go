package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nuetzliches/commandfeed/internal/secrets"
)

func validateSecretPreflight(compiled Compiled) []string {
	usages := map[string][]string{}
	for i, tr := range compiled.FeedAPI.AuthTokens {
		addSecretRefUsage(usages, tr.Ref, fmt.Sprintf("feed_api.auth token[%d]", i))
	}
	for i, ref := range compiled.FeedAPI.AdminTokens {
		addSecretRefUsage(usages, ref, fmt.Sprintf("feed_api.admin_token[%d]", i))
	}

	refs := make([]string, 0, len(usages))
	for ref := range usages {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	var errs []string
	for _, ref := range refs {
		if _, err := secrets.LoadRef(ref); err != nil {
			contexts := uniqueSortedStrings(usages[ref])
			errs = append(errs, fmt.Sprintf("secret preflight %q used by %s: %v", redactRef(ref), strings.Join(contexts, ", "), err))
		}
	}
	return errs
}

func addSecretRefUsage(usages map[string][]string, ref, usage string) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return
	}
	usages[ref] = append(usages[ref], usage)
}

// redactRef hides literal token values in messages.
func redactRef(ref string) string {
	if strings.HasPrefix(ref, "raw:") {
		return "raw:***"
	}
	return ref
}

func uniqueSortedStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := append([]string(nil), values...)
	sort.Strings(out)
	w := 1
	for _, v := range out[1:] {
		if v == out[w-1] {
			continue
		}
		out[w] = v
		w++
	}
	return out[:w]
}
