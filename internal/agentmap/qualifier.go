package agentmap

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrMalformedQualifier = errors.New("malformed asset qualifier")

// Qualifier is a parsed "AssetType=X;Key=Value" asset description.
type Qualifier struct {
	AssetType string
	props     map[string]string
}

// ParseQualifier parses a qualifier string. AssetType is required; keys
// are case-insensitive.
func ParseQualifier(raw string) (Qualifier, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Qualifier{}, fmt.Errorf("%w: empty", ErrMalformedQualifier)
	}
	q := Qualifier{props: map[string]string{}}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if !ok || k == "" {
			return Qualifier{}, fmt.Errorf("%w: %q", ErrMalformedQualifier, part)
		}
		if _, dup := q.props[k]; dup {
			return Qualifier{}, fmt.Errorf("%w: duplicate key %q", ErrMalformedQualifier, k)
		}
		q.props[k] = v
	}
	q.AssetType = q.props["assettype"]
	if q.AssetType == "" {
		return Qualifier{}, fmt.Errorf("%w: missing AssetType", ErrMalformedQualifier)
	}
	return q, nil
}

// Property returns a qualifier property by case-insensitive key.
func (q Qualifier) Property(key string) string {
	return q.props[strings.ToLower(key)]
}

// String renders the qualifier with keys in a stable order.
func (q Qualifier) String() string {
	if len(q.props) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q.props))
	for k := range q.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strings.ToLower(q.props[k]))
	}
	return strings.Join(parts, ";")
}

func (q Qualifier) Equal(other Qualifier) bool {
	return q.String() != "" && q.String() == other.String()
}
