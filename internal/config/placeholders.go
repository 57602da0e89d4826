package config

import (
	"fmt"
	"os"
	"strings"
)

// resolvePlaceholders expands {$NAME}, {$NAME:default}, {env.NAME} and
// {file.path} in a config value.
func resolvePlaceholders(in string) (string, []string, []string) {
	if !strings.Contains(in, "{") {
		return in, nil, nil
	}

	var errs, warns []string
	var out strings.Builder
	out.Grow(len(in))

	for i := 0; i < len(in); {
		var open string
		switch {
		case strings.HasPrefix(in[i:], "{$"):
			open = "{$"
		case strings.HasPrefix(in[i:], "{env."):
			open = "{env."
		case strings.HasPrefix(in[i:], "{file."):
			open = "{file."
		default:
			out.WriteByte(in[i])
			i++
			continue
		}

		end := strings.IndexByte(in[i+len(open):], '}')
		if end == -1 {
			errs = append(errs, fmt.Sprintf("unterminated %s...} placeholder", open))
			out.WriteString(in[i:])
			break
		}
		body := in[i+len(open) : i+len(open)+end]
		i += len(open) + end + 1

		if open == "{file." {
			if body == "" {
				errs = append(errs, "empty path in {file.*} placeholder")
				continue
			}
			b, err := os.ReadFile(body)
			if err != nil {
				errs = append(errs, fmt.Sprintf("file placeholder %q: %v", body, err))
				continue
			}
			out.WriteString(strings.TrimRight(string(b), "\r\n"))
			continue
		}

		name, def, hasDef := body, "", false
		if open == "{$" {
			name, def, hasDef = strings.Cut(body, ":")
		}
		if name == "" {
			errs = append(errs, fmt.Sprintf("empty env var in %s...} placeholder", open))
			continue
		}
		val, ok := os.LookupEnv(name)
		if !ok {
			val = def
			if !hasDef {
				warns = append(warns, fmt.Sprintf("env var %q not set; replaced with empty string", name))
			}
		}
		out.WriteString(val)
	}

	return out.String(), errs, warns
}

func resolveValue(in, field string, res *ValidationResult) string {
	val, errs, warns := resolvePlaceholders(in)
	for _, err := range errs {
		res.errorf("%s: %s", field, err)
	}
	for _, warn := range warns {
		res.warnf("%s: %s", field, warn)
	}
	return val
}
