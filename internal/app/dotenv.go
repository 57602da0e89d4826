package app

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// dotenvFiles collects repeated --dotenv flags.
type dotenvFiles []string

func (d *dotenvFiles) String() string { return strings.Join(*d, ",") }

func (d *dotenvFiles) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return fmt.Errorf("empty dotenv path")
	}
	*d = append(*d, v)
	return nil
}

// loadDotenv applies each file in order. Variables already set to a
// non-empty value win over file contents, and earlier files win over later
// ones. Unquoted and double-quoted values expand ${NAME} references.
func loadDotenv(paths ...string) error {
	for _, p := range paths {
		if err := loadDotenvFile(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func loadDotenvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		key, val, ok, err := parseDotenvLine(sc.Text())
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		if !ok {
			continue
		}
		if cur, set := os.LookupEnv(key); set && cur != "" {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return sc.Err()
}

func parseDotenvLine(line string) (key, val string, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false, nil
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

	key, val, found := strings.Cut(line, "=")
	if !found {
		return "", "", false, fmt.Errorf("missing '='")
	}
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false, fmt.Errorf("invalid key %q", key)
	}
	val = strings.TrimSpace(val)
	switch {
	case len(val) >= 2 && val[0] == '\'' && val[len(val)-1] == '\'':
		return key, val[1 : len(val)-1], true, nil
	case len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"':
		u, err := strconv.Unquote(val)
		if err != nil {
			return "", "", false, err
		}
		return key, os.ExpandEnv(u), true, nil
	case strings.HasPrefix(val, `"`) || strings.HasPrefix(val, "'"):
		return "", "", false, fmt.Errorf("unterminated quoted value")
	default:
		if i := strings.Index(val, " #"); i >= 0 {
			val = strings.TrimSpace(val[:i])
		}
		return key, os.ExpandEnv(val), true, nil
	}
}
