// Package secrets resolves secret references used for bearer tokens.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrSecretRef = errors.New("invalid secret reference")

type scheme struct {
	prefix string
	load   func(v string) ([]byte, error)
	check  func(v string) error
}

var schemes = []scheme{
	{prefix: "env:", check: requireName("env var name"), load: loadEnv},
	{prefix: "file:", check: requireName("file path"), load: loadFile},
	{prefix: "raw:", check: requireValue, load: func(v string) ([]byte, error) { return []byte(v), nil }},
}

// ValidateRef validates a secret reference format without loading its value.
//
// Supported forms:
// - env:NAME
// - file:/path/to/secret
// - raw:literal-value
func ValidateRef(ref string) error {
	_, _, err := splitRef(ref)
	return err
}

// LoadRef loads a secret value from a reference string. File values are
// trimmed of surrounding whitespace.
func LoadRef(ref string) ([]byte, error) {
	s, v, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	return s.load(v)
}

func splitRef(ref string) (scheme, string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return scheme{}, "", fmt.Errorf("%w: empty", ErrSecretRef)
	}
	for _, s := range schemes {
		v, ok := strings.CutPrefix(ref, s.prefix)
		if !ok {
			continue
		}
		if s.prefix != "raw:" {
			v = strings.TrimSpace(v)
		}
		if err := s.check(v); err != nil {
			return scheme{}, "", err
		}
		return s, v, nil
	}
	return scheme{}, "", fmt.Errorf("%w: unsupported scheme (use env:, file:, or raw:)", ErrSecretRef)
}

func requireName(what string) func(string) error {
	return func(v string) error {
		if v == "" {
			return fmt.Errorf("%w: %s is empty", ErrSecretRef, what)
		}
		return nil
	}
}

func requireValue(v string) error {
	if v == "" {
		return fmt.Errorf("%w: raw value is empty", ErrSecretRef)
	}
	return nil
}

func loadEnv(name string) ([]byte, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, name)
	}
	return []byte(val), nil
}

func loadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	val := strings.TrimSpace(string(b))
	if val == "" {
		return nil, fmt.Errorf("%w: file %q is empty", ErrSecretRef, path)
	}
	return []byte(val), nil
}
