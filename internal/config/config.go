package config

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Config is the parsed Commandfeedfile. It keeps the directives in input
// order; Compile turns it into runtime settings.
type Config struct {
	// Preamble holds the comment lines before the first directive.
	Preamble   []string
	Directives []*Directive
}

// Directive is one `name arg... [{ ... }]` statement.
type Directive struct {
	Name     string
	Args     []Arg
	Body     []*Directive
	HasBlock bool
	Pos      position
}

type Arg struct {
	Value  string
	Quoted bool
}

// Block returns the first top-level directive called name.
func (c *Config) Block(name string) *Directive {
	if c == nil {
		return nil
	}
	return find(c.Directives, name)
}

// Child returns the first nested directive called name.
func (d *Directive) Child(name string) *Directive {
	if d == nil {
		return nil
	}
	return find(d.Body, name)
}

// Children returns every nested directive called name.
func (d *Directive) Children(name string) []*Directive {
	if d == nil {
		return nil
	}
	var out []*Directive
	for _, c := range d.Body {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func (d *Directive) Arg(i int) string {
	if d == nil || i < 0 || i >= len(d.Args) {
		return ""
	}
	return d.Args[i].Value
}

func (d *Directive) Values() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.Args))
	for _, a := range d.Args {
		out = append(out, a.Value)
	}
	return out
}

func find(list []*Directive, name string) *Directive {
	for _, d := range list {
		if d.Name == name {
			return d
		}
	}
	return nil
}

func Parse(input []byte) (*Config, error) {
	norm := normalizeInput(input)
	p := newParser(string(norm))
	cfg, err := p.parse()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, errors.New("empty config")
	}
	return cfg, nil
}

// Format returns a deterministic representation of the parsed config.
//
// The formatter does not expand defaults; it formats only what is present in
// the input file.
func Format(cfg *Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	return canonicalize(format(cfg)), nil
}

// Validate checks whether the config can be compiled for runtime.
func Validate(cfg *Config) error {
	_, res := Compile(cfg)
	if res.OK {
		return nil
	}
	if len(res.Errors) == 0 {
		return errors.New("invalid config")
	}
	return errors.New(res.Errors[0])
}

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

type ValidationOptions struct {
	// SecretPreflight loads every token ref (`env:`, `file:`, `raw:`) to
	// catch missing secrets during validation.
	SecretPreflight bool
}

func ValidateWithResult(cfg *Config) ValidationResult {
	return ValidateWithResultOptions(cfg, ValidationOptions{})
}

func ValidateWithResultOptions(cfg *Config, options ValidationOptions) ValidationResult {
	compiled, res := Compile(cfg)
	if !res.OK || !options.SecretPreflight {
		return res
	}
	res.Errors = append(res.Errors, validateSecretPreflight(compiled)...)
	if len(res.Errors) > 0 {
		res.OK = false
	}
	return res
}

func FormatValidationJSON(res ValidationResult) (string, error) {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func FormatValidationText(res ValidationResult) string {
	if res.OK {
		if len(res.Warnings) == 0 {
			return "config ok"
		}
		return fmt.Sprintf("config ok (warnings: %d)", len(res.Warnings))
	}
	if len(res.Errors) == 0 {
		return "config invalid"
	}
	return fmt.Sprintf("config invalid: %s", res.Errors[0])
}

// normalizeInput strips a UTF-8 BOM and normalizes CRLF/CR to LF.
func normalizeInput(in []byte) []byte {
	if len(in) >= 3 && in[0] == 0xEF && in[1] == 0xBB && in[2] == 0xBF {
		in = in[3:]
	}
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		b := in[i]
		if b == '\r' {
			if i+1 < len(in) && in[i+1] == '\n' {
				i++
			}
			out = append(out, '\n')
			continue
		}
		out = append(out, b)
	}
	return out
}

// canonicalize is normalizeInput plus exactly one trailing newline.
func canonicalize(in []byte) []byte {
	out := normalizeInput(in)
	for len(out) > 0 {
		last := out[len(out)-1]
		if last == '\n' || last == ' ' || last == '\t' {
			out = out[:len(out)-1]
			continue
		}
		break
	}
	return append(out, '\n')
}
