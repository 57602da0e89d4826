package config

import (
	"strings"
)

func format(cfg *Config) []byte {
	var b strings.Builder
	for _, line := range cfg.Preamble {
		b.WriteString(strings.TrimRight(line, " \t"))
		b.WriteByte('\n')
	}
	for i, d := range cfg.Directives {
		if i > 0 || len(cfg.Preamble) > 0 {
			b.WriteByte('\n')
		}
		writeDirective(&b, d, 0)
	}
	return []byte(b.String())
}

func writeDirective(b *strings.Builder, d *Directive, depth int) {
	indent := strings.Repeat("  ", depth)
	b.WriteString(indent)
	b.WriteString(d.Name)
	for _, a := range d.Args {
		b.WriteByte(' ')
		b.WriteString(formatArg(a))
	}
	if !d.HasBlock {
		b.WriteByte('\n')
		return
	}
	b.WriteString(" {\n")
	for _, c := range d.Body {
		writeDirective(b, c, depth+1)
	}
	b.WriteString(indent)
	b.WriteString("}\n")
}

func formatArg(a Arg) string {
	if !a.Quoted && isBareWord(a.Value) {
		return a.Value
	}
	return quote(a.Value)
}

// quote writes v with the escapes the lexer understands.
func quote(v string) string {
	var b strings.Builder
	b.Grow(len(v) + 2)
	b.WriteByte('"')
	for _, r := range v {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
