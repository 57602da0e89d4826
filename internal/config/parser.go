package config

import (
	"fmt"
	"strings"
)

type blockMode int

const (
	blockNone blockMode = iota
	blockOptional
	blockRequired
)

// directiveSpec describes what a directive accepts. maxArgs < 0 means
// unbounded; unbounded arguments end at the end of the line.
type directiveSpec struct {
	minArgs int
	maxArgs int
	block   blockMode
	repeat  bool
	body    map[string]directiveSpec
}

type parser struct {
	lex     *lexer
	peeked  token
	hasPeek bool
}

func newParser(src string) *parser {
	return &parser{lex: newLexer(src)}
}

func (p *parser) parse() (*Config, error) {
	cfg := &Config{}
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.kind != tokComment {
			break
		}
		_, _ = p.next()
		cfg.Preamble = append(cfg.Preamble, tok.text)
	}

	dirs, err := p.parseDirectives(topLevel, "", false)
	if err != nil {
		return nil, err
	}
	if len(dirs) == 0 {
		return nil, nil
	}
	cfg.Directives = dirs
	return cfg, nil
}

// parseDirectives reads directives until EOF (top level) or the closing
// brace of the enclosing block.
func (p *parser) parseDirectives(schema map[string]directiveSpec, scope string, nested bool) ([]*Directive, error) {
	var out []*Directive
	seen := map[string]bool{}
	for {
		tok, err := p.next()
		if err != nil {
			return nil, err
		}
		switch tok.kind {
		case tokComment:
			continue
		case tokEOF:
			if nested {
				return nil, p.errAt(tok.pos, "unterminated block %q", scope)
			}
			return out, nil
		case tokRBrace:
			if !nested {
				return nil, p.errAt(tok.pos, "unexpected '}'")
			}
			return out, nil
		case tokWord:
		default:
			return nil, p.errAt(tok.pos, "expected directive name, got %s", tok.kind)
		}

		spec, ok := schema[tok.text]
		if !ok {
			if scope == "" {
				return nil, p.errAt(tok.pos, "unknown directive %q", tok.text)
			}
			return nil, p.errAt(tok.pos, "unknown directive %q in %s", tok.text, scope)
		}
		if seen[tok.text] && !spec.repeat {
			return nil, p.errAt(tok.pos, "duplicate %s", qualify(scope, tok.text))
		}
		seen[tok.text] = true

		d, err := p.parseDirective(tok, spec, qualify(scope, tok.text))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
}

func (p *parser) parseDirective(name token, spec directiveSpec, path string) (*Directive, error) {
	d := &Directive{Name: name.text, Pos: name.pos}
	for spec.maxArgs < 0 || len(d.Args) < spec.maxArgs {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.kind != tokWord && tok.kind != tokString {
			break
		}
		if tok.pos.line != name.pos.line {
			break
		}
		_, _ = p.next()
		d.Args = append(d.Args, Arg{Value: tok.text, Quoted: tok.kind == tokString})
	}
	if len(d.Args) < spec.minArgs {
		return nil, p.errAt(name.pos, "%s requires %s", path, plural(spec.minArgs, "argument"))
	}

	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	if tok.kind == tokLBrace && tok.pos.line == name.pos.line {
		if spec.block == blockNone {
			return nil, p.errAt(tok.pos, "%s does not take a block", path)
		}
		_, _ = p.next()
		body, err := p.parseDirectives(spec.body, path, true)
		if err != nil {
			return nil, err
		}
		d.Body = body
		d.HasBlock = true
		return d, nil
	}
	if spec.block == blockRequired {
		return nil, p.errAt(name.pos, "%s requires a block", path)
	}
	return d, nil
}

func (p *parser) peek() (token, error) {
	if p.hasPeek {
		return p.peeked, nil
	}
	tok, err := p.lex.nextToken()
	if err != nil {
		return token{}, err
	}
	p.peeked = tok
	p.hasPeek = true
	return tok, nil
}

func (p *parser) next() (token, error) {
	if p.hasPeek {
		p.hasPeek = false
		return p.peeked, nil
	}
	return p.lex.nextToken()
}

func (p *parser) errAt(pos position, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("config parse error at %s: %s", pos.String(), msg)
}

func qualify(scope, name string) string {
	if scope == "" {
		return name
	}
	return scope + "." + name
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}

// isBareWord reports whether v can be written without quotes.
func isBareWord(v string) bool {
	return v != "" && placeholderOnly(v)
}

// placeholderOnly reports whether v is made of words and placeholders that
// the lexer reads back as a single word.
func placeholderOnly(v string) bool {
	for i := 0; i < len(v); {
		if n := placeholderLen(v[i:]); n > 0 {
			i += n
			continue
		}
		if strings.ContainsRune(" \t\n\r{}\"#\\", rune(v[i])) {
			return false
		}
		i++
	}
	return true
}
