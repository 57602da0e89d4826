package config

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokLBrace
	tokRBrace
	tokComment
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of file"
	case tokWord:
		return "word"
	case tokString:
		return "string"
	case tokLBrace:
		return "'{'"
	case tokRBrace:
		return "'}'"
	case tokComment:
		return "comment"
	default:
		return "token"
	}
}

type token struct {
	kind tokenKind
	text string
	pos  position
}

type position struct {
	line int
	col  int
}

func (p position) String() string {
	return fmt.Sprintf("%d:%d", p.line, p.col)
}

type lexer struct {
	src  string
	i    int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

func (l *lexer) nextToken() (token, error) {
	for {
		if l.i >= len(l.src) {
			return token{kind: tokEOF, pos: l.pos()}, nil
		}
		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		if r == utf8.RuneError && size == 1 {
			return token{}, fmt.Errorf("invalid utf-8 at %s", l.pos())
		}
		if isSpace(r) {
			l.consume(size, r)
			continue
		}

		pos := l.pos()
		switch r {
		case '{':
			if placeholderLen(l.src[l.i:]) > 0 {
				return token{kind: tokWord, text: l.readWord(), pos: pos}, nil
			}
			l.consume(size, r)
			return token{kind: tokLBrace, text: "{", pos: pos}, nil
		case '}':
			l.consume(size, r)
			return token{kind: tokRBrace, text: "}", pos: pos}, nil
		case '#':
			start := l.i
			for l.i < len(l.src) && l.src[l.i] != '\n' {
				r2, size2 := utf8.DecodeRuneInString(l.src[l.i:])
				l.consume(size2, r2)
			}
			return token{kind: tokComment, text: l.src[start:l.i], pos: pos}, nil
		case '"':
			s, err := l.readString()
			if err != nil {
				return token{}, err
			}
			return token{kind: tokString, text: s, pos: pos}, nil
		default:
			return token{kind: tokWord, text: l.readWord(), pos: pos}, nil
		}
	}
}

// readWord reads up to the next space, brace, quote or comment. Placeholders
// such as {$PORT} or {env.HOST} may appear anywhere inside a word.
func (l *lexer) readWord() string {
	start := l.i
	for l.i < len(l.src) {
		if n := placeholderLen(l.src[l.i:]); n > 0 {
			for end := l.i + n; l.i < end; {
				r, size := utf8.DecodeRuneInString(l.src[l.i:])
				l.consume(size, r)
			}
			continue
		}
		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		if isSpace(r) || r == '{' || r == '}' || r == '"' || r == '#' {
			break
		}
		l.consume(size, r)
	}
	return l.src[start:l.i]
}

// placeholderLen returns the byte length of the placeholder at the start of
// s, or 0 when s does not start with one.
func placeholderLen(s string) int {
	if !strings.HasPrefix(s, "{$") && !strings.HasPrefix(s, "{env.") && !strings.HasPrefix(s, "{file.") {
		return 0
	}
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '}':
			return i + 1
		case ' ', '\t', '\n', '\r', '{', '"':
			return 0
		}
	}
	return 0
}

func (l *lexer) readString() (string, error) {
	l.consume(1, '"')
	var out strings.Builder
	for {
		if l.i >= len(l.src) {
			return "", fmt.Errorf("unterminated string at %s", l.pos())
		}
		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		if r == utf8.RuneError && size == 1 {
			return "", fmt.Errorf("invalid utf-8 at %s", l.pos())
		}
		switch r {
		case '\n':
			return "", fmt.Errorf("unterminated string at %s", l.pos())
		case '"':
			l.consume(size, r)
			return out.String(), nil
		case '\\':
			l.consume(size, r)
			if l.i >= len(l.src) {
				return "", fmt.Errorf("unterminated escape at %s", l.pos())
			}
			er, esize := utf8.DecodeRuneInString(l.src[l.i:])
			l.consume(esize, er)
			switch er {
			case 'n':
				out.WriteByte('\n')
			case 't':
				out.WriteByte('\t')
			case 'r':
				out.WriteByte('\r')
			default:
				out.WriteRune(er)
			}
		default:
			l.consume(size, r)
			out.WriteRune(r)
		}
	}
}

func (l *lexer) consume(size int, r rune) {
	l.i += size
	if r == '\n' {
		l.line++
		l.col = 1
		return
	}
	l.col++
}

func (l *lexer) pos() position {
	return position{line: l.line, col: l.col}
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	default:
		return false
	}
}
