package sandbox

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/loomworks/loom/internal/domain"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokDollar
	tokPunct
	tokKeyword
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]bool{
	"let":    true,
	"if":     true,
	"else":   true,
	"while":  true,
	"return": true,
	"true":   true,
	"false":  true,
	"null":   true,
}

type lexer struct {
	src string
	pos int
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	var tokens []token

	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.kind == tokEOF {
			return tokens, nil
		}
	}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	switch {
	case c >= '0' && c <= '9':
		return l.lexNumber(start)
	case c == '"' || c == '\'':
		return l.lexString(start, c)
	case c == '$':
		l.pos++
		for l.pos < len(l.src) && isIdentChar(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokDollar, text: l.src[start:l.pos], pos: start}, nil
	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentChar(l.src[l.pos]) {
			l.pos++
		}
		text := l.src[start:l.pos]
		if keywords[text] {
			return token{kind: tokKeyword, text: text, pos: start}, nil
		}
		return token{kind: tokIdent, text: text, pos: start}, nil
	default:
		return l.lexPunct(start)
	}
}

func (l *lexer) lexNumber(start int) (token, error) {
	seenDot := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '.' {
			if seenDot {
				break
			}
			// A dot not followed by a digit is member access, not a
			// fractional part.
			if l.pos+1 >= len(l.src) || l.src[l.pos+1] < '0' || l.src[l.pos+1] > '9' {
				break
			}
			seenDot = true
		} else if c < '0' || c > '9' {
			break
		}
		l.pos++
	}
	return token{kind: tokNumber, text: l.src[start:l.pos], pos: start}, nil
}

func (l *lexer) lexString(start int, quote byte) (token, error) {
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' {
			if l.pos+1 >= len(l.src) {
				break
			}
			l.pos++
			switch l.src[l.pos] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '"', '\'':
				sb.WriteByte(l.src[l.pos])
			default:
				return token{}, domain.NewExpressionError(domain.ExpressionSyntax, l.src,
					fmt.Sprintf("unknown escape \\%c", l.src[l.pos]), l.pos)
			}
			l.pos++
			continue
		}
		if c == quote {
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, domain.NewExpressionError(domain.ExpressionSyntax, l.src, "unterminated string", start)
}

var twoCharPunct = map[string]bool{
	"==": true, "!=": true, "<=": true, ">=": true, "&&": true, "||": true,
}

func (l *lexer) lexPunct(start int) (token, error) {
	if l.pos+1 < len(l.src) {
		two := l.src[l.pos : l.pos+2]
		if twoCharPunct[two] {
			l.pos += 2
			return token{kind: tokPunct, text: two, pos: start}, nil
		}
	}

	c := l.src[l.pos]
	if strings.ContainsRune("+-*/%<>!?:;,.()[]{}=", rune(c)) {
		l.pos++
		return token{kind: tokPunct, text: string(c), pos: start}, nil
	}

	return token{}, domain.NewExpressionError(domain.ExpressionSyntax, l.src,
		fmt.Sprintf("unexpected character %q", c), start)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdentStart(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c))
}

func isIdentChar(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))
}
