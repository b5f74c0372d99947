package expr

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// tokenKind classifies a lexed token.
type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokKeyword // and, or, not, in, True, False, None (and lowercase aliases)
	tokOp      // + - * / % ** == != < <= > >= ( ) [ ] ,
)

// token is a single lexical unit with its source position.
type token struct {
	kind tokenKind
	text string
	pos  int

	// For tokNumber
	isFloat  bool
	intVal   int64
	floatVal float64
}

// keywords are words with grammatical meaning. Capitalized boolean and None
// literals are accepted alongside lowercase forms since both appear in
// operator-authored config.
var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true,
	"True": true, "False": true, "None": true,
	"true": true, "false": true, "none": true,
}

// lexer scans an expression into tokens.
type lexer struct {
	src string
	pos int
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	ch := l.src[l.pos]

	switch {
	case ch >= '0' && ch <= '9', ch == '.' && l.peekDigit(1):
		return l.lexNumber(start)
	case ch == '"' || ch == '\'':
		return l.lexString(start, rune(ch))
	case isIdentStart(rune(ch)):
		return l.lexIdent(start)
	}

	// Multi-char operators first.
	two := l.slice(2)
	switch two {
	case "**", "==", "!=", "<=", ">=":
		l.pos += 2
		return token{kind: tokOp, text: two, pos: start}, nil
	}

	switch ch {
	case '+', '-', '*', '/', '%', '<', '>', '(', ')', '[', ']', ',':
		l.pos++
		return token{kind: tokOp, text: string(ch), pos: start}, nil
	case '=':
		return token{}, errorf("assignment not allowed (position %d)", start)
	case '!':
		return token{}, errorf("unexpected '!' (use 'not' or '!=') at position %d", start)
	case '.':
		return token{}, errorf("attribute access not allowed (position %d)", start)
	}

	r, _ := utf8.DecodeRuneInString(l.src[l.pos:])
	return token{}, errorf("unexpected character %q at position %d", r, start)
}

// lexNumber scans an integer or float literal.
func (l *lexer) lexNumber(start int) (token, error) {
	sawDot := false
	sawExp := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c >= '0' && c <= '9':
			l.pos++
		case c == '.' && !sawDot && !sawExp:
			sawDot = true
			l.pos++
		case (c == 'e' || c == 'E') && !sawExp && l.pos > start:
			sawExp = true
			l.pos++
			if l.pos < len(l.src) && (l.src[l.pos] == '+' || l.src[l.pos] == '-') {
				l.pos++
			}
		default:
			goto done
		}
	}
done:
	text := l.src[start:l.pos]
	if !sawDot && !sawExp {
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return token{}, errorf("invalid integer literal %q", text)
		}
		return token{kind: tokNumber, text: text, pos: start, intVal: n}, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, errorf("invalid float literal %q", text)
	}
	return token{kind: tokNumber, text: text, pos: start, isFloat: true, floatVal: f}, nil
}

// lexString scans a single- or double-quoted string with backslash escapes.
func (l *lexer) lexString(start int, quote rune) (token, error) {
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		l.pos += size
		switch r {
		case quote:
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		case '\\':
			if l.pos >= len(l.src) {
				return token{}, errorf("unterminated string literal at position %d", start)
			}
			esc, esize := utf8.DecodeRuneInString(l.src[l.pos:])
			l.pos += esize
			switch esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '\'', '"':
				sb.WriteRune(esc)
			default:
				return token{}, errorf("unsupported escape \\%c in string literal", esc)
			}
		default:
			sb.WriteRune(r)
		}
	}
	return token{}, errorf("unterminated string literal at position %d", start)
}

// lexIdent scans an identifier or keyword. Names beginning with a double
// underscore are rejected outright.
func (l *lexer) lexIdent(start int) (token, error) {
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if !isIdentPart(r) {
			break
		}
		l.pos += size
	}
	text := l.src[start:l.pos]
	if strings.HasPrefix(text, "__") {
		return token{}, errorf("dunder names not allowed: %q", text)
	}
	if keywords[text] {
		return token{kind: tokKeyword, text: text, pos: start}, nil
	}
	return token{kind: tokIdent, text: text, pos: start}, nil
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

// slice returns up to n bytes starting at the current position.
func (l *lexer) slice(n int) string {
	end := l.pos + n
	if end > len(l.src) {
		end = len(l.src)
	}
	return l.src[l.pos:end]
}

// peekDigit reports whether the byte at offset is an ASCII digit.
func (l *lexer) peekDigit(offset int) bool {
	i := l.pos + offset
	return i < len(l.src) && l.src[i] >= '0' && l.src[i] <= '9'
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
