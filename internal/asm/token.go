package asm

import (
	"fmt"
	"strings"
)

type tokKind int

const (
	tokAtom  tokKind = iota // number or bare word
	tokVar                  // <name> or <name[expr]>, text is the inner part
	tokStr                  // "…", text is the inner part
	tokPixel                // {…}, text is the inner part
	tokParen                // (…), text is the inner part
	tokOp                   // operator
)

type token struct {
	kind tokKind
	text string
}

func (t token) isOperand() bool { return t.kind != tokOp }

// twoCharOps are matched before single-character operators.
var twoCharOps = []string{"~=", "~>", "~<", "<=", ">=", "==", "!=", "&&", "||"}

const singleOps = "+-*/%^<>!"

// tokenize splits one source line into tokens. Bracketed variables,
// array accesses, strings, pixel literals and parenthesized
// subexpressions are single tokens; `//` starts a comment.
func tokenize(line string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(line) {
		ch := line[i]
		switch {
		case ch == ' ' || ch == '\t':
			i++
		case strings.HasPrefix(line[i:], "//"):
			return toks, nil
		case ch == '<' && i+1 < len(line) && isNameStart(line[i+1]):
			inner, next, err := scanAngle(line, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokVar, text: inner})
			i = next
		case ch == '"':
			end := strings.IndexByte(line[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, token{kind: tokStr, text: line[i+1 : i+1+end]})
			i += end + 2
		case ch == '{':
			end := strings.IndexByte(line[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated pixel literal")
			}
			toks = append(toks, token{kind: tokPixel, text: line[i+1 : i+1+end]})
			i += end + 2
		case ch == '(':
			inner, next, err := scanParen(line, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokParen, text: inner})
			i = next
		default:
			if op, ok := matchOp(line[i:]); ok {
				toks = append(toks, token{kind: tokOp, text: op})
				i += len(op)
				continue
			}
			start := i
			for i < len(line) && isAtomChar(line[i]) {
				i++
			}
			if i == start {
				return nil, fmt.Errorf("unexpected character %q", ch)
			}
			toks = append(toks, token{kind: tokAtom, text: line[start:i]})
		}
	}
	return toks, nil
}

func matchOp(s string) (string, bool) {
	for _, op := range twoCharOps {
		if strings.HasPrefix(s, op) {
			return op, true
		}
	}
	if strings.IndexByte(singleOps, s[0]) >= 0 {
		return s[:1], true
	}
	return "", false
}

// scanAngle scans a bracketed variable token, tracking nesting so an
// array index may itself contain a bracketed variable.
func scanAngle(line string, start int) (inner string, next int, err error) {
	depth := 0
	for i := start; i < len(line); i++ {
		switch line[i] {
		case '<':
			depth++
		case '>':
			depth--
			if depth == 0 {
				return line[start+1 : i], i + 1, nil
			}
		}
	}
	return "", 0, fmt.Errorf("unterminated variable token")
}

// scanParen scans a parenthesized subexpression, skipping strings.
func scanParen(line string, start int) (inner string, next int, err error) {
	depth := 0
	for i := start; i < len(line); i++ {
		switch line[i] {
		case '"':
			end := strings.IndexByte(line[i+1:], '"')
			if end < 0 {
				return "", 0, fmt.Errorf("unterminated string")
			}
			i += end + 1
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return line[start+1 : i], i + 1, nil
			}
		}
	}
	return "", 0, fmt.Errorf("unterminated parenthesis")
}

func isNameStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isAtomChar(ch byte) bool {
	return ch == '_' || ch == '.' ||
		(ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}
