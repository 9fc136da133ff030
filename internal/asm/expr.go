package asm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Arg is one compiled argument expression. raw is the lowered source
// (with pixel literals as pixel("id") calls), prog the compiled program
// used by Run, and pixels the literals referenced.
type Arg struct {
	raw    string
	prog   *vm.Program
	name   string // set when the instruction takes a name, not a value
	pixels []string
}

// roundingOps lower the ~ prefix operators to builtin calls.
var roundingOps = map[string]string{
	"~=": "round",
	"~>": "ceil",
	"~<": "floor",
}

// groupArgs splits a token stream into argument expressions. A new
// argument starts at an operand that directly follows another operand;
// operators extend the current argument, except the prefix rounding
// operators, which open the argument they round.
func groupArgs(toks []token) [][]token {
	var args [][]token
	for _, t := range toks {
		n := len(args)
		starts := t.isOperand() || roundingOps[t.text] != ""
		if n == 0 || (starts && lastTok(args[n-1]).isOperand()) {
			args = append(args, []token{t})
			continue
		}
		args[n-1] = append(args[n-1], t)
	}
	return args
}

func lastTok(arg []token) token { return arg[len(arg)-1] }

// lowerTokens renders a token sequence as expression-VM source.
func lowerTokens(toks []token) (string, []string, error) {
	var (
		parts   []string
		pixels  []string
		pending string // rounding builtin awaiting its operand
	)
	emit := func(s string) {
		if pending != "" {
			s = pending + "(" + s + ")"
			pending = ""
		}
		parts = append(parts, s)
	}
	for _, t := range toks {
		switch t.kind {
		case tokOp:
			if fn, ok := roundingOps[t.text]; ok {
				if pending != "" {
					return "", nil, fmt.Errorf("misplaced operator %q", t.text)
				}
				pending = fn
				continue
			}
			parts = append(parts, t.text)
		case tokVar:
			s, px, err := lowerVar(t.text)
			if err != nil {
				return "", nil, err
			}
			pixels = append(pixels, px...)
			emit(s)
		case tokStr:
			emit(strconv.Quote(t.text))
		case tokPixel:
			pixels = append(pixels, t.text)
			emit(`pixel(` + strconv.Quote(t.text) + `)`)
		case tokParen:
			inner, err := tokenize(t.text)
			if err != nil {
				return "", nil, err
			}
			s, px, err := lowerTokens(inner)
			if err != nil {
				return "", nil, err
			}
			pixels = append(pixels, px...)
			emit("(" + s + ")")
		default:
			emit(t.text)
		}
	}
	if pending != "" {
		return "", nil, fmt.Errorf("misplaced operator")
	}
	if n := len(toks); n > 0 && toks[n-1].kind == tokOp {
		return "", nil, fmt.Errorf("misplaced operator %q", toks[n-1].text)
	}
	return strings.Join(parts, " "), pixels, nil
}

// lowerVar renders <name> or <name[expr]> as a vars lookup.
func lowerVar(inner string) (string, []string, error) {
	name, idx, isIndex := strings.Cut(inner, "[")
	if !isIndex {
		return `vars[` + strconv.Quote(inner) + `]`, nil, nil
	}
	idx = strings.TrimSuffix(idx, "]")
	toks, err := tokenize(idx)
	if err != nil {
		return "", nil, err
	}
	s, px, err := lowerTokens(toks)
	if err != nil {
		return "", nil, err
	}
	return `vars[` + strconv.Quote(name) + `][` + s + `]`, px, nil
}

// compileArg lowers and compiles one argument expression. Compilation
// validates the syntax; evaluation happens per Run.
func compileArg(toks []token) (*Arg, error) {
	raw, pixels, err := lowerTokens(toks)
	if err != nil {
		return nil, err
	}
	prog, err := expr.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("bad expression %q: %v", raw, err)
	}
	return &Arg{raw: raw, prog: prog, pixels: pixels}, nil
}

// nameOf extracts the identifier of a name-position argument, which must
// be a single bracketed variable or bare word.
func nameOf(toks []token) (string, error) {
	if len(toks) != 1 {
		return "", fmt.Errorf("expected a name")
	}
	switch toks[0].kind {
	case tokVar:
		name, _, isIndex := strings.Cut(toks[0].text, "[")
		if isIndex {
			return "", fmt.Errorf("expected a plain name, got an array access")
		}
		return name, nil
	case tokAtom:
		return toks[0].text, nil
	default:
		return "", fmt.Errorf("expected a name")
	}
}
