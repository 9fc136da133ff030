package asm

import (
	"strconv"
	"strings"
)

// PixelResolver maps a pixel literal to a dialect's string id.
type PixelResolver func(literal string) (string, bool)

// Emit renders the program as target text for one dialect. Every dialect
// receives identical output except that pixel literals are replaced with
// the dialect-specific string id, quoted. An unknown literal yields a
// PixelIdError.
func (p *Program) Emit(resolve PixelResolver) (string, error) {
	var sb strings.Builder
	if err := emitStmts(&sb, p.Stmts, 0, resolve); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func emitStmts(sb *strings.Builder, stmts []*Stmt, depth int, resolve PixelResolver) error {
	for _, s := range stmts {
		if err := emitStmt(sb, s, depth, resolve); err != nil {
			return err
		}
	}
	return nil
}

func emitStmt(sb *strings.Builder, s *Stmt, depth int, resolve PixelResolver) error {
	indent := strings.Repeat("  ", depth)
	switch s.Op {
	case "if", "while":
		cond, err := renderArg(s.Args[0], resolve)
		if err != nil {
			return err
		}
		sb.WriteString(indent + s.Op + " " + cond + "\n")
		if err := emitStmts(sb, s.Body, depth+1, resolve); err != nil {
			return err
		}
		if s.Op == "if" && len(s.Else) > 0 {
			sb.WriteString(indent + "else\n")
			if err := emitStmts(sb, s.Else, depth+1, resolve); err != nil {
				return err
			}
		}
		sb.WriteString(indent + "end\n")
	case "for":
		count, err := renderArg(s.Args[0], resolve)
		if err != nil {
			return err
		}
		sb.WriteString(indent + "for " + strconv.Quote(s.Name) + " " + count + "\n")
		if err := emitStmts(sb, s.Body, depth+1, resolve); err != nil {
			return err
		}
		sb.WriteString(indent + "end\n")
	case "function":
		sb.WriteString(indent + "function " + strconv.Quote(s.Name) + "\n")
		if err := emitStmts(sb, s.Body, depth+1, resolve); err != nil {
			return err
		}
		sb.WriteString(indent + "end\n")
	case "break", "continue":
		sb.WriteString(indent + s.Op + "\n")
	default:
		parts := make([]string, 0, len(s.Args)+1)
		if s.Name != "" {
			parts = append(parts, strconv.Quote(s.Name))
		}
		for _, a := range s.Args {
			rendered, err := renderArg(a, resolve)
			if err != nil {
				return err
			}
			parts = append(parts, rendered)
		}
		sb.WriteString(indent + s.Op + "(" + strings.Join(parts, ", ") + ")\n")
	}
	return nil
}

// renderArg substitutes each pixel(...) call with the dialect string id.
func renderArg(a *Arg, resolve PixelResolver) (string, error) {
	out := a.raw
	for _, lit := range a.pixels {
		id, ok := resolve(lit)
		if !ok {
			return "", &PixelIdError{Literal: lit}
		}
		out = strings.ReplaceAll(out, `pixel(`+strconv.Quote(lit)+`)`, strconv.Quote(id))
	}
	return out, nil
}
