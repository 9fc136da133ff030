package asm

import (
	"errors"
	"fmt"

	"github.com/expr-lang/expr"
)

// Host receives the lowered calls when a program runs. Args are the
// evaluated argument values; name-position arguments come first.
type Host interface {
	Call(op string, args ...any) (any, error)
}

// maxSteps bounds one program run so a runaway while loop cannot hang
// the server.
const maxSteps = 1_000_000

var (
	errBreak    = errors.New("break")
	errContinue = errors.New("continue")
)

type runner struct {
	host  Host
	vars  map[string]any
	funcs map[string][]*Stmt
	steps int
}

// Run executes the program against host. Variables, arrays and
// function definitions live in the run's own scope; pixel literals
// evaluate to their canonical string id.
func (p *Program) Run(host Host) error {
	r := &runner{
		host:  host,
		vars:  make(map[string]any),
		funcs: make(map[string][]*Stmt),
	}
	err := r.exec(p.Stmts)
	if errors.Is(err, errBreak) || errors.Is(err, errContinue) {
		return nil
	}
	return err
}

func (r *runner) exec(stmts []*Stmt) error {
	for _, s := range stmts {
		if err := r.execStmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (r *runner) execStmt(s *Stmt) error {
	r.steps++
	if r.steps > maxSteps {
		return fmt.Errorf("line %d: step budget exhausted", s.Line)
	}
	switch s.Op {
	case "if":
		cond, err := r.eval(s.Args[0])
		if err != nil {
			return err
		}
		if truthy(cond) {
			return r.exec(s.Body)
		}
		return r.exec(s.Else)

	case "while":
		for {
			cond, err := r.eval(s.Args[0])
			if err != nil {
				return err
			}
			if !truthy(cond) {
				return nil
			}
			if err := r.exec(s.Body); err != nil {
				if errors.Is(err, errBreak) {
					return nil
				}
				if errors.Is(err, errContinue) {
					continue
				}
				return err
			}
			r.steps++
			if r.steps > maxSteps {
				return fmt.Errorf("line %d: step budget exhausted", s.Line)
			}
		}

	case "for":
		count, err := r.evalInt(s.Args[0])
		if err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			r.vars[s.Name] = i
			if err := r.exec(s.Body); err != nil {
				if errors.Is(err, errBreak) {
					return nil
				}
				if errors.Is(err, errContinue) {
					continue
				}
				return err
			}
		}
		return nil

	case "function":
		r.funcs[s.Name] = s.Body
		return nil

	case "break":
		return errBreak
	case "continue":
		return errContinue

	case "setVariable":
		val, err := r.eval(s.Args[0])
		if err != nil {
			return err
		}
		r.vars[s.Name] = val
		_, err = r.host.Call("setVariable", s.Name, val)
		return err

	case "defArray":
		size, err := r.evalInt(s.Args[0])
		if err != nil {
			return err
		}
		var fill any
		if len(s.Args) > 1 {
			if fill, err = r.eval(s.Args[1]); err != nil {
				return err
			}
		}
		arr := make([]any, size)
		for i := range arr {
			arr[i] = fill
		}
		r.vars[s.Name] = arr
		_, err = r.host.Call("defArray", s.Name, size, fill)
		return err

	case "setArray":
		idx, err := r.evalInt(s.Args[0])
		if err != nil {
			return err
		}
		val, err := r.eval(s.Args[1])
		if err != nil {
			return err
		}
		arr, ok := r.vars[s.Name].([]any)
		if !ok {
			return fmt.Errorf("line %d: %q is not an array", s.Line, s.Name)
		}
		if idx < 0 || idx >= len(arr) {
			return fmt.Errorf("line %d: index %d out of range for %q", s.Line, idx, s.Name)
		}
		arr[idx] = val
		_, err = r.host.Call("setArray", s.Name, idx, val)
		return err

	case "callFunction":
		args, err := r.evalAll(s.Args)
		if err != nil {
			return err
		}
		if body, ok := r.funcs[s.Name]; ok {
			if err := r.exec(body); err != nil && !errors.Is(err, errBreak) && !errors.Is(err, errContinue) {
				return err
			}
			return nil
		}
		_, err = r.host.Call("callFunction", append([]any{s.Name}, args...)...)
		return err

	default:
		args, err := r.evalAll(s.Args)
		if err != nil {
			return err
		}
		_, err = r.host.Call(s.Op, args...)
		return err
	}
}

func (r *runner) eval(a *Arg) (any, error) {
	env := map[string]any{
		"vars":  r.vars,
		"pixel": func(id string) string { return id },
	}
	out, err := expr.Run(a.prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", a.raw, err)
	}
	return out, nil
}

func (r *runner) evalAll(args []*Arg) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := r.eval(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (r *runner) evalInt(a *Arg) (int, error) {
	v, err := r.eval(a)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("evaluating %q: expected a number, got %T", a.raw, v)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}
