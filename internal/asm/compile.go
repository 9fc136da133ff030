package asm

import (
	"strings"
)

// Stmt is one lowered statement. Block statements (if/while/for/
// function) carry a Body; if additionally carries Else.
type Stmt struct {
	Line int
	Op   string
	Name string // name-position argument (setVariable, defArray, …)
	Args []*Arg
	Body []*Stmt
	Else []*Stmt
}

// Program is a compiled, dialect-neutral PixSimAssembly program.
type Program struct {
	Stmts []*Stmt
}

type instrSpec struct {
	op       string
	minArgs  int
	maxArgs  int // -1: unbounded
	takeName bool
}

var instructions = map[string]instrSpec{
	"WRITE":    {op: "setVariable", minArgs: 2, maxArgs: 2, takeName: true},
	"DEFARR":   {op: "defArray", minArgs: 2, maxArgs: 3, takeName: true},
	"WRITEARR": {op: "setArray", minArgs: 3, maxArgs: 3, takeName: true},
	"FNCALL":   {op: "callFunction", minArgs: 1, maxArgs: -1, takeName: true},
	"WAIT":     {op: "wait", minArgs: 1, maxArgs: 1},
	"PRINT":    {op: "print", minArgs: 1, maxArgs: -1},
	"SETPX":    {op: "setPixel", minArgs: 3, maxArgs: 3},
	"GETPX":    {op: "getPixel", minArgs: 2, maxArgs: 2},
	"SETAM":    {op: "setAmount", minArgs: 3, maxArgs: 3},
	"GETAM":    {op: "getAmount", minArgs: 2, maxArgs: 2},
	"CMOVE":    {op: "moveCamera", minArgs: 3, maxArgs: 4},
	"CSHAKE":   {op: "shakeCamera", minArgs: 3, maxArgs: 3},
	"WIN":      {op: "triggerWin", minArgs: 1, maxArgs: 1},
	"SOUND":    {op: "playSound", minArgs: 3, maxArgs: 4},
	"STARTSIM": {op: "startSim", minArgs: 0, maxArgs: 1},
	"STOPSIM":  {op: "stopSim", minArgs: 0, maxArgs: 0},
	"TICK":     {op: "awaitTick", minArgs: 0, maxArgs: 0},
}

// Block kinds tracked on the parse stack.
const (
	blockConditional = 0
	blockLoop        = 1
	blockIteration   = 2
)

type frame struct {
	kind   int
	stmt   *Stmt
	inElse bool
	isLoop bool // while or for: break/continue target
	line   int
}

// Compile parses src into a dialect-neutral program in a single pass.
func Compile(src string) (*Program, error) {
	p := &Program{}
	var stack []frame

	// cur returns the statement list currently being appended to.
	appendStmt := func(s *Stmt) {
		if len(stack) == 0 {
			p.Stmts = append(p.Stmts, s)
			return
		}
		top := &stack[len(stack)-1]
		if top.inElse {
			top.stmt.Else = append(top.stmt.Else, s)
		} else {
			top.stmt.Body = append(top.stmt.Body, s)
		}
	}
	inLoop := func() bool {
		for _, f := range stack {
			if f.isLoop {
				return true
			}
		}
		return false
	}

	for lineNo, line := range strings.Split(src, "\n") {
		n := lineNo + 1
		toks, err := tokenize(line)
		if err != nil {
			return nil, syntaxErrf(n, "%v", err)
		}
		if len(toks) == 0 {
			continue
		}
		if toks[0].kind != tokAtom {
			return nil, syntaxErrf(n, "expected an instruction")
		}
		instr := toks[0].text
		args := groupArgs(toks[1:])

		switch instr {
		case "IF", "WHILE", "FOR", "FUNCTION":
			s, f, err := compileBlockOpen(instr, n, args)
			if err != nil {
				return nil, err
			}
			appendStmt(s)
			stack = append(stack, f)

		case "ELIF":
			if len(stack) == 0 || stack[len(stack)-1].kind != blockConditional || stack[len(stack)-1].inElse {
				return nil, syntaxErrf(n, "ELIF without matching IF")
			}
			cond, err := compileCond(n, args, "ELIF")
			if err != nil {
				return nil, err
			}
			// An elif is an if nested in the else branch.
			ns := &Stmt{Line: n, Op: "if", Args: []*Arg{cond}}
			top := &stack[len(stack)-1]
			top.stmt.Else = []*Stmt{ns}
			top.stmt = ns

		case "ELSE":
			if len(stack) == 0 || stack[len(stack)-1].kind != blockConditional || stack[len(stack)-1].inElse {
				return nil, syntaxErrf(n, "ELSE without matching IF")
			}
			if len(args) != 0 {
				return nil, syntaxErrf(n, "ELSE takes no arguments")
			}
			stack[len(stack)-1].inElse = true

		case "END":
			if len(stack) == 0 {
				return nil, syntaxErrf(n, "END without an open block")
			}
			stack = stack[:len(stack)-1]

		case "BREAK", "CONTINUE":
			if !inLoop() {
				return nil, syntaxErrf(n, "%s outside a loop", instr)
			}
			if len(args) != 0 {
				return nil, syntaxErrf(n, "%s takes no arguments", instr)
			}
			appendStmt(&Stmt{Line: n, Op: strings.ToLower(instr)})

		default:
			spec, ok := instructions[instr]
			if !ok {
				return nil, syntaxErrf(n, "unknown instruction %q", instr)
			}
			s, err := compilePlain(spec, n, args)
			if err != nil {
				return nil, err
			}
			appendStmt(s)
		}
	}

	if len(stack) > 0 {
		open := stack[len(stack)-1]
		return nil, syntaxErrf(open.line, "unclosed block")
	}
	return p, nil
}

func compileBlockOpen(instr string, line int, args [][]token) (*Stmt, frame, error) {
	switch instr {
	case "IF":
		cond, err := compileCond(line, args, "IF")
		if err != nil {
			return nil, frame{}, err
		}
		s := &Stmt{Line: line, Op: "if", Args: []*Arg{cond}}
		return s, frame{kind: blockConditional, stmt: s, line: line}, nil
	case "WHILE":
		cond, err := compileCond(line, args, "WHILE")
		if err != nil {
			return nil, frame{}, err
		}
		s := &Stmt{Line: line, Op: "while", Args: []*Arg{cond}}
		return s, frame{kind: blockLoop, stmt: s, isLoop: true, line: line}, nil
	case "FOR":
		if len(args) != 2 {
			return nil, frame{}, syntaxErrf(line, "FOR takes a variable and a count")
		}
		name, err := nameOf(args[0])
		if err != nil {
			return nil, frame{}, syntaxErrf(line, "FOR: %v", err)
		}
		count, err := compileArg(args[1])
		if err != nil {
			return nil, frame{}, syntaxErrf(line, "FOR: %v", err)
		}
		s := &Stmt{Line: line, Op: "for", Name: name, Args: []*Arg{count}}
		return s, frame{kind: blockIteration, stmt: s, isLoop: true, line: line}, nil
	case "FUNCTION":
		if len(args) != 1 {
			return nil, frame{}, syntaxErrf(line, "FUNCTION takes a name")
		}
		name, err := nameOf(args[0])
		if err != nil {
			return nil, frame{}, syntaxErrf(line, "FUNCTION: %v", err)
		}
		s := &Stmt{Line: line, Op: "function", Name: name}
		return s, frame{kind: blockIteration, stmt: s, line: line}, nil
	}
	return nil, frame{}, syntaxErrf(line, "unknown block instruction %q", instr)
}

func compileCond(line int, args [][]token, instr string) (*Arg, error) {
	if len(args) != 1 {
		return nil, syntaxErrf(line, "%s takes one condition", instr)
	}
	cond, err := compileArg(args[0])
	if err != nil {
		return nil, syntaxErrf(line, "%s: %v", instr, err)
	}
	return cond, nil
}

func compilePlain(spec instrSpec, line int, args [][]token) (*Stmt, error) {
	s := &Stmt{Line: line, Op: spec.op}
	rest := args
	if spec.takeName {
		if len(args) == 0 {
			return nil, syntaxErrf(line, "%s: expected a name", spec.op)
		}
		name, err := nameOf(args[0])
		if err != nil {
			return nil, syntaxErrf(line, "%s: %v", spec.op, err)
		}
		s.Name = name
		rest = args[1:]
	}
	min, max := spec.minArgs, spec.maxArgs
	if spec.takeName {
		min--
		if max >= 0 {
			max--
		}
	}
	if len(rest) < min || (max >= 0 && len(rest) > max) {
		return nil, syntaxErrf(line, "%s: wrong argument count (%d)", spec.op, len(args))
	}
	for _, a := range rest {
		arg, err := compileArg(a)
		if err != nil {
			return nil, syntaxErrf(line, "%s: %v", spec.op, err)
		}
		s.Args = append(s.Args, arg)
	}
	return s, nil
}
