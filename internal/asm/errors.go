package asm

import "fmt"

// SyntaxError reports a structural problem in a PixSimAssembly source:
// unclosed block, wrong argument count, misplaced operator, unknown
// instruction.
type SyntaxError struct {
	Line    int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// PixelIdError reports a pixel literal with no id in the target dialect.
// It surfaces at emission, not at compile: the literal may be valid in
// other dialects.
type PixelIdError struct {
	Literal string
}

func (e *PixelIdError) Error() string {
	return fmt.Sprintf("unknown pixel literal {%s}", e.Literal)
}

func syntaxErrf(line int, format string, args ...any) error {
	return &SyntaxError{Line: line, Message: fmt.Sprintf(format, args...)}
}
