package script

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// Execute evaluates expression with the loaded source in scope as the
// `source` variable. The expression VM has no file, environment or
// network bindings, and any compile error, runtime error or panic in the
// expression is returned as its text rather than propagated.
func (l *Loader) Execute(expression string) (result any) {
	l.mu.Lock()
	src := l.source
	done := l.done
	l.mu.Unlock()

	if done {
		return "Error: loader terminated"
	}

	defer func() {
		if r := recover(); r != nil {
			result = fmt.Sprintf("Error: %v", r)
		}
	}()

	env := map[string]any{"source": src}
	out, err := expr.Eval(expression, env)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return out
}
