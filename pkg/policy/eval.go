package policy

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// programCache compiles and caches condition expressions.
//
// Conditions run against an untrusted-definition boundary, so the compiled
// environment is closed: every builtin except len is disabled, leaving
// literals, identifiers, dotted access, comparisons, in, and and/or/not.
type programCache struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newProgramCache() *programCache {
	return &programCache{programs: make(map[string]*vm.Program)}
}

func (c *programCache) compile(expression string) error {
	c.mu.RLock()
	_, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return nil
	}

	program, err := expr.Compile(expression,
		expr.AllowUndefinedVariables(),
		expr.DisableAllBuiltins(),
		expr.EnableBuiltin("len"),
	)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.programs[expression] = program
	c.mu.Unlock()
	return nil
}

// eval runs the expression against env and coerces the result to bool.
// nil is false; string, int and float64 results follow truthiness (empty or
// zero is false); any other result type is an error.
func (c *programCache) eval(expression string, env map[string]any) (bool, error) {
	if err := c.compile(expression); err != nil {
		return false, err
	}
	c.mu.RLock()
	program := c.programs[expression]
	c.mu.RUnlock()

	result, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	case string:
		return v != "", nil
	case int:
		return v != 0, nil
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("condition must evaluate to a boolean, got %T", result)
	}
}
