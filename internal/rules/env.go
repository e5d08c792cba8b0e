// Package rules loads compliance rule documents, compiles their CEL
// expressions through the tier-2 rule cache, and exposes the resulting
// immutable rule set to the validation stages.
package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Environment declares the CEL variables a compliance rule can reference:
// the raw content as a string, request metadata, and the caller-supplied
// context map.
type Environment struct {
	env *cel.Env
}

// NewEnvironment builds the shared compilation environment. One environment
// serves every rule; compiled programs are independent of it afterwards.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("content", cel.StringType),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.StringType)),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Compile checks and plans a rule expression, requiring a boolean result:
// true means the rule matched the request.
func (e *Environment) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rules: compile %q: %w", expression, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return nil, fmt.Errorf("rules: expression %q must yield a boolean, got %s", expression, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("rules: plan %q: %w", expression, err)
	}
	return program, nil
}

// EvalMatch runs a compiled rule program against an activation and coerces
// the result to bool.
func EvalMatch(program cel.Program, activation map[string]any) (bool, error) {
	val, _, err := program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("rules: eval: %w", err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if b, ok := v.Value().(bool); ok {
			return b, nil
		}
	}
	return false, fmt.Errorf("rules: eval yielded non-bool result %T", val)
}
