package expr

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// Environment builds and compiles CEL programs against the render request state.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the CEL variables exposed to gadget allow rules.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("gadget", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("prefs", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("view", cel.StringType),
		cel.Variable("container", cel.StringType),
		cel.Variable("now", cel.TimestampType),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Activation carries the values bound to the environment's variables for a
// single evaluation.
type Activation struct {
	Request   map[string]any
	Gadget    map[string]any
	Prefs     map[string]string
	View      string
	Container string
	Now       time.Time
}

// Vars flattens the activation into the map form CEL programs evaluate against.
// Nil maps become empty maps so rules can index them without guards.
func (a Activation) Vars() map[string]any {
	request := a.Request
	if request == nil {
		request = map[string]any{}
	}
	gadget := a.Gadget
	if gadget == nil {
		gadget = map[string]any{}
	}
	prefs := a.Prefs
	if prefs == nil {
		prefs = map[string]string{}
	}
	now := a.Now
	if now.IsZero() {
		now = time.Now()
	}
	return map[string]any{
		"request":   request,
		"gadget":    gadget,
		"prefs":     prefs,
		"view":      a.View,
		"container": a.Container,
		"now":       now.UTC(),
	}
}

// Program wraps a compiled CEL program that yields a boolean result.
type Program struct {
	source  string
	program cel.Program
}

// Compile prepares the program for execution, ensuring the expression yields a boolean.
func (e *Environment) Compile(expression string) (Program, error) {
	if e == nil || e.env == nil {
		return Program{}, fmt.Errorf("expr: environment not initialized")
	}
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return Program{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", expr, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Program{}, fmt.Errorf("expr: %q must return bool, got %s", expr, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", expr, err)
	}
	return Program{source: expr, program: program}, nil
}

// Valid reports whether the program was compiled. The zero Program represents
// an absent rule.
func (p Program) Valid() bool { return p.program != nil }

// Source returns the original CEL expression for logging.
func (p Program) Source() string { return p.source }

// EvalBool executes the program against the activation and coerces the result to bool.
func (p Program) EvalBool(act Activation) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(act.Vars())
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", p.source, val)
}

func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}
