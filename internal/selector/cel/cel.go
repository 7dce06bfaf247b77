// Package cel compiles and evaluates selector expressions written in CEL.
//
// An expression sees three variables: fields (map of field name to text,
// null fields map to null), item and user.
package cel

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/syntrixbase/itemgate/internal/event"
)

// Compiler compiles selector expressions and caches the programs.
type Compiler struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCompiler creates a compiler with the selector environment.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("item", cel.StringType),
		cel.Variable("user", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("CEL environment error: %w", err)
	}
	return &Compiler{env: env, cache: make(map[string]cel.Program)}, nil
}

// Compile compiles expr, returning the cached program when available.
// The expression must produce a boolean.
func (c *Compiler) Compile(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.cache[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if kind := ast.OutputType().Kind(); kind != types.BoolKind && kind != types.DynKind {
		return nil, fmt.Errorf("CEL selector must be boolean, got %s", ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation error: %w", err)
	}

	c.mu.Lock()
	c.cache[expr] = prg
	c.mu.Unlock()
	return prg, nil
}

// Evaluate runs prg against ev. A nil program selects everything.
func Evaluate(prg cel.Program, user, item string, ev *event.Event) (bool, error) {
	if prg == nil {
		return true, nil
	}

	fields := make(map[string]any, ev.Len())
	for _, f := range ev.Fields() {
		if f.Value.IsNull() {
			fields[f.Name] = nil
		} else {
			fields[f.Name] = f.Value.String()
		}
	}

	out, _, err := prg.Eval(map[string]any{
		"fields": fields,
		"item":   item,
		"user":   user,
	})
	if err != nil {
		return false, err
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL result is not boolean: %T", out.Value())
	}
	return result, nil
}
