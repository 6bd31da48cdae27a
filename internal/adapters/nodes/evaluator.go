package nodes

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

// Evaluator runs expr-lang expressions. Programs are compiled once per
// expression text and cached; they are compiled without a typed environment
// so the same program serves every input shape.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

var _ ports.ExpressionEvaluator = (*Evaluator)(nil)

func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

func (e *Evaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	e.cache[expression] = program
	return program, nil
}

func (e *Evaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *Evaluator) Evaluate(expression string, env map[string]interface{}) (interface{}, error) {
	program, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	return result, nil
}

func (e *Evaluator) EvaluateBool(expression string, env map[string]interface{}) (bool, error) {
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a boolean, got %T", expression, result)
	}
	return b, nil
}

// templateExpression extracts the expression from a "{{ ... }}" parameter value.
func templateExpression(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return "", false
	}
	return strings.TrimSpace(trimmed[2 : len(trimmed)-2]), true
}

// Resolve walks a parameter value and replaces every "{{ expr }}" string with
// the expression's result.
func Resolve(evaluator ports.ExpressionEvaluator, value interface{}, env map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		expression, ok := templateExpression(v)
		if !ok {
			return v, nil
		}
		return evaluator.Evaluate(expression, env)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			resolved, err := Resolve(evaluator, item, env)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := Resolve(evaluator, item, env)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// Env is the expression environment a node sees.
// resolveOnly resolves the named parameters and leaves the rest untouched.
func resolveOnly(evaluator ports.ExpressionEvaluator, node domain.Node, input ports.NodeInput, names ...string) (domain.Node, error) {
	params := make(map[string]interface{}, len(names))
	env := Env(input)
	for _, name := range names {
		raw, ok := node.Parameters[name]
		if !ok {
			continue
		}
		v, err := Resolve(evaluator, raw, env)
		if err != nil {
			return domain.Node{}, fmt.Errorf("%s: %w", name, err)
		}
		params[name] = v
	}
	return domain.Node{ID: node.ID, Type: node.Type, Parameters: params}, nil
}

func Env(input ports.NodeInput) map[string]interface{} {
	previous := make([]interface{}, len(input.Previous))
	for i, p := range input.Previous {
		previous[i] = p
	}
	return map[string]interface{}{
		"json":        input.Data,
		"vars":        input.Variables,
		"nodes":       input.Sources,
		"iteration":   input.Iteration,
		"previous":    previous,
		"executionId": input.ExecutionID,
		"workflowId":  input.WorkflowID,
	}
}
