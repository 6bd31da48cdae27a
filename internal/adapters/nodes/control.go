package nodes

import (
	"context"
	"fmt"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

type ifNode struct {
	evaluator ports.ExpressionEvaluator
}

func (n *ifNode) Spec() domain.NodeSpec {
	return domain.NodeSpec{
		Type:     domain.NodeTypeIf,
		Kind:     domain.KindConditional,
		Version:  1,
		Inputs:   1,
		Outputs:  2,
		Required: []string{"condition"},
		Produces: domain.PayloadAny,
		Accepts:  []domain.PayloadKind{domain.PayloadAny},
	}
}

func (n *ifNode) CheckParameters(node domain.Node) []domain.Finding {
	return checkExpression(n.evaluator, node, "condition")
}

func (n *ifNode) Execute(ctx context.Context, node domain.Node, input ports.NodeInput) (ports.NodeOutput, error) {
	ok, err := n.evaluator.EvaluateBool(stringParam(node, "condition"), Env(input))
	if err != nil {
		return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, "evaluate condition", err)
	}
	port := domain.IfFalsePort
	if ok {
		port = domain.IfTruePort
	}
	return ports.NodeOutput{Data: input.Data, ActivePorts: []int{port}}, nil
}

// switchNode routes its input to the port of the first matching rule, or of
// every matching rule in "all" mode. The last port is the fallback.
type switchNode struct {
	evaluator ports.ExpressionEvaluator
}

func (n *switchNode) Spec() domain.NodeSpec {
	return domain.NodeSpec{
		Type:            domain.NodeTypeSwitch,
		Kind:            domain.KindConditional,
		Version:         1,
		Inputs:          1,
		Outputs:         1,
		Required:        []string{"rules"},
		Produces:        domain.PayloadAny,
		Accepts:         []domain.PayloadKind{domain.PayloadAny},
		VariadicOutputs: true,
	}
}

func (n *switchNode) rules(node domain.Node) ([]string, error) {
	raw, ok := node.Parameters["rules"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("rules must be a list")
	}
	rules := make([]string, 0, len(raw))
	for i, r := range raw {
		switch v := r.(type) {
		case string:
			rules = append(rules, v)
		case map[string]interface{}:
			cond, ok := v["condition"].(string)
			if !ok {
				return nil, fmt.Errorf("rule %d has no condition", i)
			}
			rules = append(rules, cond)
		default:
			return nil, fmt.Errorf("rule %d has unsupported type %T", i, r)
		}
	}
	return rules, nil
}

func (n *switchNode) OutputCount(node domain.Node) int {
	rules, err := n.rules(node)
	if err != nil {
		return 1
	}
	return len(rules) + 1
}

func (n *switchNode) CheckParameters(node domain.Node) []domain.Finding {
	rules, err := n.rules(node)
	if err != nil {
		if node.Parameters["rules"] == nil {
			return nil
		}
		return []domain.Finding{finding(node, "rules", domain.SeverityError, "parameter_type", "%v", err)}
	}

	var findings []domain.Finding
	for i, rule := range rules {
		if err := n.evaluator.Compile(rule); err != nil {
			findings = append(findings, finding(node, fmt.Sprintf("rules[%d]", i), domain.SeverityError,
				"expression", "invalid expression: %v", err))
		}
	}
	if mode := stringParam(node, "mode"); mode != "" && mode != "first" && mode != "all" {
		findings = append(findings, finding(node, "mode", domain.SeverityError, "parameter_value",
			"mode must be first or all, got %q", mode))
	}
	return findings
}

func (n *switchNode) Execute(ctx context.Context, node domain.Node, input ports.NodeInput) (ports.NodeOutput, error) {
	rules, err := n.rules(node)
	if err != nil {
		return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, "rules", err)
	}

	env := Env(input)
	all := stringParam(node, "mode") == "all"

	var active []int
	for i, rule := range rules {
		ok, err := n.evaluator.EvaluateBool(rule, env)
		if err != nil {
			return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, fmt.Sprintf("evaluate rule %d", i), err)
		}
		if ok {
			active = append(active, i)
			if !all {
				break
			}
		}
	}
	if len(active) == 0 {
		active = []int{len(rules)}
	}
	return ports.NodeOutput{Data: input.Data, ActivePorts: active}, nil
}

// loopNode drives a loop body attached to LoopBodyPort. The engine calls it on
// entry with Iteration 0 and again after every completed iteration with the
// body results collected so far. Termination is decided after each iteration:
// with items, once every batch has been emitted; with a condition, once it
// holds. A loop without either finishes immediately.
type loopNode struct {
	evaluator ports.ExpressionEvaluator
}

func (n *loopNode) Spec() domain.NodeSpec {
	return domain.NodeSpec{
		Type:     domain.NodeTypeLoop,
		Kind:     domain.KindLoop,
		Version:  1,
		Inputs:   1,
		Outputs:  2,
		Produces: domain.PayloadAny,
		Accepts:  []domain.PayloadKind{domain.PayloadAny},
	}
}

func (n *loopNode) MaxIterations(node domain.Node) int {
	bound, err := intParam(node, "maxIterations", 0)
	if err != nil || bound < 0 {
		return 0
	}
	return bound
}

func (n *loopNode) CheckParameters(node domain.Node) []domain.Finding {
	var findings []domain.Finding

	_, hasItems := node.Parameters["items"]
	_, hasCondition := node.Parameters["condition"]
	if !hasItems && !hasCondition {
		findings = append(findings, finding(node, "condition", domain.SeverityWarning, "loop_termination",
			"loop has neither items nor a condition and iterates over its input only if it is a list"))
	}
	if hasCondition {
		findings = append(findings, checkExpression(n.evaluator, node, "condition")...)
	}
	if size, err := intParam(node, "batchSize", 1); err != nil || size < 1 {
		findings = append(findings, finding(node, "batchSize", domain.SeverityError, "parameter_value",
			"batchSize must be a positive integer"))
	}
	if bound, err := intParam(node, "maxIterations", 0); err != nil || bound < 0 {
		findings = append(findings, finding(node, "maxIterations", domain.SeverityError, "parameter_value",
			"maxIterations must be a non-negative integer"))
	}
	return findings
}

func (n *loopNode) Execute(ctx context.Context, node domain.Node, input ports.NodeInput) (ports.NodeOutput, error) {
	env := Env(input)

	items, err := n.items(node, input, env)
	if err != nil {
		return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, "resolve items", err)
	}

	if items != nil {
		size, err := intParam(node, "batchSize", 1)
		if err != nil || size < 1 {
			return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, "batchSize parameter", fmt.Errorf("invalid batch size"))
		}
		start := input.Iteration * size
		if start >= len(items) {
			return n.done(input), nil
		}
		end := min(start+size, len(items))
		return ports.NodeOutput{
			Data: map[string]interface{}{
				"items": items[start:end],
				"index": input.Iteration,
			},
			ActivePorts: []int{domain.LoopBodyPort},
		}, nil
	}

	condition := stringParam(node, "condition")
	if condition == "" {
		return n.done(input), nil
	}

	if input.Iteration > 0 {
		finished, err := n.evaluator.EvaluateBool(condition, env)
		if err != nil {
			return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, "evaluate condition", err)
		}
		if finished {
			return n.done(input), nil
		}
	}

	var last interface{}
	if len(input.Previous) > 0 {
		last = input.Previous[len(input.Previous)-1]
	}
	return ports.NodeOutput{
		Data: map[string]interface{}{
			"iteration": input.Iteration,
			"input":     input.Data,
			"last":      last,
		},
		ActivePorts: []int{domain.LoopBodyPort},
	}, nil
}

func (n *loopNode) items(node domain.Node, input ports.NodeInput, env map[string]interface{}) ([]interface{}, error) {
	raw, ok := node.Parameters["items"]
	if !ok {
		if stringParam(node, "condition") != "" {
			return nil, nil
		}
		list, _ := input.Data.([]interface{})
		if list == nil {
			return []interface{}{}, nil
		}
		return list, nil
	}

	resolved, err := Resolve(n.evaluator, raw, env)
	if err != nil {
		return nil, err
	}
	switch v := resolved.(type) {
	case []interface{}:
		return v, nil
	case nil:
		return []interface{}{}, nil
	default:
		return nil, fmt.Errorf("items resolved to %T, want a list", resolved)
	}
}

func (n *loopNode) done(input ports.NodeInput) ports.NodeOutput {
	return ports.NodeOutput{
		Data:        domain.LoopSummary(input.Iteration, input.Previous),
		ActivePorts: []int{domain.LoopDonePort},
	}
}

func checkExpression(evaluator ports.ExpressionEvaluator, node domain.Node, field string) []domain.Finding {
	expression := stringParam(node, field)
	if expression == "" {
		if _, present := node.Parameters[field]; present {
			return []domain.Finding{finding(node, field, domain.SeverityError, "expression", "%s must be a non-empty expression", field)}
		}
		return nil
	}
	if err := evaluator.Compile(expression); err != nil {
		return []domain.Finding{finding(node, field, domain.SeverityError, "expression", "invalid expression: %v", err)}
	}
	return nil
}
