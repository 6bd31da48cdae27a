package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

// setNode merges resolved values into its input object. With keepOnlySet the
// input is dropped.
type setNode struct {
	evaluator ports.ExpressionEvaluator
}

func (n *setNode) Spec() domain.NodeSpec {
	return domain.NodeSpec{
		Type:     domain.NodeTypeSet,
		Kind:     domain.KindAction,
		Version:  1,
		Inputs:   1,
		Outputs:  1,
		Required: []string{"values"},
		Produces: domain.PayloadJSON,
		Accepts:  []domain.PayloadKind{domain.PayloadJSON, domain.PayloadNone},
	}
}

func (n *setNode) CheckParameters(node domain.Node) []domain.Finding {
	if _, ok := node.Parameters["values"].(map[string]interface{}); !ok && node.Parameters["values"] != nil {
		return []domain.Finding{finding(node, "values", domain.SeverityError, "parameter_type",
			"values must be an object")}
	}
	return nil
}

func (n *setNode) Execute(ctx context.Context, node domain.Node, input ports.NodeInput) (ports.NodeOutput, error) {
	resolved, err := Resolve(n.evaluator, node.Parameters["values"], Env(input))
	if err != nil {
		return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, "resolve values", err)
	}
	values, _ := resolved.(map[string]interface{})

	out := make(map[string]interface{})
	if m, ok := input.Data.(map[string]interface{}); ok && !boolParam(node, "keepOnlySet") {
		for k, v := range m {
			out[k] = v
		}
	}
	for k, v := range values {
		out[k] = v
	}
	return ports.NodeOutput{Data: out}, nil
}

type noopNode struct{}

func (n *noopNode) Spec() domain.NodeSpec {
	return domain.NodeSpec{
		Type:     domain.NodeTypeNoOp,
		Kind:     domain.KindAction,
		Version:  1,
		Inputs:   1,
		Outputs:  1,
		Produces: domain.PayloadAny,
		Accepts:  []domain.PayloadKind{domain.PayloadAny},
	}
}

func (n *noopNode) Execute(ctx context.Context, node domain.Node, input ports.NodeInput) (ports.NodeOutput, error) {
	return ports.NodeOutput{Data: input.Data}, nil
}

// eventRequest sends a correlated request over the event bus and outputs the reply.
type eventRequest struct {
	bus       ports.EventBus
	evaluator ports.ExpressionEvaluator
}

func (n *eventRequest) Spec() domain.NodeSpec {
	return domain.NodeSpec{
		Type:     domain.NodeTypeEventRequest,
		Kind:     domain.KindAction,
		Version:  1,
		Inputs:   1,
		Outputs:  1,
		Required: []string{"topic"},
		Produces: domain.PayloadJSON,
		Accepts:  []domain.PayloadKind{domain.PayloadAny},
	}
}

func (n *eventRequest) CheckParameters(node domain.Node) []domain.Finding {
	if _, err := intParam(node, "timeout", 0); err != nil {
		return []domain.Finding{finding(node, "timeout", domain.SeverityError, "parameter_type",
			"timeout must be a whole number of seconds: %v", err)}
	}
	return nil
}

func (n *eventRequest) Execute(ctx context.Context, node domain.Node, input ports.NodeInput) (ports.NodeOutput, error) {
	if n.bus == nil {
		return ports.NodeOutput{}, domain.NewSystemError("event-request", "execute", fmt.Errorf("no event bus: %w", domain.ErrInvalidConfig))
	}

	payload := input.Data
	if raw, ok := node.Parameters["payload"]; ok {
		resolved, err := Resolve(n.evaluator, raw, Env(input))
		if err != nil {
			return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, "resolve payload", err)
		}
		payload = resolved
	}

	timeout, err := secondsParam(node, "timeout")
	if err != nil {
		return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, "timeout parameter", err)
	}
	if deadline, ok := ctx.Deadline(); ok && (timeout == 0 || time.Until(deadline) < timeout) {
		timeout = time.Until(deadline)
	}

	reply, err := n.bus.Request(ctx, stringParam(node, "topic"), payload, timeout)
	if err != nil {
		return ports.NodeOutput{}, err
	}

	var data interface{}
	if err := reply.Decode(&data); err != nil {
		return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, "decode reply", err)
	}
	return ports.NodeOutput{Data: data}, nil
}

// webhookResponse shapes the response returned to a webhook caller.
type webhookResponse struct {
	evaluator ports.ExpressionEvaluator
}

func (n *webhookResponse) Spec() domain.NodeSpec {
	return domain.NodeSpec{
		Type:     domain.NodeTypeWebhookResponse,
		Kind:     domain.KindAction,
		Version:  1,
		Inputs:   1,
		Outputs:  1,
		Produces: domain.PayloadJSON,
		Accepts:  []domain.PayloadKind{domain.PayloadJSON},
	}
}

func (n *webhookResponse) CheckParameters(node domain.Node) []domain.Finding {
	code, err := intParam(node, "statusCode", 200)
	if err != nil || code < 100 || code > 599 {
		return []domain.Finding{finding(node, "statusCode", domain.SeverityError, "status_code",
			"statusCode must be an HTTP status between 100 and 599")}
	}
	return nil
}

func (n *webhookResponse) Execute(ctx context.Context, node domain.Node, input ports.NodeInput) (ports.NodeOutput, error) {
	code, err := intParam(node, "statusCode", 200)
	if err != nil {
		return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, "statusCode parameter", err)
	}

	body := input.Data
	if raw, ok := node.Parameters["body"]; ok {
		if body, err = Resolve(n.evaluator, raw, Env(input)); err != nil {
			return ports.NodeOutput{}, domain.NewNodeExecutionError(node.ID, "resolve body", err)
		}
	}

	return ports.NodeOutput{Data: map[string]interface{}{
		"statusCode": code,
		"body":       body,
	}}, nil
}
