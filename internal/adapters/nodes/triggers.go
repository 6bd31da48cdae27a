package nodes

import (
	"context"
	"strings"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

type manualTrigger struct{}

func (n *manualTrigger) Spec() domain.NodeSpec {
	return domain.NodeSpec{
		Type:     domain.NodeTypeManualTrigger,
		Kind:     domain.KindTrigger,
		Version:  1,
		Inputs:   0,
		Outputs:  1,
		Produces: domain.PayloadJSON,
	}
}

func (n *manualTrigger) Execute(ctx context.Context, node domain.Node, input ports.NodeInput) (ports.NodeOutput, error) {
	return ports.NodeOutput{Data: input.Data}, nil
}

type webhookTrigger struct{}

func (n *webhookTrigger) Spec() domain.NodeSpec {
	return domain.NodeSpec{
		Type:     domain.NodeTypeWebhook,
		Kind:     domain.KindTrigger,
		Version:  1,
		Inputs:   0,
		Outputs:  1,
		Required: []string{"path"},
		Produces: domain.PayloadJSON,
	}
}

func (n *webhookTrigger) CheckParameters(node domain.Node) []domain.Finding {
	path := stringParam(node, "path")
	if path != "" && !strings.HasPrefix(path, "/") {
		return []domain.Finding{finding(node, "path", domain.SeverityError, "webhook_path",
			"webhook path %q must start with /", path)}
	}
	return nil
}

func (n *webhookTrigger) Execute(ctx context.Context, node domain.Node, input ports.NodeInput) (ports.NodeOutput, error) {
	return ports.NodeOutput{Data: input.Data}, nil
}
