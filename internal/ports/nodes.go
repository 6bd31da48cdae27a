package ports

import (
	"context"

	"github.com/eleven-am/dagflow/internal/domain"
)

type NodeInput struct {
	ExecutionID string
	WorkflowID  string
	Data        interface{}
	Sources     map[string]interface{}
	Variables   map[string]interface{}
	Attempt     int

	// Iteration and Previous are set for loop nodes only.
	Iteration int
	Previous  []map[string]interface{}
}

type NodeOutput struct {
	Data interface{}

	// ActivePorts lists the output ports that carry Data. Empty means every port.
	ActivePorts []int
}

type NodeBehavior interface {
	Spec() domain.NodeSpec
	Execute(ctx context.Context, node domain.Node, input NodeInput) (NodeOutput, error)
}

// TargetedBehavior names the integration target a node calls, so failures
// are accounted against that target's circuit. Templated parameters are
// resolved against input first.
type TargetedBehavior interface {
	Target(node domain.Node, input NodeInput) string
}

// OutputCounter is implemented by node types whose output arity depends on
// their parameters.
type OutputCounter interface {
	OutputCount(node domain.Node) int
}

// IterationBounder lets a loop node declare its own iteration bound; zero
// defers to the execution's bound.
type IterationBounder interface {
	MaxIterations(node domain.Node) int
}

// ParameterChecker lets a node type add its own static checks.
type ParameterChecker interface {
	CheckParameters(node domain.Node) []domain.Finding
}

type NodeRegistry interface {
	Lookup(nodeType domain.NodeType) (NodeBehavior, bool)
	Types() []domain.NodeType
}

// ExpressionEvaluator evaluates condition expressions against an environment.
type ExpressionEvaluator interface {
	EvaluateBool(expression string, env map[string]interface{}) (bool, error)
	Evaluate(expression string, env map[string]interface{}) (interface{}, error)
	Compile(expression string) error
}
