package validation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

const (
	RuleEmptyWorkflow   = "empty_workflow"
	RuleMissingID       = "missing_id"
	RuleDuplicateNode   = "duplicate_node"
	RuleUnknownType     = "unknown_type"
	RuleTypeVersion     = "type_version"
	RuleDisabled        = "disabled_node"
	RuleConnectionRef   = "connection_reference"
	RulePortRange       = "port_range"
	RulePortArity       = "port_arity"
	RuleRequired        = "required_parameter"
	RulePortType        = "port_type"
	RuleCycle           = "cycle"
	RuleLoopBodyEntry   = "loop_body_entry"
	RuleUnreachable     = "unreachable"
	maxParallelValidate = 8
)

// Validator statically checks workflow definitions. It never mutates the
// definition and performs no I/O.
type Validator struct {
	registry ports.NodeRegistry
	logger   *slog.Logger

	mu      sync.RWMutex
	schemas map[domain.NodeType]schema
}

type schema struct {
	behavior ports.NodeBehavior
	spec     domain.NodeSpec
}

var _ ports.Validator = (*Validator)(nil)

func NewValidator(registry ports.NodeRegistry, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		registry: registry,
		logger:   logger.With("component", "validator"),
		schemas:  make(map[domain.NodeType]schema),
	}
}

// schemaFor returns the cached schema for a node type.
func (v *Validator) schemaFor(t domain.NodeType) (schema, bool) {
	v.mu.RLock()
	s, ok := v.schemas[t]
	v.mu.RUnlock()
	if ok {
		return s, true
	}

	behavior, ok := v.registry.Lookup(t)
	if !ok {
		return schema{}, false
	}
	s = schema{behavior: behavior, spec: behavior.Spec()}

	v.mu.Lock()
	v.schemas[t] = s
	v.mu.Unlock()
	return s, true
}

// Validate runs every check and returns the full report. Checks run in a
// fixed order: structure, connection references, parameters, port types,
// cycles, loop bodies, reachability.
func (v *Validator) Validate(def domain.WorkflowDefinition) domain.ValidationReport {
	report := domain.ValidationReport{WorkflowID: def.ID, Findings: []domain.Finding{}}

	if len(def.Nodes) == 0 {
		report.Add(domain.Finding{
			Field:    "nodes",
			Severity: domain.SeverityError,
			Rule:     RuleEmptyWorkflow,
			Message:  "workflow has no nodes",
		})
		return report
	}

	g := v.structure(def, &report)
	v.checkConnections(def, g, &report)
	v.checkParameters(g, &report)
	v.checkPortTypes(def, g, &report)
	checkCycles(def, g, &report)
	checkLoopBodies(def, g, &report)
	checkReachability(def, g, &report)

	v.logger.Debug("workflow validated",
		"workflow_id", def.ID,
		"errors", len(report.Errors()),
		"warnings", len(report.Warnings()))

	return report
}

// ValidateAll validates definitions concurrently and returns reports in
// input order.
func (v *Validator) ValidateAll(ctx context.Context, defs []domain.WorkflowDefinition) ([]domain.ValidationReport, error) {
	reports := make([]domain.ValidationReport, len(defs))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxParallelValidate)
	for i := range defs {
		i := i
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			reports[i] = v.Validate(defs[i])
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// graph is the indexed view of a definition shared by the checks.
type graph struct {
	nodes   map[string]domain.Node
	schemas map[string]schema
	// order lists unique node ids in definition order.
	order []string
	// edges holds the indices of connections whose endpoints both exist.
	edges []int
}

func (g *graph) isLoop(id string) bool {
	s, ok := g.schemas[id]
	return ok && s.spec.IsLoop()
}

func (g *graph) outputs(id string) int {
	s := g.schemas[id]
	if counter, ok := s.behavior.(ports.OutputCounter); ok {
		return counter.OutputCount(g.nodes[id])
	}
	return s.spec.Outputs
}

func (v *Validator) structure(def domain.WorkflowDefinition, report *domain.ValidationReport) *graph {
	g := &graph{
		nodes:   make(map[string]domain.Node, len(def.Nodes)),
		schemas: make(map[string]schema, len(def.Nodes)),
	}

	for i, node := range def.Nodes {
		field := fmt.Sprintf("nodes[%d]", i)
		if node.ID == "" {
			report.Add(domain.Finding{Field: field + ".id", Severity: domain.SeverityError, Rule: RuleMissingID,
				Message: "node id is required"})
			continue
		}
		if _, dup := g.nodes[node.ID]; dup {
			report.Add(domain.Finding{Field: field + ".id", NodeID: node.ID, Severity: domain.SeverityError, Rule: RuleDuplicateNode,
				Message: fmt.Sprintf("duplicate node id %q", node.ID)})
			continue
		}
		g.nodes[node.ID] = node
		g.order = append(g.order, node.ID)

		s, ok := v.schemaFor(node.Type)
		if !ok {
			report.Add(domain.Finding{Field: field + ".type", NodeID: node.ID, Severity: domain.SeverityError, Rule: RuleUnknownType,
				Message: fmt.Sprintf("node %s: %v %q", node.ID, domain.ErrUnknownNodeType, node.Type)})
			continue
		}
		g.schemas[node.ID] = s

		if node.TypeVersion > s.spec.Version {
			report.Add(domain.Finding{Field: field + ".typeVersion", NodeID: node.ID, Severity: domain.SeverityError, Rule: RuleTypeVersion,
				Message: fmt.Sprintf("node %s: %s supports up to version %d, got %d", node.ID, node.Type, s.spec.Version, node.TypeVersion)})
		}
		if node.Outputs > 0 && node.Outputs != g.outputs(node.ID) {
			report.Add(domain.Finding{Field: field + ".outputs", NodeID: node.ID, Severity: domain.SeverityWarning, Rule: RulePortArity,
				Message: fmt.Sprintf("node %s declares %d outputs but %s has %d", node.ID, node.Outputs, node.Type, g.outputs(node.ID))})
		}
		if node.Disabled {
			report.Add(domain.Finding{Field: field + ".disabled", NodeID: node.ID, Severity: domain.SeverityInfo, Rule: RuleDisabled,
				Message: fmt.Sprintf("node %s is disabled and passes its input through", node.ID)})
		}
	}
	return g
}

func (v *Validator) checkConnections(def domain.WorkflowDefinition, g *graph, report *domain.ValidationReport) {
	for i, c := range def.Connections {
		field := fmt.Sprintf("connections[%d]", i)

		_, srcOK := g.nodes[c.Source]
		_, dstOK := g.nodes[c.Target]
		if !srcOK {
			report.Add(domain.Finding{Field: field + ".source", Severity: domain.SeverityError, Rule: RuleConnectionRef,
				Message: fmt.Sprintf("connection source %q does not exist", c.Source)})
		}
		if !dstOK {
			report.Add(domain.Finding{Field: field + ".target", Severity: domain.SeverityError, Rule: RuleConnectionRef,
				Message: fmt.Sprintf("connection target %q does not exist", c.Target)})
		}
		if !srcOK || !dstOK {
			continue
		}
		g.edges = append(g.edges, i)

		if _, known := g.schemas[c.Source]; known {
			if outputs := g.outputs(c.Source); c.SourceOutput < 0 || c.SourceOutput >= outputs {
				report.Add(domain.Finding{Field: field + ".sourceOutput", NodeID: c.Source, Severity: domain.SeverityError, Rule: RulePortRange,
					Message: fmt.Sprintf("node %s has no output %d (outputs: %d)", c.Source, c.SourceOutput, outputs)})
			}
		}
		if s, known := g.schemas[c.Target]; known {
			if c.TargetInput < 0 || c.TargetInput >= s.spec.Inputs {
				report.Add(domain.Finding{Field: field + ".targetInput", NodeID: c.Target, Severity: domain.SeverityError, Rule: RulePortRange,
					Message: fmt.Sprintf("node %s has no input %d (inputs: %d)", c.Target, c.TargetInput, s.spec.Inputs)})
			}
		}
	}
}

func (v *Validator) checkParameters(g *graph, report *domain.ValidationReport) {
	for _, id := range g.order {
		node := g.nodes[id]
		s, ok := g.schemas[id]
		if !ok {
			continue
		}
		for _, name := range s.spec.Required {
			if missing(node.Parameters[name]) {
				report.Add(domain.Finding{
					Field:    fmt.Sprintf("nodes.%s.parameters.%s", node.ID, name),
					NodeID:   node.ID,
					Severity: domain.SeverityError,
					Rule:     RuleRequired,
					Message:  fmt.Sprintf("node %s: parameter %q is required for %s", node.ID, name, node.Type),
				})
			}
		}
		if checker, ok := s.behavior.(ports.ParameterChecker); ok {
			for _, f := range checker.CheckParameters(node) {
				report.Add(f)
			}
		}
	}
}

func missing(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

func (v *Validator) checkPortTypes(def domain.WorkflowDefinition, g *graph, report *domain.ValidationReport) {
	for _, i := range g.edges {
		c := def.Connections[i]
		src, srcOK := g.schemas[c.Source]
		dst, dstOK := g.schemas[c.Target]
		if !srcOK || !dstOK || dst.spec.Inputs == 0 {
			continue
		}
		if !dst.spec.AcceptsPayload(src.spec.Produces) {
			report.Add(domain.Finding{
				Field:    fmt.Sprintf("connections[%d]", i),
				NodeID:   c.Target,
				Severity: domain.SeverityError,
				Rule:     RulePortType,
				Message: fmt.Sprintf("%s (%s) produces %s, which %s (%s) does not accept",
					c.Source, src.spec.Type, src.spec.Produces, c.Target, dst.spec.Type),
				NodeIDs: []string{c.Source, c.Target},
			})
		}
	}
}
