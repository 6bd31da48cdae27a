package engine

import (
	"fmt"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

type edge struct {
	from string
	port int
	to   string
}

// plan is the immutable execution graph built once per execution. Back
// edges, from a loop body into its loop node, are kept out of incoming and
// outgoing so they never count towards readiness.
type plan struct {
	def       domain.WorkflowDefinition
	nodes     map[string]domain.Node
	behaviors map[string]ports.NodeBehavior
	order     []string
	incoming  map[string][]edge
	outgoing  map[string][]edge
	roots     []string
	bodies    map[string][]string
	loopsOf   map[string][]string
}

func newPlan(def domain.WorkflowDefinition, registry ports.NodeRegistry) (*plan, error) {
	p := &plan{
		def:       def,
		nodes:     make(map[string]domain.Node, len(def.Nodes)),
		behaviors: make(map[string]ports.NodeBehavior, len(def.Nodes)),
		incoming:  make(map[string][]edge),
		outgoing:  make(map[string][]edge),
		bodies:    make(map[string][]string),
		loopsOf:   make(map[string][]string),
	}

	for _, n := range def.Nodes {
		behavior, ok := registry.Lookup(n.Type)
		if !ok {
			return nil, fmt.Errorf("node %s: %w: %s", n.ID, domain.ErrUnknownNodeType, n.Type)
		}
		p.nodes[n.ID] = n
		p.behaviors[n.ID] = behavior
		p.order = append(p.order, n.ID)
	}

	inBody := make(map[string]map[string]bool)
	for _, id := range p.order {
		if !p.behaviors[id].Spec().IsLoop() {
			continue
		}
		body := def.LoopBody(id)
		p.bodies[id] = body
		members := make(map[string]bool, len(body))
		for _, b := range body {
			members[b] = true
			p.loopsOf[b] = append(p.loopsOf[b], id)
		}
		inBody[id] = members
	}

	for _, c := range def.Connections {
		if _, ok := p.nodes[c.Source]; !ok {
			return nil, fmt.Errorf("connection source %s: %w", c.Source, domain.ErrNotFound)
		}
		if _, ok := p.nodes[c.Target]; !ok {
			return nil, fmt.Errorf("connection target %s: %w", c.Target, domain.ErrNotFound)
		}
		if members, isLoop := inBody[c.Target]; isLoop && members[c.Source] {
			continue
		}
		e := edge{from: c.Source, port: c.SourceOutput, to: c.Target}
		p.outgoing[c.Source] = append(p.outgoing[c.Source], e)
		p.incoming[c.Target] = append(p.incoming[c.Target], e)
	}

	for _, id := range p.order {
		if len(p.incoming[id]) == 0 {
			p.roots = append(p.roots, id)
		}
	}
	return p, nil
}

func (p *plan) isLoop(id string) bool {
	return p.behaviors[id].Spec().IsLoop()
}

// targetOf names the circuit an integration node is accounted against,
// given the input it is about to run with.
func (p *plan) targetOf(id string, input ports.NodeInput) string {
	if t, ok := p.behaviors[id].(ports.TargetedBehavior); ok {
		return t.Target(p.nodes[id], input)
	}
	return ""
}

// portActive treats an empty selection as every port.
func portActive(active []int, port int) bool {
	if len(active) == 0 {
		return true
	}
	return hasPort(active, port)
}

func hasPort(active []int, port int) bool {
	for _, p := range active {
		if p == port {
			return true
		}
	}
	return false
}
