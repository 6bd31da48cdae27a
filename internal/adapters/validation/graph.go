package validation

import (
	"fmt"
	"strings"

	"github.com/eleven-am/dagflow/internal/domain"
)

const (
	white = iota
	gray
	black
)

// checkCycles runs a three-colour DFS over the graph without loop back
// edges, the edges from a loop's body members into that loop node. Any other
// edge through a loop node counts. An edge into a gray node closes a cycle;
// its members are reported in traversal order.
func checkCycles(def domain.WorkflowDefinition, g *graph, report *domain.ValidationReport) {
	bodies := make(map[string]map[string]bool)
	for _, id := range g.order {
		if !g.isLoop(id) {
			continue
		}
		members := make(map[string]bool)
		for _, b := range def.LoopBody(id) {
			members[b] = true
		}
		bodies[id] = members
	}

	adj := make(map[string][]string)
	for _, i := range g.edges {
		c := def.Connections[i]
		if bodies[c.Target][c.Source] {
			continue
		}
		adj[c.Source] = append(adj[c.Source], c.Target)
	}

	color := make(map[string]int, len(g.order))
	var stack []string
	seen := make(map[string]bool)

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)

		for _, next := range adj[id] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				start := 0
				for j := len(stack) - 1; j >= 0; j-- {
					if stack[j] == next {
						start = j
						break
					}
				}
				members := append([]string(nil), stack[start:]...)
				key := strings.Join(members, "\x00")
				if seen[key] {
					continue
				}
				seen[key] = true

				path := append(append([]string(nil), members...), next)
				report.Add(domain.Finding{
					Field:    "connections",
					NodeID:   next,
					Severity: domain.SeverityError,
					Rule:     RuleCycle,
					Message:  "cycle detected: " + strings.Join(path, " -> "),
					NodeIDs:  members,
				})
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range g.order {
		if color[id] == white {
			visit(id)
		}
	}
}

// checkLoopBodies requires every body node to be entered only from the loop
// node's body port or from other body nodes, so an iteration can be reset
// and replayed as a unit.
func checkLoopBodies(def domain.WorkflowDefinition, g *graph, report *domain.ValidationReport) {
	for _, id := range g.order {
		if !g.isLoop(id) {
			continue
		}
		body := def.LoopBody(id)
		inBody := make(map[string]bool, len(body))
		for _, b := range body {
			inBody[b] = true
		}

		for _, i := range g.edges {
			c := def.Connections[i]
			if !inBody[c.Target] || inBody[c.Source] {
				continue
			}
			if c.Source == id && c.SourceOutput == domain.LoopBodyPort {
				continue
			}
			report.Add(domain.Finding{
				Field:    fmt.Sprintf("connections[%d]", i),
				NodeID:   c.Target,
				Severity: domain.SeverityError,
				Rule:     RuleLoopBodyEntry,
				Message: fmt.Sprintf("node %s is in the body of loop %s but is also fed by %s output %d",
					c.Target, id, c.Source, c.SourceOutput),
				NodeIDs: []string{id, c.Source, c.Target},
			})
		}
	}
}

// checkReachability warns about nodes no trigger can reach.
func checkReachability(def domain.WorkflowDefinition, g *graph, report *domain.ValidationReport) {
	adj := make(map[string][]string)
	for _, i := range g.edges {
		c := def.Connections[i]
		adj[c.Source] = append(adj[c.Source], c.Target)
	}

	reached := make(map[string]bool)
	var queue []string
	for _, id := range g.order {
		if s, ok := g.schemas[id]; ok && s.spec.IsTrigger() {
			reached[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, id := range g.order {
		if reached[id] {
			continue
		}
		report.Add(domain.Finding{
			Field:    "nodes." + id,
			NodeID:   id,
			Severity: domain.SeverityWarning,
			Rule:     RuleUnreachable,
			Message:  fmt.Sprintf("node %s is not reachable from any trigger", id),
		})
	}
}
