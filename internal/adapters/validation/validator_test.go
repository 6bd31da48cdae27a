package validation

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/eleven-am/dagflow/internal/adapters/nodes"
	"github.com/eleven-am/dagflow/internal/domain"
)

func newTestValidator(t testing.TB) *Validator {
	t.Helper()
	registry, err := nodes.NewDefaultRegistry(nodes.Dependencies{}, nil)
	require.NoError(t, err)
	return NewValidator(registry, nil)
}

func node(id string, typ domain.NodeType, params map[string]interface{}) domain.Node {
	return domain.Node{ID: id, Type: typ, Parameters: params}
}

func conn(src string, out int, dst string) domain.Connection {
	return domain.Connection{Source: src, SourceOutput: out, Target: dst}
}

func rules(report domain.ValidationReport, severity domain.Severity) []string {
	var out []string
	for _, f := range report.Findings {
		if f.Severity == severity {
			out = append(out, f.Rule)
		}
	}
	return out
}

func linear() domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		ID: "wf",
		Nodes: []domain.Node{
			node("start", domain.NodeTypeManualTrigger, nil),
			node("a", domain.NodeTypeSet, map[string]interface{}{"values": map[string]interface{}{"x": 1}}),
			node("b", domain.NodeTypeNoOp, nil),
		},
		Connections: []domain.Connection{conn("start", 0, "a"), conn("a", 0, "b")},
	}
}

func TestValidateValidWorkflow(t *testing.T) {
	v := newTestValidator(t)
	report := v.Validate(linear())
	assert.True(t, report.Valid(), "findings: %+v", report.Findings)
	assert.Empty(t, report.Warnings())
	assert.Equal(t, "wf", report.WorkflowID)
}

func TestValidateDoesNotMutate(t *testing.T) {
	v := newTestValidator(t)
	def := linear()
	before := def.Clone()
	v.Validate(def)
	assert.Equal(t, before, def)
}

func TestValidateStructuralErrors(t *testing.T) {
	tests := []struct {
		name  string
		def   domain.WorkflowDefinition
		rules []string
	}{
		{
			name:  "empty workflow",
			def:   domain.WorkflowDefinition{ID: "wf"},
			rules: []string{RuleEmptyWorkflow},
		},
		{
			name: "duplicate node",
			def: domain.WorkflowDefinition{Nodes: []domain.Node{
				node("start", domain.NodeTypeManualTrigger, nil),
				node("start", domain.NodeTypeNoOp, nil),
			}},
			rules: []string{RuleDuplicateNode},
		},
		{
			name: "unknown type",
			def: domain.WorkflowDefinition{Nodes: []domain.Node{
				node("start", domain.NodeTypeManualTrigger, nil),
				node("x", "teleport", nil),
			}, Connections: []domain.Connection{conn("start", 0, "x")}},
			rules: []string{RuleUnknownType},
		},
		{
			name: "dangling connection",
			def: domain.WorkflowDefinition{Nodes: []domain.Node{
				node("start", domain.NodeTypeManualTrigger, nil),
			}, Connections: []domain.Connection{conn("start", 0, "ghost")}},
			rules: []string{RuleConnectionRef},
		},
		{
			name: "output out of range",
			def: domain.WorkflowDefinition{Nodes: []domain.Node{
				node("start", domain.NodeTypeManualTrigger, nil),
				node("b", domain.NodeTypeNoOp, nil),
			}, Connections: []domain.Connection{conn("start", 3, "b")}},
			rules: []string{RulePortRange},
		},
		{
			name: "connection into trigger",
			def: domain.WorkflowDefinition{Nodes: []domain.Node{
				node("start", domain.NodeTypeManualTrigger, nil),
				node("b", domain.NodeTypeNoOp, nil),
			}, Connections: []domain.Connection{conn("start", 0, "b"), conn("b", 0, "start")}},
			rules: []string{RulePortRange, RuleCycle},
		},
		{
			name: "missing required parameter",
			def: domain.WorkflowDefinition{Nodes: []domain.Node{
				node("start", domain.NodeTypeManualTrigger, nil),
				node("check", domain.NodeTypeIf, nil),
			}, Connections: []domain.Connection{conn("start", 0, "check")}},
			rules: []string{RuleRequired},
		},
		{
			name: "incompatible payload",
			def: domain.WorkflowDefinition{Nodes: []domain.Node{
				node("start", domain.NodeTypeManualTrigger, nil),
				node("rows", domain.NodeTypeQuery, map[string]interface{}{"query": "select 1"}),
				node("reply", domain.NodeTypeWebhookResponse, nil),
			}, Connections: []domain.Connection{conn("start", 0, "rows"), conn("rows", 0, "reply")}},
			rules: []string{RulePortType},
		},
		{
			name: "future type version",
			def: domain.WorkflowDefinition{Nodes: []domain.Node{
				{ID: "start", Type: domain.NodeTypeManualTrigger, TypeVersion: 9},
			}},
			rules: []string{RuleTypeVersion},
		},
	}

	v := newTestValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := v.Validate(tt.def)
			assert.False(t, report.Valid())
			assert.ElementsMatch(t, tt.rules, rules(report, domain.SeverityError))
		})
	}
}

func TestValidateParameterChecks(t *testing.T) {
	def := domain.WorkflowDefinition{Nodes: []domain.Node{
		node("start", domain.NodeTypeManualTrigger, nil),
		node("call", domain.NodeTypeHTTPRequest, map[string]interface{}{
			"url":     "ftp://example.com",
			"method":  "BREW",
			"timeout": 900,
		}),
	}, Connections: []domain.Connection{conn("start", 0, "call")}}

	report := newTestValidator(t).Validate(def)
	require.Len(t, report.Errors(), 3)

	fields := make([]string, 0, 3)
	for _, f := range report.Errors() {
		fields = append(fields, f.Field)
		assert.Equal(t, "call", f.NodeID)
	}
	assert.ElementsMatch(t, []string{
		"nodes.call.parameters.url",
		"nodes.call.parameters.method",
		"nodes.call.parameters.timeout",
	}, fields)
}

func TestValidateSQLInjectionIsWarning(t *testing.T) {
	def := domain.WorkflowDefinition{Nodes: []domain.Node{
		node("start", domain.NodeTypeManualTrigger, nil),
		node("q", domain.NodeTypeQuery, map[string]interface{}{"query": "select * from users where id = '' + name"}),
	}, Connections: []domain.Connection{conn("start", 0, "q")}}

	report := newTestValidator(t).Validate(def)
	assert.True(t, report.Valid())
	assert.Equal(t, []string{"sql_injection"}, rules(report, domain.SeverityWarning))
}

func TestValidateCycleNamesMembers(t *testing.T) {
	def := domain.WorkflowDefinition{Nodes: []domain.Node{
		node("start", domain.NodeTypeManualTrigger, nil),
		node("a", domain.NodeTypeNoOp, nil),
		node("b", domain.NodeTypeNoOp, nil),
		node("c", domain.NodeTypeNoOp, nil),
	}, Connections: []domain.Connection{
		conn("start", 0, "a"), conn("a", 0, "b"), conn("b", 0, "c"), conn("c", 0, "a"),
	}}

	report := newTestValidator(t).Validate(def)
	require.Len(t, report.Errors(), 1)
	f := report.Errors()[0]
	assert.Equal(t, RuleCycle, f.Rule)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, f.NodeIDs)
	assert.Contains(t, f.Message, "a -> b -> c -> a")
}

func loopWorkflow() domain.WorkflowDefinition {
	return domain.WorkflowDefinition{Nodes: []domain.Node{
		node("start", domain.NodeTypeManualTrigger, nil),
		node("loop", domain.NodeTypeLoop, map[string]interface{}{"items": "{{ json.items }}"}),
		node("work", domain.NodeTypeNoOp, nil),
		node("after", domain.NodeTypeNoOp, nil),
	}, Connections: []domain.Connection{
		conn("start", 0, "loop"),
		conn("loop", domain.LoopBodyPort, "work"),
		conn("work", 0, "loop"),
		conn("loop", domain.LoopDonePort, "after"),
	}}
}

func TestValidateLoopBackEdgeAllowed(t *testing.T) {
	report := newTestValidator(t).Validate(loopWorkflow())
	assert.True(t, report.Valid(), "findings: %+v", report.Findings)
}

func TestValidateCycleThroughLoopDonePort(t *testing.T) {
	def := domain.WorkflowDefinition{Nodes: []domain.Node{
		node("start", domain.NodeTypeManualTrigger, nil),
		node("a", domain.NodeTypeNoOp, nil),
		node("loop", domain.NodeTypeLoop, map[string]interface{}{"items": "{{ json.items }}"}),
		node("b", domain.NodeTypeNoOp, nil),
	}, Connections: []domain.Connection{
		conn("start", 0, "a"),
		conn("a", 0, "loop"),
		conn("loop", domain.LoopDonePort, "b"),
		conn("b", 0, "a"),
	}}

	report := newTestValidator(t).Validate(def)
	assert.False(t, report.Valid())
	require.Equal(t, []string{RuleCycle}, rules(report, domain.SeverityError))
	f := report.Errors()[0]
	assert.ElementsMatch(t, []string{"a", "loop", "b"}, f.NodeIDs)
	assert.Contains(t, f.Message, "a -> loop -> b -> a")
}

func TestValidateLoopBodyEntry(t *testing.T) {
	def := loopWorkflow()
	def.Connections = append(def.Connections, conn("start", 0, "work"))

	report := newTestValidator(t).Validate(def)
	assert.Equal(t, []string{RuleLoopBodyEntry}, rules(report, domain.SeverityError))
}

func TestLoopBody(t *testing.T) {
	assert.Equal(t, []string{"work"}, loopWorkflow().LoopBody("loop"))
}

func TestValidateUnreachableAndDisabled(t *testing.T) {
	def := linear()
	def.Nodes = append(def.Nodes, node("orphan", domain.NodeTypeNoOp, nil))
	def.Nodes[2].Disabled = true

	report := newTestValidator(t).Validate(def)
	assert.True(t, report.Valid())
	assert.Equal(t, []string{RuleUnreachable}, rules(report, domain.SeverityWarning))
	assert.Equal(t, []string{RuleDisabled}, rules(report, domain.SeverityInfo))
	assert.Equal(t, "orphan", report.Warnings()[0].NodeID)
}

func TestValidateSwitchOutputs(t *testing.T) {
	def := domain.WorkflowDefinition{Nodes: []domain.Node{
		node("start", domain.NodeTypeManualTrigger, nil),
		node("route", domain.NodeTypeSwitch, map[string]interface{}{
			"rules": []interface{}{"json.kind == 'a'", "json.kind == 'b'"},
		}),
		node("a", domain.NodeTypeNoOp, nil),
		node("b", domain.NodeTypeNoOp, nil),
		node("other", domain.NodeTypeNoOp, nil),
	}, Connections: []domain.Connection{
		conn("start", 0, "route"),
		conn("route", 0, "a"),
		conn("route", 1, "b"),
		conn("route", 2, "other"),
	}}

	v := newTestValidator(t)
	assert.True(t, v.Validate(def).Valid())

	def.Connections = append(def.Connections, conn("route", 3, "other"))
	assert.Equal(t, []string{RulePortRange}, rules(v.Validate(def), domain.SeverityError))
}

func TestValidateAll(t *testing.T) {
	v := newTestValidator(t)
	defs := []domain.WorkflowDefinition{linear(), {ID: "empty"}, loopWorkflow()}

	reports, err := v.ValidateAll(context.Background(), defs)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	assert.True(t, reports[0].Valid())
	assert.False(t, reports[1].Valid())
	assert.Equal(t, "empty", reports[1].WorkflowID)
	assert.True(t, reports[2].Valid())
}

func TestValidateAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestValidator(t).ValidateAll(ctx, []domain.WorkflowDefinition{linear()})
	assert.ErrorIs(t, err, context.Canceled)
}

// randomDAG connects a trigger to n noop nodes with forward edges only.
func randomDAG(t *rapid.T, n int) domain.WorkflowDefinition {
	def := domain.WorkflowDefinition{ID: "prop"}
	def.Nodes = append(def.Nodes, node("n0", domain.NodeTypeManualTrigger, nil))
	for i := 1; i <= n; i++ {
		def.Nodes = append(def.Nodes, node(fmt.Sprintf("n%d", i), domain.NodeTypeNoOp, nil))
	}
	for i := 1; i <= n; i++ {
		src := rapid.IntRange(0, i-1).Draw(t, fmt.Sprintf("parent%d", i))
		def.Connections = append(def.Connections, conn(fmt.Sprintf("n%d", src), 0, fmt.Sprintf("n%d", i)))
	}
	return def
}

func TestPropertyForwardEdgesAreAcyclic(t *testing.T) {
	v := newTestValidator(t)
	rapid.Check(t, func(t *rapid.T) {
		def := randomDAG(t, rapid.IntRange(1, 20).Draw(t, "n"))
		report := v.Validate(def)
		if !report.Valid() {
			t.Fatalf("forward-only graph rejected: %+v", report.Errors())
		}
	})
}

func TestPropertyBackEdgeIsDetected(t *testing.T) {
	v := newTestValidator(t)
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 20).Draw(t, "n")
		def := randomDAG(t, n)

		// every node i > 0 has a parent chain back to n1 or n0; close a
		// cycle from the last node to one of its noop ancestors.
		parents := make(map[string]string)
		for _, c := range def.Connections {
			parents[c.Target] = c.Source
		}
		last := fmt.Sprintf("n%d", n)
		var ancestors []string
		for id := last; id != "n0"; id = parents[id] {
			ancestors = append(ancestors, id)
		}
		target := ancestors[rapid.IntRange(0, len(ancestors)-1).Draw(t, "ancestor")]
		def.Connections = append(def.Connections, conn(last, 0, target))

		report := v.Validate(def)
		var cycles []domain.Finding
		for _, f := range report.Errors() {
			if f.Rule == RuleCycle {
				cycles = append(cycles, f)
			}
		}
		if len(cycles) != 1 {
			t.Fatalf("expected one cycle finding, got %+v", report.Errors())
		}
		if !contains(cycles[0].NodeIDs, last) || !contains(cycles[0].NodeIDs, target) {
			t.Fatalf("cycle %v does not name %s and %s", cycles[0].NodeIDs, last, target)
		}
	})
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
