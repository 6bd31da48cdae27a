package domain

type NodeType string

const (
	NodeTypeManualTrigger   NodeType = "manualTrigger"
	NodeTypeWebhook         NodeType = "webhook"
	NodeTypeHTTPRequest     NodeType = "httpRequest"
	NodeTypeQuery           NodeType = "postgres"
	NodeTypeSet             NodeType = "set"
	NodeTypeNoOp            NodeType = "noop"
	NodeTypeEventRequest    NodeType = "eventRequest"
	NodeTypeWebhookResponse NodeType = "respondToWebhook"
	NodeTypeIf              NodeType = "if"
	NodeTypeSwitch          NodeType = "switch"
	NodeTypeLoop            NodeType = "splitInBatches"
)

// NodeKind groups node types by how the engine schedules them.
type NodeKind string

const (
	KindTrigger     NodeKind = "trigger"
	KindAction      NodeKind = "action"
	KindIntegration NodeKind = "integration"
	KindConditional NodeKind = "conditional"
	KindLoop        NodeKind = "loop"
)

type PayloadKind string

const (
	PayloadNone PayloadKind = "none"
	PayloadJSON PayloadKind = "json"
	PayloadRows PayloadKind = "rows"
	PayloadAny  PayloadKind = "any"
)

// Loop nodes emit on LoopDonePort when finished and on LoopBodyPort for each iteration.
const (
	LoopDonePort = 0
	LoopBodyPort = 1
)

// Conditional nodes of type if activate IfTruePort or IfFalsePort.
const (
	IfTruePort  = 0
	IfFalsePort = 1
)

type OnErrorPolicy string

const (
	OnErrorDefault  OnErrorPolicy = ""
	OnErrorFail     OnErrorPolicy = "fail"
	OnErrorSkip     OnErrorPolicy = "skip"
	OnErrorContinue OnErrorPolicy = "continue"
)

type WorkflowDefinition struct {
	ID            string       `json:"id" yaml:"id"`
	Name          string       `json:"name,omitempty" yaml:"name,omitempty"`
	SchemaVersion int          `json:"schemaVersion" yaml:"schemaVersion"`
	Nodes         []Node       `json:"nodes" yaml:"nodes"`
	Connections   []Connection `json:"connections" yaml:"connections"`
}

type Node struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Type        NodeType               `json:"type" yaml:"type"`
	TypeVersion int                    `json:"typeVersion,omitempty" yaml:"typeVersion,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Inputs      int                    `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     int                    `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Retry       *RetryPolicy           `json:"retry,omitempty" yaml:"retry,omitempty"`
	OnError     OnErrorPolicy          `json:"onError,omitempty" yaml:"onError,omitempty"`
	Disabled    bool                   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

type Connection struct {
	Source       string `json:"source" yaml:"source"`
	SourceOutput int    `json:"sourceOutput" yaml:"sourceOutput"`
	Target       string `json:"target" yaml:"target"`
	TargetInput  int    `json:"targetInput" yaml:"targetInput"`
}

// NodeSpec is the static description a registered node type publishes.
type NodeSpec struct {
	Type     NodeType      `json:"type"`
	Kind     NodeKind      `json:"kind"`
	Version  int           `json:"version"`
	Inputs   int           `json:"inputs"`
	Outputs  int           `json:"outputs"`
	Required []string      `json:"required,omitempty"`
	Produces PayloadKind   `json:"produces"`
	Accepts  []PayloadKind `json:"accepts,omitempty"`

	// VariadicOutputs lets a node declare its own output arity (switch).
	VariadicOutputs bool `json:"variadicOutputs,omitempty"`
}

func (s NodeSpec) IsLoop() bool {
	return s.Kind == KindLoop
}

func (s NodeSpec) IsTrigger() bool {
	return s.Kind == KindTrigger
}

func (s NodeSpec) AcceptsPayload(kind PayloadKind) bool {
	if kind == PayloadAny {
		return true
	}
	for _, k := range s.Accepts {
		if k == PayloadAny || k == kind {
			return true
		}
	}
	return false
}

func (d *WorkflowDefinition) Node(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy so a running execution never observes caller mutations.
func (d WorkflowDefinition) Clone() WorkflowDefinition {
	out := d
	out.Nodes = make([]Node, len(d.Nodes))
	for i, n := range d.Nodes {
		cp := n
		cp.Parameters = cloneValue(n.Parameters).(map[string]interface{})
		if n.Retry != nil {
			r := *n.Retry
			r.RetryableKinds = append([]ErrorKind(nil), n.Retry.RetryableKinds...)
			cp.Retry = &r
		}
		out.Nodes[i] = cp
	}
	out.Connections = append([]Connection(nil), d.Connections...)
	return out
}

// CloneMap deep copies nested maps and slices of a JSON-like document.
func CloneMap(m map[string]interface{}) map[string]interface{} {
	return cloneValue(m).(map[string]interface{})
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if t == nil {
			return map[string]interface{}(nil)
		}
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = cloneValue(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = cloneValue(val)
		}
		return s
	default:
		return v
	}
}

// LoopBody returns the nodes reachable from loopID's body port without
// passing back through the loop node, in discovery order.
func (d WorkflowDefinition) LoopBody(loopID string) []string {
	var (
		body  []string
		seen  = map[string]bool{loopID: true}
		queue []string
	)
	for _, c := range d.Connections {
		if c.Source == loopID && c.SourceOutput == LoopBodyPort && !seen[c.Target] {
			seen[c.Target] = true
			queue = append(queue, c.Target)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		body = append(body, id)
		for _, c := range d.Connections {
			if c.Source == id && !seen[c.Target] {
				seen[c.Target] = true
				queue = append(queue, c.Target)
			}
		}
	}
	return body
}

// LoopSummary is the output a loop node records when it finishes or is cut off.
func LoopSummary(iterations int, previous []map[string]interface{}) map[string]interface{} {
	results := make([]interface{}, len(previous))
	for i, p := range previous {
		results[i] = p
	}
	return map[string]interface{}{
		"iterations": iterations,
		"results":    results,
	}
}
