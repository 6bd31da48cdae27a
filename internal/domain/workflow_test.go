package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopDefinition() WorkflowDefinition {
	return WorkflowDefinition{
		ID: "batches",
		Nodes: []Node{
			{ID: "start", Type: NodeTypeManualTrigger},
			{ID: "loop", Type: NodeTypeLoop, Parameters: map[string]interface{}{"batchSize": 2}},
			{ID: "fetch", Type: NodeTypeHTTPRequest, Parameters: map[string]interface{}{
				"headers": map[string]interface{}{"Accept": "application/json"},
			}, Retry: &RetryPolicy{MaxAttempts: 2, RetryableKinds: []ErrorKind{KindTimeout}}},
			{ID: "store", Type: NodeTypeSet},
			{ID: "done", Type: NodeTypeNoOp},
		},
		Connections: []Connection{
			{Source: "start", Target: "loop"},
			{Source: "loop", SourceOutput: LoopBodyPort, Target: "fetch"},
			{Source: "fetch", Target: "store"},
			{Source: "store", Target: "loop"},
			{Source: "loop", SourceOutput: LoopDonePort, Target: "done"},
		},
	}
}

func TestWorkflowDefinition_LoopBody(t *testing.T) {
	def := loopDefinition()
	assert.Equal(t, []string{"fetch", "store"}, def.LoopBody("loop"))
	assert.Empty(t, def.LoopBody("done"))
}

func TestWorkflowDefinition_Node(t *testing.T) {
	def := loopDefinition()

	node, ok := def.Node("fetch")
	require.True(t, ok)
	assert.Equal(t, NodeTypeHTTPRequest, node.Type)

	_, ok = def.Node("missing")
	assert.False(t, ok)
}

func TestWorkflowDefinition_CloneIsDeep(t *testing.T) {
	def := loopDefinition()
	cp := def.Clone()

	cp.Nodes[2].Parameters["headers"].(map[string]interface{})["Accept"] = "text/plain"
	cp.Nodes[2].Retry.RetryableKinds[0] = KindNode
	cp.Connections[0].Target = "elsewhere"

	assert.Equal(t, "application/json", def.Nodes[2].Parameters["headers"].(map[string]interface{})["Accept"])
	assert.Equal(t, KindTimeout, def.Nodes[2].Retry.RetryableKinds[0])
	assert.Equal(t, "loop", def.Connections[0].Target)
}

func TestNodeSpec_AcceptsPayload(t *testing.T) {
	rows := NodeSpec{Accepts: []PayloadKind{PayloadRows}}
	assert.True(t, rows.AcceptsPayload(PayloadRows))
	assert.False(t, rows.AcceptsPayload(PayloadJSON))
	assert.True(t, rows.AcceptsPayload(PayloadAny))

	anything := NodeSpec{Accepts: []PayloadKind{PayloadAny}}
	assert.True(t, anything.AcceptsPayload(PayloadJSON))

	assert.True(t, NodeSpec{Kind: KindLoop}.IsLoop())
	assert.True(t, NodeSpec{Kind: KindTrigger}.IsTrigger())
}

func TestExecutionContext_CloneIsIndependent(t *testing.T) {
	now := time.Now()
	exec := NewExecutionContext("exec-1", loopDefinition(), map[string]interface{}{"name": "ada"}, ExecutionOptions{}, now)

	assert.Equal(t, ExecutionPending, exec.Status)
	assert.Equal(t, "ada", exec.Variables["name"])
	assert.Equal(t, "exec-1", exec.Variables["executionId"])

	exec.Results["fetch"] = NodeResult{NodeID: "fetch", Status: NodeError, ActivePorts: []int{0},
		Error: &ErrorInfo{Kind: KindTimeout, Message: "slow"}}
	exec.RetryCounts["fetch"] = 1
	exec.CompletionOrder = append(exec.CompletionOrder, "start")

	cp := exec.Clone()
	cp.Results["fetch"].Error.Message = "changed"
	cp.Results["fetch"].ActivePorts[0] = 1
	cp.RetryCounts["fetch"] = 5
	cp.Variables["name"] = "grace"
	cp.CompletionOrder[0] = "other"

	assert.Equal(t, "slow", exec.Results["fetch"].Error.Message)
	assert.Equal(t, 0, exec.Results["fetch"].ActivePorts[0])
	assert.Equal(t, 1, exec.RetryCounts["fetch"])
	assert.Equal(t, "ada", exec.Variables["name"])
	assert.Equal(t, "start", exec.CompletionOrder[0])

	var nilExec *ExecutionContext
	assert.Nil(t, nilExec.Clone())
}

func TestExecutionContext_Duration(t *testing.T) {
	start := time.Now().Add(-time.Minute)
	exec := NewExecutionContext("exec-1", WorkflowDefinition{ID: "wf"}, nil, ExecutionOptions{}, start)

	end := start.Add(3 * time.Second)
	exec.CompletedAt = &end
	assert.Equal(t, 3*time.Second, exec.Duration())
}

func TestExecutionStatus_IsTerminal(t *testing.T) {
	assert.False(t, ExecutionPending.IsTerminal())
	assert.False(t, ExecutionRunning.IsTerminal())
	assert.True(t, ExecutionSuccess.IsTerminal())
	assert.True(t, ExecutionError.IsTerminal())
	assert.True(t, ExecutionCancelled.IsTerminal())
}

func TestRetryPolicy_Retryable(t *testing.T) {
	policy := DefaultRetryPolicy()

	assert.True(t, policy.Retryable(NewTransientError("crm", "", "", nil)))
	assert.True(t, policy.Retryable(&TimeoutError{Op: "call"}))
	assert.True(t, policy.Retryable(errors.New("node failed")))
	assert.False(t, policy.Retryable(NewPermanentError("crm", "", "", nil)))
	assert.False(t, policy.Retryable(context.Canceled))
	assert.False(t, policy.Retryable(ErrLoopIterationLimit))
	assert.False(t, policy.Retryable(nil))

	narrow := RetryPolicy{RetryableKinds: []ErrorKind{KindTimeout}}
	assert.True(t, narrow.Retryable(&TimeoutError{Op: "call"}))
	assert.False(t, narrow.Retryable(NewTransientError("crm", "", "", nil)))
}

func TestRetryPolicy_Normalize(t *testing.T) {
	p := RetryPolicy{MaxAttempts: -1, BaseDelay: -time.Second, Multiplier: 0.5, Jitter: -1}.Normalize()

	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, time.Duration(0), p.BaseDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, time.Duration(0), p.Jitter)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
}

func TestExecutionMetrics(t *testing.T) {
	m := NewExecutionMetrics()
	m.ExecutionStarted()
	m.ExecutionFinished(ExecutionSuccess, time.Second)
	m.ExecutionStarted()
	m.ExecutionFinished(ExecutionError, time.Second)
	m.NodeFinished(NodeSuccess, 3)
	m.NodeFinished(NodeError, 1)
	m.NodeFinished(NodeSkipped, 0)

	s := m.Snapshot()
	assert.Equal(t, int64(2), s.ExecutionsStarted)
	assert.Equal(t, int64(1), s.ExecutionsSucceeded)
	assert.Equal(t, int64(1), s.ExecutionsFailed)
	assert.Equal(t, int64(2), s.NodesExecuted)
	assert.Equal(t, int64(1), s.NodesSkipped)
	assert.Equal(t, int64(2), s.NodesRetried)
	assert.Equal(t, (2 * time.Second).Nanoseconds(), s.TotalExecutionTimeNs)
}

func TestEvent_DecodeAndPartition(t *testing.T) {
	payload, err := json.Marshal(StatusChangedEvent{WorkflowID: "wf", From: ExecutionRunning, To: ExecutionSuccess})
	require.NoError(t, err)

	e := Event{Source: "node-1", Topic: TopicStatusChanged, ExecutionID: "exec-1", Payload: payload}
	var change StatusChangedEvent
	require.NoError(t, e.Decode(&change))
	assert.Equal(t, ExecutionSuccess, change.To)
	assert.Equal(t, "node-1|exec-1", e.PartitionKey())

	e.ExecutionID = ""
	assert.Equal(t, "node-1|"+TopicStatusChanged, e.PartitionKey())

	assert.NoError(t, Event{}.Decode(&change))
}

func TestExecutionKey(t *testing.T) {
	key := ExecutionKey("abc")
	assert.Equal(t, "execution:abc", key)

	id, ok := ExecutionIDFromKey(key)
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = ExecutionIDFromKey("workflow:abc")
	assert.False(t, ok)

	ctx := WithCancelCheck(context.Background(), func() bool { return true })
	assert.True(t, CancelRequested(ctx))
	assert.False(t, CancelRequested(context.Background()))
}
