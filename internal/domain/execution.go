package domain

import (
	"time"
)

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSuccess   ExecutionStatus = "success"
	ExecutionError     ExecutionStatus = "error"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionSuccess || s == ExecutionError || s == ExecutionCancelled
}

type NodeStatus string

const (
	NodeRunning   NodeStatus = "running"
	NodeSuccess   NodeStatus = "success"
	NodeError     NodeStatus = "error"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// FallbackPolicy decides what happens to an execution once a node exhausts its retries.
type FallbackPolicy string

const (
	FallbackFailFast    FallbackPolicy = "fail_fast"
	FallbackSkipBranch  FallbackPolicy = "skip_branch"
	FallbackPassThrough FallbackPolicy = "pass_through"
)

type ExecutionOptions struct {
	Timeout           time.Duration  `json:"timeout,omitempty"`
	NodeTimeout       time.Duration  `json:"nodeTimeout,omitempty"`
	MaxRetries        int            `json:"maxRetries,omitempty"`
	MaxConcurrency    int            `json:"maxConcurrency,omitempty"`
	Fallback          FallbackPolicy `json:"fallback,omitempty"`
	Retry             *RetryPolicy   `json:"retry,omitempty"`
	MaxLoopIterations int            `json:"maxLoopIterations,omitempty"`
}

type NodeResult struct {
	NodeID      string      `json:"nodeId"`
	Status      NodeStatus  `json:"status"`
	Output      interface{} `json:"output,omitempty"`
	Error       *ErrorInfo  `json:"error,omitempty"`
	ActivePorts []int       `json:"activePorts,omitempty"`
	Attempts    int         `json:"attempts,omitempty"`
	StartedAt   time.Time   `json:"startedAt,omitempty"`
	CompletedAt time.Time   `json:"completedAt,omitempty"`
}

// ErrorInfo is the serializable form of a failure recorded in a context.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	NodeID  string    `json:"nodeId,omitempty"`
}

type ExecutionContext struct {
	ExecutionID     string                 `json:"executionId"`
	WorkflowID      string                 `json:"workflowId"`
	Status          ExecutionStatus        `json:"status"`
	Definition      *WorkflowDefinition    `json:"definition,omitempty"`
	Input           interface{}            `json:"input,omitempty"`
	Options         ExecutionOptions       `json:"options"`
	Results         map[string]NodeResult  `json:"results"`
	Variables       map[string]interface{} `json:"variables"`
	RetryCounts     map[string]int         `json:"retryCounts"`
	LoopIterations  map[string]int         `json:"loopIterations,omitempty"`
	CompletionOrder []string               `json:"completionOrder"`
	StartedAt       time.Time              `json:"startedAt"`
	CompletedAt     *time.Time             `json:"completedAt,omitempty"`
	Error           *ErrorInfo             `json:"error,omitempty"`
	Version         int64                  `json:"version"`
}

func NewExecutionContext(executionID string, def WorkflowDefinition, input interface{}, opts ExecutionOptions, now time.Time) *ExecutionContext {
	vars := make(map[string]interface{})
	if m, ok := input.(map[string]interface{}); ok {
		for k, v := range m {
			vars[k] = v
		}
	}
	vars["executionId"] = executionID
	vars["startTime"] = now.Format(time.RFC3339Nano)

	return &ExecutionContext{
		ExecutionID:     executionID,
		WorkflowID:      def.ID,
		Status:          ExecutionPending,
		Definition:      &def,
		Input:           input,
		Options:         opts,
		Results:         make(map[string]NodeResult),
		Variables:       vars,
		RetryCounts:     make(map[string]int),
		LoopIterations:  make(map[string]int),
		CompletionOrder: []string{},
		StartedAt:       now,
	}
}

// Clone returns a snapshot that shares no mutable maps with the receiver.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Results = make(map[string]NodeResult, len(c.Results))
	for k, v := range c.Results {
		v.ActivePorts = append([]int(nil), v.ActivePorts...)
		if v.Error != nil {
			e := *v.Error
			v.Error = &e
		}
		out.Results[k] = v
	}
	out.Variables = cloneValue(c.Variables).(map[string]interface{})
	out.RetryCounts = make(map[string]int, len(c.RetryCounts))
	for k, v := range c.RetryCounts {
		out.RetryCounts[k] = v
	}
	out.LoopIterations = make(map[string]int, len(c.LoopIterations))
	for k, v := range c.LoopIterations {
		out.LoopIterations[k] = v
	}
	out.CompletionOrder = append([]string(nil), c.CompletionOrder...)
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	if c.Error != nil {
		e := *c.Error
		out.Error = &e
	}
	return &out
}

func (c *ExecutionContext) Duration() time.Duration {
	if c.CompletedAt == nil {
		return time.Since(c.StartedAt)
	}
	return c.CompletedAt.Sub(c.StartedAt)
}
