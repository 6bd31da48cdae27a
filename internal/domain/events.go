package domain

import (
	"time"

	json "github.com/goccy/go-json"
)

const (
	TopicNodeCompleted = "execution.node.completed"
	TopicNodeFailed    = "execution.node.failed"
	TopicStatusChanged = "execution.status.changed"

	TopicValidateRequest = "workflow.validate"
)

type Event struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	Source        string          `json:"source"`
	ExecutionID   string          `json:"executionId,omitempty"`
	NodeID        string          `json:"nodeId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// PartitionKey groups events whose relative order must be preserved.
func (e Event) PartitionKey() string {
	if e.ExecutionID == "" {
		return e.Source + "|" + e.Topic
	}
	return e.Source + "|" + e.ExecutionID
}

func (e Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

type NodeEvent struct {
	WorkflowID string      `json:"workflowId"`
	NodeType   NodeType    `json:"nodeType"`
	Status     NodeStatus  `json:"status"`
	Attempts   int         `json:"attempts"`
	Iteration  int         `json:"iteration,omitempty"`
	Output     interface{} `json:"output,omitempty"`
	Error      *ErrorInfo  `json:"error,omitempty"`
	Duration   string      `json:"duration"`
}

type StatusChangedEvent struct {
	WorkflowID string          `json:"workflowId"`
	From       ExecutionStatus `json:"from"`
	To         ExecutionStatus `json:"to"`
	Error      *ErrorInfo      `json:"error,omitempty"`
}
