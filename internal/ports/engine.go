package ports

import (
	"context"
	"time"

	"github.com/eleven-am/dagflow/internal/domain"
)

type Validator interface {
	Validate(def domain.WorkflowDefinition) domain.ValidationReport
}

type ExecutionEngine interface {
	Submit(ctx context.Context, def domain.WorkflowDefinition, input interface{}, opts domain.ExecutionOptions) (string, error)
	Status(ctx context.Context, executionID string) (*domain.ExecutionContext, error)
	Cancel(ctx context.Context, executionID string) error
	Wait(ctx context.Context, executionID string) (*domain.ExecutionContext, error)
	Resume(ctx context.Context, executionID string) error
	List() []string
	Stop(ctx context.Context) error
}

// MetricsRecorder receives engine level measurements.
type MetricsRecorder interface {
	ExecutionStarted(workflowID string)
	ExecutionFinished(workflowID string, status domain.ExecutionStatus, duration time.Duration)
	NodeFinished(ctx context.Context, m NodeMetrics)
}

type NodeMetrics struct {
	ExecutionID string
	WorkflowID  string
	NodeID      string
	NodeType    domain.NodeType
	Status      domain.NodeStatus
	ErrorKind   domain.ErrorKind
	Attempts    int
	Duration    time.Duration
}
