package grpc

import "github.com/eleven-am/dagflow/internal/domain"

type SubmitRequest struct {
	Definition domain.WorkflowDefinition `json:"definition"`
	Input      interface{}               `json:"input,omitempty"`
	Options    domain.ExecutionOptions   `json:"options"`

	// Wait blocks the call until the execution reaches a terminal status.
	Wait bool `json:"wait,omitempty"`
}

// SubmitResponse carries either an execution id or, when the definition was
// rejected, the validation report.
type SubmitResponse struct {
	ExecutionID string                   `json:"executionId,omitempty"`
	Execution   *domain.ExecutionContext `json:"execution,omitempty"`
	Report      *domain.ValidationReport `json:"report,omitempty"`
}

type StatusRequest struct {
	ExecutionID string `json:"executionId"`
}

type StatusResponse struct {
	Execution *domain.ExecutionContext `json:"execution"`
}

type CancelRequest struct {
	ExecutionID string `json:"executionId"`
}

type CancelResponse struct {
	Status domain.ExecutionStatus `json:"status,omitempty"`
}

type ValidateRequest struct {
	Definition domain.WorkflowDefinition `json:"definition"`
}

type ValidateResponse struct {
	Valid  bool                    `json:"valid"`
	Report domain.ValidationReport `json:"report"`
}
