package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindValidation           ErrorKind = "validation"
	KindNode                 ErrorKind = "node"
	KindIntegrationTransient ErrorKind = "integration_transient"
	KindIntegrationPermanent ErrorKind = "integration_permanent"
	KindTimeout              ErrorKind = "timeout"
	KindSystem               ErrorKind = "system"
	KindCircuitOpen          ErrorKind = "circuit_open"
	KindCancelled            ErrorKind = "cancelled"
	KindLoopLimit            ErrorKind = "loop_limit"
)

var (
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrInvalidInput       = errors.New("invalid input")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrCancelled          = errors.New("execution cancelled")
	ErrLoopIterationLimit = errors.New("loop iteration limit exceeded")
	ErrUnknownNodeType    = errors.New("unknown node type")
	ErrClosed             = errors.New("component closed")
	ErrAlreadyStarted     = errors.New("already started")
	ErrTerminal           = errors.New("execution already terminal")
)

// ValidationFailedError rejects a submission; it carries the full report.
type ValidationFailedError struct {
	Report ValidationReport
}

func (e *ValidationFailedError) Error() string {
	errs := e.Report.Errors()
	if len(errs) == 0 {
		return "workflow validation failed"
	}
	msgs := make([]string, 0, len(errs))
	for _, f := range errs {
		msgs = append(msgs, f.Message)
	}
	return "workflow validation failed: " + strings.Join(msgs, "; ")
}

type NodeExecutionError struct {
	NodeID  string
	Message string
	Err     error
}

func (e *NodeExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("node %s: %s: %v", e.NodeID, e.Message, e.Err)
	}
	return fmt.Sprintf("node %s: %s", e.NodeID, e.Message)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}

func NewNodeExecutionError(nodeID, message string, err error) *NodeExecutionError {
	return &NodeExecutionError{NodeID: nodeID, Message: message, Err: err}
}

type IntegrationError struct {
	Target     string
	Code       string
	StatusCode int
	Transient  bool
	Message    string
	Err        error
}

func (e *IntegrationError) Error() string {
	var b strings.Builder
	b.WriteString("integration ")
	b.WriteString(e.Target)
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *IntegrationError) Unwrap() error {
	return e.Err
}

func NewTransientError(target, code, message string, err error) *IntegrationError {
	return &IntegrationError{Target: target, Code: code, Transient: true, Message: message, Err: err}
}

func NewPermanentError(target, code, message string, err error) *IntegrationError {
	return &IntegrationError{Target: target, Code: code, Transient: false, Message: message, Err: err}
}

type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("timeout: %s: %v", e.Op, e.Err)
	}
	return "timeout: " + e.Op
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

type SystemError struct {
	Component string
	Op        string
	Err       error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system[%s] %s: %v", e.Component, e.Op, e.Err)
}

func (e *SystemError) Unwrap() error {
	return e.Err
}

func NewSystemError(component, op string, err error) *SystemError {
	return &SystemError{Component: component, Op: op, Err: err}
}

func IsValidationFailed(err error) bool {
	var v *ValidationFailedError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound) || errors.Is(err, ErrNotFound)
}

func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t) || errors.Is(err, context.DeadlineExceeded)
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

func IsSystem(err error) bool {
	var s *SystemError
	return errors.As(err, &s)
}

// IsTransient reports whether err is worth retrying at all.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindIntegrationTransient, KindTimeout:
		return true
	default:
		return false
	}
}

func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var (
		validation  *ValidationFailedError
		integration *IntegrationError
		timeout     *TimeoutError
		system      *SystemError
		node        *NodeExecutionError
	)
	switch {
	case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrLoopIterationLimit):
		return KindLoopLimit
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &timeout) || errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &integration):
		if integration.Transient {
			return KindIntegrationTransient
		}
		return KindIntegrationPermanent
	case errors.As(err, &system):
		return KindSystem
	case errors.As(err, &node):
		return KindNode
	default:
		return KindNode
	}
}

func NewErrorInfo(nodeID string, err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{
		Kind:    KindOf(err),
		Message: err.Error(),
		NodeID:  nodeID,
	}
	var integration *IntegrationError
	if errors.As(err, &integration) {
		info.Code = integration.Code
	}
	return info
}
