package ports

import (
	"context"
	"time"
)

// CircuitState is the position of one integration target's circuit.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half-open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open a closed circuit.
	FailureThreshold int
	// SuccessThreshold consecutive trial successes close a half-open circuit.
	SuccessThreshold int
	// MaxRequests bounds concurrent trial calls while half-open.
	MaxRequests int
	CoolDown    time.Duration
	// Timeout bounds each call; zero leaves calls unbounded.
	Timeout time.Duration

	// IsFailure decides which errors count against the circuit. Nil counts every error.
	IsFailure     func(err error) bool
	OnStateChange func(target string, from, to CircuitState)
}

// CircuitSnapshot is a point-in-time view of one target's circuit.
type CircuitSnapshot struct {
	Target               string       `json:"target"`
	State                CircuitState `json:"state"`
	Requests             int64        `json:"requests"`
	Rejected             int64        `json:"rejected"`
	Successes            int64        `json:"successes"`
	Failures             int64        `json:"failures"`
	ConsecutiveSuccesses int64        `json:"consecutive_successes"`
	ConsecutiveFailures  int64        `json:"consecutive_failures"`
	FailureThreshold     int          `json:"failure_threshold"`
	Since                time.Time    `json:"since"`
	OpenUntil            time.Time    `json:"open_until,omitempty"`
}

type CircuitBreaker interface {
	// Call runs fn unless the circuit rejects it, and records the outcome.
	Call(ctx context.Context, fn func(context.Context) error) error
	State() CircuitState
	Snapshot() CircuitSnapshot
	Reset()
}

// CircuitBreakerProvider hands out one breaker per integration target.
type CircuitBreakerProvider interface {
	For(target string) CircuitBreaker
	Snapshots() map[string]CircuitSnapshot
}
