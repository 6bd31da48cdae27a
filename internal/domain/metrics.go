package domain

import (
	"sync/atomic"
	"time"
)

type ExecutionMetrics struct {
	ExecutionsStarted   int64 `json:"executions_started"`
	ExecutionsSucceeded int64 `json:"executions_succeeded"`
	ExecutionsFailed    int64 `json:"executions_failed"`
	ExecutionsCancelled int64 `json:"executions_cancelled"`

	NodesExecuted  int64 `json:"nodes_executed"`
	NodesSucceeded int64 `json:"nodes_succeeded"`
	NodesFailed    int64 `json:"nodes_failed"`
	NodesSkipped   int64 `json:"nodes_skipped"`
	NodesRetried   int64 `json:"nodes_retried"`

	TotalExecutionTimeNs int64 `json:"total_execution_time_ns"`
}

func NewExecutionMetrics() *ExecutionMetrics {
	return &ExecutionMetrics{}
}

func (m *ExecutionMetrics) ExecutionStarted() {
	atomic.AddInt64(&m.ExecutionsStarted, 1)
}

func (m *ExecutionMetrics) ExecutionFinished(status ExecutionStatus, d time.Duration) {
	switch status {
	case ExecutionSuccess:
		atomic.AddInt64(&m.ExecutionsSucceeded, 1)
	case ExecutionError:
		atomic.AddInt64(&m.ExecutionsFailed, 1)
	case ExecutionCancelled:
		atomic.AddInt64(&m.ExecutionsCancelled, 1)
	}
	atomic.AddInt64(&m.TotalExecutionTimeNs, d.Nanoseconds())
}

func (m *ExecutionMetrics) NodeFinished(status NodeStatus, attempts int) {
	switch status {
	case NodeSuccess:
		atomic.AddInt64(&m.NodesExecuted, 1)
		atomic.AddInt64(&m.NodesSucceeded, 1)
	case NodeError:
		atomic.AddInt64(&m.NodesExecuted, 1)
		atomic.AddInt64(&m.NodesFailed, 1)
	case NodeSkipped:
		atomic.AddInt64(&m.NodesSkipped, 1)
	}
	if attempts > 1 {
		atomic.AddInt64(&m.NodesRetried, int64(attempts-1))
	}
}

func (m *ExecutionMetrics) Snapshot() ExecutionMetrics {
	return ExecutionMetrics{
		ExecutionsStarted:    atomic.LoadInt64(&m.ExecutionsStarted),
		ExecutionsSucceeded:  atomic.LoadInt64(&m.ExecutionsSucceeded),
		ExecutionsFailed:     atomic.LoadInt64(&m.ExecutionsFailed),
		ExecutionsCancelled:  atomic.LoadInt64(&m.ExecutionsCancelled),
		NodesExecuted:        atomic.LoadInt64(&m.NodesExecuted),
		NodesSucceeded:       atomic.LoadInt64(&m.NodesSucceeded),
		NodesFailed:          atomic.LoadInt64(&m.NodesFailed),
		NodesSkipped:         atomic.LoadInt64(&m.NodesSkipped),
		NodesRetried:         atomic.LoadInt64(&m.NodesRetried),
		TotalExecutionTimeNs: atomic.LoadInt64(&m.TotalExecutionTimeNs),
	}
}
