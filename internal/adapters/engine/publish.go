package engine

import (
	"context"
	"time"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

// persist writes the run's context as one boundary. It is not bound to the
// run's context so a cancelled or expired execution still records its
// final state.
func (e *Engine) persist(ctx context.Context, r *run) error {
	r.exec.Version++
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := e.deps.Store.Save(ctx, r.id, r.exec); err != nil {
		return domain.NewSystemError("engine", "persist", err)
	}
	return nil
}

func (e *Engine) flushEvents(ctx context.Context, r *run) {
	events := r.events
	r.events = nil

	ctx = context.WithoutCancel(ctx)
	for _, ev := range events {
		err := e.deps.Bus.Publish(ctx, ev.topic, ev.event,
			ports.WithExecution(r.id, ev.nodeID),
			ports.WithSource(e.source))
		if err != nil {
			r.logger.Warn("failed to publish node event", "topic", ev.topic, "node_id", ev.nodeID, "error", err)
		}
	}
}

func (e *Engine) publishStatus(ctx context.Context, exec *domain.ExecutionContext, from domain.ExecutionStatus) {
	event := domain.StatusChangedEvent{
		WorkflowID: exec.WorkflowID,
		From:       from,
		To:         exec.Status,
		Error:      exec.Error,
	}
	err := e.deps.Bus.Publish(context.WithoutCancel(ctx), domain.TopicStatusChanged, event,
		ports.WithExecution(exec.ExecutionID, ""),
		ports.WithSource(e.source))
	if err != nil {
		e.logger.Warn("failed to publish status change",
			"execution_id", exec.ExecutionID,
			"to", exec.Status,
			"error", err)
	}
}

func (e *Engine) nodeFinished(ctx context.Context, r *run, node domain.Node, result domain.NodeResult, duration time.Duration) {
	e.stats.NodeFinished(result.Status, result.Attempts)
	if e.deps.Metrics == nil {
		return
	}
	var kind domain.ErrorKind
	if result.Error != nil {
		kind = result.Error.Kind
	}
	e.deps.Metrics.NodeFinished(ctx, ports.NodeMetrics{
		ExecutionID: r.id,
		WorkflowID:  r.exec.WorkflowID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Status:      result.Status,
		ErrorKind:   kind,
		Attempts:    result.Attempts,
		Duration:    duration,
	})
}

// scheduleCleanup deletes a terminal context once its retention expires.
func (e *Engine) scheduleCleanup(id string) {
	if e.config.RetainCompleted <= 0 {
		return
	}
	time.AfterFunc(e.config.RetainCompleted, func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := e.deps.Store.Delete(ctx, id); err != nil {
			e.logger.Debug("failed to delete retained execution", "execution_id", id, "error", err)
		}
	})
}
