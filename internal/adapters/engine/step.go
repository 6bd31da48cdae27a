package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

// step runs one node to a final outcome under its retry policy. The global
// node semaphore is held for the whole step, retries included.
func (e *Engine) step(ctx context.Context, workflowID string, node domain.Node, behavior ports.NodeBehavior,
	input ports.NodeInput, policy domain.RetryPolicy, target string, timeout time.Duration) completion {

	ctx, span := e.tracer.Start(ctx, "node."+string(node.Type),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("dagflow.execution_id", input.ExecutionID),
			attribute.String("dagflow.workflow_id", workflowID),
			attribute.String("dagflow.node_id", node.ID),
			attribute.String("dagflow.node_type", string(node.Type)),
		))
	defer span.End()

	started := e.now()
	c := completion{nodeID: node.ID, started: started}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		c.err = err
		return c
	}
	defer e.sem.Release(1)

	if target != "" {
		span.SetAttributes(attribute.String("dagflow.target", target))
	}

	outcome, err := e.deps.Retry.RunWithPolicy(ctx, policy, target,
		func(ctx context.Context, attempt int) error {
			in := input
			in.Attempt = attempt
			out, err := e.invoke(ctx, node, behavior, in, timeout)
			if err != nil {
				return err
			}
			c.output = out
			return nil
		},
		func(attempt int, err error, delay time.Duration) {
			e.logger.Debug("retrying node",
				"execution_id", input.ExecutionID,
				"node_id", node.ID,
				"attempt", attempt,
				"delay", delay,
				"error", err)
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("error", err.Error()),
			))
		})

	c.attempts = outcome.Attempts
	c.err = err
	c.duration = e.now().Sub(started)

	span.SetAttributes(attribute.Int("dagflow.attempts", outcome.Attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return c
}

// invoke runs a single attempt. The behavior runs on its own goroutine so a
// node that ignores its context still yields a timeout.
func (e *Engine) invoke(ctx context.Context, node domain.Node, behavior ports.NodeBehavior,
	input ports.NodeInput, timeout time.Duration) (ports.NodeOutput, error) {

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type attemptResult struct {
		out ports.NodeOutput
		err error
	}
	done := make(chan attemptResult, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- attemptResult{err: domain.NewNodeExecutionError(node.ID, "panic", fmt.Errorf("%v", p))}
			}
		}()
		out, err := behavior.Execute(attemptCtx, node, input)
		done <- attemptResult{out: out, err: err}
	}()

	expired := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return &domain.TimeoutError{
			Op:  fmt.Sprintf("node %s after %s", node.ID, timeout),
			Err: context.DeadlineExceeded,
		}
	}

	select {
	case res := <-done:
		if res.err != nil && errors.Is(res.err, context.DeadlineExceeded) && attemptCtx.Err() != nil {
			return ports.NodeOutput{}, expired()
		}
		return res.out, res.err
	case <-attemptCtx.Done():
		return ports.NodeOutput{}, expired()
	}
}
