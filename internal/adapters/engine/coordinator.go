package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

type completion struct {
	nodeID   string
	output   ports.NodeOutput
	err      error
	attempts int
	started  time.Time
	duration time.Duration
}

// coordinate drives one execution until nothing more can be dispatched.
// Only this goroutine mutates the run's context; node goroutines report back
// over completions.
func (e *Engine) coordinate(r *run) {
	ctx := e.ctx
	opts := r.exec.Options

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.config.ExecutionTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx = domain.WithCancelCheck(ctx, r.cancelled.Load)

	if r.exec.Status != domain.ExecutionRunning {
		from := r.exec.Status
		r.exec.Status = domain.ExecutionRunning
		if err := e.persist(ctx, r); err != nil {
			r.logger.Error("failed to persist running state", "error", err)
		}
		e.publishStatus(ctx, r.exec, from)
		r.publishSnapshot(r.exec)
	}

	completions := make(chan completion)
	stop := ctx.Done()
	limit := e.concurrencyFor(opts)

	for {
		for len(r.ready) > 0 && r.inflight < limit && e.dispatchable(ctx, r) {
			id := r.ready[0]
			r.ready = r.ready[1:]
			e.dispatch(ctx, r, id, completions)
		}

		if r.inflight == 0 && (len(r.ready) == 0 || !e.dispatchable(ctx, r)) {
			break
		}

		select {
		case c := <-completions:
			r.inflight--
			e.complete(ctx, r, c)
		case <-r.wake:
		case <-stop:
			stop = nil
		}
	}

	e.finish(ctx, r)
}

func (e *Engine) dispatchable(ctx context.Context, r *run) bool {
	return !r.cancelled.Load() && r.fatal == nil && ctx.Err() == nil
}

func (e *Engine) dispatch(ctx context.Context, r *run, id string, completions chan<- completion) {
	node := r.plan.nodes[id]
	started := e.now()

	input, err := e.inputFor(r, id)
	if err != nil {
		e.complete(ctx, r, completion{nodeID: id, err: err, started: started})
		return
	}

	if node.Disabled {
		e.complete(ctx, r, completion{
			nodeID:  id,
			output:  ports.NodeOutput{Data: input.Data, ActivePorts: []int{0}},
			started: started,
		})
		return
	}

	opts := r.exec.Options
	policy := e.policyFor(node, opts)
	target := r.plan.targetOf(id, input)
	behavior := r.plan.behaviors[id]
	timeout := e.nodeTimeout(opts)

	workflowID := r.exec.WorkflowID
	r.inflight++
	go func() {
		completions <- e.step(ctx, workflowID, node, behavior, input, policy, target, timeout)
	}()
}

// inputFor gathers the outputs of a node's active predecessors. A loop node
// keeps the input it was entered with across iterations.
func (e *Engine) inputFor(r *run, id string) (ports.NodeInput, error) {
	input := ports.NodeInput{
		ExecutionID: r.id,
		WorkflowID:  r.exec.WorkflowID,
		Variables:   domain.CloneMap(r.exec.Variables),
	}

	if r.plan.isLoop(id) {
		input.Iteration = r.exec.LoopIterations[id]
		input.Previous = append([]map[string]interface{}(nil), r.previous[id]...)
		if entry, ok := r.loopInput[id]; ok {
			input.Data = entry.data
			input.Sources = entry.sources
			return input, nil
		}
	}

	sources := dedupe(r.sources[id])
	if len(r.plan.incoming[id]) == 0 {
		input.Data = r.exec.Input
	} else {
		outputs := make(map[string]interface{}, len(sources))
		for _, src := range sources {
			outputs[src] = r.exec.Results[src].Output
		}
		data, err := domain.MergeOutputs(sources, outputs)
		if err != nil {
			return input, domain.NewNodeExecutionError(id, "merge inputs", err)
		}
		input.Data = data
		input.Sources = outputs
	}

	if r.plan.isLoop(id) {
		r.loopInput[id] = loopEntry{data: input.Data, sources: input.Sources}
	}
	return input, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// complete records a node's outcome, propagates it through the graph and
// persists the new boundary before its events are published.
func (e *Engine) complete(ctx context.Context, r *run, c completion) {
	if e.ctx.Err() != nil {
		// Shutting down: keep the last persisted boundary resumable.
		return
	}

	id := c.nodeID
	node := r.plan.nodes[id]
	result := domain.NodeResult{
		NodeID:      id,
		Attempts:    c.attempts,
		StartedAt:   c.started,
		CompletedAt: c.started.Add(c.duration),
	}

	switch {
	case r.cancelled.Load() || domain.IsCancelled(c.err) || errors.Is(c.err, context.Canceled):
		result.Status = domain.NodeCancelled
		r.record(result)
		r.emit(result, c.duration)
		r.settled[id] = true

	case c.err == nil && r.plan.isLoop(id) && hasPort(c.output.ActivePorts, domain.LoopBodyPort) &&
		r.exec.LoopIterations[id] >= e.loopBound(r.plan, id, r.exec.Options):
		iterations := r.exec.LoopIterations[id]
		c.err = fmt.Errorf("loop %s stopped after %d iterations: %w", id, iterations, domain.ErrLoopIterationLimit)
		result.Output = domain.LoopSummary(iterations, r.previous[id])
		result = e.failed(r, node, result, c)

	case c.err != nil:
		result = e.failed(r, node, result, c)

	default:
		result.Status = domain.NodeSuccess
		result.Output = c.output.Data
		result.ActivePorts = c.output.ActivePorts
		r.record(result)
		r.emit(result, c.duration)

		switch {
		case !r.plan.isLoop(id):
			r.settled[id] = true
			r.release(r.plan.outgoing[id], func(port int) bool { return portActive(result.ActivePorts, port) })
		case hasPort(result.ActivePorts, domain.LoopBodyPort):
			r.enterLoop(id)
		default:
			r.exitLoop(id, all)
		}
	}

	r.checkLoops()
	e.nodeFinished(ctx, r, node, result, c.duration)

	if err := e.persist(ctx, r); err != nil {
		r.logger.Error("failed to persist node result", "node_id", id, "error", err)
	}
	e.flushEvents(ctx, r)
	r.publishSnapshot(r.exec)
}

// failed applies the fallback policy to a node that exhausted its retries.
// An exceeded loop bound is always fatal.
func (e *Engine) failed(r *run, node domain.Node, result domain.NodeResult, c completion) domain.NodeResult {
	info := domain.NewErrorInfo(node.ID, c.err)
	result.Status = domain.NodeError
	result.Error = info

	policy := e.fallbackFor(node, r.exec.Options)
	if errors.Is(c.err, domain.ErrLoopIterationLimit) {
		policy = domain.FallbackFailFast
	}

	r.logger.Warn("node failed",
		"node_id", node.ID,
		"node_type", node.Type,
		"attempts", c.attempts,
		"fallback", policy,
		"error", c.err)

	settle := func(on func(int) bool) {
		if r.plan.isLoop(node.ID) {
			r.exitLoop(node.ID, on)
			return
		}
		r.settled[node.ID] = true
		r.release(r.plan.outgoing[node.ID], on)
	}

	switch policy {
	case domain.FallbackSkipBranch:
		r.record(result)
		r.emit(result, c.duration)
		settle(off)
	case domain.FallbackPassThrough:
		if result.Output == nil {
			result.Output = map[string]interface{}{"error": info}
		}
		r.record(result)
		r.emit(result, c.duration)
		settle(all)
	default:
		r.record(result)
		r.emit(result, c.duration)
		r.settled[node.ID] = true
		r.looping[node.ID] = false
		if r.fatal == nil {
			r.fatal = info
		}
	}
	return result
}

// finish moves the execution to its terminal status. When the engine is
// stopping the run is abandoned instead, leaving the persisted boundary
// for Resume.
func (e *Engine) finish(ctx context.Context, r *run) {
	defer close(r.done)
	defer e.forget(r.id)

	if e.ctx.Err() != nil {
		r.logger.Info("execution abandoned on shutdown", "completed_nodes", len(r.exec.Results))
		return
	}

	exec := r.exec
	from := exec.Status
	now := e.now()

	switch {
	case r.cancelled.Load():
		exec.Status = domain.ExecutionCancelled
		for _, id := range r.plan.order {
			if _, ok := exec.Results[id]; !ok {
				exec.Results[id] = domain.NodeResult{NodeID: id, Status: domain.NodeCancelled, CompletedAt: now}
			}
		}
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		exec.Status = domain.ExecutionError
		exec.Error = domain.NewErrorInfo("", &domain.TimeoutError{
			Op:  fmt.Sprintf("execution %s", r.id),
			Err: context.DeadlineExceeded,
		})
	case r.fatal != nil:
		exec.Status = domain.ExecutionError
		exec.Error = r.fatal
	default:
		if pending := r.unsettled(); len(pending) > 0 {
			exec.Status = domain.ExecutionError
			exec.Error = domain.NewErrorInfo("", domain.NewSystemError("engine", "finish",
				fmt.Errorf("nodes never became ready: %v", pending)))
			break
		}
		exec.Status = domain.ExecutionSuccess
	}
	exec.CompletedAt = &now

	if err := e.persist(ctx, r); err != nil {
		r.logger.Error("failed to persist terminal state", "error", err)
	}
	e.publishStatus(ctx, exec, from)
	r.publishSnapshot(exec)

	duration := exec.Duration()
	e.stats.ExecutionFinished(exec.Status, duration)
	if e.deps.Metrics != nil {
		e.deps.Metrics.ExecutionFinished(exec.WorkflowID, exec.Status, duration)
	}
	e.scheduleCleanup(r.id)

	r.logger.Info("execution finished",
		"workflow_id", exec.WorkflowID,
		"status", exec.Status,
		"duration", duration,
		"nodes", len(exec.Results))
}
