package engine

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/eleven-am/dagflow/internal/domain"
)

type nodeEvent struct {
	topic  string
	nodeID string
	event  domain.NodeEvent
}

// run is the state of one execution. exec and every field below the
// coordinator marker are owned by the coordinator goroutine; other
// goroutines read the published snapshot only.
type run struct {
	id     string
	plan   *plan
	exec   *domain.ExecutionContext
	logger *slog.Logger

	snapshot  atomic.Pointer[domain.ExecutionContext]
	cancelled atomic.Bool
	wake      chan struct{}
	done      chan struct{}

	// coordinator
	remaining map[string]int
	active    map[string]int
	sources   map[string][]string
	settled   map[string]bool
	looping   map[string]bool
	loopInput map[string]loopEntry
	previous  map[string][]map[string]interface{}
	ready     []string
	inflight  int
	fatal     *domain.ErrorInfo
	events    []nodeEvent
	replaying bool
}

type loopEntry struct {
	data    interface{}
	sources map[string]interface{}
}

func newRun(id string, p *plan, exec *domain.ExecutionContext, logger *slog.Logger) *run {
	r := &run{
		id:        id,
		plan:      p,
		exec:      exec,
		logger:    logger.With("execution_id", id),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		remaining: make(map[string]int, len(p.order)),
		active:    make(map[string]int, len(p.order)),
		sources:   make(map[string][]string, len(p.order)),
		settled:   make(map[string]bool, len(p.order)),
		looping:   make(map[string]bool),
		loopInput: make(map[string]loopEntry),
		previous:  make(map[string][]map[string]interface{}),
	}
	for _, id := range p.order {
		r.remaining[id] = len(p.incoming[id])
	}
	r.ready = append(r.ready, p.roots...)
	if exec.LoopIterations == nil {
		exec.LoopIterations = make(map[string]int)
	}
	if exec.RetryCounts == nil {
		exec.RetryCounts = make(map[string]int)
	}
	if exec.Results == nil {
		exec.Results = make(map[string]domain.NodeResult)
	}
	return r
}

func (r *run) publishSnapshot(exec *domain.ExecutionContext) {
	r.snapshot.Store(exec.Clone())
}

func (r *run) Snapshot() *domain.ExecutionContext {
	return r.snapshot.Load().Clone()
}

func (r *run) requestCancel() {
	r.cancelled.Store(true)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *run) record(result domain.NodeResult) {
	r.exec.Results[result.NodeID] = result
	if r.replaying {
		return
	}
	r.exec.CompletionOrder = append(r.exec.CompletionOrder, result.NodeID)
	if result.Attempts > 1 {
		r.exec.RetryCounts[result.NodeID] = result.Attempts - 1
	}
}

func (r *run) emit(result domain.NodeResult, duration time.Duration) {
	if r.replaying {
		return
	}
	topic := domain.TopicNodeCompleted
	if result.Status == domain.NodeError {
		topic = domain.TopicNodeFailed
	}
	node := r.plan.nodes[result.NodeID]
	r.events = append(r.events, nodeEvent{
		topic:  topic,
		nodeID: result.NodeID,
		event: domain.NodeEvent{
			WorkflowID: r.exec.WorkflowID,
			NodeType:   node.Type,
			Status:     result.Status,
			Attempts:   result.Attempts,
			Iteration:  r.iterationOf(result.NodeID),
			Output:     result.Output,
			Error:      result.Error,
			Duration:   duration.String(),
		},
	})
}

// iterationOf reports the iteration of the innermost loop a node belongs to,
// or of the loop node itself.
func (r *run) iterationOf(id string) int {
	if r.plan.isLoop(id) {
		return r.exec.LoopIterations[id]
	}
	inner, size := "", 0
	for _, l := range r.plan.loopsOf[id] {
		if n := len(r.plan.bodies[l]); inner == "" || n < size {
			inner, size = l, n
		}
	}
	if inner == "" {
		return 0
	}
	return r.exec.LoopIterations[inner]
}

// release resolves the given outgoing edges of a settled node. An edge
// carries data when on reports its port as active.
func (r *run) release(edges []edge, on func(port int) bool) {
	for _, e := range edges {
		r.resolve(e, on(e.port))
	}
}

func (r *run) resolve(e edge, on bool) {
	r.remaining[e.to]--
	if on {
		r.active[e.to]++
		r.sources[e.to] = append(r.sources[e.to], e.from)
	}
	if r.remaining[e.to] > 0 {
		return
	}
	if r.active[e.to] > 0 {
		r.ready = append(r.ready, e.to)
		return
	}
	r.skip(e.to)
}

// skip marks a node whose every incoming edge resolved inactive, and
// propagates the skip to its successors.
func (r *run) skip(id string) {
	now := time.Now()
	result := domain.NodeResult{NodeID: id, Status: domain.NodeSkipped, StartedAt: now, CompletedAt: now}
	r.record(result)
	r.emit(result, 0)
	r.settled[id] = true
	r.release(r.plan.outgoing[id], off)
}

func all(int) bool { return true }
func off(int) bool { return false }

func (r *run) portsOf(id string, port int) []edge {
	var out []edge
	for _, e := range r.plan.outgoing[id] {
		if e.port == port {
			out = append(out, e)
		}
	}
	return out
}

// enterLoop starts the next iteration of a loop's body. Body state from the
// previous iteration is reset, nested loops included.
func (r *run) enterLoop(id string) {
	r.exec.LoopIterations[id]++
	r.looping[id] = true
	r.settled[id] = false

	for _, b := range r.plan.bodies[id] {
		r.remaining[b] = len(r.plan.incoming[b])
		r.active[b] = 0
		r.sources[b] = nil
		r.settled[b] = false
		if r.plan.isLoop(b) {
			r.looping[b] = false
			r.exec.LoopIterations[b] = 0
			delete(r.previous, b)
			delete(r.loopInput, b)
		}
	}
	r.release(r.portsOf(id, domain.LoopBodyPort), all)
}

// exitLoop settles a loop node. Its body edges are resolved inactive only
// when the body never ran; otherwise the last iteration already settled them.
func (r *run) exitLoop(id string, on func(port int) bool) {
	r.looping[id] = false
	r.settled[id] = true
	r.release(r.portsOf(id, domain.LoopDonePort), on)
	if r.exec.LoopIterations[id] == 0 {
		r.release(r.portsOf(id, domain.LoopBodyPort), off)
	}
}

// checkLoops queues the loop node again for every loop whose body has fully
// settled. Inner loops are found first because an inner loop node stays
// unsettled until it exits.
func (r *run) checkLoops() {
	for changed := true; changed; {
		changed = false
		for _, id := range r.plan.order {
			if !r.looping[id] || !r.bodySettled(id) {
				continue
			}
			r.nextIteration(id)
			changed = true
		}
	}
}

func (r *run) bodySettled(id string) bool {
	for _, b := range r.plan.bodies[id] {
		if !r.settled[b] {
			return false
		}
	}
	return true
}

func (r *run) nextIteration(id string) {
	outputs := make(map[string]interface{})
	for _, b := range r.plan.bodies[id] {
		if res, ok := r.exec.Results[b]; ok && res.Status == domain.NodeSuccess {
			outputs[b] = res.Output
		}
	}
	r.previous[id] = append(r.previous[id], outputs)
	r.looping[id] = false
	r.ready = append(r.ready, id)
}

// unsettled lists the nodes that never reached a final state.
func (r *run) unsettled() []string {
	var ids []string
	for _, id := range r.plan.order {
		if !r.settled[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// replay rebuilds coordinator state from a persisted context by settling
// every recorded node in dependency order. Nodes without a final result,
// and loops that were mid-iteration, end up in ready.
func (r *run) replay(policyOf func(domain.Node, domain.ExecutionOptions) domain.FallbackPolicy) {
	r.replaying = true
	defer func() { r.replaying = false }()

	pending := r.ready
	r.ready = nil
	var dispatch []string

	for len(pending) > 0 {
		id := pending[0]
		pending = pending[1:]

		if !r.restore(id, policyOf) {
			dispatch = append(dispatch, id)
			continue
		}
		pending = append(pending, r.ready...)
		r.ready = nil
	}
	r.ready = dispatch
	r.events = nil
}

func (r *run) restore(id string, policyOf func(domain.Node, domain.ExecutionOptions) domain.FallbackPolicy) bool {
	result, ok := r.exec.Results[id]
	if !ok {
		return false
	}

	if r.plan.isLoop(id) {
		return r.restoreLoop(id, result)
	}

	switch result.Status {
	case domain.NodeSuccess:
		r.settled[id] = true
		r.release(r.plan.outgoing[id], func(port int) bool { return portActive(result.ActivePorts, port) })
		return true
	case domain.NodeSkipped:
		r.settled[id] = true
		r.release(r.plan.outgoing[id], off)
		return true
	case domain.NodeError:
		r.settled[id] = true
		switch policyOf(r.plan.nodes[id], r.exec.Options) {
		case domain.FallbackSkipBranch:
			r.release(r.plan.outgoing[id], off)
		case domain.FallbackPassThrough:
			r.release(r.plan.outgoing[id], all)
		default:
			if r.fatal == nil {
				r.fatal = result.Error
			}
		}
		return true
	default:
		delete(r.exec.Results, id)
		return false
	}
}

// restoreLoop settles a finished loop and its last iteration's body. An
// unfinished loop restarts from its first iteration.
func (r *run) restoreLoop(id string, result domain.NodeResult) bool {
	finished := (result.Status == domain.NodeSuccess && !hasPort(result.ActivePorts, domain.LoopBodyPort)) ||
		result.Status == domain.NodeSkipped
	if !finished {
		r.exec.LoopIterations[id] = 0
		for _, b := range r.plan.bodies[id] {
			delete(r.exec.Results, b)
			if r.plan.isLoop(b) {
				r.exec.LoopIterations[b] = 0
			}
		}
		delete(r.exec.Results, id)
		return false
	}

	if r.exec.LoopIterations[id] > 0 {
		for _, b := range r.plan.bodies[id] {
			r.remaining[b] = 0
			r.settled[b] = true
		}
	}
	if result.Status == domain.NodeSkipped {
		r.exitLoop(id, off)
		return true
	}
	r.exitLoop(id, all)
	return true
}
