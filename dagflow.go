// Package dagflow provides a workflow orchestration core for Go applications.
//
// A workflow is a declarative directed graph of typed nodes. dagflow validates
// the definition, schedules its nodes in dependency order, runs independent
// branches concurrently and persists every step so executions survive a
// restart. It provides:
//   - Static validation with a structured report of every finding
//   - Conditional branching (if, switch) and bounded loops
//   - Retry with exponential backoff and per-target circuit breakers
//   - Pluggable state stores (memory, Badger, Redis)
//   - An event bus with wildcard subscriptions and request/response
//   - A gRPC transport, Prometheus metrics and OpenTelemetry tracing
//
// Basic usage:
//
//	manager, err := dagflow.New(ctx, dagflow.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	if err := manager.Start(ctx); err != nil {
//	    return err
//	}
//	defer manager.Stop(context.Background())
//
//	exec, err := manager.Run(ctx, definition, map[string]interface{}{"name": "ada"}, dagflow.ExecutionOptions{})
package dagflow

import (
	"context"

	"github.com/eleven-am/dagflow/internal/core"
	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

// Manager owns the validation engine, execution engine, state store, event
// bus, integration gateway and the optional gRPC and HTTP surfaces.
type Manager = core.Manager

// Option customises a Manager at construction time.
type Option = core.Option

// WorkflowDefinition is the declarative graph submitted for execution.
type WorkflowDefinition = domain.WorkflowDefinition

// Node is one step of a workflow definition.
type Node = domain.Node

// Connection links an output port of one node to an input port of another.
type Connection = domain.Connection

// NodeType names a registered node behavior.
type NodeType = domain.NodeType

// NodeSpec is the static description a node type publishes to the validator.
type NodeSpec = domain.NodeSpec

// ExecutionOptions tunes a single execution: timeouts, retry policy,
// concurrency and fallback behavior.
type ExecutionOptions = domain.ExecutionOptions

// ExecutionContext is the full, persisted state of one execution.
type ExecutionContext = domain.ExecutionContext

// ExecutionStatus is the lifecycle status of an execution.
type ExecutionStatus = domain.ExecutionStatus

// NodeResult is the recorded outcome of one node within an execution.
type NodeResult = domain.NodeResult

// ValidationReport lists every finding produced while validating a definition.
type ValidationReport = domain.ValidationReport

// Finding is a single validation error, warning or informational note.
type Finding = domain.Finding

// RetryPolicy controls how failed node attempts are retried.
type RetryPolicy = domain.RetryPolicy

// Event is a message delivered by the event bus.
type Event = domain.Event

// EventHandler receives events from a subscription.
type EventHandler = ports.EventHandler

// NodeBehavior implements a node type. Register custom types with
// Manager.RegisterNode or WithNodes.
type NodeBehavior = ports.NodeBehavior

// NodeInput is what a node receives when it runs.
type NodeInput = ports.NodeInput

// NodeOutput is what a node returns; ActivePorts selects branches.
type NodeOutput = ports.NodeOutput

// HealthStatus is the health summary served on /health and /ready.
type HealthStatus = ports.HealthStatus

const (
	ExecutionPending   = domain.ExecutionPending
	ExecutionRunning   = domain.ExecutionRunning
	ExecutionSuccess   = domain.ExecutionSuccess
	ExecutionError     = domain.ExecutionError
	ExecutionCancelled = domain.ExecutionCancelled
)

// Topics published by the execution engine.
const (
	TopicNodeCompleted = domain.TopicNodeCompleted
	TopicNodeFailed    = domain.TopicNodeFailed
	TopicStatusChanged = domain.TopicStatusChanged
)

var (
	WithStore                = core.WithStore
	WithIntegrationTransport = core.WithIntegrationTransport
	WithSecretResolver       = core.WithSecretResolver
	WithTracingOptions       = core.WithTracingOptions
	WithMetricsOptions       = core.WithMetricsOptions
	WithConfigFile           = core.WithConfigFile
	WithGRPCListener         = core.WithGRPCListener
	WithNodes                = core.WithNodes
)

// New validates config and wires every component. Nothing runs until
// Manager.Start is called.
//
// Example:
//
//	config := dagflow.NewConfigBuilder().
//	    WithInstanceID("orders-1").
//	    WithBadger("./data").
//	    WithGRPC("0.0.0.0", 7070).
//	    MustBuild()
//	manager, err := dagflow.New(ctx, config)
func New(ctx context.Context, config *Config, opts ...Option) (*Manager, error) {
	return core.New(ctx, config, opts...)
}

// NodeFunc adapts a plain function into a NodeBehavior with the given spec.
//
// Example:
//
//	upper := dagflow.NodeFunc(dagflow.NodeSpec{
//	    Type: "upper", Kind: "action", Inputs: 1, Outputs: 1, Produces: "json",
//	}, func(ctx context.Context, node dagflow.Node, in dagflow.NodeInput) (dagflow.NodeOutput, error) {
//	    s, _ := in.Data.(string)
//	    return dagflow.NodeOutput{Data: strings.ToUpper(s)}, nil
//	})
//	manager.RegisterNode(upper)
func NodeFunc(spec NodeSpec, fn func(ctx context.Context, node Node, input NodeInput) (NodeOutput, error)) NodeBehavior {
	return &funcNode{spec: spec, fn: fn}
}

type funcNode struct {
	spec NodeSpec
	fn   func(ctx context.Context, node Node, input NodeInput) (NodeOutput, error)
}

func (n *funcNode) Spec() NodeSpec {
	return n.spec
}

func (n *funcNode) Execute(ctx context.Context, node Node, input NodeInput) (NodeOutput, error) {
	return n.fn(ctx, node, input)
}

// HandleEvent creates an EventHandler that decodes each event's payload into T
// before calling handler. A payload that does not decode is returned as the
// handler's error so the bus redelivers it.
//
// Example:
//
//	manager.Subscribe(dagflow.TopicStatusChanged, dagflow.HandleEvent(
//	    func(ctx context.Context, e dagflow.Event, change dagflow.StatusChange) error {
//	        log.Printf("%s: %s -> %s", e.ExecutionID, change.From, change.To)
//	        return nil
//	    }))
func HandleEvent[T any](handler func(ctx context.Context, event Event, payload T) error) EventHandler {
	return func(ctx context.Context, event Event) error {
		var payload T
		if err := event.Decode(&payload); err != nil {
			return err
		}
		return handler(ctx, event, payload)
	}
}

// StatusChange is the payload of TopicStatusChanged events.
type StatusChange = domain.StatusChangedEvent

// NodeEvent is the payload of TopicNodeCompleted and TopicNodeFailed events.
type NodeEvent = domain.NodeEvent
