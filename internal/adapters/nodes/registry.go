package nodes

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

// Dependencies are the collaborators built-in node types call into.
type Dependencies struct {
	Gateway   ports.Gateway
	Bus       ports.EventBus
	Evaluator ports.ExpressionEvaluator
}

type Registry struct {
	mu        sync.RWMutex
	behaviors map[domain.NodeType]ports.NodeBehavior
	logger    *slog.Logger
}

var _ ports.NodeRegistry = (*Registry)(nil)

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		behaviors: make(map[domain.NodeType]ports.NodeBehavior),
		logger:    logger.With("component", "node-registry"),
	}
}

// NewDefaultRegistry returns a registry holding every built-in node type.
func NewDefaultRegistry(deps Dependencies, logger *slog.Logger) (*Registry, error) {
	if deps.Evaluator == nil {
		deps.Evaluator = NewEvaluator()
	}

	r := NewRegistry(logger)
	builtins := []ports.NodeBehavior{
		&manualTrigger{},
		&webhookTrigger{},
		&httpRequest{gateway: deps.Gateway, evaluator: deps.Evaluator},
		&queryNode{gateway: deps.Gateway, evaluator: deps.Evaluator},
		&setNode{evaluator: deps.Evaluator},
		&noopNode{},
		&eventRequest{bus: deps.Bus, evaluator: deps.Evaluator},
		&webhookResponse{evaluator: deps.Evaluator},
		&ifNode{evaluator: deps.Evaluator},
		&switchNode{evaluator: deps.Evaluator},
		&loopNode{evaluator: deps.Evaluator},
	}
	for _, b := range builtins {
		if err := r.Register(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(behavior ports.NodeBehavior) error {
	if behavior == nil {
		return fmt.Errorf("register node: %w", domain.ErrInvalidInput)
	}

	spec := behavior.Spec()
	if spec.Type == "" {
		return fmt.Errorf("register node: empty type: %w", domain.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.behaviors[spec.Type]; exists {
		return fmt.Errorf("register node %s: already registered: %w", spec.Type, domain.ErrInvalidInput)
	}
	r.behaviors[spec.Type] = behavior
	r.logger.Debug("node type registered", "type", spec.Type, "kind", spec.Kind, "version", spec.Version)
	return nil
}

func (r *Registry) Lookup(nodeType domain.NodeType) (ports.NodeBehavior, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.behaviors[nodeType]
	return b, ok
}

func (r *Registry) Types() []domain.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]domain.NodeType, 0, len(r.behaviors))
	for t := range r.behaviors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// OutputCount returns the effective output arity of node.
func OutputCount(behavior ports.NodeBehavior, node domain.Node) int {
	if counter, ok := behavior.(ports.OutputCounter); ok {
		return counter.OutputCount(node)
	}
	return behavior.Spec().Outputs
}
