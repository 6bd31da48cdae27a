package ports

import (
	"context"

	"github.com/eleven-am/dagflow/internal/domain"
)

// StateStore persists execution contexts keyed by execution id.
// Load returns domain.ErrExecutionNotFound for unknown ids.
type StateStore interface {
	Save(ctx context.Context, executionID string, execCtx *domain.ExecutionContext) error
	Load(ctx context.Context, executionID string) (*domain.ExecutionContext, error)
	Delete(ctx context.Context, executionID string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}
