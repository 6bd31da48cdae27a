package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

// MemoryStore keeps encoded contexts so that callers never share mutable
// state with what is stored.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	logger *slog.Logger
	closed bool
}

var _ ports.StateStore = (*MemoryStore)(nil)

func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		data:   make(map[string][]byte),
		logger: logger.With("component", "state-store", "backend", "memory"),
	}
}

func (s *MemoryStore) Save(ctx context.Context, executionID string, execCtx *domain.ExecutionContext) error {
	if err := validateID(executionID); err != nil {
		return err
	}
	data, err := encodeContext(execCtx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.NewSystemError("state-store", "save", domain.ErrClosed)
	}
	s.data[domain.ExecutionKey(executionID)] = data
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, executionID string) (*domain.ExecutionContext, error) {
	s.mu.RLock()
	data, ok := s.data[domain.ExecutionKey(executionID)]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return nil, domain.NewSystemError("state-store", "load", domain.ErrClosed)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", executionID, domain.ErrExecutionNotFound)
	}
	return decodeContext(data)
}

func (s *MemoryStore) Delete(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, domain.ExecutionKey(executionID))
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.data))
	for key := range s.data {
		if id, ok := domain.ExecutionIDFromKey(key); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
