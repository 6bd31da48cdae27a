package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

var _ ports.StateStore = (*RedisStore)(nil)

func NewRedisStore(ctx context.Context, cfg domain.RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, domain.NewSystemError("state-store", "ping", fmt.Errorf("connect to redis %s: %w", cfg.Addr, err))
	}

	return &RedisStore{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		logger: logger.With("component", "state-store", "backend", "redis"),
	}, nil
}

func (s *RedisStore) key(executionID string) string {
	return s.prefix + domain.ExecutionKey(executionID)
}

func (s *RedisStore) Save(ctx context.Context, executionID string, execCtx *domain.ExecutionContext) error {
	if err := validateID(executionID); err != nil {
		return err
	}
	data, err := encodeContext(execCtx)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(executionID), data, s.ttl).Err(); err != nil {
		return domain.NewSystemError("state-store", "save", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, executionID string) (*domain.ExecutionContext, error) {
	data, err := s.client.Get(ctx, s.key(executionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s: %w", executionID, domain.ErrExecutionNotFound)
	}
	if err != nil {
		return nil, domain.NewSystemError("state-store", "load", err)
	}
	return decodeContext(data)
}

func (s *RedisStore) Delete(ctx context.Context, executionID string) error {
	if err := s.client.Del(ctx, s.key(executionID)).Err(); err != nil {
		return domain.NewSystemError("state-store", "delete", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	full := s.prefix + domain.ExecutionKeyPrefix

	iter := s.client.Scan(ctx, 0, full+"*", 100).Iterator()
	for iter.Next(ctx) {
		if id, ok := domain.ExecutionIDFromKey(strings.TrimPrefix(iter.Val(), s.prefix)); ok {
			ids = append(ids, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, domain.NewSystemError("state-store", "list", err)
	}
	return ids, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
