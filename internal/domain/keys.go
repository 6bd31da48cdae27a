package domain

import (
	"context"
	"fmt"
	"strings"
)

const ExecutionKeyPrefix = "execution:"

// ExecutionKey builds the canonical key for persisted execution contexts
func ExecutionKey(id string) string {
	return fmt.Sprintf("%s%s", ExecutionKeyPrefix, id)
}

func ExecutionIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, ExecutionKeyPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, ExecutionKeyPrefix), true
}

type cancelCheckKey struct{}

// WithCancelCheck attaches a cooperative cancellation probe to ctx.
// It is consulted at retry decisions without cancelling in-flight work.
func WithCancelCheck(ctx context.Context, check func() bool) context.Context {
	return context.WithValue(ctx, cancelCheckKey{}, check)
}

func CancelRequested(ctx context.Context) bool {
	check, ok := ctx.Value(cancelCheckKey{}).(func() bool)
	return ok && check()
}
