package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

func fixtureContext(id string) *domain.ExecutionContext {
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	def := domain.WorkflowDefinition{
		ID:            "wf-1",
		SchemaVersion: 1,
		Nodes: []domain.Node{
			{ID: "trigger", Type: domain.NodeTypeManualTrigger},
			{ID: "set", Type: domain.NodeTypeSet, Parameters: map[string]interface{}{"values": map[string]interface{}{"a": 1.0}}},
		},
		Connections: []domain.Connection{{Source: "trigger", Target: "set"}},
	}

	c := domain.NewExecutionContext(id, def, map[string]interface{}{"user": "ada"}, domain.ExecutionOptions{MaxRetries: 2}, started)
	c.Status = domain.ExecutionRunning
	c.Results["trigger"] = domain.NodeResult{
		NodeID:      "trigger",
		Status:      domain.NodeSuccess,
		Output:      map[string]interface{}{"user": "ada"},
		ActivePorts: []int{0},
		Attempts:    1,
		StartedAt:   started,
		CompletedAt: started.Add(time.Millisecond),
	}
	c.RetryCounts["trigger"] = 0
	c.CompletionOrder = append(c.CompletionOrder, "trigger")
	c.Version = 3
	return c
}

func runStoreSuite(t *testing.T, store ports.StateStore) {
	ctx := context.Background()

	t.Run("load unknown", func(t *testing.T) {
		_, err := store.Load(ctx, "missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
	})

	t.Run("save and load round trip", func(t *testing.T) {
		original := fixtureContext("exec-1")
		require.NoError(t, store.Save(ctx, "exec-1", original))

		loaded, err := store.Load(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, original.ExecutionID, loaded.ExecutionID)
		assert.Equal(t, original.Status, loaded.Status)
		assert.Equal(t, original.Results, loaded.Results)
		assert.Equal(t, original.Variables, loaded.Variables)
		assert.Equal(t, original.CompletionOrder, loaded.CompletionOrder)
		assert.Equal(t, original.Version, loaded.Version)
		assert.Equal(t, original.Definition.Nodes, loaded.Definition.Nodes)
		assert.True(t, original.StartedAt.Equal(loaded.StartedAt))
	})

	t.Run("reload is byte identical", func(t *testing.T) {
		loaded, err := store.Load(ctx, "exec-1")
		require.NoError(t, err)

		first, err := encodeContext(loaded)
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, "exec-1", loaded))

		again, err := store.Load(ctx, "exec-1")
		require.NoError(t, err)
		second, err := encodeContext(again)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(second))
	})

	t.Run("saved context is isolated from caller", func(t *testing.T) {
		c := fixtureContext("exec-2")
		require.NoError(t, store.Save(ctx, "exec-2", c))
		c.Status = domain.ExecutionError
		c.Variables["user"] = "mallory"

		loaded, err := store.Load(ctx, "exec-2")
		require.NoError(t, err)
		assert.Equal(t, domain.ExecutionRunning, loaded.Status)
		assert.Equal(t, "ada", loaded.Variables["user"])
	})

	t.Run("last write wins under concurrency", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c := fixtureContext("exec-3")
				c.Version = int64(i)
				assert.NoError(t, store.Save(ctx, "exec-3", c))
			}(i)
		}
		wg.Wait()

		loaded, err := store.Load(ctx, "exec-3")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, loaded.Version, int64(0))
		assert.Less(t, loaded.Version, int64(10))
	})

	t.Run("list and delete", func(t *testing.T) {
		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.Subset(t, ids, []string{"exec-1", "exec-2", "exec-3"})

		require.NoError(t, store.Delete(ctx, "exec-2"))
		require.NoError(t, store.Delete(ctx, "never-existed"))

		_, err = store.Load(ctx, "exec-2")
		assert.True(t, domain.IsNotFound(err))

		ids, err = store.List(ctx)
		require.NoError(t, err)
		assert.NotContains(t, ids, "exec-2")
	})

	t.Run("empty id rejected", func(t *testing.T) {
		err := store.Save(ctx, "", fixtureContext(""))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()
	runStoreSuite(t, store)
}

func TestBadgerStoreInMemory(t *testing.T) {
	store, err := NewBadgerStore("", 0, nil)
	require.NoError(t, err)
	defer store.Close()
	runStoreSuite(t, store)
}

func TestBadgerStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBadgerStore(dir, time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "exec-1", fixtureContext("exec-1")))
	require.NoError(t, store.Close())

	reopened, err := NewBadgerStore(dir, 0, nil)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", loaded.WorkflowID)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("DAGFLOW_REDIS_ADDR")
	if addr == "" {
		t.Skip("DAGFLOW_REDIS_ADDR not set")
	}

	store, err := NewRedisStore(context.Background(), domain.RedisConfig{
		Addr:      addr,
		KeyPrefix: fmt.Sprintf("dagflow-test-%d:", time.Now().UnixNano()),
	}, nil)
	require.NoError(t, err)
	defer store.Close()
	runStoreSuite(t, store)
}

func TestFactoryRejectsUnknownBackend(t *testing.T) {
	_, err := New(context.Background(), domain.StorageConfig{Backend: "etcd"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDecodeRejectsForeignPayload(t *testing.T) {
	_, err := decodeContext([]byte(`{"v":99,"ctx":{}}`))
	require.Error(t, err)
	assert.True(t, domain.IsSystem(err))
}
