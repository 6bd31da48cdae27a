package events

import (
	"context"
	"sync"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

// IdempotentHandler wraps handler so redelivered events with an id it has
// already processed successfully are acknowledged without running it again.
// Remembered ids are bounded by capacity, oldest evicted first.
func IdempotentHandler(capacity int, handler ports.EventHandler) ports.EventHandler {
	if capacity <= 0 {
		capacity = domain.DefaultEventsConfig().DedupCapacity
	}
	d := &dedup{
		seen:  make(map[string]struct{}, capacity),
		order: make([]string, 0, capacity),
		limit: capacity,
	}

	return func(ctx context.Context, event domain.Event) error {
		if d.contains(event.ID) {
			return nil
		}
		if err := handler(ctx, event); err != nil {
			return err
		}
		d.add(event.ID)
		return nil
	}
}

type dedup struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	limit int
}

func (d *dedup) contains(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

func (d *dedup) add(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return
	}
	if len(d.order) >= d.limit {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
}
