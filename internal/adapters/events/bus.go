package events

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/eleven-am/dagflow/internal/domain"
	"github.com/eleven-am/dagflow/internal/ports"
)

const replyTopicPrefix = "_reply."

type subscription struct {
	id      string
	pattern string
	handler ports.EventHandler
}

type responder struct {
	id      string
	handler ports.RequestHandler
}

// Bus is an in-process event bus. Events sharing a partition key are
// delivered in publish order; a handler error triggers redelivery.
type Bus struct {
	source string
	config domain.EventsConfig
	logger *slog.Logger

	mu            sync.RWMutex
	subscriptions []subscription
	responders    map[string]responder
	pending       map[string]chan domain.Event

	shards  []chan domain.Event
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ ports.EventBus = (*Bus)(nil)

func NewBus(source string, config domain.EventsConfig, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	def := domain.DefaultEventsConfig()
	if config.Shards <= 0 {
		config.Shards = def.Shards
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.MaxRedeliveries < 0 {
		config.MaxRedeliveries = 0
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}

	return &Bus{
		source:     source,
		config:     config,
		logger:     logger.With("component", "event-bus"),
		responders: make(map[string]responder),
		pending:    make(map[string]chan domain.Event),
	}
}

func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return domain.NewSystemError("event-bus", "start", domain.ErrAlreadyStarted)
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.shards = make([]chan domain.Event, b.config.Shards)
	for i := range b.shards {
		b.shards[i] = make(chan domain.Event, b.config.BufferSize)
		b.wg.Add(1)
		go b.runShard(b.shards[i])
	}
	b.running = true

	b.logger.Debug("event bus started", "shards", b.config.Shards)
	return nil
}

func (b *Bus) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.cancel()
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Debug("event bus stopped")
	return nil
}

func (b *Bus) Publish(ctx context.Context, topic string, payload interface{}, opts ...ports.PublishOption) error {
	event, err := b.newEvent(topic, payload)
	if err != nil {
		return err
	}
	for _, opt := range opts {
		opt(&event)
	}
	return b.enqueue(ctx, event)
}

func (b *Bus) newEvent(topic string, payload interface{}) (domain.Event, error) {
	event := domain.Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Source:    b.source,
		Timestamp: time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return domain.Event{}, domain.NewSystemError("event-bus", "marshal_payload", err)
		}
		event.Payload = data
	}
	return event, nil
}

func (b *Bus) enqueue(ctx context.Context, event domain.Event) error {
	b.mu.RLock()
	if !b.running {
		b.mu.RUnlock()
		return domain.NewSystemError("event-bus", "publish", domain.ErrClosed)
	}
	shard := b.shards[b.shardFor(event.PartitionKey())]
	done := b.ctx.Done()
	b.mu.RUnlock()

	select {
	case shard <- event:
		return nil
	case <-done:
		return domain.NewSystemError("event-bus", "publish", domain.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(b.shards)))
}

// Subscribe registers handler for every topic matching pattern. A trailing
// "*" matches any suffix.
func (b *Bus) Subscribe(pattern string, handler ports.EventHandler) func() {
	id := uuid.NewString()

	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, subscription{id: id, pattern: pattern, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subscriptions {
			if sub.id == id {
				b.subscriptions = append(b.subscriptions[:i], b.subscriptions[i+1:]...)
				return
			}
		}
	}
}

// Respond installs the single responder for topic, replacing any previous one.
func (b *Bus) Respond(topic string, handler ports.RequestHandler) func() {
	id := uuid.NewString()

	b.mu.Lock()
	b.responders[topic] = responder{id: id, handler: handler}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if r, ok := b.responders[topic]; ok && r.id == id {
			delete(b.responders, topic)
		}
	}
}

// Request publishes payload on topic and waits for the correlated reply.
func (b *Bus) Request(ctx context.Context, topic string, payload interface{}, timeout time.Duration) (domain.Event, error) {
	if timeout <= 0 {
		timeout = b.config.RequestTimeout
	}

	event, err := b.newEvent(topic, payload)
	if err != nil {
		return domain.Event{}, err
	}
	event.CorrelationID = uuid.NewString()
	event.ReplyTo = replyTopicPrefix + b.source

	reply := make(chan domain.Event, 1)
	b.mu.Lock()
	b.pending[event.CorrelationID] = reply
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, event.CorrelationID)
		b.mu.Unlock()
	}()

	if err := b.enqueue(ctx, event); err != nil {
		return domain.Event{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-reply:
		if !ok {
			return domain.Event{}, domain.NewSystemError("event-bus", "request", domain.ErrClosed)
		}
		if resp.Error != "" {
			return resp, fmt.Errorf("request %s: %s", topic, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		return domain.Event{}, &domain.TimeoutError{Op: "request " + topic}
	case <-ctx.Done():
		return domain.Event{}, ctx.Err()
	}
}

func (b *Bus) runShard(events <-chan domain.Event) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-events:
			b.dispatch(event)
		}
	}
}

func (b *Bus) dispatch(event domain.Event) {
	if strings.HasPrefix(event.Topic, replyTopicPrefix) {
		b.resolveReply(event)
		return
	}

	if event.ReplyTo != "" {
		b.mu.RLock()
		r, ok := b.responders[event.Topic]
		b.mu.RUnlock()
		if ok {
			b.wg.Add(1)
			go b.answer(r.handler, event)
		}
	}

	for _, handler := range b.matching(event.Topic) {
		b.deliver(handler, event)
	}
}

func (b *Bus) matching(topic string) []ports.EventHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var handlers []ports.EventHandler
	for _, sub := range b.subscriptions {
		if patternMatches(sub.pattern, topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	return handlers
}

// deliver retries a failing handler up to MaxRedeliveries times, blocking the
// shard so later events for the same partition stay behind it.
func (b *Bus) deliver(handler ports.EventHandler, event domain.Event) {
	for attempt := 0; attempt <= b.config.MaxRedeliveries; attempt++ {
		err := b.safeCall(handler, event)
		if err == nil {
			return
		}

		b.logger.Warn("event handler failed",
			"topic", event.Topic,
			"event_id", event.ID,
			"attempt", attempt+1,
			"error", err)

		if attempt == b.config.MaxRedeliveries {
			break
		}
		if b.config.RedeliveryDelay > 0 {
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(b.config.RedeliveryDelay):
			}
		}
	}

	b.logger.Error("event dropped after redeliveries",
		"topic", event.Topic,
		"event_id", event.ID,
		"redeliveries", b.config.MaxRedeliveries)
}

func (b *Bus) answer(handler ports.RequestHandler, request domain.Event) {
	defer b.wg.Done()

	reply := domain.Event{
		ID:            uuid.NewString(),
		Topic:         request.ReplyTo,
		Source:        b.source,
		ExecutionID:   request.ExecutionID,
		Timestamp:     time.Now(),
		CorrelationID: request.CorrelationID,
	}

	result, err := b.safeRespond(handler, request)
	if err != nil {
		reply.Error = err.Error()
	} else if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			reply.Error = merr.Error()
		} else {
			reply.Payload = data
		}
	}

	if err := b.enqueue(b.ctx, reply); err != nil {
		b.logger.Debug("failed to publish reply", "topic", request.Topic, "error", err)
	}
}

func (b *Bus) resolveReply(event domain.Event) {
	b.mu.Lock()
	ch, ok := b.pending[event.CorrelationID]
	if ok {
		delete(b.pending, event.CorrelationID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("discarding uncorrelated reply", "correlation_id", event.CorrelationID)
		return
	}
	ch <- event
}

func (b *Bus) safeCall(handler ports.EventHandler, event domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", event.Topic, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(b.ctx, event)
}

func (b *Bus) safeRespond(handler ports.RequestHandler, event domain.Event) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("request handler panicked", "topic", event.Topic, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(b.ctx, event)
}

func patternMatches(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == topic
}
