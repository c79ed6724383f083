package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/adt-sh/adt/internal/common/logger"
)

// MemoryEventBus implements EventBus in process. It is the default
// backend; NATS is only used when nats.url is configured.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup
	history       *historyRing
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	pattern string
	regex   *regexp.Regexp
	handler Handler
	queue   string
	deliver chan delivery
	active  bool
	mu      sync.Mutex
}

// delivery carries one event through a subscriber's serial queue.
type delivery struct {
	ctx   context.Context
	event *Event
}

// deliveryQueueSize bounds the per-subscriber backlog. A full queue
// drops the event rather than blocking the publisher.
const deliveryQueueSize = 256

// queueGroup round-robins deliveries across its members.
type queueGroup struct {
	subscribers []*memorySubscription
	nextIndex   int
	mu          sync.Mutex
}

// run drains the delivery queue. One worker per subscription keeps
// events from a single publisher in publish order.
func (s *memorySubscription) run() {
	for d := range s.deliver {
		if err := s.handler(d.ctx, d.event); err != nil {
			s.bus.logger.Error("event handler error",
				zap.String("type", d.event.Type),
				zap.String("pattern", s.pattern),
				zap.Error(err))
		}
	}
}

// enqueue hands the event to the subscriber's worker. Sends happen under
// the subscription mutex so the channel is never written after close.
func (s *memorySubscription) enqueue(ctx context.Context, event *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}
	select {
	case s.deliver <- delivery{ctx: ctx, event: event}:
	default:
		s.bus.logger.Warn("subscriber queue full, dropping event",
			zap.String("pattern", s.pattern),
			zap.String("type", event.Type))
	}
}

// stop deactivates the subscription and releases its worker.
func (s *memorySubscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		s.active = false
		close(s.deliver)
	}
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.stop()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscriptions[s.pattern]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.pattern] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	if s.queue != "" {
		queueKey := s.queue + ":" + s.pattern
		if qg, ok := s.bus.queues[queueKey]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}

	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		history:       newHistoryRing(),
		logger:        log,
	}
}

// Publish delivers the event to all matching subscribers.
func (b *MemoryEventBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	b.history.add(event)

	deliveredQueues := make(map[string]bool)

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			active := sub.active
			sub.mu.Unlock()

			if !active || !matches(event.Type, pattern, sub.regex) {
				continue
			}

			// Queue subscriptions get one delivery per group.
			if sub.queue != "" {
				queueKey := sub.queue + ":" + pattern
				if !deliveredQueues[queueKey] {
					deliveredQueues[queueKey] = true
					b.publishToQueue(ctx, queueKey, event)
				}
				continue
			}

			sub.enqueue(ctx, event)
		}
	}

	b.logger.Debug("published event",
		zap.String("event_id", event.ID),
		zap.String("type", event.Type),
		zap.String("project", event.Project))

	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	return b.subscribe(pattern, "", handler)
}

// QueueSubscribe registers a load-balanced handler.
func (b *MemoryEventBus) QueueSubscribe(pattern, queue string, handler Handler) (Subscription, error) {
	return b.subscribe(pattern, queue, handler)
}

func (b *MemoryEventBus) subscribe(pattern, queue string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		regex:   compilePattern(pattern),
		handler: handler,
		queue:   queue,
		deliver: make(chan delivery, deliveryQueueSize),
		active:  true,
	}
	go sub.run()
	b.subscriptions[pattern] = append(b.subscriptions[pattern], sub)

	if queue != "" {
		queueKey := queue + ":" + pattern
		if _, ok := b.queues[queueKey]; !ok {
			b.queues[queueKey] = &queueGroup{}
		}
		b.queues[queueKey].subscribers = append(b.queues[queueKey].subscribers, sub)
	}

	b.logger.Debug("subscribed", zap.String("pattern", pattern), zap.String("queue", queue))
	return sub, nil
}

// History returns recent events, oldest first.
func (b *MemoryEventBus) History(limit int, eventType string) []*Event {
	return b.history.snapshot(limit, eventType)
}

// Close shuts the bus down and drops all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)

	b.logger.Info("memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks a subject against a pattern with NATS-style wildcards.
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts a NATS-style pattern to an anchored regex.
// Returns nil for literal patterns.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}

// publishToQueue delivers to one active member of the queue group.
func (b *MemoryEventBus) publishToQueue(ctx context.Context, queueKey string, event *Event) {
	qg, ok := b.queues[queueKey]
	if !ok {
		return
	}

	qg.mu.Lock()
	defer qg.mu.Unlock()

	if len(qg.subscribers) == 0 {
		return
	}

	startIndex := qg.nextIndex
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (startIndex + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]

		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()

		if active {
			qg.nextIndex = (idx + 1) % len(qg.subscribers)
			sub.enqueue(ctx, event)
			return
		}
	}
}
