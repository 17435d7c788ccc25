package eventbus

import (
	"context"
	"sort"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	hclog "github.com/hashicorp/go-hclog"
)

// defaultHistorySize is the size of the in-memory debugging ring buffer
// (spec.md §4.5: "a ring buffer of the last N events, default 1000").
const defaultHistorySize = 1000

// Handler reacts to a published Event. Handlers must be idempotent: the bus
// delivers at-least-once within a handler because of its retry policy.
type Handler func(ctx context.Context, evt Event) error

// Persister is implemented by the registry's EventStore. The bus always
// wires a persisting handler at HIGH priority for every event type — this
// is the persisting variant of the original's two `event_handlers` copies
// mandated by spec.md §9's Open Question decision.
type Persister interface {
	Persist(ctx context.Context, evt Event) error
}

type subscription struct {
	handler    Handler
	priority   Priority
	retryCount int
	retryDelay time.Duration
}

// Bus is an ordinary constructed value (spec.md §9: "prefer a constructed
// EventBus value passed through the application wiring" instead of a
// process-wide singleton) — every test builds its own isolated instance.
type Bus struct {
	logger    hclog.Logger
	persister Persister

	mu       sync.Mutex
	handlers map[EventType][]*subscription
	history  []Event
	maxHist  int
}

// New constructs a Bus. If persister is non-nil it is invoked for every
// published event ahead of any user-registered handler — the HIGH-priority
// persistence handler spec.md §4.5 describes, expressed as a dedicated
// field rather than a regular subscription so it can never be unsubscribed
// or reordered.
func New(logger hclog.Logger, persister Persister) *Bus {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Bus{
		logger:    logger.Named("eventbus"),
		persister: persister,
		handlers:  make(map[EventType][]*subscription),
		maxHist:   defaultHistorySize,
	}
}

// Subscribe registers handler for eventType at the given priority with a
// retry policy. Handlers for one event type run in ascending priority order
// (spec.md §5's ordering guarantee).
func (b *Bus) Subscribe(eventType EventType, handler Handler, priority Priority, retryCount int, retryDelay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], &subscription{
		handler:    handler,
		priority:   priority,
		retryCount: retryCount,
		retryDelay: retryDelay,
	})
	subs := b.handlers[eventType]
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].priority < subs[j].priority })
}

// Publish runs every subscribed handler for evt.Type sequentially in
// priority order. A handler's failure, even after retries, never stops
// later handlers from running.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	b.recordHistory(evt)
	b.runPersister(ctx, evt)

	for _, sub := range b.subsFor(evt.Type) {
		b.runWithRetry(ctx, sub, evt)
	}
}

// PublishAsync runs handlers the same way Publish does but allows callers
// that don't care about completion to fire-and-forget; internally it still
// executes handlers for a single event in priority order (spec.md §5: async
// handlers for distinct events may interleave, but one event's handlers are
// ordered).
func (b *Bus) PublishAsync(ctx context.Context, evt Event) {
	go b.Publish(ctx, evt)
}

func (b *Bus) subsFor(t EventType) []*subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[t]
	out := make([]*subscription, len(subs))
	copy(out, subs)
	return out
}

func (b *Bus) runPersister(ctx context.Context, evt Event) {
	if b.persister == nil {
		return
	}
	if err := b.persister.Persist(ctx, evt); err != nil {
		b.logger.Error("failed to persist event", "event_type", evt.Type, "event_id", evt.EventID, "error", err)
	}
}

func (b *Bus) runWithRetry(ctx context.Context, sub *subscription, evt Event) {
	var lastErr error
	for attempt := 0; attempt <= sub.retryCount; attempt++ {
		if err := sub.handler(ctx, evt); err != nil {
			lastErr = err
			if attempt < sub.retryCount {
				b.logger.Warn("event handler failed, retrying",
					"event_type", evt.Type, "attempt", attempt+1, "error", err)
				select {
				case <-time.After(sub.retryDelay):
				case <-ctx.Done():
					return
				}
				continue
			}
			b.logger.Error("event handler failed after retries",
				"event_type", evt.Type, "attempts", sub.retryCount+1, "error", lastErr)
			metrics.IncrCounter([]string{"eventbus", "handler", "failure"}, 1)
			return
		}
		return
	}
}

func (b *Bus) recordHistory(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, evt)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
}

// History returns the most recent events, optionally filtered by type.
func (b *Bus) History(eventType EventType, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filtered []Event
	if eventType == "" {
		filtered = b.history
	} else {
		for _, e := range b.history {
			if e.Type == eventType {
				filtered = append(filtered, e)
			}
		}
	}
	if limit <= 0 || limit > len(filtered) {
		limit = len(filtered)
	}
	return append([]Event(nil), filtered[len(filtered)-limit:]...)
}

// Subscriptions reports handler counts per event type, for diagnostics.
func (b *Bus) Subscriptions() map[EventType]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[EventType]int, len(b.handlers))
	for t, subs := range b.handlers {
		out[t] = len(subs)
	}
	return out
}
