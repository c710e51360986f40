package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMailboxSize bounds each subscriber's mailbox.
const DefaultMailboxSize = 256

// Option configures a Bus.
type Option func(*Bus)

// WithMailboxSize overrides the per-subscriber mailbox bound.
func WithMailboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithRegistry registers the bus's drop counter with a prometheus registry.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(b *Bus) { reg.MustRegister(b.drops) }
}

// Bus is the in-process publish/subscribe hub. Publish never blocks: each
// subscriber has a bounded mailbox, and on overflow the oldest event is
// dropped and counted. Per-publisher FIFO order is preserved; no order is
// promised across publishers. Late subscribers do not observe events
// published before they subscribed.
type Bus struct {
	mu          sync.RWMutex
	subs        map[uint64]*Subscription
	nextID      uint64
	mailboxSize int
	logger      *slog.Logger

	drops *prometheus.CounterVec
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:        make(map[uint64]*Subscription),
		mailboxSize: DefaultMailboxSize,
		logger:      slog.Default().With("component", "bus"),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "neotalk_bus_dropped_events_total",
			Help: "Events dropped from subscriber mailboxes on overflow.",
		}, []string{"event_type"}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish enqueues the event into every current subscriber's mailbox and
// returns. It never blocks on slow consumers.
func (b *Bus) Publish(event Event) {
	env := Envelope{Event: event, PublishedAt: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.enqueue(env, b)
	}
}

// Subscribe returns a fresh subscription receiving all subsequent events.
// Cancelling ctx closes the subscription.
func (b *Bus) Subscribe(ctx context.Context) *Subscription {
	return b.subscribe(ctx, nil)
}

// DeviceMetrics returns a subscription restricted to device-metric events.
func (b *Bus) DeviceMetrics(ctx context.Context) *Subscription {
	return b.subscribe(ctx, func(e Event) bool {
		_, ok := e.(DeviceMetricEvent)
		return ok
	})
}

// FilterByType returns a subscription restricted to the given event types.
func (b *Bus) FilterByType(ctx context.Context, types ...EventType) *Subscription {
	allowed := make(map[EventType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	return b.subscribe(ctx, func(e Event) bool { return allowed[e.Type()] })
}

func (b *Bus) subscribe(ctx context.Context, filter func(Event) bool) *Subscription {
	b.mu.Lock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		ch:     make(chan Envelope, b.mailboxSize),
		filter: filter,
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			b.unsubscribe(sub)
		}()
	}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	sub.close()
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id     uint64
	ch     chan Envelope
	filter func(Event) bool

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// Events returns the subscription's mailbox. The channel is closed when the
// subscription's context is cancelled.
func (s *Subscription) Events() <-chan Envelope { return s.ch }

// Dropped returns how many events this subscription lost to overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) enqueue(env Envelope, b *Bus) {
	if s.filter != nil && !s.filter(env.Event) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- env:
			return
		default:
		}
		// Mailbox full: drop the oldest and retry.
		select {
		case old := <-s.ch:
			s.dropped++
			b.drops.WithLabelValues(string(old.Event.Type())).Inc()
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
