// Package notify fans measurement updates out to streaming subscribers,
// keyed by reagent tag. Delivery is best-effort: a subscriber that cannot
// keep up loses events, the publisher never blocks.
package notify

import (
	"log/slog"
	"sync"

	"github.com/kkaryeong/reagent-ology/metric"
)

const defaultBuffer = 16

// Subscription is one subscriber's view of a tag's event feed. Read from C
// until it closes; call Close when done.
type Subscription struct {
	C chan []byte

	bus   *Bus
	tag   string
	close sync.Once
}

// Close deregisters the subscription. Safe to call more than once; the
// channel is not closed, pending events stay readable.
func (s *Subscription) Close() {
	s.close.Do(func() {
		s.bus.remove(s.tag, s)
	})
}

// Bus is the in-process subscriber registry. Its lifecycle is owned by the
// service; all methods are safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int

	logger  *slog.Logger
	metrics *metric.Metrics // optional
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the bus logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithMetrics attaches delivery metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithBuffer sets the per-subscriber channel capacity
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewBus creates an empty bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: defaultBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default().With("component", "notify")
	}
	return b
}

// Subscribe registers a new subscriber for the tag
func (b *Bus) Subscribe(tag string) *Subscription {
	sub := &Subscription{
		C:   make(chan []byte, b.buffer),
		bus: b,
		tag: tag,
	}

	b.mu.Lock()
	set := b.subs[tag]
	if set == nil {
		set = make(map[*Subscription]struct{})
		b.subs[tag] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ActiveSubscribers.Inc()
	}

	return sub
}

func (b *Bus) remove(tag string, sub *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[tag]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, tag)
		}
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ActiveSubscribers.Dec()
	}
}

// Publish delivers payload to every current subscriber of the tag. A full
// subscriber buffer drops the event for that subscriber only. Publish never
// blocks and never fails; the lock covers the registry snapshot, not the
// sends.
func (b *Bus) Publish(tag string, payload []byte) {
	b.mu.Lock()
	set := b.subs[tag]
	targets := make([]*Subscription, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.C <- payload:
			if b.metrics != nil {
				b.metrics.EventsPublished.Inc()
			}
		default:
			if b.metrics != nil {
				b.metrics.EventsDropped.Inc()
			}
			b.logger.Debug("Subscriber buffer full, event dropped", "tag", tag)
		}
	}
}

// Subscribers reports the current subscriber count for a tag
func (b *Bus) Subscribers(tag string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[tag])
}
