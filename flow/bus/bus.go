// Package bus provides the in-process event bus for the orchestration
// kernel: bounded per-subscriber queues, per-subscriber retry with
// exponential backoff, and a dead-letter sink for events that exhaust
// their retry budget.
package bus

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Publish after Close has been called.
var ErrClosed = errors.New("event bus closed")

// Event is a domain event flowing through the bus.
type Event struct {
	// ID uniquely identifies this event instance. Assigned by Publish
	// when empty.
	ID string

	// Type is the canonical event type (e.g., "workflow.state_changed").
	Type string

	// WorkflowID identifies the workflow the event concerns, when any.
	WorkflowID string

	// Payload carries event-specific structured data.
	Payload map[string]any

	// PublishedAt is stamped by Publish.
	PublishedAt time.Time
}

// Handler processes a delivered event. A non-nil error triggers the
// bus retry policy for this subscriber only; other subscribers are
// unaffected.
type Handler func(ctx context.Context, ev Event) error

// DeadLetterSink receives events a subscriber failed to process after
// the full retry budget.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, ev Event, subscriber string, attempts int, lastErr error) error
}

// Metrics receives bus counters. All methods must be safe for
// concurrent use. Optional; nil disables instrumentation.
type Metrics interface {
	BusRetried()
	BusDeadLettered()
	BusQueueDepth(subscriber string, depth int)
}

// Config tunes bus behavior. Zero values select the defaults.
type Config struct {
	// QueueSize bounds each subscriber's delivery queue. Publishers
	// block when a queue is full (back-pressure). Default 100.
	QueueSize int

	// MaxRetries is the number of redelivery attempts after the first
	// failure. Default 3.
	MaxRetries int

	// BackoffInitial is the delay before the first redelivery.
	// Default 100ms.
	BackoffInitial time.Duration

	// BackoffMultiplier grows the delay between successive
	// redeliveries. Default 2.0.
	BackoffMultiplier float64

	// BackoffMax caps the redelivery delay. Default 5s.
	BackoffMax time.Duration

	// DeadLetters receives events that exhaust the retry budget.
	// Optional; nil drops them.
	DeadLetters DeadLetterSink

	// Metrics receives bus counters. Optional.
	Metrics Metrics
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 100 * time.Millisecond
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2.0
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Second
	}
	return c
}

// subscriber owns one bounded queue and one delivery goroutine.
// Ordering is FIFO per subscriber; a slow subscriber never delays
// another subscriber's deliveries.
type subscriber struct {
	name      string
	eventType string
	handler   Handler
	ch        chan Event
}

// Bus is an in-process publish/subscribe dispatcher.
//
// Delivery guarantees:
//   - At-least-once per subscriber while the process lives.
//   - Per-subscriber FIFO in publish order.
//   - Failing handlers are retried with exponential backoff and
//     jitter; exhausted events go to the dead-letter sink.
//   - A handler failure for one subscriber never affects delivery to
//     the others (partial success).
type Bus struct {
	mu   sync.RWMutex
	cfg  Config
	subs map[string][]*subscriber // eventType -> subscribers
	done chan struct{}
	wg   sync.WaitGroup
	rng  *rand.Rand
	rngM sync.Mutex

	closed bool
}

// New creates a Bus with the given configuration. The bus is ready
// for Subscribe and Publish immediately.
func New(cfg Config) *Bus {
	return &Bus{
		cfg:  cfg.withDefaults(),
		subs: make(map[string][]*subscriber),
		done: make(chan struct{}),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter for retry timing, not security
	}
}

// Subscribe registers a named handler for an event type and starts
// its delivery goroutine. Subscribing to "*" receives every event.
//
// Subscribe must not be called after Close.
func (b *Bus) Subscribe(eventType, name string, h Handler) {
	sub := &subscriber{
		name:      name,
		eventType: eventType,
		handler:   h,
		ch:        make(chan Event, b.cfg.QueueSize),
	}

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliverLoop(sub)
}

// Publish enqueues ev for every subscriber of ev.Type (and "*"
// subscribers). Blocks while a subscriber's queue is full, providing
// back-pressure to publishers. Returns the context error if ctx is
// cancelled while blocked, or ErrClosed after Close.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.PublishedAt = time.Now().UTC()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*subscriber, 0, len(b.subs[ev.Type])+len(b.subs["*"]))
	targets = append(targets, b.subs[ev.Type]...)
	targets = append(targets, b.subs["*"]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
			if b.cfg.Metrics != nil {
				b.cfg.Metrics.BusQueueDepth(sub.name, len(sub.ch))
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		}
	}
	return nil
}

// Close stops the bus. In-flight deliveries finish their current
// attempt; events still queued are dropped. Publish returns ErrClosed
// afterwards. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}

// deliverLoop drains one subscriber's queue, applying the retry
// policy per event.
func (b *Bus) deliverLoop(sub *subscriber) {
	defer b.wg.Done()

	for {
		select {
		case ev := <-sub.ch:
			b.deliver(sub, ev)
			if b.cfg.Metrics != nil {
				b.cfg.Metrics.BusQueueDepth(sub.name, len(sub.ch))
			}
		case <-b.done:
			return
		}
	}
}

// deliver attempts the handler up to 1+MaxRetries times, then dead
// letters the event.
func (b *Bus) deliver(sub *subscriber, ev Event) {
	ctx := context.Background()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if b.cfg.Metrics != nil {
				b.cfg.Metrics.BusRetried()
			}
			if !b.sleep(b.backoff(attempt - 1)) {
				return // shutting down
			}
		}
		attempts++
		if lastErr = sub.handler(ctx, ev); lastErr == nil {
			return
		}
	}

	if b.cfg.Metrics != nil {
		b.cfg.Metrics.BusDeadLettered()
	}
	if b.cfg.DeadLetters != nil {
		// Sink failures are unrecoverable here; the event is lost
		// either way, so the error is ignored.
		_ = b.cfg.DeadLetters.DeadLetter(ctx, ev, sub.name, attempts, lastErr)
	}
}

// backoff computes the delay before redelivery attempt n (zero-based)
// as min(initial * multiplier^n, max) plus jitter in [0, initial).
func (b *Bus) backoff(attempt int) time.Duration {
	d := float64(b.cfg.BackoffInitial)
	for i := 0; i < attempt; i++ {
		d *= b.cfg.BackoffMultiplier
	}
	delay := time.Duration(d)
	if delay > b.cfg.BackoffMax || delay <= 0 {
		delay = b.cfg.BackoffMax
	}

	b.rngM.Lock()
	jitter := time.Duration(b.rng.Int63n(int64(b.cfg.BackoffInitial)))
	b.rngM.Unlock()

	return delay + jitter
}

// sleep waits for d unless the bus shuts down first. Reports whether
// the full duration elapsed.
func (b *Bus) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-b.done:
		return false
	}
}
