package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fastConfig keeps retry delays negligible for tests.
func fastConfig() Config {
	return Config{
		QueueSize:      10,
		MaxRetries:     2,
		BackoffInitial: time.Millisecond,
	}
}

// collector records delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{} // closed once want events arrived
	want   int
}

func newCollector(want int) *collector {
	return &collector{done: make(chan struct{}), want: want}
}

func (c *collector) handle(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	if len(c.events) == c.want {
		close(c.done)
	}
	return nil
}

func (c *collector) wait(t *testing.T) []Event {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %d events", c.want)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// sinkRecorder captures dead-lettered events.
type sinkRecorder struct {
	mu       sync.Mutex
	events   []Event
	attempts []int
	notify   chan struct{}
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{notify: make(chan struct{}, 8)}
}

func (s *sinkRecorder) DeadLetter(_ context.Context, ev Event, _ string, attempts int, _ error) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.attempts = append(s.attempts, attempts)
	s.mu.Unlock()
	s.notify <- struct{}{}
	return nil
}

// TestPublishDelivers verifies events reach a matching subscriber with
// an assigned id and publish timestamp.
func TestPublishDelivers(t *testing.T) {
	b := New(fastConfig())
	defer b.Close()

	col := newCollector(1)
	b.Subscribe("order.created", "audit", col.handle)

	if err := b.Publish(context.Background(), Event{Type: "order.created", WorkflowID: "wf-1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	evs := col.wait(t)
	if evs[0].ID == "" {
		t.Error("event id not assigned")
	}
	if evs[0].PublishedAt.IsZero() {
		t.Error("PublishedAt not stamped")
	}
	if evs[0].WorkflowID != "wf-1" {
		t.Errorf("WorkflowID = %s", evs[0].WorkflowID)
	}
}

// TestPerSubscriberFIFO verifies one subscriber sees events in publish
// order.
func TestPerSubscriberFIFO(t *testing.T) {
	b := New(fastConfig())
	defer b.Close()

	const n = 10
	col := newCollector(n)
	b.Subscribe("tick", "counter", col.handle)

	for i := 0; i < n; i++ {
		ev := Event{Type: "tick", Payload: map[string]any{"seq": i}}
		if err := b.Publish(context.Background(), ev); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	for i, ev := range col.wait(t) {
		if got := ev.Payload["seq"].(int); got != i {
			t.Fatalf("delivery %d carried seq %d", i, got)
		}
	}
}

// TestWildcardSubscriber verifies "*" receives every event type.
func TestWildcardSubscriber(t *testing.T) {
	b := New(fastConfig())
	defer b.Close()

	col := newCollector(2)
	b.Subscribe("*", "firehose", col.handle)

	for _, typ := range []string{"a.one", "b.two"} {
		if err := b.Publish(context.Background(), Event{Type: typ}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	evs := col.wait(t)
	if evs[0].Type != "a.one" || evs[1].Type != "b.two" {
		t.Errorf("wildcard got %s, %s", evs[0].Type, evs[1].Type)
	}
}

// TestRetryThenSuccess verifies a handler that fails transiently is
// retried and the event never dead-letters.
func TestRetryThenSuccess(t *testing.T) {
	sink := newSinkRecorder()
	cfg := fastConfig()
	cfg.DeadLetters = sink
	b := New(cfg)
	defer b.Close()

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	b.Subscribe("job.run", "worker", func(_ context.Context, _ Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	if err := b.Publish(context.Background(), Event{Type: "job.run"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never succeeded")
	}

	select {
	case <-sink.notify:
		t.Fatal("event dead-lettered despite eventual success")
	case <-time.After(20 * time.Millisecond):
	}
}

// TestDeadLetterAfterExhaustion verifies a persistently failing
// handler sends the event to the sink with the full attempt count.
func TestDeadLetterAfterExhaustion(t *testing.T) {
	sink := newSinkRecorder()
	cfg := fastConfig()
	cfg.DeadLetters = sink
	b := New(cfg)
	defer b.Close()

	b.Subscribe("job.run", "worker", func(_ context.Context, _ Event) error {
		return errors.New("broken")
	})

	if err := b.Publish(context.Background(), Event{Type: "job.run", WorkflowID: "wf-9"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-sink.notify:
	case <-time.After(3 * time.Second):
		t.Fatal("event never dead-lettered")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.events[0].WorkflowID != "wf-9" {
		t.Errorf("dead letter WorkflowID = %s", sink.events[0].WorkflowID)
	}
	// 1 initial attempt + MaxRetries redeliveries.
	if sink.attempts[0] != 3 {
		t.Errorf("attempts = %d, want 3", sink.attempts[0])
	}
}

// TestPartialSuccess verifies one subscriber's failure does not affect
// delivery to the others.
func TestPartialSuccess(t *testing.T) {
	sink := newSinkRecorder()
	cfg := fastConfig()
	cfg.DeadLetters = sink
	b := New(cfg)
	defer b.Close()

	healthy := newCollector(1)
	b.Subscribe("release.cut", "notifier", healthy.handle)
	b.Subscribe("release.cut", "flaky", func(_ context.Context, _ Event) error {
		return fmt.Errorf("handler down")
	})

	if err := b.Publish(context.Background(), Event{Type: "release.cut"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	healthy.wait(t)
	select {
	case <-sink.notify:
	case <-time.After(3 * time.Second):
		t.Fatal("failing subscriber never dead-lettered")
	}
}

// TestPublishBlockedContextCancel verifies a publisher stuck on a full
// queue unblocks when its context is cancelled.
func TestPublishBlockedContextCancel(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueSize = 1
	b := New(cfg)
	defer b.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	b.Subscribe("slow", "sleeper", func(_ context.Context, _ Event) error {
		once.Do(func() { close(started) })
		<-block
		return nil
	})
	defer close(block)

	// First occupies the handler, second fills the queue.
	if err := b.Publish(context.Background(), Event{Type: "slow"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	<-started
	if err := b.Publish(context.Background(), Event{Type: "slow"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Publish(ctx, Event{Type: "slow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("blocked publish error = %v, want context.DeadlineExceeded", err)
	}
}

// TestPublishAfterClose verifies Close is terminal and idempotent.
func TestPublishAfterClose(t *testing.T) {
	b := New(fastConfig())
	b.Subscribe("x", "noop", func(_ context.Context, _ Event) error { return nil })

	b.Close()
	b.Close()

	if err := b.Publish(context.Background(), Event{Type: "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("publish after close error = %v, want ErrClosed", err)
	}
}
