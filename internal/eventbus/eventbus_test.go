package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribe_BasicDelivery(t *testing.T) {
	b := New()
	received := make(chan *Event, 1)

	if _, err := b.Subscribe("orders", func(ctx context.Context, evt *Event) error {
		received <- evt
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := b.Publish(context.Background(), "orders", "payload"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case evt := <-received:
		if evt.Data != "payload" {
			t.Fatalf("unexpected payload: %v", evt.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSubscribe_StartFromNowFalseReplaysRetained(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.Publish(ctx, "orders", "first")
	b.Publish(ctx, "orders", "second")

	var mu sync.Mutex
	var seen []interface{}
	startFromNow := false
	_, err := b.Subscribe("orders", func(ctx context.Context, evt *Event) error {
		mu.Lock()
		seen = append(seen, evt.Data)
		mu.Unlock()
		return nil
	}, SubscribeOptions{StartFromNow: &startFromNow})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "first" || seen[1] != "second" {
		t.Fatalf("expected retained events replayed in order, got %+v", seen)
	}
}

func TestSubscribe_RejectsBeyondSubscriberCap(t *testing.T) {
	b := New()
	b.Configure("orders", TopicConfig{RetainCount: 100, RetainDuration: time.Hour, MaxSubscribers: 1})

	noop := func(ctx context.Context, evt *Event) error { return nil }
	if _, err := b.Subscribe("orders", noop); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if _, err := b.Subscribe("orders", noop); err == nil {
		t.Fatal("expected the second subscribe to fail at the subscriber cap")
	}
}

func TestDelivery_FilterSkipsNonMatchingEvents(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var got []string

	filter := func(evt *Event) bool { return evt.Data == "keep" }
	b.Subscribe("orders", func(ctx context.Context, evt *Event) error {
		mu.Lock()
		got = append(got, evt.Data.(string))
		mu.Unlock()
		return nil
	}, SubscribeOptions{Filter: filter})

	b.Publish(context.Background(), "orders", "drop")
	b.Publish(context.Background(), "orders", "keep")

	if err := b.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "keep" {
		t.Fatalf("expected only the matching event delivered, got %+v", got)
	}
}

func TestDelivery_InvokesEverySequentialSubscriberAcrossPriorities(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var order []string

	record := func(name string) Handler {
		return func(ctx context.Context, evt *Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	b.Subscribe("orders", record("low"), SubscribeOptions{Priority: 1, Sequential: true})
	b.Subscribe("orders", record("high"), SubscribeOptions{Priority: 10, Sequential: true})

	b.Publish(context.Background(), "orders", "x")
	if err := b.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 {
		t.Fatalf("expected both subscribers invoked, got %+v", order)
	}
}

func TestDelivery_RetriesThenDeadLetters(t *testing.T) {
	b := New()
	ctx := context.Background()

	attempts := 0
	var mu sync.Mutex
	b.Subscribe("orders", func(ctx context.Context, evt *Event) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("boom")
	}, SubscribeOptions{
		Retry: &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffMultiplier: 1, MaxDelay: 10 * time.Millisecond},
	})

	dlReceived := make(chan DeadLetterEvent, 1)
	b.Subscribe(DefaultDeadLetterTopic, func(ctx context.Context, evt *Event) error {
		dlReceived <- evt.Data.(DeadLetterEvent)
		return nil
	})

	if _, err := b.Publish(ctx, "orders", "payload"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case dl := <-dlReceived:
		if dl.ErrorMessage != "boom" {
			t.Fatalf("expected dead-letter error message 'boom', got %q", dl.ErrorMessage)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dead-letter event")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
}

func TestDelivery_TimeoutSynthesizesError(t *testing.T) {
	b := New()
	ctx := context.Background()

	dlReceived := make(chan DeadLetterEvent, 1)
	b.Subscribe(DefaultDeadLetterTopic, func(ctx context.Context, evt *Event) error {
		dlReceived <- evt.Data.(DeadLetterEvent)
		return nil
	})

	b.Subscribe("orders", func(ctx context.Context, evt *Event) error {
		<-ctx.Done()
		return ctx.Err()
	}, SubscribeOptions{Timeout: 5 * time.Millisecond})

	b.Publish(ctx, "orders", "payload")

	select {
	case <-dlReceived:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dead-letter event from a handler timeout")
	}
}

func TestPublish_TTLExpiredBeforeDeliveryDropsSilently(t *testing.T) {
	b := New()
	ctx := context.Background()

	delivered := false
	b.Subscribe("orders", func(ctx context.Context, evt *Event) error {
		delivered = true
		return nil
	})

	if _, err := b.Publish(ctx, "orders", "payload", WithDelay(20*time.Millisecond), WithTTL(time.Millisecond)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := b.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if delivered {
		t.Fatal("expected the expired event to be dropped silently")
	}
}

func TestMiddleware_ErrorBeforeNextRejectsPublish(t *testing.T) {
	rejecting := func(ctx context.Context, evt *Event, next Next) error {
		return fmt.Errorf("rejected before delivery")
	}
	b := New(WithMiddleware(rejecting))

	_, err := b.Publish(context.Background(), "orders", "payload")
	if err == nil {
		t.Fatal("expected the publish to be rejected by the middleware")
	}
}

func TestMiddleware_ErrorAfterChainTailNeverRejectsPublish(t *testing.T) {
	passthrough := func(ctx context.Context, evt *Event, next Next) error {
		err := next(ctx, evt)
		if err != nil {
			return fmt.Errorf("wrapped: %w", err)
		}
		return nil
	}
	b := New(WithMiddleware(passthrough))

	b.Subscribe("orders", func(ctx context.Context, evt *Event) error {
		return errors.New("handler always fails")
	}, SubscribeOptions{Retry: &RetryPolicy{MaxAttempts: 1}})

	_, err := b.Publish(context.Background(), "orders", "payload")
	if err != nil {
		t.Fatalf("expected publish to succeed even though the handler fails asynchronously, got %v", err)
	}
}

func TestClear_RemovesRetainedEventsAndSubscriptions(t *testing.T) {
	b := New()
	ctx := context.Background()
	b.Publish(ctx, "orders", "payload")

	delivered := false
	b.Subscribe("orders", func(ctx context.Context, evt *Event) error {
		delivered = true
		return nil
	})

	b.Clear()

	if len(b.Retained("orders")) != 0 {
		t.Fatal("expected retained events to be cleared")
	}

	b.Publish(ctx, "orders", "payload-after-clear")
	if err := b.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if delivered {
		t.Fatal("expected the pre-clear subscription to have been removed")
	}
}

func TestRetention_TrimsToRetainCount(t *testing.T) {
	b := New()
	b.Configure("orders", TopicConfig{RetainCount: 2, RetainDuration: time.Hour, MaxSubscribers: 100})
	ctx := context.Background()

	b.Publish(ctx, "orders", "a")
	b.Publish(ctx, "orders", "b")
	b.Publish(ctx, "orders", "c")

	retained := b.Retained("orders")
	if len(retained) != 2 {
		t.Fatalf("expected retention trimmed to 2 events, got %d", len(retained))
	}
	if retained[0].Data != "b" || retained[1].Data != "c" {
		t.Fatalf("expected the oldest event trimmed from the head, got %+v", retained)
	}
}

func TestRetryPolicy_DelayForAppliesExponentialBackoffCappedAtMaxDelay(t *testing.T) {
	r := RetryPolicy{InitialDelay: 10 * time.Millisecond, BackoffMultiplier: 2, MaxDelay: 25 * time.Millisecond}
	if got := r.delayFor(1); got != 10*time.Millisecond {
		t.Fatalf("attempt 1: expected 10ms, got %v", got)
	}
	if got := r.delayFor(2); got != 20*time.Millisecond {
		t.Fatalf("attempt 2: expected 20ms, got %v", got)
	}
	if got := r.delayFor(3); got != 25*time.Millisecond {
		t.Fatalf("attempt 3: expected the 25ms cap, got %v", got)
	}
}
