package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// scheduleDelivery snapshots topic's active subscribers, sorts them by
// priority descending, applies each subscriber's filter, and dispatches a
// delivery goroutine per accepted subscriber. Per §4.6.4 there is no
// ordering guarantee across subscriptions, only within one sequential
// subscription.
func (b *Bus) scheduleDelivery(ctx context.Context, topic string, evt Event) {
	t := b.topicFor(topic)

	t.mu.RLock()
	subs := append([]*subscription{}, t.subs...)
	t.mu.RUnlock()

	sort.SliceStable(subs, func(i, j int) bool { return subs[i].opts.Priority > subs[j].opts.Priority })

	now := time.Now()
	for _, sub := range subs {
		sub.mu.Lock()
		sub.received++
		sub.mu.Unlock()

		if sub.opts.Filter != nil && !sub.opts.Filter(&evt) {
			continue
		}

		e := evt
		s := sub
		b.wg.Add(1)
		gen := b.currentGeneration()
		go func() {
			defer b.wg.Done()
			if b.currentGeneration() != gen {
				return
			}
			b.deliverToSubscriber(ctx, s, &e, 1, now)
		}()
	}
}

// deliverToSubscriber invokes s.handler for evt, racing against the
// subscription's timeout, and on failure either schedules a backoff retry
// or dead-letters the event once the retry budget is exhausted.
func (b *Bus) deliverToSubscriber(ctx context.Context, s *subscription, evt *Event, attempt int, firstAttemptAt time.Time) {
	if s.opts.Sequential {
		s.seqMu.Lock()
		defer s.seqMu.Unlock()
	} else {
		s.sem <- struct{}{}
		defer func() { <-s.sem }()
	}

	handlerCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- s.handler(handlerCtx, evt)
	}()

	var err error
	select {
	case err = <-resultCh:
	case <-handlerCtx.Done():
		err = fmt.Errorf("eventbus: subscription %s timed out after %v", s.id, s.opts.Timeout)
	}

	if err == nil {
		s.mu.Lock()
		s.processed++
		s.mu.Unlock()
		if b.onDelivered != nil {
			b.onDelivered(evt.Topic)
		}
		return
	}

	retry := s.opts.Retry
	if retry != nil && attempt < retry.MaxAttempts {
		delay := retry.delayFor(attempt)
		gen := b.currentGeneration()
		b.wg.Add(1)
		time.AfterFunc(delay, func() {
			defer b.wg.Done()
			if b.currentGeneration() != gen {
				return
			}
			b.deliverToSubscriber(ctx, s, evt, attempt+1, firstAttemptAt)
		})
		return
	}

	b.deadLetter(ctx, s, evt, err)
}

func (b *Bus) deadLetter(ctx context.Context, s *subscription, evt *Event, cause error) {
	s.mu.Lock()
	s.deadLettered++
	s.mu.Unlock()

	if b.onDeadLetter != nil {
		b.onDeadLetter(evt.Topic)
	}

	dlEvent := DeadLetterEvent{
		OriginalEvent:  *evt,
		SubscriptionID: s.id,
		ErrorMessage:   cause.Error(),
		FailedAt:       time.Now(),
	}

	topic := s.opts.DeadLetterTopic
	if topic == "" {
		topic = DefaultDeadLetterTopic
	}
	// A dead-letter publish must never itself be retried into oblivion; if
	// the dead-letter topic is unreachable for some future reason the
	// failure is swallowed here rather than recursing.
	_, _ = b.Publish(ctx, topic, dlEvent)
}

// SubscriptionStats reports per-subscription delivery counters, used by
// tests and operational tooling.
type SubscriptionStats struct {
	Received     int64
	Processed    int64
	DeadLettered int64
}

// Stats returns the current counters for subscriptionID on topic, or
// ErrSubscriptionNotFound.
func (b *Bus) Stats(topic, subscriptionID string) (SubscriptionStats, error) {
	t := b.topicFor(topic)
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, s := range t.subs {
		if s.id == subscriptionID {
			s.mu.Lock()
			defer s.mu.Unlock()
			return SubscriptionStats{Received: s.received, Processed: s.processed, DeadLettered: s.deadLettered}, nil
		}
	}
	return SubscriptionStats{}, errors.New("eventbus: subscription not found")
}

// Retained returns a copy of topic's currently retained events, oldest
// first.
func (b *Bus) Retained(topic string) []Event {
	t := b.topicFor(topic)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Event{}, t.retained...)
}

// Configure overrides a topic's retention and subscriber-cap defaults. Must
// be called before the topic accumulates subscribers/retained events to
// take full effect, mirroring the auto-create-on-first-use semantics.
func (b *Bus) Configure(topic string, cfg TopicConfig) {
	t := b.topicFor(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.config = cfg
}
