// Package eventbus implements the kernel's in-process publish/subscribe bus
// (C6): retained per-topic history, priority-ordered delivery, per-subscription
// retry with backoff, dead-lettering, and a middleware chain with precise
// error scoping between publish rejection and async delivery failure.
//
// The fan-out and worker-pool shapes are adapted from the platform's event
// bus and request router: goroutine fan-out guarded by context timeouts, and
// a functional-options configuration surface.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultDeadLetterTopic is the reserved topic name created on construction.
// It cannot be deleted and every subscription's DeadLetterTopic defaults to
// it when unset.
const DefaultDeadLetterTopic = "__dead_letter__"

// Event is an immutable published message.
type Event struct {
	ID            string
	Topic         string
	Data          interface{}
	CorrelationID string
	CausationID   string
	CreatedAt     time.Time
	ExpiresAt     time.Time // zero means no expiry
}

// Expired reports whether the event's ttl has elapsed as of now.
func (e Event) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// DeadLetterEvent is the payload of events published to a dead-letter topic
// once a subscription exhausts its retry budget.
type DeadLetterEvent struct {
	OriginalEvent  Event
	SubscriptionID string
	ErrorMessage   string
	FailedAt       time.Time
}

// PublishOptions controls one publish call.
type PublishOptions struct {
	CorrelationID string
	CausationID   string
	Delay         time.Duration
	TTL           time.Duration
}

// PublishOption mutates PublishOptions.
type PublishOption func(*PublishOptions)

func WithCorrelationID(id string) PublishOption {
	return func(o *PublishOptions) { o.CorrelationID = id }
}

func WithCausationID(id string) PublishOption {
	return func(o *PublishOptions) { o.CausationID = id }
}

func WithDelay(d time.Duration) PublishOption {
	return func(o *PublishOptions) { o.Delay = d }
}

func WithTTL(d time.Duration) PublishOption {
	return func(o *PublishOptions) { o.TTL = d }
}

// Next is the continuation a Middleware calls to proceed down the chain.
type Next func(ctx context.Context, evt *Event) error

// Middleware wraps the chain. Errors returned before calling next reject
// the publish call; next itself never returns a delivery error (delivery is
// asynchronous), so errors raised by code *inside* a handler can only reach
// the caller if a middleware fabricates one.
type Middleware func(ctx context.Context, evt *Event, next Next) error

// RetryPolicy configures per-subscription retry backoff.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

func (r RetryPolicy) delayFor(attempt int) time.Duration {
	if r.BackoffMultiplier <= 0 {
		r.BackoffMultiplier = 1
	}
	d := float64(r.InitialDelay) * pow(r.BackoffMultiplier, attempt-1)
	if r.MaxDelay > 0 && time.Duration(d) > r.MaxDelay {
		return r.MaxDelay
	}
	return time.Duration(d)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// TopicConfig governs retention and subscriber limits for one topic.
type TopicConfig struct {
	RetainCount    int
	RetainDuration time.Duration
	MaxSubscribers int
}

func defaultTopicConfig() TopicConfig {
	return TopicConfig{RetainCount: 100, RetainDuration: time.Hour, MaxSubscribers: 100}
}

// Filter decides whether an event is relevant to a subscriber.
type Filter func(*Event) bool

// Handler processes one delivered event.
type Handler func(ctx context.Context, evt *Event) error

// SubscribeOptions configures one subscription.
type SubscribeOptions struct {
	Filter          Filter
	Priority        int
	Sequential      bool
	Concurrency     int
	Timeout         time.Duration
	Retry           *RetryPolicy
	DeadLetterTopic string
	StartFromNow    *bool
}

func (o SubscribeOptions) resolve() SubscribeOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 10
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.DeadLetterTopic == "" {
		o.DeadLetterTopic = DefaultDeadLetterTopic
	}
	if o.StartFromNow == nil {
		yes := true
		o.StartFromNow = &yes
	}
	return o
}

type subscription struct {
	id      string
	topic   string
	handler Handler
	opts    SubscribeOptions
	sem     chan struct{}
	seqMu   sync.Mutex

	received  int64
	processed int64
	deadLettered int64
	mu        sync.Mutex
}

type topicState struct {
	mu       sync.RWMutex
	config   TopicConfig
	subs     []*subscription
	retained []Event
}

// Bus is the kernel's event bus. The zero value is not usable; construct
// with New.
type Bus struct {
	mu         sync.RWMutex
	topics     map[string]*topicState
	middleware []Middleware

	wg sync.WaitGroup

	genMu sync.Mutex
	gen   int

	onPublish   func(topic string)
	onDelivered func(topic string)
	onDeadLetter func(topic string)
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithMiddleware appends mw to the end of the chain, in the order supplied.
func WithMiddleware(mw ...Middleware) Option {
	return func(b *Bus) { b.middleware = append(b.middleware, mw...) }
}

// WithPublishObserver registers a callback invoked once per publish that
// reaches the chain's tail, keyed by topic. Intended for metrics.
func WithPublishObserver(fn func(topic string)) Option {
	return func(b *Bus) { b.onPublish = fn }
}

// WithDeliveredObserver registers a callback invoked on every successful
// handler delivery.
func WithDeliveredObserver(fn func(topic string)) Option {
	return func(b *Bus) { b.onDelivered = fn }
}

// WithDeadLetterObserver registers a callback invoked whenever an event is
// moved to a dead-letter topic.
func WithDeadLetterObserver(fn func(topic string)) Option {
	return func(b *Bus) { b.onDeadLetter = fn }
}

// New creates a Bus with the reserved dead-letter topic already created.
func New(opts ...Option) *Bus {
	b := &Bus{topics: make(map[string]*topicState)}
	for _, opt := range opts {
		opt(b)
	}
	b.topics[DefaultDeadLetterTopic] = &topicState{config: defaultTopicConfig()}
	return b
}

func (b *Bus) topicFor(name string) *topicState {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[name]; ok {
		return t
	}
	t = &topicState{config: defaultTopicConfig()}
	b.topics[name] = t
	return t
}

// currentGeneration is bumped by Clear so in-flight delayed publishes and
// retries scheduled before a Clear silently no-op instead of reviving state.
func (b *Bus) currentGeneration() int {
	b.genMu.Lock()
	defer b.genMu.Unlock()
	return b.gen
}

// Publish enqueues data on topic and returns the assigned event id. If
// Delay > 0, the middleware chain and delivery run asynchronously once the
// delay elapses and Publish returns immediately with a nil error. Otherwise
// the chain runs synchronously: an error returned by a middleware before
// calling its next continuation rejects the publish; errors occurring
// inside delivery (after the chain's tail) are never surfaced here.
func (b *Bus) Publish(ctx context.Context, topic string, data interface{}, opts ...PublishOption) (string, error) {
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}

	evt := Event{
		ID:            uuid.New().String(),
		Topic:         topic,
		Data:          data,
		CorrelationID: o.CorrelationID,
		CausationID:   o.CausationID,
		CreatedAt:     time.Now(),
	}
	if o.TTL > 0 {
		evt.ExpiresAt = evt.CreatedAt.Add(o.TTL)
	}

	if o.Delay > 0 {
		gen := b.currentGeneration()
		b.wg.Add(1)
		time.AfterFunc(o.Delay, func() {
			defer b.wg.Done()
			if b.currentGeneration() != gen {
				return
			}
			_ = b.runChain(context.Background(), evt)
		})
		return evt.ID, nil
	}

	return evt.ID, b.runChain(ctx, evt)
}

func (b *Bus) runChain(ctx context.Context, evt Event) error {
	terminal := func(ctx context.Context, e *Event) error {
		if e.Expired(time.Now()) {
			return nil
		}
		t := b.topicFor(e.Topic)
		t.retain(*e)
		if b.onPublish != nil {
			b.onPublish(e.Topic)
		}
		b.scheduleDelivery(ctx, e.Topic, *e)
		return nil
	}

	chain := terminal
	for i := len(b.middleware) - 1; i >= 0; i-- {
		mw := b.middleware[i]
		next := chain
		chain = func(ctx context.Context, e *Event) error {
			return mw(ctx, e, next)
		}
	}

	return chain(ctx, &evt)
}

func (t *topicState) retain(evt Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.retained = append(t.retained, evt)

	cutoff := time.Now().Add(-t.config.RetainDuration)
	if t.config.RetainDuration > 0 {
		kept := t.retained[:0:0]
		for _, e := range t.retained {
			if e.CreatedAt.After(cutoff) {
				kept = append(kept, e)
			}
		}
		t.retained = kept
	}

	if t.config.RetainCount > 0 && len(t.retained) > t.config.RetainCount {
		excess := len(t.retained) - t.config.RetainCount
		t.retained = append([]Event{}, t.retained[excess:]...)
	}
}

// Subscribe registers handler against topic, auto-creating the topic with
// default retention/capacity if it does not yet exist. Returns the
// subscription id. Unless StartFromNow is explicitly false, only events
// published after this call are delivered.
func (b *Bus) Subscribe(topic string, handler Handler, opts ...SubscribeOptions) (string, error) {
	var o SubscribeOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	o = o.resolve()

	t := b.topicFor(topic)

	t.mu.Lock()
	if t.config.MaxSubscribers > 0 && len(t.subs) >= t.config.MaxSubscribers {
		t.mu.Unlock()
		return "", fmt.Errorf("eventbus: topic %q is at its subscriber cap (%d)", topic, t.config.MaxSubscribers)
	}

	sub := &subscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		opts:    o,
		sem:     make(chan struct{}, o.Concurrency),
	}
	t.subs = append(t.subs, sub)
	var retainedSnapshot []Event
	if !*o.StartFromNow {
		retainedSnapshot = append([]Event{}, t.retained...)
	}
	t.mu.Unlock()

	for _, evt := range retainedSnapshot {
		e := evt
		b.deliverToSubscriber(context.Background(), sub, &e, 1, time.Now())
	}

	return sub.id, nil
}

// Unsubscribe removes a subscription from topic.
func (b *Bus) Unsubscribe(topic, subscriptionID string) {
	t := b.topicFor(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.subs[:0:0]
	for _, s := range t.subs {
		if s.id != subscriptionID {
			kept = append(kept, s)
		}
	}
	t.subs = kept
}

// Drain blocks until every pending scheduled publish, retry, and in-flight
// delivery has completed, or ctx is done.
func (b *Bus) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear removes all pending events, retained history, and every non-DLQ
// subscription. In-flight deliveries already running are not interrupted,
// but scheduled delayed publishes and retries from before this call become
// no-ops.
func (b *Bus) Clear() {
	b.genMu.Lock()
	b.gen++
	b.genMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	for name, t := range b.topics {
		t.mu.Lock()
		t.retained = nil
		if name != DefaultDeadLetterTopic {
			t.subs = nil
		}
		t.mu.Unlock()
	}
}
