package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAcquire_FirstCallAdmitsImmediately(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	if wait := l.Acquire("client-a"); wait != 0 {
		t.Fatalf("expected immediate admission, got wait=%v", wait)
	}
}

func TestAcquire_SecondCallWaitsWhenBucketExhausted(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	l.Acquire("client-a")
	wait := l.Acquire("client-a")
	if wait <= 0 {
		t.Fatalf("expected a positive wait once the bucket is exhausted, got %v", wait)
	}
}

func TestAcquire_KeysAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	l.Acquire("client-a")

	if wait := l.Acquire("client-b"); wait != 0 {
		t.Fatalf("expected client-b's bucket to be independent, got wait=%v", wait)
	}
}

func TestAvailableTokens_DecreasesAfterAcquire(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 5})
	before := l.AvailableTokens("client-a")
	l.Acquire("client-a")
	after := l.AvailableTokens("client-a")
	if after >= before {
		t.Fatalf("expected tokens to decrease: before=%d after=%d", before, after)
	}
}

func TestWait_RespectsContextCancellation(t *testing.T) {
	l := New(Config{RequestsPerSecond: 0.1, Burst: 1})
	l.Acquire("client-a")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, "client-a"); err == nil {
		t.Fatal("expected context deadline to abort the wait")
	}
}

func TestReset_RestoresFullBurst(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	l.Acquire("client-a")
	l.Reset("client-a")

	if wait := l.Acquire("client-a"); wait != 0 {
		t.Fatalf("expected reset bucket to admit immediately, got wait=%v", wait)
	}
}

func TestOnAcquire_CallbackObservesWait(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	var lastKey string
	var lastWait time.Duration
	l.OnAcquire(func(key string, wait time.Duration) {
		lastKey = key
		lastWait = wait
	})

	l.Acquire("client-a")
	l.Acquire("client-a")

	if lastKey != "client-a" {
		t.Fatalf("expected callback to observe client-a, got %q", lastKey)
	}
	if lastWait <= 0 {
		t.Fatalf("expected callback to observe a positive wait, got %v", lastWait)
	}
}

func TestKeyCount_TracksDistinctKeys(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	l.Acquire("a")
	l.Acquire("b")
	l.Acquire("a")

	if got := l.KeyCount(); got != 2 {
		t.Fatalf("expected 2 distinct keys, got %d", got)
	}
}
