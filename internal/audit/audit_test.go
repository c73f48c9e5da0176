package audit

import (
	"context"
	"testing"
	"time"
)

func TestAppend_AssignsIDWhenAbsent(t *testing.T) {
	s := NewMemoryStore(10)
	entry, err := s.Append(context.Background(), Entry{Action: "sandbox.execute"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("expected a fresh id to be assigned")
	}
}

func TestAppend_PreservesSuppliedID(t *testing.T) {
	s := NewMemoryStore(10)
	entry, err := s.Append(context.Background(), Entry{ID: "fixed-id", Action: "sandbox.execute"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if entry.ID != "fixed-id" {
		t.Fatalf("expected id to be preserved, got %q", entry.ID)
	}
}

func TestAppend_EvictsOldestTenPercentWhenFull(t *testing.T) {
	s := NewMemoryStore(10)
	for i := 0; i < 10; i++ {
		if _, err := s.Append(context.Background(), Entry{ID: itoa(i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if s.Len() != 10 {
		t.Fatalf("expected 10 entries before overflow, got %d", s.Len())
	}

	if _, err := s.Append(context.Background(), Entry{ID: "overflow"}); err != nil {
		t.Fatalf("append overflow: %v", err)
	}

	if s.Len() != 10 {
		t.Fatalf("expected capacity to remain at 10 after eviction, got %d", s.Len())
	}

	if _, ok, _ := s.Get(context.Background(), itoa(0)); ok {
		t.Fatal("expected the oldest entry to have been evicted")
	}
	if _, ok, _ := s.Get(context.Background(), "overflow"); !ok {
		t.Fatal("expected the newest entry to be retained")
	}
}

func itoa(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	out := []byte{}
	for i > 0 {
		out = append([]byte{digits[i%10]}, out...)
		i /= 10
	}
	return string(out)
}

func TestQuery_FiltersByActorAndSuccess(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	s.Append(ctx, Entry{ID: "1", Actor: "alice", Success: true})
	s.Append(ctx, Entry{ID: "2", Actor: "bob", Success: false})
	s.Append(ctx, Entry{ID: "3", Actor: "alice", Success: false})

	successTrue := true
	results, err := s.Query(ctx, Query{Actor: "alice", Success: &successTrue})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 || results[0].ID != "1" {
		t.Fatalf("expected only entry 1, got %+v", results)
	}
}

func TestQuery_OrdersNewestFirst(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	s.Append(ctx, Entry{ID: "old", StartTime: base})
	s.Append(ctx, Entry{ID: "new", StartTime: base.Add(time.Minute)})

	results, err := s.Query(ctx, Query{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 2 || results[0].ID != "new" {
		t.Fatalf("expected newest entry first, got %+v", results)
	}
}

func TestQuery_RespectsLimitAndOffset(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Append(ctx, Entry{ID: itoa(i), StartTime: base.Add(time.Duration(i) * time.Second)})
	}

	results, err := s.Query(ctx, Query{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	// Newest first: [4,3,2,1,0]; offset 1, limit 2 -> [3,2]
	if results[0].ID != "3" || results[1].ID != "2" {
		t.Fatalf("unexpected page contents: %+v", results)
	}
}

func TestGet_ReturnsFalseForUnknownID(t *testing.T) {
	s := NewMemoryStore(10)
	_, ok, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for an unknown id")
	}
}

func TestPurgeOlderThan_RemovesOnlyExpiredEntries(t *testing.T) {
	s := NewMemoryStore(10)
	ctx := context.Background()
	cutoff := time.Now()
	s.Append(ctx, Entry{ID: "old", StartTime: cutoff.Add(-time.Hour)})
	s.Append(ctx, Entry{ID: "new", StartTime: cutoff.Add(time.Hour)})

	purged, err := s.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged entry, got %d", purged)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", s.Len())
	}
	if _, ok, _ := s.Get(ctx, "new"); !ok {
		t.Fatal("expected the fresh entry to survive purge")
	}
}

type recordingNotifier struct {
	topics []string
}

func (r *recordingNotifier) Publish(ctx context.Context, topic string, data interface{}) (string, error) {
	r.topics = append(r.topics, topic)
	return "evt-1", nil
}

func TestAppend_NotifiesOnWrite(t *testing.T) {
	n := &recordingNotifier{}
	s := NewMemoryStore(10, WithNotifier(n))
	if _, err := s.Append(context.Background(), Entry{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(n.topics) != 1 || n.topics[0] != AuditWrittenTopic {
		t.Fatalf("expected a single audit.written notification, got %+v", n.topics)
	}
}

type recordingSink struct {
	entries []Entry
}

func (r *recordingSink) Write(ctx context.Context, entry Entry) error {
	r.entries = append(r.entries, entry)
	return nil
}

func TestAppend_MirrorsToSink(t *testing.T) {
	sink := &recordingSink{}
	s := NewMemoryStore(10, WithSink(sink))
	if _, err := s.Append(context.Background(), Entry{ID: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(sink.entries) != 1 || sink.entries[0].ID != "x" {
		t.Fatalf("expected sink to observe the appended entry, got %+v", sink.entries)
	}
}
