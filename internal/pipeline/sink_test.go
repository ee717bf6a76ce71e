package pipeline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/openchatalytics/chatalytics/internal/bus"
	"github.com/openchatalytics/chatalytics/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func fact(value string, ts time.Time) ExtractedEntity {
	return ExtractedEntity{
		Dimension:   store.DimensionEntity,
		Value:       value,
		Occurrences: 1,
		MentionTime: ts,
		RoomID:      "room-1",
		UserID:      "42",
	}
}

func bucketTotal(t *testing.T, st *store.Store, dim store.Dimension, key string, from, to time.Time) int64 {
	t.Helper()
	buckets, err := st.ReadBuckets(dim, key, from, to)
	if err != nil {
		t.Fatalf("read buckets: %v", err)
	}
	var total int64
	for _, b := range buckets {
		total += b.Count
	}
	return total
}

func TestSink_MergeReplayIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	sink := NewSink(st, nil, time.Hour)

	ts := time.Date(2015, 6, 1, 10, 30, 0, 0, time.UTC)
	f := fact("Jane Doe", ts)

	for i := 0; i < 3; i++ {
		if err := sink.Merge(f); err != nil {
			t.Fatalf("merge %d: %v", i, err)
		}
	}

	from, to := ts.Add(-time.Hour), ts.Add(time.Hour)
	if got := bucketTotal(t, st, store.DimensionEntity, "Jane Doe", from, to); got != 1 {
		t.Errorf("entity total after replay = %d, want 1", got)
	}
	if got := bucketTotal(t, st, store.DimensionUser, "42", from, to); got != 1 {
		t.Errorf("user total after replay = %d, want 1", got)
	}
	if got := bucketTotal(t, st, store.DimensionRoom, "room-1", from, to); got != 1 {
		t.Errorf("room total after replay = %d, want 1", got)
	}
}

func TestSink_MergeMirrorsUserAndRoom(t *testing.T) {
	st := newTestStore(t)
	sink := NewSink(st, nil, time.Hour)

	ts := time.Date(2015, 6, 1, 10, 30, 0, 0, time.UTC)
	if err := sink.Merge(fact("Mount Everest", ts)); err != nil {
		t.Fatalf("merge: %v", err)
	}

	from, to := ts.Add(-time.Hour), ts.Add(time.Hour)
	for _, check := range []struct {
		dim store.Dimension
		key string
	}{
		{store.DimensionEntity, "Mount Everest"},
		{store.DimensionUser, "42"},
		{store.DimensionRoom, "room-1"},
	} {
		if got := bucketTotal(t, st, check.dim, check.key, from, to); got != 1 {
			t.Errorf("%s/%s total = %d, want 1", check.dim, check.key, got)
		}
	}
}

func TestSink_BucketBoundaries(t *testing.T) {
	st := newTestStore(t)
	sink := NewSink(st, nil, time.Hour)

	base := time.Date(2015, 6, 1, 10, 0, 0, 0, time.UTC)
	before := base.Add(time.Hour - time.Millisecond)
	after := base.Add(time.Hour + time.Millisecond)

	if err := sink.Merge(fact("Jane Doe", before)); err != nil {
		t.Fatalf("merge before boundary: %v", err)
	}
	if err := sink.Merge(fact("Jane Doe", after)); err != nil {
		t.Fatalf("merge after boundary: %v", err)
	}

	buckets, err := st.ReadBuckets(store.DimensionEntity, "Jane Doe", base, base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("read buckets: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("got %d buckets, want 2: %+v", len(buckets), buckets)
	}
	if !buckets[0].BucketStart.Equal(base) {
		t.Errorf("first bucket start = %s, want %s", buckets[0].BucketStart, base)
	}
	if !buckets[1].BucketStart.Equal(base.Add(time.Hour)) {
		t.Errorf("second bucket start = %s, want %s", buckets[1].BucketStart, base.Add(time.Hour))
	}
	for i, b := range buckets {
		if b.Count != 1 {
			t.Errorf("bucket[%d] count = %d, want 1", i, b.Count)
		}
	}
}

func TestSink_OccurrenceIncreaseAddsDelta(t *testing.T) {
	st := newTestStore(t)
	sink := NewSink(st, nil, time.Hour)

	ts := time.Date(2015, 6, 1, 10, 30, 0, 0, time.UTC)
	f := fact("Jane Doe", ts)
	if err := sink.Merge(f); err != nil {
		t.Fatalf("merge: %v", err)
	}

	// The same fact observed again with a higher occurrence count only
	// contributes the difference.
	f.Occurrences = 3
	if err := sink.Merge(f); err != nil {
		t.Fatalf("merge increased: %v", err)
	}

	from, to := ts.Add(-time.Hour), ts.Add(time.Hour)
	if got := bucketTotal(t, st, store.DimensionEntity, "Jane Doe", from, to); got != 3 {
		t.Errorf("entity total = %d, want 3", got)
	}
}

func TestSink_PublishesDeltasOnce(t *testing.T) {
	st := newTestStore(t)
	b := bus.NewEventBus()
	sink := NewSink(st, b, time.Hour)

	_, events := b.Subscribe()

	ts := time.Date(2015, 6, 1, 10, 30, 0, 0, time.UTC)
	f := fact("Jane Doe", ts)
	if err := sink.Merge(f); err != nil {
		t.Fatalf("merge: %v", err)
	}
	// One extraction event plus a delta per mirrored dimension.
	var extractions, deltas int
	for i := 0; i < 4; i++ {
		select {
		case ev := <-events:
			switch ev.Kind {
			case bus.EventExtraction:
				extractions++
			case bus.EventDelta:
				deltas++
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	if extractions != 1 || deltas != 3 {
		t.Errorf("got %d extraction / %d delta events, want 1 / 3", extractions, deltas)
	}

	// Replay publishes nothing.
	if err := sink.Merge(f); err != nil {
		t.Fatalf("replay merge: %v", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after replay: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
