package pipeline

import (
	"fmt"
	"time"

	"github.com/openchatalytics/chatalytics/internal/bus"
	"github.com/openchatalytics/chatalytics/internal/store"
)

// Sink folds extracted facts into time-bucketed counters and publishes
// the resulting deltas. Persistence is the source of truth; realtime
// publication is best-effort and never rolls a merge back.
type Sink struct {
	store       *store.Store
	bus         *bus.EventBus
	bucketWidth time.Duration
}

func NewSink(st *store.Store, b *bus.EventBus, bucketWidth time.Duration) *Sink {
	if bucketWidth <= 0 {
		bucketWidth = time.Hour
	}
	return &Sink{store: st, bus: b, bucketWidth: bucketWidth}
}

// Merge applies one extracted fact. The fact is merged by its natural
// key; only the occurrence delta against what was already stored is
// added to the bucket counters, so replaying a window is a no-op.
// Each fact mirrors into the USER and ROOM dimensions keyed by the
// message's user and room.
func (s *Sink) Merge(ent ExtractedEntity) error {
	delta, err := s.store.MergeMention(store.Mention{
		Dimension:   ent.Dimension,
		Key:         ent.Value,
		RoomID:      ent.RoomID,
		UserID:      ent.UserID,
		MentionTime: ent.MentionTime,
		Occurrences: ent.Occurrences,
	})
	if err != nil {
		return fmt.Errorf("merge mention %q: %w", ent.Value, err)
	}
	if delta == 0 {
		return nil
	}

	bucket := ent.MentionTime.Truncate(s.bucketWidth)

	upserts := []struct {
		dim store.Dimension
		key string
	}{
		{ent.Dimension, ent.Value},
		{store.DimensionUser, ent.UserID},
		{store.DimensionRoom, ent.RoomID},
	}
	for _, u := range upserts {
		if _, err := s.store.UpsertBucket(u.dim, u.key, bucket, delta); err != nil {
			return fmt.Errorf("upsert %s bucket %q: %w", u.dim, u.key, err)
		}
	}

	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind:        bus.EventExtraction,
			Dimension:   string(ent.Dimension),
			Key:         ent.Value,
			RoomID:      ent.RoomID,
			UserID:      ent.UserID,
			MentionTime: ent.MentionTime,
			Delta:       delta,
		})
		for _, u := range upserts {
			s.bus.Publish(bus.Event{
				Kind:        bus.EventDelta,
				Dimension:   string(u.dim),
				Key:         u.key,
				BucketStart: bucket,
				Delta:       delta,
			})
		}
	}
	return nil
}

// MergeAll applies a batch in order.
func (s *Sink) MergeAll(ents []ExtractedEntity) error {
	for _, ent := range ents {
		if err := s.Merge(ent); err != nil {
			return err
		}
	}
	return nil
}
