package bus

import "time"

// EventKind tags what a bus event carries.
type EventKind string

const (
	// EventDelta is an aggregate counter change.
	EventDelta EventKind = "delta"
	// EventExtraction is a raw extraction fact, published alongside the
	// deltas it produced.
	EventExtraction EventKind = "extraction"
)

// Event is the shape consumed by realtime transport sessions.
type Event struct {
	Kind        EventKind `json:"kind"`
	Dimension   string    `json:"dimension"`
	Key         string    `json:"key"`
	BucketStart time.Time `json:"bucketStart,omitempty"`
	Delta       int64     `json:"delta,omitempty"`
	RoomID      string    `json:"roomId,omitempty"`
	UserID      string    `json:"userId,omitempty"`
	MentionTime time.Time `json:"mentionTime,omitempty"`
}
