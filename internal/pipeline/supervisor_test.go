package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/openchatalytics/chatalytics/internal/config"
	"github.com/openchatalytics/chatalytics/internal/source"
	"github.com/openchatalytics/chatalytics/internal/store"
)

// fixedProvider hands every backend kind the same ChatSource.
type fixedProvider struct {
	src source.ChatSource
}

func (p *fixedProvider) Source(kind source.BackendKind) (source.ChatSource, error) {
	return p.src, nil
}

// splitSource serves two rooms; fetches for the bad room always fail.
type splitSource struct {
	fakeSource
	badRoom string
}

func (s *splitSource) GetRooms(ctx context.Context) (map[string]source.Room, error) {
	return map[string]source.Room{
		"room-good": {ID: "room-good", Name: "Good"},
		s.badRoom:   {ID: s.badRoom, Name: "Bad"},
	}, nil
}

func (s *splitSource) GetMessages(ctx context.Context, start, end time.Time, room source.Room) ([]source.Message, error) {
	if room.ID == s.badRoom {
		return nil, fmt.Errorf("%w: room is broken", source.ErrSourceUnavailable)
	}
	msgs := make([]source.Message, len(s.msgs))
	copy(msgs, s.msgs)
	for i := range msgs {
		msgs[i].RoomID = room.ID
	}
	return msgs, nil
}

func newLocalTestSupervisor(t *testing.T, st *store.Store) *Supervisor {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Backend = "local_test"
	cfg.LocalTest = config.LocalTestConfig{Rooms: 2, Users: 4, MessagesPerMin: 6, Seed: 1}

	registry := source.NewRegistry(cfg)
	sink := NewSink(st, nil, time.Hour)
	return NewSupervisor(source.BackendLocalTest, registry, sink, st, cfg)
}

func TestSupervisor_BackfillAggregatesDeterministically(t *testing.T) {
	st := newTestStore(t)
	sup := newLocalTestSupervisor(t, st)

	start := time.Date(2015, 6, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(10 * time.Minute)

	if err := sup.RunBackfill(context.Background(), start, end, time.Hour); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	top, err := st.TopEntities("", start, end, 10)
	if err != nil {
		t.Fatalf("top entities: %v", err)
	}
	if len(top) == 0 {
		t.Fatal("expected extracted entities from the synthetic backend")
	}
	firstRun := map[string]int64{}
	for _, e := range top {
		firstRun[e.Value] = e.Count
	}
	if _, ok := firstRun["Jane Doe"]; !ok {
		t.Errorf("expected Jane Doe among top entities, got %+v", top)
	}

	// A second supervisor over the same range replays every fact.
	st2 := newTestStore(t)
	sup2 := newLocalTestSupervisor(t, st2)
	if err := sup2.RunBackfill(context.Background(), start, end, time.Hour); err != nil {
		t.Fatalf("second backfill: %v", err)
	}
	top2, err := st2.TopEntities("", start, end, 10)
	if err != nil {
		t.Fatalf("second top entities: %v", err)
	}
	if len(top2) != len(top) {
		t.Fatalf("second run produced %d entities, first produced %d", len(top2), len(top))
	}
	for _, e := range top2 {
		if firstRun[e.Value] != e.Count {
			t.Errorf("%s = %d on second run, want %d", e.Value, e.Count, firstRun[e.Value])
		}
	}

	health := sup.Health()
	if len(health) != 2 {
		t.Fatalf("got %d room health entries, want 2", len(health))
	}
	for _, h := range health {
		if h.State != StateIdle {
			t.Errorf("room %s state = %s, want IDLE after backfill", h.RoomID, h.State)
		}
	}
}

func TestSupervisor_BackfillFailedRoomDoesNotStopSiblings(t *testing.T) {
	st := newTestStore(t)

	base := time.Date(2015, 6, 1, 10, 0, 0, 0, time.UTC)
	src := &splitSource{
		fakeSource: fakeSource{msgs: fakeMessages(base)},
		badRoom:    "room-bad",
	}

	cfg := config.DefaultConfig()
	cfg.Ingestion.MaxFailures = 1

	sink := NewSink(st, nil, time.Hour)
	sup := NewSupervisor(source.BackendLocalTest, &fixedProvider{src: src}, sink, st, cfg)

	start := base.Add(-time.Hour)
	end := base.Add(time.Hour)

	err := sup.RunBackfill(context.Background(), start, end, 2*time.Hour)
	if err == nil {
		t.Fatal("expected the failed room's error to be reported")
	}

	// The healthy room finished its walk despite the sibling failure.
	cursor, ok, cerr := st.ReadCursor(string(source.BackendLocalTest), "room-good", store.CursorBackfill)
	if cerr != nil || !ok {
		t.Fatalf("read good room cursor: ok=%v err=%v", ok, cerr)
	}
	if !cursor.Equal(start) {
		t.Errorf("good room cursor = %s, want range start %s", cursor, start)
	}
	from, to := base.Add(-time.Hour), base.Add(time.Hour)
	if got := bucketTotal(t, st, store.DimensionRoom, "room-good", from, to); got == 0 {
		t.Error("expected aggregates for the healthy room")
	}

	states := map[string]LoopState{}
	for _, h := range sup.Health() {
		states[h.RoomID] = h.State
	}
	if states["room-bad"] != StateFailed {
		t.Errorf("room-bad state = %s, want FAILED", states["room-bad"])
	}
	if states["room-good"] != StateIdle {
		t.Errorf("room-good state = %s, want IDLE", states["room-good"])
	}
}

func TestSupervisor_RunStopsOnCancel(t *testing.T) {
	st := newTestStore(t)
	sup := newLocalTestSupervisor(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	// Let the loops start their first cycle, then shut down.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}
