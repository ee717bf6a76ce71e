package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openchatalytics/chatalytics/internal/config"
	"github.com/openchatalytics/chatalytics/internal/source"
	"github.com/openchatalytics/chatalytics/internal/store"
)

// SourceProvider yields the shared ChatSource for a backend kind. The
// source registry is the production implementation.
type SourceProvider interface {
	Source(kind source.BackendKind) (source.ChatSource, error)
}

// Supervisor owns one ingestion loop per room of the configured
// backend and runs them concurrently. Rooms fail independently; the
// supervisor only stops when the context is cancelled.
type Supervisor struct {
	kind    source.BackendKind
	sources SourceProvider
	sink    *Sink
	store   *store.Store
	cfg     *config.Config

	emojis *EmojiSet

	mu        sync.Mutex
	loops     map[string]*Loop
	roomLocks map[string]*sync.Mutex
}

func NewSupervisor(kind source.BackendKind, sources SourceProvider, sink *Sink, st *store.Store, cfg *config.Config) *Supervisor {
	return &Supervisor{
		kind:      kind,
		sources:   sources,
		sink:      sink,
		store:     st,
		cfg:       cfg,
		emojis:    NewEmojiSet(),
		loops:     make(map[string]*Loop),
		roomLocks: make(map[string]*sync.Mutex),
	}
}

// roomLock returns the shared per-room mutex that keeps live and
// backfill cycles for the same room mutually exclusive.
func (s *Supervisor) roomLock(roomID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.roomLocks[roomID]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.roomLocks[roomID] = l
	return l
}

func (s *Supervisor) buildLoops(ctx context.Context) ([]*Loop, error) {
	src, err := s.sources.Source(s.kind)
	if err != nil {
		return nil, err
	}

	rooms, err := src.GetRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	emojis, err := src.GetEmojis(ctx)
	if err != nil {
		return nil, fmt.Errorf("list emojis: %w", err)
	}
	s.emojis.Replace(emojis)

	loops := make([]*Loop, 0, len(rooms))
	for _, room := range rooms {
		loop := NewLoop(
			string(s.kind), room, src, s.sink, s.store, s.emojis,
			s.cfg.Ingestion.PollIntervalDuration(),
			s.cfg.Ingestion.FetchTimeoutDuration(),
			s.cfg.Ingestion.MaxFailures,
			s.roomLock(room.ID),
		)
		loops = append(loops, loop)

		s.mu.Lock()
		s.loops[room.ID] = loop
		s.mu.Unlock()
	}
	sort.Slice(loops, func(i, j int) bool { return loops[i].room.ID < loops[j].room.ID })
	return loops, nil
}

// Run starts live ingestion for every room and blocks until shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	loops, err := s.buildLoops(ctx)
	if err != nil {
		return err
	}
	log.Printf("[supervisor] starting %d room loops on backend %s", len(loops), s.kind)

	g, ctx := errgroup.WithContext(ctx)
	for _, loop := range loops {
		g.Go(func() error { return loop.Run(ctx) })
	}
	return g.Wait()
}

// RunBackfill walks the configured historical range for every room. A
// room that parks FAILED does not interrupt the others; its error is
// reported once every room has finished its walk.
func (s *Supervisor) RunBackfill(ctx context.Context, start, end time.Time, window time.Duration) error {
	loops, err := s.buildLoops(ctx)
	if err != nil {
		return err
	}
	log.Printf("[supervisor] backfilling %d rooms on backend %s: [%s, %s)",
		len(loops), s.kind, start.Format(time.RFC3339), end.Format(time.RFC3339))

	// Plain group, no derived context: one room's failure must not
	// cancel the siblings mid-walk.
	var g errgroup.Group
	for _, loop := range loops {
		g.Go(func() error { return loop.RunBackfill(ctx, start, end, window) })
	}
	return g.Wait()
}

// Emojis exposes the shared shortcode mapping for the snapshot
// refresher.
func (s *Supervisor) Emojis() *EmojiSet {
	return s.emojis
}

// Health reports every room loop's state for the operator endpoint.
func (s *Supervisor) Health() []RoomHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RoomHealth, 0, len(s.loops))
	for _, loop := range s.loops {
		out = append(out, loop.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}
