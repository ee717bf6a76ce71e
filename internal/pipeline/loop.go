package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/openchatalytics/chatalytics/internal/source"
	"github.com/openchatalytics/chatalytics/internal/store"
)

// LoopState is the ingestion state machine position for one room.
type LoopState string

const (
	StateIdle       LoopState = "IDLE"
	StateFetching   LoopState = "FETCHING"
	StateExtracting LoopState = "EXTRACTING"
	StateAdvancing  LoopState = "ADVANCING"
	StateFailed     LoopState = "FAILED"
)

// RoomHealth is the operator-facing view of one room's loop.
type RoomHealth struct {
	Backend  string    `json:"backend"`
	RoomID   string    `json:"roomId"`
	State    LoopState `json:"state"`
	Failures int       `json:"consecutiveFailures"`
	LastErr  string    `json:"lastError,omitempty"`
}

// cursorEpsilon converts the persisted high-water mark (last ingested
// message timestamp) into an exclusive lower bound at the store's
// microsecond granularity.
const cursorEpsilon = time.Microsecond

// Loop drives ingestion for one (backend, room) pair. Live mode polls
// [cursor, now); backfill mode walks a bounded range backward. Both
// share the extract-then-advance discipline: the cursor moves only
// after every message in the window has been extracted and aggregated.
type Loop struct {
	backend      string
	room         source.Room
	src          source.ChatSource
	sink         *Sink
	store        *store.Store
	emojis       *EmojiSet
	pollInterval time.Duration
	fetchTimeout time.Duration
	maxFailures  int

	// roomLock serializes live and backfill cycles for the same room so
	// the two cursor writers can never race.
	roomLock *sync.Mutex

	mu       sync.Mutex
	state    LoopState
	failures int
	lastErr  error
}

func NewLoop(backend string, room source.Room, src source.ChatSource, sink *Sink, st *store.Store,
	emojis *EmojiSet, pollInterval, fetchTimeout time.Duration, maxFailures int, roomLock *sync.Mutex) *Loop {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if roomLock == nil {
		roomLock = &sync.Mutex{}
	}
	if emojis == nil {
		emojis = NewEmojiSet()
	}
	return &Loop{
		backend:      backend,
		room:         room,
		src:          src,
		sink:         sink,
		store:        st,
		emojis:       emojis,
		pollInterval: pollInterval,
		fetchTimeout: fetchTimeout,
		maxFailures:  maxFailures,
		roomLock:     roomLock,
		state:        StateIdle,
	}
}

// Health snapshots the loop's state machine position.
func (l *Loop) Health() RoomHealth {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := RoomHealth{
		Backend:  l.backend,
		RoomID:   l.room.ID,
		State:    l.state,
		Failures: l.failures,
	}
	if l.lastErr != nil {
		h.LastErr = l.lastErr.Error()
	}
	return h
}

func (l *Loop) setState(s LoopState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Loop) recordFailure(err error) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	l.lastErr = err
	return l.failures
}

func (l *Loop) recordSuccess() {
	l.mu.Lock()
	l.failures = 0
	l.lastErr = nil
	l.mu.Unlock()
}

// Run polls the room until the context is cancelled. Transient source
// failures back off exponentially; after maxFailures consecutive
// failures the loop parks in FAILED and returns nil so sibling rooms
// keep running.
func (l *Loop) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = l.pollInterval

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		err := l.runLiveCycle(ctx)
		switch {
		case err == nil:
			l.recordSuccess()
			bo.Reset()
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			// Shutdown or fetch deadline: abandon the cycle without
			// advancing; next cycle retries the same window.
			if ctx.Err() != nil {
				l.setState(StateIdle)
				return nil
			}
			log.Printf("[loop] %s/%s cycle deadline exceeded, will retry", l.backend, l.room.ID)
		default:
			n := l.recordFailure(err)
			log.Printf("[loop] %s/%s cycle error (%d/%d): %v", l.backend, l.room.ID, n, l.maxFailures, err)
			if n >= l.maxFailures {
				l.setState(StateFailed)
				log.Printf("[loop] %s/%s marked FAILED after %d consecutive failures", l.backend, l.room.ID, n)
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Loop) runLiveCycle(ctx context.Context) error {
	l.roomLock.Lock()
	defer l.roomLock.Unlock()

	cursor, ok, err := l.store.ReadCursor(l.backend, l.room.ID, store.CursorLive)
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}
	now := time.Now().UTC()
	start := now.Add(-l.pollInterval)
	if ok {
		start = cursor.Add(cursorEpsilon)
	}
	if !start.Before(now) {
		return nil
	}

	msgs, err := l.fetchWindow(ctx, start, now)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		l.setState(StateIdle)
		return nil
	}

	if err := l.extractAndAggregate(ctx, msgs); err != nil {
		return err
	}

	// Advance to the last message's timestamp, never to now: the source
	// may not have indexed everything up to the boundary yet.
	l.setState(StateAdvancing)
	last := msgs[len(msgs)-1].Timestamp
	if err := l.store.WriteCursor(l.backend, l.room.ID, store.CursorLive, last); err != nil {
		// Do not guess whether the write landed; the whole window is
		// retried next tick and the keyed merge absorbs the replay.
		return fmt.Errorf("advance cursor: %w", err)
	}

	l.setState(StateIdle)
	return nil
}

// RunBackfill walks [start, end) backward in bounded windows, keeping
// its own cursor so an interrupted backfill resumes where it stopped.
func (l *Loop) RunBackfill(ctx context.Context, start, end time.Time, window time.Duration) error {
	if window <= 0 {
		window = 6 * time.Hour
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = l.pollInterval

	pos := end
	if cursor, ok, err := l.store.ReadCursor(l.backend, l.room.ID, store.CursorBackfill); err != nil {
		return fmt.Errorf("read backfill cursor: %w", err)
	} else if ok && cursor.Before(pos) {
		pos = cursor
	}

	for pos.After(start) {
		if ctx.Err() != nil {
			l.setState(StateIdle)
			return nil
		}

		winStart := pos.Add(-window)
		if winStart.Before(start) {
			winStart = start
		}

		if err := l.runBackfillWindow(ctx, winStart, pos); err != nil {
			if errors.Is(err, context.Canceled) {
				l.setState(StateIdle)
				return nil
			}
			n := l.recordFailure(err)
			log.Printf("[loop] %s/%s backfill error (%d/%d): %v", l.backend, l.room.ID, n, l.maxFailures, err)
			if n >= l.maxFailures {
				l.setState(StateFailed)
				return fmt.Errorf("backfill %s/%s: %w", l.backend, l.room.ID, err)
			}
			select {
			case <-ctx.Done():
				l.setState(StateIdle)
				return nil
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		l.recordSuccess()
		bo.Reset()
		pos = winStart
	}

	l.setState(StateIdle)
	log.Printf("[loop] %s/%s backfill complete back to %s", l.backend, l.room.ID, start.Format(time.RFC3339))
	return nil
}

func (l *Loop) runBackfillWindow(ctx context.Context, winStart, winEnd time.Time) error {
	l.roomLock.Lock()
	defer l.roomLock.Unlock()

	msgs, err := l.fetchWindow(ctx, winStart, winEnd)
	if err != nil {
		return err
	}

	if len(msgs) > 0 {
		if err := l.extractAndAggregate(ctx, msgs); err != nil {
			return err
		}
	}

	l.setState(StateAdvancing)
	if err := l.store.WriteCursor(l.backend, l.room.ID, store.CursorBackfill, winStart); err != nil {
		return fmt.Errorf("advance backfill cursor: %w", err)
	}
	return nil
}

func (l *Loop) fetchWindow(ctx context.Context, start, end time.Time) ([]source.Message, error) {
	l.setState(StateFetching)
	fctx, cancel := context.WithTimeout(ctx, l.fetchTimeout)
	defer cancel()

	msgs, err := l.src.GetMessages(fctx, start, end, l.room)
	if err != nil {
		return nil, fmt.Errorf("fetch [%s, %s): %w", start.Format(time.RFC3339), end.Format(time.RFC3339), err)
	}
	if err := source.ValidateOrdering(msgs); err != nil {
		return nil, fmt.Errorf("source contract violation: %w", err)
	}
	return msgs, nil
}

func (l *Loop) extractAndAggregate(ctx context.Context, msgs []source.Message) error {
	l.setState(StateExtracting)
	emojis := l.emojis.Snapshot()
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ents := ExtractEntities(msg)
		ents = append(ents, ExtractEmojis(msg, emojis)...)
		if err := l.sink.MergeAll(ents); err != nil {
			return fmt.Errorf("aggregate message at %s: %w", msg.Timestamp.Format(time.RFC3339Nano), err)
		}
	}
	return nil
}
