package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Dimension is an aggregation axis for bucket counters.
type Dimension string

const (
	DimensionUser   Dimension = "USER"
	DimensionEntity Dimension = "ENTITY"
	DimensionRoom   Dimension = "ROOM"
	DimensionEmoji  Dimension = "EMOJI"
)

// CursorKind separates live and backfill ingestion progress for the
// same room.
type CursorKind string

const (
	CursorLive     CursorKind = "live"
	CursorBackfill CursorKind = "backfill"
)

// Mention is one extracted fact. Its natural key is
// (dimension, key, roomID, mentionTime): re-merging the same fact must
// not change totals.
type Mention struct {
	Dimension   Dimension
	Key         string
	RoomID      string
	UserID      string
	MentionTime time.Time
	Occurrences int64
}

// Bucket is a fixed-width aggregate counter.
type Bucket struct {
	Dimension   Dimension `json:"dimension"`
	Key         string    `json:"key"`
	BucketStart time.Time `json:"bucketStart"`
	Count       int64     `json:"count"`
}

// EntityCount is a query-API result row.
type EntityCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// RoomRow and UserRow are the persisted snapshot shapes served by the
// query API.
type RoomRow struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Private bool   `json:"private"`
}

type UserRow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MentionName string `json:"mentionName"`
	Timezone    string `json:"timezone"`
}

// Store persists mention facts, aggregate buckets, ingestion cursors
// and room/user snapshots in sqlite. All mutations go through a single
// mutex so per-bucket read-modify-write is atomic under concurrent
// room loops.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mentions (
			dimension TEXT NOT NULL,
			key TEXT NOT NULL,
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '0',
			mention_ts INTEGER NOT NULL,
			occurrences INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (dimension, key, room_id, mention_ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mentions_room_ts ON mentions(dimension, room_id, mention_ts)`,
		`CREATE TABLE IF NOT EXISTS buckets (
			dimension TEXT NOT NULL,
			key TEXT NOT NULL,
			bucket_start INTEGER NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (dimension, key, bucket_start)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_buckets_start ON buckets(dimension, bucket_start)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			backend TEXT NOT NULL,
			room_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'live',
			cursor_ts INTEGER NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (backend, room_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			private INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			mention_name TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// MergeMention upserts a fact by its natural key and returns the
// occurrence delta against what was already stored. Replaying the same
// fact returns 0. Occurrences never decrease, which keeps the derived
// bucket counters monotonic.
func (s *Store) MergeMention(m Mention) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin mention merge: %w", err)
	}
	defer tx.Rollback()

	ts := m.MentionTime.UnixMicro()

	var existing int64
	err = tx.QueryRow(`
		SELECT occurrences FROM mentions
		WHERE dimension = ? AND key = ? AND room_id = ? AND mention_ts = ?
	`, string(m.Dimension), m.Key, m.RoomID, ts).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		existing = 0
	case err != nil:
		return 0, fmt.Errorf("read mention: %w", err)
	}

	if m.Occurrences <= existing {
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit mention merge: %w", err)
		}
		return 0, nil
	}

	if _, err := tx.Exec(`
		INSERT INTO mentions (dimension, key, room_id, user_id, mention_ts, occurrences)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (dimension, key, room_id, mention_ts)
		DO UPDATE SET occurrences = excluded.occurrences, user_id = excluded.user_id
	`, string(m.Dimension), m.Key, m.RoomID, m.UserID, ts, m.Occurrences); err != nil {
		return 0, fmt.Errorf("write mention: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit mention merge: %w", err)
	}
	return m.Occurrences - existing, nil
}

// UpsertBucket atomically adds delta to one bucket counter and returns
// the new total. The single-statement increment is the commutative,
// associative merge the pipeline's idempotence rests on.
func (s *Store) UpsertBucket(dim Dimension, key string, bucketStart time.Time, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	err := s.db.QueryRow(`
		INSERT INTO buckets (dimension, key, bucket_start, count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (dimension, key, bucket_start)
		DO UPDATE SET count = count + excluded.count
		RETURNING count
	`, string(dim), key, bucketStart.UnixMicro(), delta).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("upsert bucket: %w", err)
	}
	return total, nil
}

// ReadBuckets returns bucket counters for one key in [from, to),
// ordered by bucket start.
func (s *Store) ReadBuckets(dim Dimension, key string, from, to time.Time) ([]Bucket, error) {
	rows, err := s.db.Query(`
		SELECT key, bucket_start, count FROM buckets
		WHERE dimension = ? AND key = ? AND bucket_start >= ? AND bucket_start < ?
		ORDER BY bucket_start ASC
	`, string(dim), key, from.UnixMicro(), to.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("read buckets: %w", err)
	}
	defer rows.Close()

	result := make([]Bucket, 0)
	for rows.Next() {
		var b Bucket
		var ts int64
		if err := rows.Scan(&b.Key, &ts, &b.Count); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		b.Dimension = dim
		b.BucketStart = time.UnixMicro(ts).UTC()
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return result, nil
}

// TopEntities returns the most-mentioned entity values for a room and
// range, summed over the stored facts.
func (s *Store) TopEntities(roomID string, from, to time.Time, limit int) ([]EntityCount, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `
		SELECT key, SUM(occurrences) AS total FROM mentions
		WHERE dimension = ? AND mention_ts >= ? AND mention_ts < ?
	`
	args := []any{string(DimensionEntity), from.UnixMicro(), to.UnixMicro()}
	if roomID != "" {
		q += ` AND room_id = ?`
		args = append(args, roomID)
	}
	q += ` GROUP BY key ORDER BY total DESC, key ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("top entities: %w", err)
	}
	defer rows.Close()

	result := make([]EntityCount, 0, limit)
	for rows.Next() {
		var ec EntityCount
		if err := rows.Scan(&ec.Value, &ec.Count); err != nil {
			return nil, fmt.Errorf("scan top entity: %w", err)
		}
		result = append(result, ec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top entities: %w", err)
	}
	return result, nil
}

// ReadCursor returns a room's ingestion high-water mark, with ok=false
// when none has been persisted yet.
func (s *Store) ReadCursor(backend, roomID string, kind CursorKind) (time.Time, bool, error) {
	var ts int64
	err := s.db.QueryRow(`
		SELECT cursor_ts FROM cursors WHERE backend = ? AND room_id = ? AND kind = ?
	`, backend, roomID, string(kind)).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read cursor: %w", err)
	}
	return time.UnixMicro(ts).UTC(), true, nil
}

func (s *Store) WriteCursor(backend, roomID string, kind CursorKind, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO cursors (backend, room_id, kind, cursor_ts, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT (backend, room_id, kind)
		DO UPDATE SET cursor_ts = excluded.cursor_ts, updated_at = excluded.updated_at
	`, backend, roomID, string(kind), ts.UnixMicro())
	if err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

// ReplaceRooms swaps the room snapshot wholesale. Snapshots are
// refreshed, never diffed.
func (s *Store) ReplaceRooms(rooms []RoomRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin room snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM rooms`); err != nil {
		return fmt.Errorf("clear room snapshot: %w", err)
	}
	for _, r := range rooms {
		if _, err := tx.Exec(`
			INSERT INTO rooms (id, name, private) VALUES (?, ?, ?)
		`, r.ID, r.Name, boolToInt(r.Private)); err != nil {
			return fmt.Errorf("write room snapshot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit room snapshot: %w", err)
	}
	return nil
}

func (s *Store) ReplaceUsers(users []UserRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin user snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM users`); err != nil {
		return fmt.Errorf("clear user snapshot: %w", err)
	}
	for _, u := range users {
		if _, err := tx.Exec(`
			INSERT INTO users (id, name, mention_name, timezone) VALUES (?, ?, ?, ?)
		`, u.ID, u.Name, u.MentionName, u.Timezone); err != nil {
			return fmt.Errorf("write user snapshot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit user snapshot: %w", err)
	}
	return nil
}

func (s *Store) ListRooms() ([]RoomRow, error) {
	rows, err := s.db.Query(`SELECT id, name, private FROM rooms ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	result := make([]RoomRow, 0)
	for rows.Next() {
		var r RoomRow
		var private int
		if err := rows.Scan(&r.ID, &r.Name, &private); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		r.Private = private == 1
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return result, nil
}

func (s *Store) ListUsers() ([]UserRow, error) {
	rows, err := s.db.Query(`SELECT id, name, mention_name, timezone FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	result := make([]UserRow, 0)
	for rows.Next() {
		var u UserRow
		if err := rows.Scan(&u.ID, &u.Name, &u.MentionName, &u.Timezone); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return result, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
