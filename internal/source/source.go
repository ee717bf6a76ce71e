package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// BackendKind discriminates the configured chat backends.
type BackendKind string

const (
	BackendHipChat       BackendKind = "hipchat"
	BackendSlack         BackendKind = "slack"
	BackendSlackBackfill BackendKind = "slack_backfill"
	BackendLocalTest     BackendKind = "local_test"
)

// ErrSourceUnavailable marks transient backend failures. Callers retry
// with backoff; the owning loop never crashes the process over it.
var ErrSourceUnavailable = errors.New("chat source unavailable")

// ErrUnsupportedBackend is fatal at startup: an unknown backend kind
// must fail before any fetch is attempted.
var ErrUnsupportedBackend = errors.New("unsupported chat backend")

// ErrOutOfOrder reports a backend page violating the ascending
// timestamp contract of GetMessages.
var ErrOutOfOrder = errors.New("messages out of timestamp order")

// ChatSource is the capability set every backend implements.
//
// GetMessages returns messages in [start, end) strictly ordered by
// timestamp ascending, transparently paging until the range is
// exhausted. A short page before the range is covered signals
// end-of-range, not failure.
type ChatSource interface {
	GetRooms(ctx context.Context) (map[string]Room, error)
	GetUsers(ctx context.Context) (map[string]User, error)
	GetUsersForRoom(ctx context.Context, room Room) (map[string]User, error)
	GetMessages(ctx context.Context, start, end time.Time, room Room) ([]Message, error)
	GetEmojis(ctx context.Context) (map[string]string, error)
}

// ValidateOrdering enforces the GetMessages ordering contract. The
// ingestion loop re-checks it so a misbehaving source fails loudly
// instead of silently mis-aggregating.
func ValidateOrdering(msgs []Message) error {
	return checkAscending(msgs)
}

// checkAscending enforces the GetMessages ordering contract on a fully
// assembled result before it is handed to the pipeline.
func checkAscending(msgs []Message) error {
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
			return fmt.Errorf("%w: index %d (%s) before %s",
				ErrOutOfOrder, i, msgs[i].Timestamp, msgs[i-1].Timestamp)
		}
	}
	return nil
}

// clampRange drops messages outside [start, end). Backends call it on
// every page so boundary messages the API over-returns never leak.
func clampRange(msgs []Message, start, end time.Time) []Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.Timestamp.Before(start) || !m.Timestamp.Before(end) {
			continue
		}
		out = append(out, m)
	}
	return out
}
