package source

import (
	"context"
	"fmt"
	"time"

	"github.com/openchatalytics/chatalytics/internal/config"
)

// LocalTestSource is a synthetic backend for demos and tests. It
// derives every message deterministically from the configured seed and
// the requested time range, so fetching the same window twice returns
// identical data.
type LocalTestSource struct {
	rooms    int
	users    int
	interval time.Duration
	seed     int
}

var localTestPhrases = []string{
	"Deploy went out, thanks Jane Doe",
	"Anyone seen the New York dashboards?",
	"so Mount Everest came up, and then Mount Everest again",
	"lunch at noon?",
	"San Francisco office is closed on Friday",
	"ship it",
}

func NewLocalTestSource(cfg config.LocalTestConfig) *LocalTestSource {
	rooms := cfg.Rooms
	if rooms <= 0 {
		rooms = 2
	}
	users := cfg.Users
	if users <= 0 {
		users = 4
	}
	perMin := cfg.MessagesPerMin
	if perMin <= 0 {
		perMin = 10
	}
	return &LocalTestSource{
		rooms:    rooms,
		users:    users,
		interval: time.Minute / time.Duration(perMin),
		seed:     cfg.Seed,
	}
}

func (l *LocalTestSource) GetRooms(ctx context.Context) (map[string]Room, error) {
	rooms := make(map[string]Room, l.rooms)
	for i := 0; i < l.rooms; i++ {
		id := fmt.Sprintf("local-room-%d", i)
		members := make([]string, 0, l.users)
		for u := 0; u < l.users; u++ {
			members = append(members, fmt.Sprintf("%d", u+1))
		}
		rooms[id] = Room{ID: id, Name: fmt.Sprintf("Local Room %d", i), MemberIDs: members}
	}
	return rooms, nil
}

func (l *LocalTestSource) GetUsers(ctx context.Context) (map[string]User, error) {
	users := make(map[string]User, l.users)
	for u := 0; u < l.users; u++ {
		id := fmt.Sprintf("%d", u+1)
		users[id] = User{
			ID:          id,
			Name:        fmt.Sprintf("Local User %d", u+1),
			MentionName: fmt.Sprintf("local%d", u+1),
			Timezone:    "UTC",
		}
	}
	return users, nil
}

func (l *LocalTestSource) GetUsersForRoom(ctx context.Context, room Room) (map[string]User, error) {
	return l.GetUsers(ctx)
}

func (l *LocalTestSource) GetMessages(ctx context.Context, start, end time.Time, room Room) ([]Message, error) {
	var msgs []Message

	// Messages occur on a fixed grid so any [start, end) window is
	// reproducible.
	first := start.Truncate(l.interval)
	if first.Before(start) {
		first = first.Add(l.interval)
	}
	for ts := first; ts.Before(end); ts = ts.Add(l.interval) {
		slot := int(ts.UnixNano()/int64(l.interval)) + l.seed
		msgs = append(msgs, Message{
			Timestamp:       ts,
			RoomID:          room.ID,
			FromUserID:      fmt.Sprintf("%d", slot%l.users+1),
			FromDisplayName: fmt.Sprintf("Local User %d", slot%l.users+1),
			Text:            localTestPhrases[slot%len(localTestPhrases)],
			Type:            MessageTypeMessage,
		})
	}

	if err := checkAscending(msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// GetEmojis returns an empty mapping: the synthetic backend has no
// emoji source. This is the documented contract, not a missing
// feature.
func (l *LocalTestSource) GetEmojis(ctx context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}
