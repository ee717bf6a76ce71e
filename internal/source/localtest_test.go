package source

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/openchatalytics/chatalytics/internal/config"
)

func TestLocalTest_Deterministic(t *testing.T) {
	src := NewLocalTestSource(config.LocalTestConfig{Rooms: 2, Users: 4, MessagesPerMin: 10, Seed: 7})
	room := Room{ID: "local-room-0"}

	start := time.Date(2015, 6, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(5 * time.Minute)

	first, err := src.GetMessages(context.Background(), start, end, room)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := src.GetMessages(context.Background(), start, end, room)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	if len(first) == 0 {
		t.Fatal("expected messages in a 5 minute window")
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("same window produced different messages")
	}
}

func TestLocalTest_MessagesWithinWindowAndOrdered(t *testing.T) {
	src := NewLocalTestSource(config.LocalTestConfig{})
	room := Room{ID: "local-room-0"}

	start := time.Date(2015, 6, 1, 10, 0, 3, 0, time.UTC)
	end := start.Add(2 * time.Minute)

	msgs, err := src.GetMessages(context.Background(), start, end, room)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := ValidateOrdering(msgs); err != nil {
		t.Errorf("ordering: %v", err)
	}
	for i, m := range msgs {
		if m.Timestamp.Before(start) || !m.Timestamp.Before(end) {
			t.Errorf("message %d at %s outside [%s, %s)", i, m.Timestamp, start, end)
		}
		if m.RoomID != room.ID {
			t.Errorf("message %d room = %q, want %q", i, m.RoomID, room.ID)
		}
	}
}

func TestLocalTest_SeedChangesContent(t *testing.T) {
	room := Room{ID: "local-room-0"}
	start := time.Date(2015, 6, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)

	a, _ := NewLocalTestSource(config.LocalTestConfig{Seed: 1}).GetMessages(context.Background(), start, end, room)
	b, _ := NewLocalTestSource(config.LocalTestConfig{Seed: 2}).GetMessages(context.Background(), start, end, room)

	if reflect.DeepEqual(a, b) {
		t.Error("different seeds produced identical messages")
	}
}

func TestLocalTest_Directory(t *testing.T) {
	src := NewLocalTestSource(config.LocalTestConfig{Rooms: 3, Users: 5})

	rooms, err := src.GetRooms(context.Background())
	if err != nil {
		t.Fatalf("rooms: %v", err)
	}
	if len(rooms) != 3 {
		t.Errorf("got %d rooms, want 3", len(rooms))
	}

	users, err := src.GetUsers(context.Background())
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	if len(users) != 5 {
		t.Errorf("got %d users, want 5", len(users))
	}
}

func TestLocalTest_EmptyEmojiMapping(t *testing.T) {
	src := NewLocalTestSource(config.LocalTestConfig{})
	emojis, err := src.GetEmojis(context.Background())
	if err != nil {
		t.Fatalf("emojis: %v", err)
	}
	if len(emojis) != 0 {
		t.Errorf("got %d emojis, want empty mapping", len(emojis))
	}
}
