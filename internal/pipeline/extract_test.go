package pipeline

import (
	"testing"
	"time"

	"github.com/openchatalytics/chatalytics/internal/source"
	"github.com/openchatalytics/chatalytics/internal/store"
)

func testMessage(text string) source.Message {
	return source.Message{
		Timestamp:  time.Date(2015, 6, 1, 10, 30, 0, 0, time.UTC),
		RoomID:     "room-1",
		FromUserID: "42",
		Text:       text,
		Type:       source.MessageTypeMessage,
	}
}

func TestExtractEntities(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "leading punctuation breaks run",
			text: "Today, Jane Doe is going to climb Mount Everest",
			want: []string{"Jane Doe", "Mount Everest"},
		},
		{
			name: "single capitalized word is not an entity",
			text: "Deploy went out, thanks Jane Doe",
			want: []string{"Jane Doe"},
		},
		{
			name: "trailing punctuation ends the run",
			text: "Anyone seen the New York dashboards?",
			want: []string{"New York"},
		},
		{
			name: "comma splits adjacent spans",
			text: "flights to New York, San Francisco booked",
			want: []string{"New York", "San Francisco"},
		},
		{
			name: "no entities",
			text: "ship it",
			want: nil,
		},
		{
			name: "empty text",
			text: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractEntities(testMessage(tt.text))
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entities, want %d: %+v", len(got), len(tt.want), got)
			}
			for i, ent := range got {
				if ent.Value != tt.want[i] {
					t.Errorf("entity[%d] = %q, want %q", i, ent.Value, tt.want[i])
				}
				if ent.Dimension != store.DimensionEntity {
					t.Errorf("entity[%d] dimension = %q, want ENTITY", i, ent.Dimension)
				}
			}
		})
	}
}

func TestExtractEntities_Occurrences(t *testing.T) {
	msg := testMessage("so Mount Everest came up, and then Mount Everest again")
	got := ExtractEntities(msg)
	if len(got) != 1 {
		t.Fatalf("got %d entities, want 1: %+v", len(got), got)
	}
	if got[0].Value != "Mount Everest" {
		t.Errorf("value = %q, want Mount Everest", got[0].Value)
	}
	if got[0].Occurrences != 2 {
		t.Errorf("occurrences = %d, want 2", got[0].Occurrences)
	}
}

func TestExtractEntities_CarriesMessageContext(t *testing.T) {
	msg := testMessage("meeting with Jane Doe tomorrow")
	got := ExtractEntities(msg)
	if len(got) != 1 {
		t.Fatalf("got %d entities, want 1", len(got))
	}
	if !got[0].MentionTime.Equal(msg.Timestamp) {
		t.Errorf("mention time = %s, want %s", got[0].MentionTime, msg.Timestamp)
	}
	if got[0].RoomID != msg.RoomID {
		t.Errorf("room = %q, want %q", got[0].RoomID, msg.RoomID)
	}
	if got[0].UserID != msg.FromUserID {
		t.Errorf("user = %q, want %q", got[0].UserID, msg.FromUserID)
	}
}

func TestExtractEntities_SentinelUser(t *testing.T) {
	msg := testMessage("status update from Jane Doe")
	msg.FromUserID = source.SentinelUserID

	got := ExtractEntities(msg)
	if len(got) != 1 {
		t.Fatalf("got %d entities, want 1", len(got))
	}
	if got[0].UserID != source.SentinelUserID {
		t.Errorf("user = %q, want sentinel %q", got[0].UserID, source.SentinelUserID)
	}
}

func TestExtractEmojis(t *testing.T) {
	emojis := map[string]string{"smile": "u-1", "thumbsup": "u-2"}

	msg := testMessage("nice :smile: really :smile: and :thumbsup: but not :nope:")
	got := ExtractEmojis(msg, emojis)
	if len(got) != 2 {
		t.Fatalf("got %d emoji facts, want 2: %+v", len(got), got)
	}
	if got[0].Value != "smile" || got[0].Occurrences != 2 {
		t.Errorf("first = %q x%d, want smile x2", got[0].Value, got[0].Occurrences)
	}
	if got[1].Value != "thumbsup" || got[1].Occurrences != 1 {
		t.Errorf("second = %q x%d, want thumbsup x1", got[1].Value, got[1].Occurrences)
	}
	if got[0].Dimension != store.DimensionEmoji {
		t.Errorf("dimension = %q, want EMOJI", got[0].Dimension)
	}
}

func TestExtractEmojis_EmptyMapping(t *testing.T) {
	msg := testMessage("nice :smile:")
	if got := ExtractEmojis(msg, nil); got != nil {
		t.Fatalf("expected no facts with empty mapping, got %+v", got)
	}
	if got := ExtractEmojis(msg, map[string]string{}); got != nil {
		t.Fatalf("expected no facts with empty mapping, got %+v", got)
	}
}
