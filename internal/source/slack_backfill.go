package source

import (
	"context"
	"log"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/openchatalytics/chatalytics/internal/config"
)

// SlackBackfillSource is the Slack variant tuned for long historical
// walks. It shares rooms/users/emoji with the live source but pages
// history explicitly by timestamp bounds instead of opaque cursors,
// which keeps an interrupted multi-day walk resumable at any page
// boundary.
type SlackBackfillSource struct {
	*SlackSource
	pageSize int
}

func NewSlackBackfillSource(cfg config.SlackConfig) (*SlackBackfillSource, error) {
	s, err := NewSlackSource(cfg)
	if err != nil {
		return nil, err
	}
	return &SlackBackfillSource{SlackSource: s, pageSize: slackPageSize}, nil
}

// GetMessages pages conversations.history down through [start, end).
// Each page returns the newest messages of the remaining range, so the
// walk lowers the latest bound to the oldest timestamp seen until the
// range is exhausted.
func (s *SlackBackfillSource) GetMessages(ctx context.Context, start, end time.Time, room Room) ([]Message, error) {
	var msgs []Message
	latest := end
	for {
		var page struct {
			OK       bool                  `json:"ok"`
			Error    string                `json:"error"`
			Messages []slackHistoryMessage `json:"messages"`
			HasMore  bool                  `json:"has_more"`
		}
		params := url.Values{
			"channel":   {room.ID},
			"oldest":    {slackTS(start)},
			"latest":    {slackTS(latest)},
			"inclusive": {"true"},
			"limit":     {strconv.Itoa(s.pageSize)},
		}
		if err := s.call(ctx, "conversations.history", params, &page); err != nil {
			return nil, err
		}
		if !page.OK {
			return nil, s.apiError("conversations.history", page.Error)
		}

		// History arrives newest first; the oldest timestamp of the
		// page becomes the next latest bound.
		var pageOldest time.Time
		for _, item := range page.Messages {
			msg, err := toSlackMessage(item, room.ID)
			if err != nil {
				log.Printf("[slack-backfill] skip malformed history item in room %s: %v", room.ID, err)
				continue
			}
			if pageOldest.IsZero() || msg.Timestamp.Before(pageOldest) {
				pageOldest = msg.Timestamp
			}
			msgs = append(msgs, msg)
		}

		// Short page: the range is exhausted.
		if !page.HasMore || len(page.Messages) < s.pageSize || pageOldest.IsZero() {
			break
		}
		latest = pageOldest
	}

	msgs = clampRange(msgs, start, end)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})

	// The inclusive latest bound re-returns each page's boundary
	// message. Slack timestamps are unique per channel, so an equal
	// timestamp is that overlap, not a second message.
	deduped := msgs[:0]
	for _, m := range msgs {
		if len(deduped) > 0 && m.Timestamp.Equal(deduped[len(deduped)-1].Timestamp) {
			continue
		}
		deduped = append(deduped, m)
	}
	msgs = deduped

	if err := checkAscending(msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
