package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openchatalytics/chatalytics/internal/config"
)

const (
	slackDefaultBaseURL = "https://slack.com/api"
	slackPageSize       = 200
)

// slackAPIError is an ok=false response from the Slack Web API.
type slackAPIError struct {
	Method string
	Reason string
}

func (e *slackAPIError) Error() string {
	return fmt.Sprintf("slack %s error: %s", e.Method, e.Reason)
}

func (e *slackAPIError) Transient() bool {
	switch e.Reason {
	case "ratelimited", "service_unavailable", "internal_error", "request_timeout":
		return true
	}
	return false
}

// SlackSource fetches conversations, users, history and custom emoji
// from the Slack Web API with cursor pagination.
type SlackSource struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

func NewSlackSource(cfg config.SlackConfig) (*SlackSource, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("slack token is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = slackDefaultBaseURL
	}
	return &SlackSource{
		token:      cfg.Token,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type slackChannel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private"`
}

type slackMember struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RealName string `json:"real_name"`
	TZ       string `json:"tz"`
	Deleted  bool   `json:"deleted"`
	Updated  int64  `json:"updated"`
	Profile  struct {
		DisplayName string `json:"display_name"`
		StatusText  string `json:"status_text"`
	} `json:"profile"`
}

type slackHistoryMessage struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	User     string `json:"user"`
	Username string `json:"username"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
}

type slackMeta struct {
	NextCursor string `json:"next_cursor"`
}

func (s *SlackSource) GetRooms(ctx context.Context) (map[string]Room, error) {
	rooms := make(map[string]Room)
	cursor := ""
	for {
		var page struct {
			OK       bool           `json:"ok"`
			Error    string         `json:"error"`
			Channels []slackChannel `json:"channels"`
			Meta     slackMeta      `json:"response_metadata"`
		}
		params := url.Values{
			"limit": {strconv.Itoa(slackPageSize)},
			"types": {"public_channel,private_channel"},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		if err := s.call(ctx, "conversations.list", params, &page); err != nil {
			return nil, err
		}
		if !page.OK {
			return nil, s.apiError("conversations.list", page.Error)
		}
		for _, ch := range page.Channels {
			rooms[ch.ID] = Room{ID: ch.ID, Name: ch.Name, Private: ch.IsPrivate}
		}
		cursor = page.Meta.NextCursor
		if cursor == "" {
			break
		}
	}
	return rooms, nil
}

func (s *SlackSource) GetUsers(ctx context.Context) (map[string]User, error) {
	users := make(map[string]User)
	cursor := ""
	for {
		var page struct {
			OK      bool          `json:"ok"`
			Error   string        `json:"error"`
			Members []slackMember `json:"members"`
			Meta    slackMeta     `json:"response_metadata"`
		}
		params := url.Values{"limit": {strconv.Itoa(slackPageSize)}}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		if err := s.call(ctx, "users.list", params, &page); err != nil {
			return nil, err
		}
		if !page.OK {
			return nil, s.apiError("users.list", page.Error)
		}
		for _, m := range page.Members {
			if m.Deleted {
				continue
			}
			name := m.RealName
			if name == "" {
				name = m.Name
			}
			users[m.ID] = User{
				ID:           m.ID,
				Name:         name,
				MentionName:  m.Name,
				Status:       m.Profile.StatusText,
				Timezone:     m.TZ,
				LastActiveAt: time.Unix(m.Updated, 0),
			}
		}
		cursor = page.Meta.NextCursor
		if cursor == "" {
			break
		}
	}
	return users, nil
}

func (s *SlackSource) GetUsersForRoom(ctx context.Context, room Room) (map[string]User, error) {
	all, err := s.GetUsers(ctx)
	if err != nil {
		return nil, err
	}

	members := make(map[string]User)
	cursor := ""
	for {
		var page struct {
			OK      bool      `json:"ok"`
			Error   string    `json:"error"`
			Members []string  `json:"members"`
			Meta    slackMeta `json:"response_metadata"`
		}
		params := url.Values{
			"channel": {room.ID},
			"limit":   {strconv.Itoa(slackPageSize)},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		if err := s.call(ctx, "conversations.members", params, &page); err != nil {
			return nil, err
		}
		if !page.OK {
			// Only conversations whose membership genuinely cannot be
			// listed fall back to the full user set; transient API
			// failures surface as errors like every other fetch.
			switch page.Error {
			case "method_not_supported_for_channel_type", "fetch_members_failed":
				return all, nil
			}
			return nil, s.apiError("conversations.members", page.Error)
		}
		for _, id := range page.Members {
			if u, ok := all[id]; ok {
				members[id] = u
			}
		}
		cursor = page.Meta.NextCursor
		if cursor == "" {
			break
		}
	}
	return members, nil
}

func (s *SlackSource) GetMessages(ctx context.Context, start, end time.Time, room Room) ([]Message, error) {
	var msgs []Message
	cursor := ""
	for {
		var page struct {
			OK       bool                  `json:"ok"`
			Error    string                `json:"error"`
			Messages []slackHistoryMessage `json:"messages"`
			HasMore  bool                  `json:"has_more"`
			Meta     slackMeta             `json:"response_metadata"`
		}
		// inclusive keeps a message landing exactly on the window
		// start; clampRange enforces the half-open bounds.
		params := url.Values{
			"channel":   {room.ID},
			"oldest":    {slackTS(start)},
			"latest":    {slackTS(end)},
			"inclusive": {"true"},
			"limit":     {strconv.Itoa(slackPageSize)},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		if err := s.call(ctx, "conversations.history", params, &page); err != nil {
			return nil, err
		}
		if !page.OK {
			return nil, s.apiError("conversations.history", page.Error)
		}
		for _, item := range page.Messages {
			msg, err := toSlackMessage(item, room.ID)
			if err != nil {
				log.Printf("[slack] skip malformed history item in room %s: %v", room.ID, err)
				continue
			}
			msgs = append(msgs, msg)
		}
		cursor = page.Meta.NextCursor
		// Slack signals end-of-range with has_more=false; an empty
		// cursor on a short page is the normal exhaustion path.
		if !page.HasMore || cursor == "" {
			break
		}
	}

	msgs = clampRange(msgs, start, end)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	if err := checkAscending(msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *SlackSource) GetEmojis(ctx context.Context) (map[string]string, error) {
	var page struct {
		OK    bool              `json:"ok"`
		Error string            `json:"error"`
		Emoji map[string]string `json:"emoji"`
	}
	if err := s.call(ctx, "emoji.list", nil, &page); err != nil {
		return nil, err
	}
	if !page.OK {
		return nil, s.apiError("emoji.list", page.Error)
	}

	emojis := make(map[string]string, len(page.Emoji))
	for shortcode, value := range page.Emoji {
		// Aliases point at another shortcode instead of a value.
		if alias, ok := strings.CutPrefix(value, "alias:"); ok {
			if resolved, found := page.Emoji[alias]; found {
				value = resolved
			}
		}
		emojis[shortcode] = value
	}
	return emojis, nil
}

func toSlackMessage(item slackHistoryMessage, roomID string) (Message, error) {
	ts, err := parseSlackTS(item.TS)
	if err != nil {
		return Message{}, err
	}

	userID := item.User
	if userID == "" {
		userID = SentinelUserID
	}
	displayName := item.Username

	msgType := item.Subtype
	if msgType == "" {
		msgType = item.Type
	}
	if item.BotID != "" && item.Subtype == "" {
		msgType = "bot_message"
	}

	return Message{
		Timestamp:       ts,
		RoomID:          roomID,
		FromUserID:      userID,
		FromDisplayName: displayName,
		Text:            item.Text,
		Type:            ParseMessageType(msgType),
	}, nil
}

// slackTS renders a time as Slack's seconds.microseconds timestamp.
func slackTS(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

func parseSlackTS(ts string) (time.Time, error) {
	sec, frac, _ := strings.Cut(ts, ".")
	secs, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse slack ts %q: %w", ts, err)
	}
	var micros int64
	if frac != "" {
		padded := (frac + "000000")[:6]
		micros, err = strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse slack ts %q: %w", ts, err)
		}
	}
	return time.Unix(secs, micros*1000).UTC(), nil
}

func (s *SlackSource) apiError(method, reason string) error {
	apiErr := &slackAPIError{Method: method, Reason: reason}
	if apiErr.Transient() {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, apiErr)
	}
	return apiErr
}

func (s *SlackSource) call(ctx context.Context, method string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	reqURL := s.baseURL + "/" + method + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: slack %s: %v", ErrSourceUnavailable, method, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: slack %s status %d", ErrSourceUnavailable, method, resp.StatusCode)
		}
		return fmt.Errorf("slack %s status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode slack %s response: %w", method, err)
	}
	return nil
}
