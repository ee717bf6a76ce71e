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
	"time"

	"github.com/openchatalytics/chatalytics/internal/config"
)

const (
	hipChatDefaultBaseURL = "https://api.hipchat.com"
	hipChatPageSize       = 100
	hipChatHistoryPage    = 500
)

// hipChatStatusError reports a non-2xx HipChat API response. 5xx and
// 429 are treated as transient.
type hipChatStatusError struct {
	Code int
	Body string
}

func (e *hipChatStatusError) Error() string {
	return fmt.Sprintf("hipchat api status %d: %s", e.Code, e.Body)
}

func (e *hipChatStatusError) Transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// HipChatSource fetches rooms, users, messages and emoticons from the
// HipChat v2 REST API with start-index pagination.
type HipChatSource struct {
	token      string
	baseURL    string
	dateFormat string
	loc        *time.Location
	httpClient *http.Client
}

func NewHipChatSource(cfg config.HipChatConfig) (*HipChatSource, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("hipchat token is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = hipChatDefaultBaseURL
	}
	dateFormat := cfg.DateFormat
	if dateFormat == "" {
		dateFormat = config.DefaultDateFormat
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = config.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load hipchat timezone %q: %w", tz, err)
	}

	return &HipChatSource{
		token:      cfg.Token,
		baseURL:    baseURL,
		dateFormat: dateFormat,
		loc:        loc,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type hipChatRoomItem struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Privacy string `json:"privacy"`
}

type hipChatUserItem struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	MentionName string `json:"mention_name"`
	Timezone    string `json:"timezone"`
	Created     string `json:"created"`
	LastActive  string `json:"last_active"`
	Presence    *struct {
		Status string `json:"status"`
	} `json:"presence"`
}

type hipChatHistoryItem struct {
	Date    string          `json:"date"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
	From    json.RawMessage `json:"from"`
}

type hipChatEmoticonItem struct {
	Shortcut string `json:"shortcut"`
	Value    string `json:"value"`
	URL      string `json:"url"`
}

func (h *HipChatSource) GetRooms(ctx context.Context) (map[string]Room, error) {
	rooms := make(map[string]Room)
	for start := 0; ; start += hipChatPageSize {
		var page struct {
			Items []hipChatRoomItem `json:"items"`
		}
		params := url.Values{
			"start-index": {strconv.Itoa(start)},
			"max-results": {strconv.Itoa(hipChatPageSize)},
		}
		if err := h.get(ctx, "/v2/room", params, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			id := strconv.Itoa(item.ID)
			rooms[id] = Room{
				ID:      id,
				Name:    item.Name,
				Private: item.Privacy == "private",
			}
		}
		if len(page.Items) < hipChatPageSize {
			break
		}
	}
	return rooms, nil
}

func (h *HipChatSource) GetUsers(ctx context.Context) (map[string]User, error) {
	users := make(map[string]User)
	for start := 0; ; start += hipChatPageSize {
		var page struct {
			Items []hipChatUserItem `json:"items"`
		}
		params := url.Values{
			"start-index": {strconv.Itoa(start)},
			"max-results": {strconv.Itoa(hipChatPageSize)},
		}
		if err := h.get(ctx, "/v2/user", params, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			u := h.toUser(item)
			users[u.ID] = u
		}
		if len(page.Items) < hipChatPageSize {
			break
		}
	}
	return users, nil
}

func (h *HipChatSource) GetUsersForRoom(ctx context.Context, room Room) (map[string]User, error) {
	users := make(map[string]User)
	path := fmt.Sprintf("/v2/room/%s/member", url.PathEscape(room.ID))
	for start := 0; ; start += hipChatPageSize {
		var page struct {
			Items []hipChatUserItem `json:"items"`
		}
		params := url.Values{
			"start-index": {strconv.Itoa(start)},
			"max-results": {strconv.Itoa(hipChatPageSize)},
		}
		if err := h.get(ctx, path, params, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			u := h.toUser(item)
			users[u.ID] = u
		}
		if len(page.Items) < hipChatPageSize {
			break
		}
	}
	return users, nil
}

func (h *HipChatSource) GetMessages(ctx context.Context, start, end time.Time, room Room) ([]Message, error) {
	path := fmt.Sprintf("/v2/room/%s/history", url.PathEscape(room.ID))
	var msgs []Message
	for index := 0; ; index += hipChatHistoryPage {
		var page struct {
			Items []hipChatHistoryItem `json:"items"`
		}
		params := url.Values{
			"date":        {end.In(h.loc).Format(h.dateFormat)},
			"end-date":    {start.In(h.loc).Format(h.dateFormat)},
			"reverse":     {"true"},
			"start-index": {strconv.Itoa(index)},
			"max-results": {strconv.Itoa(hipChatHistoryPage)},
		}
		if err := h.get(ctx, path, params, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			msg, err := h.toMessage(item, room.ID)
			if err != nil {
				log.Printf("[hipchat] skip malformed history item in room %s: %v", room.ID, err)
				continue
			}
			msgs = append(msgs, msg)
		}
		// A short page means the range is exhausted, not an error.
		if len(page.Items) < hipChatHistoryPage {
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

func (h *HipChatSource) GetEmojis(ctx context.Context) (map[string]string, error) {
	emojis := make(map[string]string)
	for start := 0; ; start += hipChatPageSize {
		var page struct {
			Items []hipChatEmoticonItem `json:"items"`
		}
		params := url.Values{
			"start-index": {strconv.Itoa(start)},
			"max-results": {strconv.Itoa(hipChatPageSize)},
		}
		if err := h.get(ctx, "/v2/emoticon", params, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			value := item.Value
			if value == "" {
				value = item.URL
			}
			emojis[item.Shortcut] = value
		}
		if len(page.Items) < hipChatPageSize {
			break
		}
	}
	return emojis, nil
}

func (h *HipChatSource) toUser(item hipChatUserItem) User {
	u := User{
		ID:          strconv.Itoa(item.ID),
		Name:        item.Name,
		MentionName: item.MentionName,
		Timezone:    item.Timezone,
	}
	if item.Presence != nil {
		u.Status = item.Presence.Status
	}
	if t, err := time.ParseInLocation(h.dateFormat, item.Created, h.loc); err == nil {
		u.CreatedAt = t
	}
	if t, err := time.ParseInLocation(h.dateFormat, item.LastActive, h.loc); err == nil {
		u.LastActiveAt = t
	}
	return u
}

func (h *HipChatSource) toMessage(item hipChatHistoryItem, roomID string) (Message, error) {
	ts, err := time.ParseInLocation(h.dateFormat, item.Date, h.loc)
	if err != nil {
		return Message{}, fmt.Errorf("parse message date %q: %w", item.Date, err)
	}

	userID, displayName := parseHipChatFrom(item.From)

	return Message{
		Timestamp:       ts,
		RoomID:          roomID,
		FromUserID:      userID,
		FromDisplayName: displayName,
		Text:            item.Message,
		Type:            ParseMessageType(item.Type),
	}, nil
}

// parseHipChatFrom handles the two wire shapes of the history "from"
// field: an object with a numeric id, or a bare display-name string
// for system messages. Anything without a numeric id maps to the
// sentinel user id instead of failing the fetch.
func parseHipChatFrom(raw json.RawMessage) (userID, displayName string) {
	var obj struct {
		ID   json.Number `json:"id"`
		Name string      `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if _, convErr := obj.ID.Int64(); convErr == nil && obj.ID.String() != "" {
			return obj.ID.String(), obj.Name
		}
		return SentinelUserID, obj.Name
	}

	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return SentinelUserID, name
	}
	return SentinelUserID, ""
}

func (h *HipChatSource) get(ctx context.Context, path string, params url.Values, out any) error {
	reqURL := h.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("create hipchat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: hipchat %s: %v", ErrSourceUnavailable, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &hipChatStatusError{Code: resp.StatusCode, Body: string(raw)}
		if statusErr.Transient() {
			return fmt.Errorf("%w: %v", ErrSourceUnavailable, statusErr)
		}
		return statusErr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode hipchat %s response: %w", path, err)
	}
	return nil
}
