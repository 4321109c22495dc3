// Package vk fetches the friend roster with presence details from the VK API.
package vk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stellarlinkco/presencewatch/internal/presence"
)

const (
	DefaultBaseURL    = "https://api.vk.com/method/"
	DefaultAPIVersion = "5.101"
	DefaultTimeout    = 15 * time.Second

	methodFriendsGet = "friends.get"
	rosterFields     = "last_seen,online"
)

// ErrMalformedResponse is returned when the response body is not a usable
// roster. The caller keeps its previous roster rather than treating the
// reply as an empty one.
var ErrMalformedResponse = errors.New("vk: malformed response")

// APIError is an error payload returned by the API in place of a response.
type APIError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vk api error %d: %s", e.Code, e.Message)
}

type Options struct {
	Token      string
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	HTTPClient *http.Client
	Now        func() time.Time
}

type Client struct {
	token      string
	baseURL    string
	version    string
	httpClient *http.Client
	now        func() time.Time
}

func NewClient(opts Options) *Client {
	c := &Client{
		token:      opts.Token,
		baseURL:    strings.TrimSpace(opts.BaseURL),
		version:    opts.APIVersion,
		httpClient: opts.HTTPClient,
		now:        opts.Now,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(c.baseURL, "/") {
		c.baseURL += "/"
	}
	if c.version == "" {
		c.version = DefaultAPIVersion
	}
	if c.httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.httpClient = &http.Client{Timeout: timeout}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

type envelope struct {
	Response *struct {
		Items []json.RawMessage `json:"items"`
	} `json:"response"`
	Error *APIError `json:"error"`
}

type rosterItem struct {
	ID        int64           `json:"id"`
	FirstName string          `json:"first_name"`
	LastName  string          `json:"last_name"`
	Online    *float64        `json:"online"`
	LastSeen  json.RawMessage `json:"last_seen"`
}

type lastSeen struct {
	Time     any `json:"time"`
	Platform any `json:"platform"`
}

// Fetch returns the current roster. Items missing an id or either name part,
// or without a numeric online flag, are dropped.
func (c *Client) Fetch(ctx context.Context) ([]presence.Entity, error) {
	if strings.TrimSpace(c.token) == "" {
		return nil, fmt.Errorf("vk: missing access token")
	}

	form := url.Values{}
	form.Set("access_token", c.token)
	form.Set("v", c.version)
	form.Set("fields", rosterFields)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+methodFriendsGet, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vk http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if env.Error != nil {
		return nil, env.Error
	}
	if env.Response == nil || env.Response.Items == nil {
		return nil, fmt.Errorf("%w: missing response.items", ErrMalformedResponse)
	}

	fetchedAt := c.now()
	entities := make([]presence.Entity, 0, len(env.Response.Items))
	dropped := 0
	for _, raw := range env.Response.Items {
		e, ok := parseItem(raw, fetchedAt)
		if !ok {
			dropped++
			continue
		}
		entities = append(entities, e)
	}
	if dropped > 0 {
		log.Printf("[vk] dropped %d malformed roster entries", dropped)
	}
	return entities, nil
}

func parseItem(raw json.RawMessage, fetchedAt time.Time) (presence.Entity, bool) {
	var item rosterItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return presence.Entity{}, false
	}
	if item.ID == 0 || item.FirstName == "" || item.LastName == "" || item.Online == nil {
		return presence.Entity{}, false
	}

	e := presence.Entity{
		ID:         strconv.FormatInt(item.ID, 10),
		Name:       item.FirstName + " " + item.LastName,
		Online:     *item.Online == 1,
		LastSeenAt: fetchedAt,
	}

	var seen lastSeen
	if len(item.LastSeen) > 0 && json.Unmarshal(item.LastSeen, &seen) == nil {
		if ts := looseInt(seen.Time); ts > 0 {
			e.LastSeenAt = time.Unix(ts, 0)
		}
		e.LastSeenPlatform = int(looseInt(seen.Platform))
	}
	return e, true
}

// looseInt reads a number that may arrive as a JSON number or a numeric
// string. Anything else is zero.
func looseInt(v any) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
