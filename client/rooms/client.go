// Package rooms is a client for the room catalog API.
package rooms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adwski/screencast/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 1 << 20
)

var ErrUnexpectedStatus = errors.New("unexpected response status")

type (
	Config struct {
		Logger  *zerolog.Logger
		BaseURL string
		// HTTPClient defaults to a client with a request timeout. Watch
		// does not use the timeout.
		HTTPClient *http.Client
	}

	Client struct {
		logger  zerolog.Logger
		baseURL string
		http    *http.Client
	}

	Created struct {
		RoomID string `json:"roomId"`
		Name   string `json:"name"`
	}

	apiError struct {
		Error string `json:"error"`
	}
)

func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		logger:  cfg.Logger.With().Str("component", "rooms-client").Logger(),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
	}
}

func (c *Client) List(ctx context.Context) ([]model.RoomSummary, error) {
	var rooms []model.RoomSummary
	if err := c.do(ctx, http.MethodGet, "/api/rooms", nil, http.StatusOK, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (c *Client) Get(ctx context.Context, roomID string) (model.RoomSummary, error) {
	var room model.RoomSummary
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID), nil, http.StatusOK, &room)
	return room, err
}

// Create creates a room. An empty name gets the server default.
func (c *Client) Create(ctx context.Context, name string) (Created, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return Created{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	var created Created
	err = c.do(ctx, http.MethodPost, "/api/rooms", bytes.NewReader(body), http.StatusCreated, &created)
	return created, err
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, want int, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Trace().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("api call")

	if resp.StatusCode != want {
		return statusError(resp.StatusCode, b)
	}
	if err = json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func statusError(code int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	if sentinel := model.ReasonError(apiErr.Error); sentinel != nil {
		return sentinel
	}
	if apiErr.Error != "" {
		return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, code, apiErr.Error)
	}
	return fmt.Errorf("%w %d", ErrUnexpectedStatus, code)
}

// Watch streams room events until ctx is done or the server ends the
// stream. Comment lines and unknown fields are ignored.
func (c *Client) Watch(ctx context.Context, fn func(ev model.RoomEvent)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/rooms/events", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// the stream outlives any request timeout
	hc := *c.http
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		return statusError(resp.StatusCode, b)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev model.RoomEvent
		if err = json.Unmarshal([]byte(data), &ev); err != nil {
			c.logger.Debug().Err(err).Msg("malformed room event dropped")
			continue
		}
		fn(ev)
	}
	if err = scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream failed: %w", err)
	}
	return nil
}
