package playback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client drives a playback service over HTTP.
type Client struct {
	baseURL    string
	fullscreen bool
	http       *http.Client
}

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string, fullscreen bool) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		fullscreen: fullscreen,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
}

// Play asks the service to play clip and returns the player pid.
func (c *Client) Play(ctx context.Context, clip Clip) (int, error) {
	end := clip.End
	fs := c.fullscreen
	body, err := json.Marshal(PlayRequest{VideoPath: clip.File, Start: clip.Start, End: &end, Fullscreen: &fs})
	if err != nil {
		return 0, err
	}
	var resp PlayResponse
	if err := c.post(ctx, "/play", body, &resp); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPlaybackStart, err)
	}
	return resp.PID, nil
}

// Stop asks the service to return to the idle loop.
func (c *Client) Stop(ctx context.Context) error {
	return c.post(ctx, "/stop", nil, nil)
}

// Status fetches the service status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return st, fmt.Errorf("playback: status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("playback: status: HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("playback: decode status: %w", err)
	}
	return st, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("playback: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e PlayResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Message != "" {
			return fmt.Errorf("playback: %s: %s (HTTP %d)", path, e.Message, resp.StatusCode)
		}
		return fmt.Errorf("playback: %s: HTTP %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("playback: decode %s response: %w", path, err)
		}
	}
	return nil
}
