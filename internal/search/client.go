// Package search is a client for the clip search API.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when the API has no record of a video.
var ErrNotFound = errors.New("search: not found")

// Scene is one ranked search hit.
type Scene struct {
	ID           int     `json:"id"`
	UUID         string  `json:"uuid"`
	VideoID      int     `json:"video_id"`
	SceneIndex   int     `json:"scene_index"`
	StartTime    float64 `json:"start_time"`
	EndTime      float64 `json:"end_time"`
	Duration     float64 `json:"duration"`
	HasCaptions  bool    `json:"has_captions"`
	CaptionCount int     `json:"caption_count"`
	Description  string  `json:"description,omitempty"`
	Caption      string  `json:"caption,omitempty"`
	Distance     float64 `json:"-"`
}

// Similarity is 1 minus the embedding distance.
func (s Scene) Similarity() float64 { return 1 - s.Distance }

type semanticRequest struct {
	Query    string `json:"query"`
	Limit    int    `json:"limit"`
	VideoIDs []int  `json:"video_ids,omitempty"`
}

type semanticResponse struct {
	Results []struct {
		Scene    Scene   `json:"scene"`
		Distance float64 `json:"distance"`
	} `json:"results"`
}

type videoResponse struct {
	Video struct {
		ID       int    `json:"id"`
		Filepath string `json:"filepath"`
	} `json:"video"`
}

// Client talks to the search API. Video paths are cached for the client's
// lifetime.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	mu    sync.Mutex
	paths map[int]string
}

// NewClient returns a client for baseURL. An empty apiKey sends no
// Authorization header.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		paths:   make(map[int]string),
	}
}

// Semantic returns up to limit scenes ordered by similarity to query.
// Passing video IDs restricts the search to those videos.
func (c *Client) Semantic(ctx context.Context, query string, limit int, videoIDs ...int) ([]Scene, error) {
	body, err := json.Marshal(semanticRequest{Query: query, Limit: limit, VideoIDs: videoIDs})
	if err != nil {
		return nil, err
	}
	var resp semanticResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/search/semantic", body, &resp); err != nil {
		return nil, err
	}
	scenes := make([]Scene, 0, len(resp.Results))
	for _, r := range resp.Results {
		s := r.Scene
		s.Distance = r.Distance
		scenes = append(scenes, s)
	}
	return scenes, nil
}

// VideoPath returns the file path of a video.
func (c *Client) VideoPath(ctx context.Context, videoID int) (string, error) {
	c.mu.Lock()
	p, ok := c.paths[videoID]
	c.mu.Unlock()
	if ok {
		return p, nil
	}

	var resp videoResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/videos/%d", videoID), nil, &resp); err != nil {
		return "", err
	}
	if resp.Video.Filepath == "" {
		return "", fmt.Errorf("%w: video %d has no file path", ErrNotFound, videoID)
	}
	c.mu.Lock()
	c.paths[videoID] = resp.Video.Filepath
	c.mu.Unlock()
	return resp.Video.Filepath, nil
}

// Stats returns the API's database statistics as-is.
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("search: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("search: %s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("search: decode %s: %w", path, err)
	}
	return nil
}
