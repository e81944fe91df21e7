package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/cinechat/internal/registry"
)

// ErrNotFound is returned by Client when the server answers 404.
var ErrNotFound = errors.New("server: not found")

// ErrConflict is returned by Client.Connect when the room already has a
// live bot.
var ErrConflict = errors.New("server: room already has an active bot")

// ConnectResponse is the body of a successful POST /connect.
type ConnectResponse struct {
	RoomID     string `json:"room_id"`
	Identifier string `json:"identifier"`
	PID        int    `json:"pid"`
}

// RoomList is the body of GET /rooms.
type RoomList struct {
	Rooms []registry.Session `json:"rooms"`
	Count int                `json:"count"`
	Swept []string           `json:"swept"`
}

// RegisterRequest is the body of POST /register-remote.
type RegisterRequest struct {
	RoomID string `json:"room_id"`
	Role   string `json:"role"`
	PID    int    `json:"pid"`
	Host   string `json:"host,omitempty"`
}

// Client calls the session API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Connect creates a session for roomID and starts its bot.
func (c *Client) Connect(ctx context.Context, roomID, token string) (*ConnectResponse, error) {
	var out ConnectResponse
	body := map[string]string{"room_id": roomID}
	if token != "" {
		body["token"] = token
	}
	if err := c.do(ctx, http.MethodPost, "/connect", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rooms lists live sessions after the server's dead-bot sweep.
func (c *Client) Rooms(ctx context.Context) (*RoomList, error) {
	var out RoomList
	if err := c.do(ctx, http.MethodGet, "/rooms", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cleanup terminates one room's session.
func (c *Client) Cleanup(ctx context.Context, roomID string) (*registry.TerminationReport, error) {
	var out registry.TerminationReport
	if err := c.do(ctx, http.MethodPost, "/cleanup-room", map[string]string{"room_id": roomID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CleanupAll terminates every session.
func (c *Client) CleanupAll(ctx context.Context) ([]registry.TerminationReport, error) {
	var out struct {
		Reports []registry.TerminationReport `json:"reports"`
	}
	if err := c.do(ctx, http.MethodPost, "/cleanup-all-rooms", nil, &out); err != nil {
		return nil, err
	}
	return out.Reports, nil
}

// Register attaches a display-side process to a session.
func (c *Client) Register(ctx context.Context, req RegisterRequest) error {
	return c.do(ctx, http.MethodPost, "/register-remote", req, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&body).Encode(in); err != nil {
			return fmt.Errorf("server: encode %s: %w", path, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &body)
	if err != nil {
		return fmt.Errorf("server: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("server: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode == http.StatusConflict:
		return ErrConflict
	case resp.StatusCode >= 300:
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("server: %s %s: %s", method, path, e.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("server: decode %s: %w", path, err)
	}
	return nil
}
