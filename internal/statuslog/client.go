package statuslog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ConversationStatus is the body of GET /conversation-status/:identifier.
type ConversationStatus struct {
	Status     string        `json:"status"`
	Identifier string        `json:"identifier,omitempty"`
	Context    StatusContext `json:"context"`
}

// StatusContext carries the page of messages.
type StatusContext struct {
	StatusMessages    []string `json:"status_messages"`
	TotalMessageCount int      `json:"total_message_count"`
}

// UpdateRequest is the body of POST /update-status.
type UpdateRequest struct {
	Identifier string `json:"identifier"`
	Status     string `json:"status"`
}

// Client talks to the session server's status endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Append posts one status line for identifier.
func (c *Client) Append(ctx context.Context, identifier, text string) error {
	body, err := json.Marshal(UpdateRequest{Identifier: identifier, Status: text})
	if err != nil {
		return fmt.Errorf("statuslog: marshal update: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/update-status", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("statuslog: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("statuslog: post update: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		return fmt.Errorf("statuslog: post update: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Get fetches the messages after lastSeen for identifier.
func (c *Client) Get(ctx context.Context, identifier string, lastSeen int) (*ConversationStatus, error) {
	u := fmt.Sprintf("%s/conversation-status/%s?last_seen=%s",
		c.baseURL, url.PathEscape(identifier), strconv.Itoa(lastSeen))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("statuslog: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("statuslog: get status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("statuslog: get status: unexpected status %d", resp.StatusCode)
	}
	var out ConversationStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("statuslog: decode status: %w", err)
	}
	return &out, nil
}

// Writer returns a sink bound to identifier.
func (c *Client) Writer(identifier string) *RemoteWriter {
	return &RemoteWriter{client: c, identifier: identifier}
}

// RemoteWriter appends to one participant's log over HTTP.
type RemoteWriter struct {
	client     *Client
	identifier string
}

// AppendStatus posts text.
func (w *RemoteWriter) AppendStatus(ctx context.Context, text string) error {
	return w.client.Append(ctx, w.identifier, text)
}
