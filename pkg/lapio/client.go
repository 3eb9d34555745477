// Package lapio is a thin JSON client for the lapio-server API. It
// implements chatsync.Transport, so front ends can run the shared chat
// sync core over it, and exposes getters for the dashboard data.
package lapio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lapio/internal/chatsync"
	"lapio/internal/domain"
	"lapio/internal/httpapi"
	"lapio/internal/portfolio"
)

// Client talks to one lapio-server. It authenticates with the app
// password header, which the server accepts in place of a session
// cookie.
type Client struct {
	baseURL    string
	password   string
	httpClient *http.Client
}

var _ chatsync.Transport = (*Client)(nil)

// NewClient creates an API client for the server at baseURL.
func NewClient(baseURL, password string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		password:   password,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Fetch returns the most recent limit chat messages in ascending id
// order.
func (c *Client) Fetch(ctx context.Context, limit int) ([]chatsync.Message, error) {
	var msgs []chatsync.Message
	if err := c.get(ctx, fmt.Sprintf("/api/chat/messages?limit=%d", limit), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Send submits one user message and blocks until the assistant reply
// is ready.
func (c *Client) Send(ctx context.Context, text string) (chatsync.SendResult, error) {
	var resp struct {
		OK bool `json:"ok"`
		chatsync.SendResult
	}
	if err := c.post(ctx, "/api/chat/send", map[string]string{"text": text}, &resp); err != nil {
		return chatsync.SendResult{}, err
	}
	return resp.SendResult, nil
}

// Signals returns the current computed indicators per ticker.
func (c *Client) Signals(ctx context.Context) (map[string]domain.Signals, error) {
	var out map[string]domain.Signals
	if err := c.get(ctx, "/api/signals", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Portfolio returns the valued portfolio rows.
func (c *Client) Portfolio(ctx context.Context) ([]portfolio.PositionView, error) {
	var out []portfolio.PositionView
	if err := c.get(ctx, "/api/portfolio", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Macro returns the latest macro snapshot and advisor bias.
func (c *Client) Macro(ctx context.Context) (httpapi.MacroResponse, error) {
	var out httpapi.MacroResponse
	err := c.get(ctx, "/api/macro", &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("X-App-Password", c.password)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, apiErr.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
