// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.
package client

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

	"github.com/3dem/emhub/internal/model"
	"github.com/3dem/emhub/internal/sessions"
)

// ErrNotLoggedIn is returned by calls made before Login.
var ErrNotLoggedIn = errors.New("not logged in")

// HTTPClient talks to the JSON API over HTTP. It keeps the token returned by
// login and sends it as a bearer header on every call.
type HTTPClient struct {
	config Config
	http   *http.Client

	mu    sync.Mutex
	token string
}

// *HTTPClient implements Client
var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a client of the server at config.BaseURL. Zero
// fields of config take the values of NewDefaultConfig.
func NewHTTPClient(config Config) *HTTPClient {
	def := NewDefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &HTTPClient{config: config, http: &http.Client{Timeout: config.Timeout}}
}

// call posts body to /api/<route> and decodes the answer into out.
func (c *HTTPClient) call(ctx context.Context, route string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/"+route, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", route, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: %w", route, err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Route: route, Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decoding answer: %w", route, err)
	}
	return nil
}

// Login posts the configured credentials and stores the returned token.
func (c *HTTPClient) Login(ctx context.Context) error {
	var resp struct {
		Token string `json:"token"`
	}
	creds := map[string]string{"username": c.config.Username, "password": c.config.Password}
	if err := c.call(ctx, "login", creds, &resp); err != nil {
		return err
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	return nil
}

// Close logs out when logged in and forgets the token, even when the
// logout call fails.
func (c *HTTPClient) Close(ctx context.Context) error {
	c.mu.Lock()
	loggedIn := c.token != ""
	c.mu.Unlock()
	if !loggedIn {
		return nil
	}
	err := c.call(ctx, "logout", nil, nil)
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return err
}

func (c *HTTPClient) loggedIn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" {
		return ErrNotLoggedIn
	}
	return nil
}

// ListSessions calls get_sessions with condition.
func (c *HTTPClient) ListSessions(ctx context.Context, condition map[string]any) ([]model.Session, error) {
	if err := c.loggedIn(); err != nil {
		return nil, err
	}
	var out []model.Session
	if err := c.call(ctx, "get_sessions", map[string]any{"condition": condition}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PollSessions calls poll_sessions. The server holds the request until a
// session is pending or its poll timeout passes, so config.Timeout must be
// longer than that.
func (c *HTTPClient) PollSessions(ctx context.Context) ([]sessions.PendingSession, error) {
	if err := c.loggedIn(); err != nil {
		return nil, err
	}
	var out []sessions.PendingSession
	if err := c.call(ctx, "poll_sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSession calls update_session and returns the stored session.
func (c *HTTPClient) UpdateSession(ctx context.Context, attrs map[string]any) (*model.Session, error) {
	if err := c.loggedIn(); err != nil {
		return nil, err
	}
	var resp struct {
		Session *model.Session `json:"session"`
	}
	if err := c.call(ctx, "update_session", map[string]any{"attrs": attrs}, &resp); err != nil {
		return nil, err
	}
	return resp.Session, nil
}
