// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/3dem/emhub/internal/model"
	"github.com/3dem/emhub/internal/sessions"
)

type Client interface {
	// --- Lifecycle ---

	// Login opens an API session with the configured credentials.
	Login(ctx context.Context) error

	// Close logs out. The client can log in again afterwards.
	Close(ctx context.Context) error

	// --- Sessions ---

	// ListSessions returns the sessions matching the column -> value
	// equalities of condition (all sessions when nil).
	ListSessions(ctx context.Context, condition map[string]any) ([]model.Session, error)

	// PollSessions waits on the server for a pending session. An empty
	// result means the poll timed out.
	PollSessions(ctx context.Context) ([]sessions.PendingSession, error)

	// UpdateSession changes the given attributes; attrs must hold "id".
	UpdateSession(ctx context.Context, attrs map[string]any) (*model.Session, error)
}

// APIError is an error answer of the server.
type APIError struct {
	Route   string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Route, e.Status, e.Message)
}

// IsUnauthorized reports whether err means the client has no valid login,
// either because Login was never called or because the server dropped the
// token (expiry, restart).
func IsUnauthorized(err error) bool {
	if errors.Is(err, ErrNotLoggedIn) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}
