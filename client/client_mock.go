// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.
package client

import (
	"context"
	"errors"

	"github.com/3dem/emhub/internal/model"
	"github.com/3dem/emhub/internal/sessions"
)

// ErrNotImplemented is returned by MockClient methods with neither an
// overwrite nor a base client.
var ErrNotImplemented = errors.New("mock client: not implemented")

type MockClient struct {
	BaseClient Client
	Overwrites MockClientOverwrites
}

type MockClientOverwrites struct {
	Login         func(ctx context.Context) error
	Close         func(ctx context.Context) error
	ListSessions  func(ctx context.Context, condition map[string]any) ([]model.Session, error)
	PollSessions  func(ctx context.Context) ([]sessions.PendingSession, error)
	UpdateSession func(ctx context.Context, attrs map[string]any) (*model.Session, error)
}

var _ Client = (*MockClient)(nil)

// client := NewMockClient(nil, MockClientOverwrites{ /* overwrite Client methods here... */ })
func NewMockClient(base Client, overwrites MockClientOverwrites) *MockClient {
	return &MockClient{
		BaseClient: base,
		Overwrites: overwrites,
	}
}

// --- Client implementation ---

func (m *MockClient) Login(ctx context.Context) error {
	if m.Overwrites.Login != nil {
		return m.Overwrites.Login(ctx)
	}
	if m.BaseClient != nil {
		return m.BaseClient.Login(ctx)
	}
	return nil
}

func (m *MockClient) Close(ctx context.Context) error {
	if m.Overwrites.Close != nil {
		return m.Overwrites.Close(ctx)
	}
	if m.BaseClient != nil {
		return m.BaseClient.Close(ctx)
	}
	return nil
}

func (m *MockClient) ListSessions(ctx context.Context, condition map[string]any) ([]model.Session, error) {
	if m.Overwrites.ListSessions != nil {
		return m.Overwrites.ListSessions(ctx, condition)
	}
	if m.BaseClient != nil {
		return m.BaseClient.ListSessions(ctx, condition)
	}
	return nil, ErrNotImplemented
}

func (m *MockClient) PollSessions(ctx context.Context) ([]sessions.PendingSession, error) {
	if m.Overwrites.PollSessions != nil {
		return m.Overwrites.PollSessions(ctx)
	}
	if m.BaseClient != nil {
		return m.BaseClient.PollSessions(ctx)
	}
	return nil, ErrNotImplemented
}

func (m *MockClient) UpdateSession(ctx context.Context, attrs map[string]any) (*model.Session, error) {
	if m.Overwrites.UpdateSession != nil {
		return m.Overwrites.UpdateSession(ctx, attrs)
	}
	if m.BaseClient != nil {
		return m.BaseClient.UpdateSession(ctx, attrs)
	}
	return nil, ErrNotImplemented
}
