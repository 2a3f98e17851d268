// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package tui

import (
	"context"
	"time"

	"github.com/3dem/emhub/internal/booking"
	"github.com/3dem/emhub/internal/content"
	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/model"
	"github.com/3dem/emhub/internal/sessions"
)

// Snapshot is everything the dashboard shows at once.
type Snapshot struct {
	From, To time.Time
	Bookings []content.Event
	Pending  []sessions.PendingSession
	Loaded   time.Time
}

// Loader produces a fresh Snapshot.
type Loader func(ctx context.Context) (*Snapshot, error)

// StoreLoader reads the bookings of the next days and the pending sessions
// directly from st, as seen by viewer. The period starts at midnight of the
// current day.
func StoreLoader(st db.Store, dataPath string, viewer *model.User, days int, now func() time.Time) Loader {
	if now == nil {
		now = time.Now
	}
	if days <= 0 {
		days = 7
	}
	bookings := booking.NewService(st)
	events := content.NewLoader(st)
	mgr := sessions.NewManager(st, dataPath)

	return func(ctx context.Context) (*Snapshot, error) {
		t := now()
		from := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		to := from.AddDate(0, 0, days).Add(-time.Second)

		bs, err := bookings.Range(ctx, from, to, 0)
		if err != nil {
			return nil, err
		}
		evs, err := events.Events(ctx, viewer, bs, content.EventOptions{PrettyDate: true})
		if err != nil {
			return nil, err
		}
		pending, err := mgr.Pending(ctx, viewer)
		if err != nil {
			return nil, err
		}
		return &Snapshot{From: from, To: to, Bookings: evs, Pending: pending, Loaded: t}, nil
	}
}
