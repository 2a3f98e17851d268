// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package booking implements booking validation, conflict detection,
// cancellation rules and repeating series on top of a db.Store.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/model"
)

var (
	// ErrValidation marks bookings that break a scheduling rule.
	ErrValidation = errors.New("invalid booking")
	// ErrPermission marks bookings the acting user is not allowed to make.
	ErrPermission = errors.New("permission denied")
	// ErrCancellation is returned when a booking is too close to its start
	// to be modified or deleted.
	ErrCancellation = errors.New("booking can not be modified")
)

// repeatDays maps repeat values to the distance between two bookings.
var repeatDays = map[string]int{"weekly": 7, "bi-weekly": 14}

// RepeatDelta returns the shift between consecutive bookings of a series.
func RepeatDelta(value string) (time.Duration, error) {
	days, ok := repeatDays[value]
	if !ok {
		return 0, fmt.Errorf("%w: Invalid repeat value '%s'", ErrValidation, value)
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

// Options toggles the resource duration limits. Both default to true.
type Options struct {
	CheckMinBooking bool
	CheckMaxBooking bool
}

// DefaultOptions enables every check.
func DefaultOptions() Options {
	return Options{CheckMinBooking: true, CheckMaxBooking: true}
}

// Request describes a new booking, optionally repeating until RepeatStop.
type Request struct {
	Booking    model.Booking
	RepeatStop *time.Time
	Options    Options
}

// Patch lists the fields to change on existing bookings; nil fields are kept.
// OperatorID pointing at 0 clears the operator.
type Patch struct {
	Title       *string
	Description *string
	Start       *time.Time
	End         *time.Time
	Type        *string
	ResourceID  *int
	OwnerID     *int
	OperatorID  *int
	SlotAuth    *model.SlotAuth
	RepeatValue *string
	Experiment  model.Extra
	Extra       model.Extra
}

func (p Patch) apply(b *model.Booking) {
	if p.Title != nil {
		b.Title = *p.Title
	}
	if p.Description != nil {
		b.Description = *p.Description
	}
	if p.Start != nil {
		b.Start = p.Start.UTC()
	}
	if p.End != nil {
		b.End = p.End.UTC()
	}
	if p.Type != nil {
		b.Type = *p.Type
	}
	if p.ResourceID != nil {
		b.ResourceID = *p.ResourceID
	}
	if p.OwnerID != nil {
		b.OwnerID = *p.OwnerID
	}
	if p.OperatorID != nil {
		if *p.OperatorID == 0 {
			b.OperatorID = nil
		} else {
			id := *p.OperatorID
			b.OperatorID = &id
		}
	}
	if p.SlotAuth != nil {
		b.SlotAuth = *p.SlotAuth
	}
	if p.RepeatValue != nil {
		b.RepeatValue = *p.RepeatValue
	}
	if p.Experiment != nil {
		b.Experiment = p.Experiment
	}
	if p.Extra != nil {
		b.Extra = p.Extra
	}
}

// Service validates and persists bookings.
type Service struct {
	store db.Store
	now   func() time.Time
	newID func() string
}

// NewService returns a Service using the wall clock.
func NewService(store db.Store) *Service {
	return &Service{store: store, now: time.Now, newID: uuid.NewString}
}

// WithClock replaces the clock used for past and cancellation checks.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create validates and stores one booking, or a whole weekly/bi-weekly
// series sharing one repeat id when the repeat value is not "no".
func (s *Service) Create(ctx context.Context, actor *model.User, req Request) ([]model.Booking, error) {
	if actor == nil {
		return nil, fmt.Errorf("%w: no user", ErrPermission)
	}
	b := req.Booking.Clone()
	b.Start, b.End = b.Start.UTC(), b.End.UTC()
	if b.CreatorID == 0 {
		b.CreatorID = actor.ID
	}
	if b.OwnerID == 0 {
		b.OwnerID = actor.ID
	}
	if b.Type == "" {
		b.Type = model.TypeBooking
	}
	if b.RepeatValue == "" {
		b.RepeatValue = model.RepeatNone
	}

	var batch []*model.Booking
	if b.RepeatValue == model.RepeatNone {
		b.RepeatID = nil
		if err := s.validate(ctx, actor, b, req.Options, nil, nil); err != nil {
			return nil, err
		}
		batch = append(batch, b)
	} else {
		delta, err := RepeatDelta(b.RepeatValue)
		if err != nil {
			return nil, err
		}
		if req.RepeatStop == nil {
			return nil, fmt.Errorf("%w: repeat_stop is required for repeating bookings", ErrValidation)
		}
		stop := req.RepeatStop.UTC()
		uid := s.newID()
		for cur := b; cur.End.Before(stop); {
			next := cur.Clone()
			next.RepeatID = &uid
			if err := s.validate(ctx, actor, next, req.Options, batch, nil); err != nil {
				return nil, err
			}
			batch = append(batch, next)
			cur = next.Clone()
			cur.Start = cur.Start.Add(delta)
			cur.End = cur.End.Add(delta)
		}
	}

	if len(batch) > 0 {
		if err := s.store.SaveBookings(ctx, batch, nil, nil); err != nil {
			return nil, err
		}
	}
	return deref(batch), nil
}

// selection holds the bookings touched by an update or delete.
type selection struct {
	modify   []*model.Booking
	detached []*model.Booking
}

// selectSeries returns the booking with the given id plus, for repeating
// bookings, the later bookings of the series when modifyAll is set.
// Otherwise the booking leaves the series and the later bookings move to a
// fresh repeat id.
func (s *Service) selectSeries(ctx context.Context, id int, modifyAll bool) (*selection, error) {
	main, err := s.store.GetBooking(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("There is no booking with ID=%d: %w", id, err)
		}
		return nil, err
	}
	sel := &selection{modify: []*model.Booking{main}}
	if main.RepeatID == nil {
		return sel, nil
	}
	series, err := s.store.BookingsByRepeatID(ctx, *main.RepeatID)
	if err != nil {
		return nil, err
	}
	var later []*model.Booking
	for i := range series {
		if series[i].Start.After(main.Start) {
			later = append(later, &series[i])
		}
	}
	if modifyAll {
		sel.modify = append(sel.modify, later...)
		return sel, nil
	}
	main.RepeatID = nil
	uid := s.newID()
	for _, b := range later {
		b.RepeatID = &uid
	}
	sel.detached = later
	return sel, nil
}

// Update applies patch to the booking with the given id (and to the rest of
// its series when modifyAll is set), re-validating every modified booking.
// When the patch moves times of a repeating series, each subsequent booking
// is shifted by one more repeat delta.
func (s *Service) Update(ctx context.Context, actor *model.User, id int, patch Patch, modifyAll bool, opts Options) ([]model.Booking, error) {
	if actor == nil {
		return nil, fmt.Errorf("%w: no user", ErrPermission)
	}
	sel, err := s.selectSeries(ctx, id, modifyAll)
	if err != nil {
		return nil, err
	}

	var delta time.Duration
	if patch.RepeatValue != nil && *patch.RepeatValue != model.RepeatNone && (patch.Start != nil || patch.End != nil) {
		if delta, err = RepeatDelta(*patch.RepeatValue); err != nil {
			return nil, err
		}
	}

	// Detached bookings keep their times, so their stored rows still count
	// as conflicts.
	skip := make(map[int]bool, len(sel.modify))
	for _, b := range sel.modify {
		skip[b.ID] = true
	}

	var done []*model.Booking
	for i, b := range sel.modify {
		if err := s.CheckCancellation(ctx, actor, b); err != nil {
			return nil, err
		}
		p := patch
		if delta > 0 {
			shift := time.Duration(i) * delta
			if patch.Start != nil {
				st := patch.Start.Add(shift)
				p.Start = &st
			}
			if patch.End != nil {
				en := patch.End.Add(shift)
				p.End = &en
			}
		}
		p.apply(b)
		if err := s.validate(ctx, actor, b, opts, done, skip); err != nil {
			return nil, err
		}
		done = append(done, b)
	}

	update := append(append([]*model.Booking{}, sel.modify...), sel.detached...)
	if err := s.store.SaveBookings(ctx, nil, update, nil); err != nil {
		return nil, err
	}
	return deref(sel.modify), nil
}

// Delete removes the booking with the given id (and the rest of its series
// when modifyAll is set) after checking the cancellation window.
func (s *Service) Delete(ctx context.Context, actor *model.User, id int, modifyAll bool) ([]model.Booking, error) {
	if actor == nil {
		return nil, fmt.Errorf("%w: no user", ErrPermission)
	}
	sel, err := s.selectSeries(ctx, id, modifyAll)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(sel.modify))
	for _, b := range sel.modify {
		if err := s.CheckCancellation(ctx, actor, b); err != nil {
			return nil, err
		}
		ids = append(ids, b.ID)
	}
	if err := s.store.SaveBookings(ctx, nil, sel.detached, ids); err != nil {
		return nil, err
	}
	return deref(sel.modify), nil
}

// CheckCancellation reports whether actor may still modify or delete b.
// Managers always can; other users only until latest_cancellation hours
// before the start.
func (s *Service) CheckCancellation(ctx context.Context, actor *model.User, b *model.Booking) error {
	if actor.IsManager() {
		return nil
	}
	r, err := s.store.GetResource(ctx, b.ResourceID)
	if err != nil {
		return err
	}
	latest := r.LatestCancellation()
	if b.Start.Add(-time.Duration(latest) * time.Hour).Before(s.now()) {
		return fmt.Errorf("%w: This booking can not be updated/deleted. Should be %d hours in advance", ErrCancellation, latest)
	}
	return nil
}

// Range returns the bookings that start or end inside [start, end] or span
// it completely, ordered by start. resourceID 0 means every resource.
func (s *Service) Range(ctx context.Context, start, end time.Time, resourceID int) ([]model.Booking, error) {
	candidates, err := s.store.BookingsInRange(ctx, start, end, resourceID)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, b := range candidates {
		if InRange(&b, start, end) {
			out = append(out, b)
		}
	}
	return out, nil
}

// InRange is the exact range predicate used by Range.
func InRange(b *model.Booking, start, end time.Time) bool {
	s, e := b.Start, b.End
	return (!s.Before(start) && !s.After(end)) ||
		(!e.Before(start) && !e.After(end)) ||
		(!s.After(start) && !e.Before(end))
}

func deref(bs []*model.Booking) []model.Booking {
	out := make([]model.Booking, 0, len(bs))
	for _, b := range bs {
		out = append(out, *b)
	}
	return out
}

func describe(bs []*model.Booking) string {
	parts := make([]string, 0, len(bs))
	for _, b := range bs {
		parts = append(parts, b.String())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
