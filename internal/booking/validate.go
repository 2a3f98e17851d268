// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package booking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/model"
)

// Validate checks b against the resource rules, overlaps, slot permissions
// and application quotas. On success b.ApplicationID holds the application
// the booking is charged to (nil when none applies).
func (s *Service) Validate(ctx context.Context, actor *model.User, b *model.Booking, opts Options) error {
	return s.validate(ctx, actor, b, opts, nil, nil)
}

// validate runs the checks. batch holds bookings already accepted in the same
// operation; skip holds ids whose stored rows are being rewritten by it.
func (s *Service) validate(ctx context.Context, actor *model.User, b *model.Booking, opts Options, batch []*model.Booking, skip map[int]bool) error {
	if actor == nil {
		return fmt.Errorf("%w: no user", ErrPermission)
	}
	if !b.End.After(b.Start) {
		return fmt.Errorf("%w: The booking 'end' should be after the 'start'", ErrValidation)
	}

	r, err := s.store.GetResource(ctx, b.ResourceID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: resource %d does not exist", ErrValidation, b.ResourceID)
		}
		return err
	}

	if !actor.IsManager() {
		if !r.IsActive() {
			return fmt.Errorf("%w: Selected resource is inactive now", ErrValidation)
		}
		if dateOf(b.Start).Before(dateOf(s.now())) {
			return fmt.Errorf("%w: The booking 'start' can not be in the past", ErrValidation)
		}
		if lo := r.MinBooking(); opts.CheckMinBooking && lo > 0 && b.Duration() < hours(lo) {
			return fmt.Errorf("%w: The duration of the booking is less than the minimum specified for the resource", ErrValidation)
		}
		if hi := r.MaxBooking(); opts.CheckMaxBooking && b.Type == model.TypeBooking && hi > 0 && b.Duration() > hours(hi) {
			return fmt.Errorf("%w: The duration of the booking is greater than the maximum allowed for the resource", ErrValidation)
		}
	}

	overlap, err := s.overlapping(ctx, b, batch, skip)
	if err != nil {
		return err
	}

	b.ApplicationID = nil
	// Slots can be laid over anything.
	if b.IsSlot() {
		return nil
	}
	if conflicts := nonSlots(overlap); len(conflicts) > 0 {
		return fmt.Errorf("%w: Booking is overlapping with other events: %s", ErrValidation, describe(conflicts))
	}
	// Downtimes are never charged to an application.
	if b.Type == model.TypeDowntime {
		return nil
	}
	slots := slotsOf(overlap)

	owner, err := s.store.GetUser(ctx, b.OwnerID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: owner %d does not exist", ErrValidation, b.OwnerID)
		}
		return err
	}
	if owner.IsManager() {
		return nil
	}

	apps, err := s.activeApplications(ctx, owner)
	if err != nil {
		return err
	}
	if len(apps) == 0 && r.RequiresApplication() {
		return fmt.Errorf("%w: User %s has no active application", ErrPermission, owner.Name)
	}

	app := findApplication(apps, slots, r.ID)
	if app == nil && actor.IsManager() && len(apps) > 0 {
		app = &apps[0]
	}

	if app == nil && !actor.IsManager() && r.RequiresSlot() {
		actorApps, err := s.activeApplications(ctx, actor)
		if err != nil {
			return err
		}
		codes := make([]string, 0, len(actorApps))
		for _, a := range actorApps {
			codes = append(codes, a.Code)
		}
		canBook := false
		for _, slot := range slots {
			if slot.AllowsUserInSlot(actor, codes) {
				canBook = true
				break
			}
		}
		if !canBook {
			return fmt.Errorf("%w: You do not have permission to book outside slots for this resource or have not access to the given slot", ErrPermission)
		}
	}

	if app == nil {
		return nil
	}
	id := app.ID
	b.ApplicationID = &id
	return s.checkQuota(ctx, app, r, b, batch, skip)
}

// overlapping returns the stored and pending bookings of the same resource
// that overlap b, excluding b itself.
func (s *Service) overlapping(ctx context.Context, b *model.Booking, batch []*model.Booking, skip map[int]bool) ([]*model.Booking, error) {
	stored, err := s.store.BookingsInRange(ctx, b.Start, b.End, b.ResourceID)
	if err != nil {
		return nil, err
	}
	var out []*model.Booking
	for i := range stored {
		o := &stored[i]
		if (b.ID != 0 && o.ID == b.ID) || skip[o.ID] {
			continue
		}
		if o.Overlaps(b) {
			out = append(out, o)
		}
	}
	for _, o := range batch {
		if o != b && o.ResourceID == b.ResourceID && o.Overlaps(b) {
			out = append(out, o)
		}
	}
	return out, nil
}

// activeApplications returns the active applications of the user's lab.
func (s *Service) activeApplications(ctx context.Context, u *model.User) ([]model.Application, error) {
	pi := u.PIRef()
	if pi == nil {
		return nil, nil
	}
	all, err := s.store.ApplicationsForPI(ctx, *pi)
	if err != nil {
		return nil, err
	}
	var out []model.Application
	for _, a := range all {
		if a.IsActive() {
			out = append(out, a)
		}
	}
	return out, nil
}

// findApplication picks the first application listed by an overlapping slot,
// falling back to the first one allowed to book resourceID without slots.
func findApplication(apps []model.Application, slots []*model.Booking, resourceID int) *model.Application {
	for _, slot := range slots {
		for i := range apps {
			if slot.ApplicationInSlot(apps[i].Code) {
				return &apps[i]
			}
		}
	}
	for i := range apps {
		if apps[i].NoSlot(resourceID) {
			return &apps[i]
		}
	}
	return nil
}

func (s *Service) checkQuota(ctx context.Context, app *model.Application, r *model.Resource, b *model.Booking, batch []*model.Booking, skip map[int]bool) error {
	tags := r.TagList()
	exclude := map[int]bool{}
	for id := range skip {
		exclude[id] = true
	}
	if b.ID != 0 {
		exclude[b.ID] = true
	}
	var pending []*model.Booking
	for _, o := range batch {
		if o != b {
			pending = append(pending, o)
		}
	}
	counts, err := s.countDays(ctx, []int{app.ID}, tags, exclude, pending)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		quota := app.Quota(tag)
		if quota > 0 && counts[app.ID][tag]+b.Days() > quota {
			return fmt.Errorf("%w: Exceeded number of allocated days for application %s on resource tag '%s'", ErrValidation, app.Code, tag)
		}
	}
	return nil
}

// CountBookingDays sums the booked days of every application in appIDs on
// resources carrying each of tags.
func (s *Service) CountBookingDays(ctx context.Context, appIDs []int, tags []string) (map[int]map[string]int, error) {
	return s.countDays(ctx, appIDs, tags, nil, nil)
}

func (s *Service) countDays(ctx context.Context, appIDs []int, tags []string, exclude map[int]bool, pending []*model.Booking) (map[int]map[string]int, error) {
	counts := make(map[int]map[string]int, len(appIDs))
	if len(appIDs) == 0 {
		return counts, nil
	}
	ids := make([]any, 0, len(appIDs))
	for _, id := range appIDs {
		counts[id] = map[string]int{}
		ids = append(ids, id)
	}
	resources, err := s.store.ListResources(ctx, db.Query{})
	if err != nil {
		return nil, err
	}
	byID := make(map[int]*model.Resource, len(resources))
	for i := range resources {
		byID[resources[i].ID] = &resources[i]
	}
	stored, err := s.store.ListBookings(ctx, db.Query{Conditions: []db.Cond{{Column: "application_id", Op: "in", Value: ids}}})
	if err != nil {
		return nil, err
	}
	add := func(b *model.Booking) {
		if b.ApplicationID == nil {
			return
		}
		perTag, ok := counts[*b.ApplicationID]
		if !ok {
			return
		}
		r := byID[b.ResourceID]
		if r == nil {
			return
		}
		for _, tag := range tags {
			if r.HasTag(tag) {
				perTag[tag] += b.Days()
			}
		}
	}
	for i := range stored {
		if !exclude[stored[i].ID] {
			add(&stored[i])
		}
	}
	for _, b := range pending {
		add(b)
	}
	return counts, nil
}

func nonSlots(bs []*model.Booking) []*model.Booking {
	var out []*model.Booking
	for _, b := range bs {
		if !b.IsSlot() {
			out = append(out, b)
		}
	}
	return out
}

func slotsOf(bs []*model.Booking) []*model.Booking {
	var out []*model.Booking
	for _, b := range bs {
		if b.IsSlot() {
			out = append(out, b)
		}
	}
	return out
}

func dateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func hours(h float64) time.Duration {
	return time.Duration(math.Round(h*60)) * time.Minute
}

// Message strips the sentinel prefix from a booking error, leaving the text
// meant for users.
func Message(err error) string {
	msg := err.Error()
	for _, sentinel := range []error{ErrValidation, ErrPermission, ErrCancellation} {
		if errors.Is(err, sentinel) {
			return strings.TrimPrefix(msg, sentinel.Error()+": ")
		}
	}
	return msg
}
