// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package content builds the views served by the API: calendar events for
// bookings and the plots of a session's processing data.
package content

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/logging"
	"github.com/3dem/emhub/internal/model"
)

// Ref is a short reference to a related object.
type Ref struct {
	ID   *int   `json:"id"`
	Name string `json:"name"`
}

func refOf(u *model.User) Ref {
	if u == nil {
		return Ref{}
	}
	id := u.ID
	return Ref{ID: &id, Name: u.Name}
}

// ResourceRef describes the booked resource.
type ResourceRef struct {
	ID           *int   `json:"id"`
	Name         string `json:"name"`
	IsMicroscope bool   `json:"is_microscope"`
}

// Event is the calendar representation of a booking.
type Event struct {
	ID               int             `json:"id"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	DescriptionHTML  string          `json:"description_html"`
	Start            time.Time       `json:"start"`
	End              time.Time       `json:"end"`
	Color            string          `json:"color"`
	TextColor        string          `json:"textColor"`
	Resource         ResourceRef     `json:"resource"`
	Creator          Ref             `json:"creator"`
	Owner            Ref             `json:"owner"`
	Operator         Ref             `json:"operator"`
	Type             string          `json:"type"`
	BookingTitle     string          `json:"booking_title"`
	UserCanBook      bool            `json:"user_can_book"`
	UserCanView      bool            `json:"user_can_view"`
	UserCanModify    bool            `json:"user_can_modify"`
	SlotAuth         model.SlotAuth  `json:"slot_auth"`
	RepeatID         *string         `json:"repeat_id"`
	RepeatValue      string          `json:"repeat_value"`
	Days             int             `json:"days"`
	Experiment       model.Extra     `json:"experiment"`
	ApplicationLabel string          `json:"application_label"`
	Costs            []model.Cost    `json:"costs"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	PrettyStart      string          `json:"pretty_start,omitempty"`
	PrettyEnd        string          `json:"pretty_end,omitempty"`
	PIID             *int            `json:"pi_id,omitempty"`
	PIName           string          `json:"pi_name,omitempty"`
	AppID            *int            `json:"app_id,omitempty"`
}

// EventOptions adds optional fields to an Event.
type EventOptions struct {
	PrettyDate bool
	PIApp      bool
}

// Related holds the objects a booking refers to. Missing ones stay nil.
type Related struct {
	Resource    *model.Resource
	Creator     *model.User
	Owner       *model.User
	Operator    *model.User
	PI          *model.User
	Application *model.Application
	// ViewerAppCodes are the codes of the viewer's active applications.
	ViewerAppCodes []string
}

// PrettyTime formats t for humans, e.g. "Mon 02 Mar 2026, 09:00".
func PrettyTime(t time.Time) string {
	return t.Format("Mon 02 Jan 2006, 15:04")
}

// BookingToEvent converts b into a calendar event as seen by viewer.
// The viewer may modify the booking when they are a manager, the owner, the
// owner's PI or the creator of the booking application. They may see its
// details when they can modify it or share the owner's PI.
func BookingToEvent(viewer *model.User, b *model.Booking, rel Related, opts EventOptions) Event {
	owner := rel.Owner
	if owner == nil {
		owner = &model.User{ID: b.OwnerID}
	}
	e := Event{
		ID:           b.ID,
		Description:  b.Description,
		Start:        b.Start,
		End:          b.End,
		Color:        "grey",
		TextColor:    "white",
		Creator:      refOf(rel.Creator),
		Owner:        refOf(owner),
		Operator:     refOf(rel.Operator),
		Type:         b.Type,
		BookingTitle: b.Title,
		SlotAuth:     b.SlotAuth,
		RepeatID:     b.RepeatID,
		RepeatValue:  b.RepeatValue,
		Days:         b.Days(),
		Experiment:   b.Experiment,
		Costs:        b.Costs(),

		ApplicationLabel: "None",
	}

	resName := ""
	daily := decimal.Zero
	if r := rel.Resource; r != nil {
		id := r.ID
		e.Resource = ResourceRef{ID: &id, Name: r.Name, IsMicroscope: r.IsMicroscope()}
		if r.Color != "" {
			e.Color = r.Color
		}
		resName = r.Name
		daily = r.DailyCost()
	}
	e.TotalCost = b.TotalCost(daily)

	canModify := []int{owner.ID}
	if rel.Application != nil {
		canModify = append(canModify, rel.Application.CreatorID)
	}
	if rel.PI != nil {
		canModify = append(canModify, rel.PI.ID)
	}
	e.UserCanModify = viewer.IsManager() || slices.Contains(canModify, viewer.ID)
	e.UserCanView = e.UserCanModify || viewer.SamePI(owner)

	switch b.Type {
	case model.TypeDowntime:
		e.Color = "red"
		e.Title = fmt.Sprintf("%s (DOWNTIME): %s", resName, b.Title)
	case model.TypeSlot:
		e.Color = strings.Replace(e.Color, "1.0", "0.5", 1)
		e.Title = fmt.Sprintf("%s (SLOT): %s", resName, strings.Join(b.SlotAuth.Applications, ", "))
		e.UserCanBook = b.AllowsUserInSlot(viewer, rel.ViewerAppCodes)
	default:
		extra := owner.Name
		if rel.Application != nil {
			extra += ", " + rel.Application.Code
		}
		if e.UserCanView {
			e.Title = fmt.Sprintf("%s (%s) %s", resName, extra, b.Title)
			if a := rel.Application; a != nil {
				e.ApplicationLabel = a.Code
				if a.Alias != "" {
					e.ApplicationLabel += "  (" + a.Alias + ")"
				}
			}
		} else {
			e.Title = fmt.Sprintf("%s (%s)", resName, extra)
			e.BookingTitle = "Hidden title"
			e.Description = "Hidden description"
		}
	}

	if html, err := RenderMarkdown(e.Description); err != nil {
		logging.Warnf("booking %d: rendering description: %v", b.ID, err)
	} else {
		e.DescriptionHTML = html
	}

	if opts.PrettyDate {
		e.PrettyStart = PrettyTime(b.Start)
		e.PrettyEnd = PrettyTime(b.End)
	}
	if opts.PIApp {
		if rel.PI != nil {
			id := rel.PI.ID
			e.PIID = &id
			e.PIName = rel.PI.Name
		}
		if rel.Application != nil {
			id := rel.Application.ID
			e.AppID = &id
		}
	}
	return e
}

// Loader resolves the objects related to bookings, caching lookups for the
// lifetime of one request.
type Loader struct {
	store     db.Store
	users     map[int]*model.User
	resources map[int]*model.Resource
	apps      map[int]*model.Application
	codes     map[int][]string
}

// NewLoader returns a Loader reading from store.
func NewLoader(store db.Store) *Loader {
	return &Loader{
		store:     store,
		users:     map[int]*model.User{},
		resources: map[int]*model.Resource{},
		apps:      map[int]*model.Application{},
		codes:     map[int][]string{},
	}
}

// User returns the user with id, or nil when it does not exist.
func (l *Loader) User(ctx context.Context, id int) (*model.User, error) {
	if u, ok := l.users[id]; ok {
		return u, nil
	}
	u, err := l.store.GetUser(ctx, id)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	l.users[id] = u
	return u, nil
}

// Resource returns the resource with id, or nil when it does not exist.
func (l *Loader) Resource(ctx context.Context, id int) (*model.Resource, error) {
	if r, ok := l.resources[id]; ok {
		return r, nil
	}
	r, err := l.store.GetResource(ctx, id)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	l.resources[id] = r
	return r, nil
}

// Application returns the application with id, or nil when it does not exist.
func (l *Loader) Application(ctx context.Context, id int) (*model.Application, error) {
	if a, ok := l.apps[id]; ok {
		return a, nil
	}
	a, err := l.store.GetApplication(ctx, id)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	l.apps[id] = a
	return a, nil
}

// PI returns the PI of u (u itself for PIs), or nil.
func (l *Loader) PI(ctx context.Context, u *model.User) (*model.User, error) {
	ref := u.PIRef()
	if ref == nil {
		return nil, nil
	}
	if *ref == u.ID {
		return u, nil
	}
	return l.User(ctx, *ref)
}

// ActiveCodes returns the codes of the active applications of u's lab.
func (l *Loader) ActiveCodes(ctx context.Context, u *model.User) ([]string, error) {
	if codes, ok := l.codes[u.ID]; ok {
		return codes, nil
	}
	var codes []string
	if ref := u.PIRef(); ref != nil {
		apps, err := l.store.ApplicationsForPI(ctx, *ref)
		if err != nil {
			return nil, err
		}
		for _, a := range apps {
			if a.IsActive() {
				codes = append(codes, a.Code)
			}
		}
	}
	l.codes[u.ID] = codes
	return codes, nil
}

// Related loads everything BookingToEvent needs for b.
func (l *Loader) Related(ctx context.Context, viewer *model.User, b *model.Booking) (Related, error) {
	var (
		rel Related
		err error
	)
	if rel.Resource, err = l.Resource(ctx, b.ResourceID); err != nil {
		return rel, err
	}
	if rel.Creator, err = l.User(ctx, b.CreatorID); err != nil {
		return rel, err
	}
	if rel.Owner, err = l.User(ctx, b.OwnerID); err != nil {
		return rel, err
	}
	if b.OperatorID != nil {
		if rel.Operator, err = l.User(ctx, *b.OperatorID); err != nil {
			return rel, err
		}
	}
	if rel.Owner != nil {
		if rel.PI, err = l.PI(ctx, rel.Owner); err != nil {
			return rel, err
		}
	}
	if b.ApplicationID != nil {
		if rel.Application, err = l.Application(ctx, *b.ApplicationID); err != nil {
			return rel, err
		}
	}
	if b.IsSlot() && viewer != nil {
		if rel.ViewerAppCodes, err = l.ActiveCodes(ctx, viewer); err != nil {
			return rel, err
		}
	}
	return rel, nil
}

// Event loads the related objects of b and converts it.
func (l *Loader) Event(ctx context.Context, viewer *model.User, b *model.Booking, opts EventOptions) (Event, error) {
	rel, err := l.Related(ctx, viewer, b)
	if err != nil {
		return Event{}, err
	}
	return BookingToEvent(viewer, b, rel, opts), nil
}

// Events converts a list of bookings.
func (l *Loader) Events(ctx context.Context, viewer *model.User, bs []model.Booking, opts EventOptions) ([]Event, error) {
	out := make([]Event, 0, len(bs))
	for i := range bs {
		e, err := l.Event(ctx, viewer, &bs[i], opts)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound)
}
