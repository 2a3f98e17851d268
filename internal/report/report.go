// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package report computes the billing reports: chargeable bookings of a
// period, invoices grouped by application and PI, and the per-PI ledger.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/3dem/emhub/internal/booking"
	"github.com/3dem/emhub/internal/content"
	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/logging"
	"github.com/3dem/emhub/internal/model"
)

// ErrAccess is returned when the viewer may not see a PI's billing.
var ErrAccess = errors.New("You do not have access to this information")

// PeriodDisabled marks invoice periods left out of the ledger.
const PeriodDisabled = "disabled"

// Ledger entry types.
const (
	EntryBooking     = "booking"
	EntryTransaction = "transaction"
	EntrySummary     = "summary"
)

// Range is a closed time interval.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Quarter returns the calendar quarter containing t, ending at its last
// second.
func Quarter(t time.Time) Range {
	first := time.Month((int(t.Month())-1)/3*3 + 1)
	start := time.Date(t.Year(), first, 1, 0, 0, 0, 0, t.Location())
	return Range{Start: start, End: start.AddDate(0, 3, 0).Add(-time.Second)}
}

// PeriodLabel names an invoice period, "2026 Q1" when it matches a quarter.
func PeriodLabel(start, end time.Time) string {
	q := Quarter(start)
	if q.Start.Equal(start) && DateOf(end).Equal(DateOf(q.End)) {
		return fmt.Sprintf("%d Q%d", start.Year(), (int(start.Month())-1)/3+1)
	}
	return start.Format("2006/01/02") + " - " + end.Format("2006/01/02")
}

// DateOf truncates t to midnight.
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Service builds reports from a store.
type Service struct {
	store db.Store
	now   func() time.Time
}

// NewService returns a Service over store.
func NewService(store db.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// WithClock replaces the clock used for default ranges and the ledger.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// BookingsInRange returns the chargeable bookings touching r: non-slot
// bookings on resources with a daily cost. A zero range means the current
// quarter.
func (s *Service) BookingsInRange(ctx context.Context, r Range) ([]model.Booking, Range, error) {
	if r.Start.IsZero() || r.End.IsZero() {
		r = Quarter(s.now())
	}
	bs, err := booking.NewService(s.store).Range(ctx, r.Start, r.End, 0)
	if err != nil {
		return nil, r, err
	}
	loader := content.NewLoader(s.store)
	out := bs[:0]
	for _, b := range bs {
		ok, err := chargeable(ctx, loader, &b)
		if err != nil {
			return nil, r, err
		}
		if ok {
			out = append(out, b)
		}
	}
	return out, r, nil
}

func chargeable(ctx context.Context, loader *content.Loader, b *model.Booking) (bool, error) {
	if b.IsSlot() {
		return false, nil
	}
	res, err := loader.Resource(ctx, b.ResourceID)
	if err != nil || res == nil {
		return false, err
	}
	return res.DailyCost().IsPositive(), nil
}

// PIInfo accumulates the bookings charged to one PI.
type PIInfo struct {
	PIName   string          `json:"pi_name"`
	PIEmail  string          `json:"pi_email"`
	Bookings []content.Event `json:"bookings"`
	SumDays  int             `json:"sum_days"`
	SumCost  decimal.Decimal `json:"sum_cost"`
}

func (p *PIInfo) add(e content.Event) {
	p.Bookings = append(p.Bookings, e)
	p.SumDays += e.Days
	p.SumCost = p.SumCost.Add(e.TotalCost)
}

// Invoices groups chargeable bookings by application code and PI, and by PI
// alone.
type Invoices struct {
	Range
	Apps map[string]map[int]*PIInfo `json:"apps_dict"`
	PIs  map[int]*PIInfo            `json:"pi_dict"`
}

// Invoices computes the invoices of r as seen by viewer.
func (s *Service) Invoices(ctx context.Context, viewer *model.User, r Range) (*Invoices, error) {
	bs, r, err := s.BookingsInRange(ctx, r)
	if err != nil {
		return nil, err
	}
	apps, err := s.store.ListApplications(ctx, db.Query{})
	if err != nil {
		return nil, err
	}
	loader := content.NewLoader(s.store)
	inv := &Invoices{Range: r, Apps: map[string]map[int]*PIInfo{}, PIs: map[int]*PIInfo{}}

	for _, a := range apps {
		byPI := map[int]*PIInfo{}
		for _, id := range a.PIList() {
			pi, err := loader.User(ctx, id)
			if err != nil {
				return nil, err
			}
			if pi == nil {
				continue
			}
			byPI[id] = &PIInfo{PIName: pi.Name, PIEmail: pi.Email, Bookings: []content.Event{}}
			inv.PIs[id] = &PIInfo{PIName: pi.Name, PIEmail: pi.Email, Bookings: []content.Event{}}
		}
		inv.Apps[a.Code] = byPI
	}

	for i := range bs {
		b := &bs[i]
		if b.ApplicationID == nil {
			continue
		}
		rel, err := loader.Related(ctx, viewer, b)
		if err != nil {
			return nil, err
		}
		if rel.Application == nil {
			continue
		}
		code := rel.Application.Code
		byPI, ok := inv.Apps[code]
		if !ok {
			logging.Warnf("invoices: missing application %s", code)
			continue
		}
		if rel.PI == nil {
			logging.Warnf("invoices: booking %d owner has no PI", b.ID)
			continue
		}
		info, ok := byPI[rel.PI.ID]
		if !ok {
			logging.Warnf("invoices: PI %d is not listed in application %s", rel.PI.ID, code)
			continue
		}
		e := content.BookingToEvent(viewer, b, rel, content.EventOptions{PrettyDate: true, PIApp: true})
		if e.TotalCost.IsZero() {
			logging.Warnf("invoices: booking %d has zero cost", b.ID)
		}
		info.add(e)
		inv.PIs[rel.PI.ID].add(e)
	}
	return inv, nil
}

// PIAccess reports whether viewer may see the billing of pi: managers
// always, PIs when they share an application with pi. With ownOnly set a
// PI only sees themselves.
func (s *Service) PIAccess(ctx context.Context, viewer, pi *model.User, ownOnly bool) (bool, error) {
	if viewer.IsManager() {
		return true, nil
	}
	if !viewer.IsPI() {
		return false, nil
	}
	if viewer.ID == pi.ID {
		return true, nil
	}
	if ownOnly {
		return false, nil
	}
	mine, err := s.store.ApplicationsForPI(ctx, viewer.ID)
	if err != nil {
		return false, err
	}
	theirs, err := s.store.ApplicationsForPI(ctx, pi.ID)
	if err != nil {
		return false, err
	}
	ids := make(map[int]bool, len(mine))
	for _, a := range mine {
		ids[a.ID] = true
	}
	for _, a := range theirs {
		if ids[a.ID] {
			return true, nil
		}
	}
	return false, nil
}

// LedgerEntry is one line of a PI's account.
type LedgerEntry struct {
	ID     int             `json:"id"`
	Title  string          `json:"title"`
	Date   time.Time       `json:"date"`
	Amount decimal.Decimal `json:"amount"`
	Type   string          `json:"type"`
}

// Ledger lists a PI's charges, transactions and period summaries.
type Ledger struct {
	PI      *model.User     `json:"pi"`
	Entries []LedgerEntry   `json:"entries"`
	Total   decimal.Decimal `json:"total"`
}

// InvoicesPerPI builds the ledger of piID: past chargeable bookings of the
// PI's lab, the PI's transactions and one summary per enabled invoice
// period. Summaries carry the running total since the last positive
// summary, which resets it.
func (s *Service) InvoicesPerPI(ctx context.Context, viewer *model.User, piID int) (*Ledger, error) {
	pi, err := s.store.GetUser(ctx, piID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("Invalid user id: %d: %w", piID, err)
		}
		return nil, err
	}
	ok, err := s.PIAccess(ctx, viewer, pi, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccess
	}

	now := s.now()
	loader := content.NewLoader(s.store)
	var entries []LedgerEntry

	bs, err := s.store.ListBookings(ctx, db.Query{Conditions: []db.Cond{{Column: "start", Op: "<=", Value: now.UTC()}}})
	if err != nil {
		return nil, err
	}
	for i := range bs {
		b := &bs[i]
		ok, err := chargeable(ctx, loader, b)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rel, err := loader.Related(ctx, viewer, b)
		if err != nil {
			return nil, err
		}
		if rel.PI == nil || rel.PI.ID != pi.ID {
			continue
		}
		e := content.BookingToEvent(viewer, b, rel, content.EventOptions{})
		entries = append(entries, LedgerEntry{ID: b.ID, Title: e.Title, Date: b.Start, Amount: e.TotalCost, Type: EntryBooking})
	}

	ts, err := s.store.ListTransactions(ctx, db.Where("user_id", pi.ID))
	if err != nil {
		return nil, err
	}
	for _, t := range ts {
		entries = append(entries, LedgerEntry{ID: t.ID, Title: t.Comment, Date: t.Date, Amount: t.Amount, Type: EntryTransaction})
	}

	periods, err := s.store.ListInvoicePeriods(ctx, db.Query{OrderBy: "start"})
	if err != nil {
		return nil, err
	}
	for _, p := range periods {
		if p.Status == PeriodDisabled {
			continue
		}
		entries = append(entries, LedgerEntry{ID: p.ID, Title: PeriodLabel(p.Start, p.End), Date: p.End, Amount: decimal.Zero, Type: EntrySummary})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Date.Before(entries[j].Date) })

	total := decimal.Zero
	for i := range entries {
		e := &entries[i]
		if e.Type != EntrySummary {
			total = total.Add(e.Amount)
			continue
		}
		e.Amount = total
		if total.IsPositive() {
			total = decimal.Zero
		}
	}
	if entries == nil {
		entries = []LedgerEntry{}
	}
	return &Ledger{PI: pi, Entries: entries, Total: total}, nil
}
