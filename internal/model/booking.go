// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Booking types.
const (
	TypeBooking  = "booking"
	TypeSlot     = "slot"
	TypeDowntime = "downtime"
)

// RepeatNone marks a booking that is not part of a series.
const RepeatNone = "no"

// AnyApplication in SlotAuth.Applications opens a slot to every application.
const AnyApplication = "any"

// SlotAuth lists who may book inside a slot.
type SlotAuth struct {
	Applications []string `json:"applications"`
	Users        []int    `json:"users"`
}

// Booking is a reservation of a resource. Slots reserve time for a set of
// applications or users; downtimes block the resource.
type Booking struct {
	ID            int       `json:"id"`
	Title         string    `json:"title"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Type          string    `json:"type"`
	SlotAuth      SlotAuth  `json:"slot_auth"`
	Description   string    `json:"description"`
	RepeatID      *string   `json:"repeat_id"`
	RepeatValue   string    `json:"repeat_value"`
	ResourceID    int       `json:"resource_id"`
	CreatorID     int       `json:"creator_id"`
	OwnerID       int       `json:"owner_id"`
	OperatorID    *int      `json:"operator_id"`
	ApplicationID *int      `json:"application_id"`
	Experiment    Extra     `json:"experiment"`
	Extra         Extra     `json:"extra"`
}

// Duration is End - Start.
func (b *Booking) Duration() time.Duration { return b.End.Sub(b.Start) }

// Days counts the calendar days touched by the booking, both ends included.
func (b *Booking) Days() int {
	return DaysBetween(b.Start, b.End)
}

// DaysBetween returns the inclusive number of calendar days from start to end.
func DaysBetween(start, end time.Time) int {
	s := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	e := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(s).Hours()/24) + 1
}

// IsSlot reports the slot type.
func (b *Booking) IsSlot() bool { return b.Type == TypeSlot }

// Overlaps reports whether b and other share any instant.
func (b *Booking) Overlaps(other *Booking) bool {
	return b.Start.Before(other.End) && other.Start.Before(b.End)
}

// ApplicationInSlot reports whether the slot explicitly lists code.
func (b *Booking) ApplicationInSlot(code string) bool {
	return b.IsSlot() && containsString(b.SlotAuth.Applications, code)
}

// AllowsUserInSlot reports whether user may book inside this slot. appCodes
// are the codes of the user's active applications.
func (b *Booking) AllowsUserInSlot(user *User, appCodes []string) bool {
	if !b.IsSlot() {
		return false
	}
	if user.IsManager() {
		return true
	}
	if containsInt(b.SlotAuth.Users, user.ID) || containsString(b.SlotAuth.Applications, AnyApplication) {
		return true
	}
	for _, code := range appCodes {
		if containsString(b.SlotAuth.Applications, code) {
			return true
		}
	}
	return false
}

// Cost is an extra charge attached to a booking.
type Cost struct {
	Date    string `json:"date"`
	Comment string `json:"comment"`
	Amount  string `json:"amount"`
}

// Costs returns the extra charges stored as [date, comment, amount] triples
// under the 'costs' extra key.
func (b *Booking) Costs() []Cost {
	raw, ok := b.Extra.Get("costs").([]any)
	if !ok {
		return nil
	}
	out := make([]Cost, 0, len(raw))
	for _, entry := range raw {
		parts, ok := entry.([]any)
		if !ok || len(parts) != 3 {
			continue
		}
		out = append(out, Cost{
			Date:    fmt.Sprint(parts[0]),
			Comment: fmt.Sprint(parts[1]),
			Amount:  fmt.Sprint(parts[2]),
		})
	}
	return out
}

// SetCosts stores the extra charges.
func (b *Booking) SetCosts(costs []Cost) {
	raw := make([]any, 0, len(costs))
	for _, c := range costs {
		raw = append(raw, []any{c.Date, c.Comment, c.Amount})
	}
	b.Extra = b.Extra.With("costs", raw)
}

// TotalCost returns days * dailyCost plus every extra charge. Amounts that
// are not numbers are ignored.
func (b *Booking) TotalCost(dailyCost decimal.Decimal) decimal.Decimal {
	total := dailyCost.Mul(decimal.NewFromInt(int64(b.Days())))
	for _, c := range b.Costs() {
		if amount, err := decimal.NewFromString(strings.TrimSpace(c.Amount)); err == nil {
			total = total.Add(amount)
		}
	}
	return total
}

// Clone returns a copy that does not share pointer fields with b.
func (b *Booking) Clone() *Booking {
	c := *b
	if b.RepeatID != nil {
		id := *b.RepeatID
		c.RepeatID = &id
	}
	if b.OperatorID != nil {
		id := *b.OperatorID
		c.OperatorID = &id
	}
	if b.ApplicationID != nil {
		id := *b.ApplicationID
		c.ApplicationID = &id
	}
	c.SlotAuth.Applications = append([]string(nil), b.SlotAuth.Applications...)
	c.SlotAuth.Users = append([]int(nil), b.SlotAuth.Users...)
	return &c
}

func (b *Booking) String() string {
	return fmt.Sprintf("<Booking %d: resource=%d, owner=%d, dates: %s - %s>",
		b.ID, b.ResourceID, b.OwnerID, b.Start.Format("2006/01/02"), b.End.Format("2006/01/02"))
}
