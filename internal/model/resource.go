// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Resource statuses.
const (
	ResourcePending  = "pending"
	ResourceActive   = "active"
	ResourceInactive = "inactive"
)

// Keys of Resource.Extra holding booking rules.
const (
	ExtraRequiresSlot        = "requires_slot"
	ExtraLatestCancellation  = "latest_cancellation"
	ExtraMinBooking          = "min_booking"
	ExtraMaxBooking          = "max_booking"
	ExtraRequiresApplication = "requires_application"
	ExtraDailyCost           = "daily_cost"
)

// Resource is a bookable instrument or service (microscopes, vitrification
// robots, drop-in sessions).
type Resource struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Tags   string `json:"tags"`
	Image  string `json:"image"`
	Color  string `json:"color"`
	Extra  Extra  `json:"extra"`
}

// TagList splits the space separated tags.
func (r *Resource) TagList() []string {
	return strings.Fields(r.Tags)
}

// HasTag reports whether tag is one of the resource tags.
func (r *Resource) HasTag(tag string) bool {
	return containsString(r.TagList(), tag)
}

// IsActive reports whether bookings can be made for the resource.
func (r *Resource) IsActive() bool { return r.Status == ResourceActive }

// IsMicroscope reports the 'microscope' tag.
func (r *Resource) IsMicroscope() bool { return r.HasTag("microscope") }

// RequiresSlot is true when users need a slot (or an application exception)
// to book this resource.
func (r *Resource) RequiresSlot() bool { return r.Extra.Bool(ExtraRequiresSlot, false) }

// LatestCancellation is the number of hours before the start after which a
// booking can no longer be changed by regular users. Zero disables the rule.
func (r *Resource) LatestCancellation() int { return r.Extra.Int(ExtraLatestCancellation, 0) }

// MinBooking is the minimum booking length in hours.
func (r *Resource) MinBooking() float64 { return r.Extra.Float(ExtraMinBooking, 0) }

// MaxBooking is the maximum booking length in hours.
func (r *Resource) MaxBooking() float64 { return r.Extra.Float(ExtraMaxBooking, 0) }

// RequiresApplication is true when bookings need an active application.
func (r *Resource) RequiresApplication() bool {
	return r.Extra.Bool(ExtraRequiresApplication, true)
}

// DailyCost is the price of one booked day.
func (r *Resource) DailyCost() decimal.Decimal {
	switch v := r.Extra.Get(ExtraDailyCost).(type) {
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
		return decimal.Zero
	default:
		return decimal.NewFromFloat(r.Extra.Float(ExtraDailyCost, 0))
	}
}

// SetExtra sets a booking rule, keeping other extras.
func (r *Resource) SetExtra(key string, value any) {
	r.Extra = r.Extra.With(key, value)
}
