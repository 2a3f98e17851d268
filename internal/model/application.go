// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import "time"

// Template statuses.
const (
	TemplatePreparation = "preparation"
	TemplateActive      = "active"
	TemplateClosed      = "closed"
)

// Template is the form an Application was created from.
type Template struct {
	ID          int    `json:"id"`
	Status      string `json:"status"`
	Title       string `json:"title"`
	Description string `json:"description"`
	FormSchema  Extra  `json:"form_schema"`
	Extra       Extra  `json:"extra"`
}

// Application statuses.
const (
	AppPreparation = "preparation"
	AppReview      = "review"
	AppRejected    = "rejected"
	AppAccepted    = "accepted"
	AppActive      = "active"
	AppClosed      = "closed"
)

// ResourceAllocation limits how an Application uses the instruments.
// Quota maps a resource tag (e.g. "krios") to the maximum number of booked
// days; NoSlot lists resource ids the application may book outside slots.
type ResourceAllocation struct {
	Quota  map[string]int `json:"quota"`
	NoSlot []int          `json:"noslot"`
}

// Application is a project granted access to the facility. It is owned by
// the PI that created it and may include other PIs.
type Application struct {
	ID                 int                `json:"id"`
	Code               string             `json:"code"`
	Created            time.Time          `json:"created"`
	Alias              string             `json:"alias"`
	Status             string             `json:"status"`
	Title              string             `json:"title"`
	Description        string             `json:"description"`
	InvoiceReference   string             `json:"invoice_reference"`
	InvoiceAddress     string             `json:"invoice_address"`
	ResourceAllocation ResourceAllocation `json:"resource_allocation"`
	CreatorID          int                `json:"creator_id"`
	Users              []int              `json:"users"`
	TemplateID         int                `json:"template_id"`
	Extra              Extra              `json:"extra"`
}

// IsActive reports the active status.
func (a *Application) IsActive() bool { return a.Status == AppActive }

// Quota returns the allocated days for tag, 0 meaning unlimited.
func (a *Application) Quota(tag string) int {
	if a.ResourceAllocation.Quota == nil {
		return 0
	}
	return a.ResourceAllocation.Quota[tag]
}

// NoSlot reports whether the application may book resourceID without a slot.
func (a *Application) NoSlot(resourceID int) bool {
	return containsInt(a.ResourceAllocation.NoSlot, resourceID)
}

// PIList returns the creator followed by the other PIs, without duplicates.
func (a *Application) PIList() []int {
	out := []int{a.CreatorID}
	for _, id := range a.Users {
		if !containsInt(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// HasPI reports whether id is the creator or one of the application PIs.
func (a *Application) HasPI(id int) bool {
	return containsInt(a.PIList(), id)
}
