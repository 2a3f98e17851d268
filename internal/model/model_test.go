// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func intPtr(v int) *int { return &v }

func TestUserRoles(t *testing.T) {
	dev := &User{Roles: []string{RoleDeveloper}}
	if !dev.IsAdmin() || !dev.IsManager() {
		t.Errorf("developer should count as admin and manager")
	}
	mgr := &User{Roles: []string{RoleManager}}
	if mgr.IsAdmin() {
		t.Errorf("manager must not be admin")
	}
	if !mgr.IsManager() {
		t.Errorf("manager role not detected")
	}
	var nobody *User
	if nobody.IsManager() || nobody.IsPI() {
		t.Errorf("nil user should have no roles")
	}
}

func TestUserPIRefAndSamePI(t *testing.T) {
	pi := &User{ID: 3, Roles: []string{RolePI}}
	member := &User{ID: 7, Roles: []string{RoleUser}, PIID: intPtr(3)}
	other := &User{ID: 8, Roles: []string{RoleUser}, PIID: intPtr(4)}
	orphan := &User{ID: 9, Roles: []string{RoleUser}}

	if got := pi.PIRef(); got == nil || *got != 3 {
		t.Fatalf("PI should be its own PI, got %v", got)
	}
	if !member.SamePI(pi) {
		t.Errorf("member and PI should share a lab")
	}
	if member.SamePI(other) {
		t.Errorf("different labs reported as same")
	}
	if orphan.SamePI(orphan) {
		t.Errorf("users without PI never share a lab")
	}
}

func TestUserPassword(t *testing.T) {
	u := &User{}
	if err := u.SetPassword("s3cret"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if !u.CheckPassword("s3cret") {
		t.Errorf("expected password to match")
	}
	if u.CheckPassword("wrong") {
		t.Errorf("wrong password accepted")
	}
	if err := u.SetPassword(""); err == nil {
		t.Errorf("empty password should be rejected")
	}
}

func TestResourceExtras(t *testing.T) {
	r := &Resource{Status: ResourceActive, Tags: "microscope krios", Extra: Extra{
		ExtraRequiresSlot:       true,
		ExtraLatestCancellation: float64(48),
		ExtraMinBooking:         "8",
		ExtraDailyCost:          float64(1500),
	}}
	if !r.IsMicroscope() || !r.HasTag("krios") || r.HasTag("talos") {
		t.Errorf("unexpected tag handling for %q", r.Tags)
	}
	if !r.RequiresSlot() {
		t.Errorf("requires_slot not read")
	}
	if got := r.LatestCancellation(); got != 48 {
		t.Errorf("latest_cancellation = %d", got)
	}
	if got := r.MinBooking(); got != 8 {
		t.Errorf("min_booking = %v", got)
	}
	if got := r.MaxBooking(); got != 0 {
		t.Errorf("max_booking default = %v", got)
	}
	if !r.RequiresApplication() {
		t.Errorf("requires_application defaults to true")
	}
	if !r.DailyCost().Equal(decimal.NewFromInt(1500)) {
		t.Errorf("daily_cost = %s", r.DailyCost())
	}
}

func TestApplicationHelpers(t *testing.T) {
	a := &Application{
		CreatorID: 1,
		Users:     []int{1, 2, 5},
		ResourceAllocation: ResourceAllocation{
			Quota:  map[string]int{"krios": 10},
			NoSlot: []int{4},
		},
	}
	if got := a.PIList(); len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 5 {
		t.Errorf("PIList = %v", got)
	}
	if a.Quota("krios") != 10 || a.Quota("talos") != 0 {
		t.Errorf("unexpected quota values")
	}
	if !a.NoSlot(4) || a.NoSlot(1) {
		t.Errorf("unexpected noslot values")
	}
}

func TestBookingDaysAndCost(t *testing.T) {
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	b := &Booking{Start: start, End: start.Add(2*24*time.Hour + 2*time.Hour)}
	if got := b.Days(); got != 3 {
		t.Fatalf("Days = %d, want 3", got)
	}
	same := &Booking{Start: start, End: start.Add(time.Hour)}
	if got := same.Days(); got != 1 {
		t.Fatalf("single day booking Days = %d", got)
	}

	b.SetCosts([]Cost{
		{Date: "2024-03-04", Comment: "grids", Amount: "250"},
		{Date: "2024-03-05", Comment: "note", Amount: "n/a"},
	})
	if got := len(b.Costs()); got != 2 {
		t.Fatalf("expected 2 costs, got %d", got)
	}
	total := b.TotalCost(decimal.NewFromInt(100))
	if !total.Equal(decimal.NewFromInt(550)) {
		t.Errorf("TotalCost = %s, want 550", total)
	}
}

func TestSlotAuthorization(t *testing.T) {
	slot := &Booking{Type: TypeSlot, SlotAuth: SlotAuth{Applications: []string{"CEM00297"}, Users: []int{42}}}
	user := &User{ID: 7, Roles: []string{RoleUser}}

	if slot.AllowsUserInSlot(user, nil) {
		t.Errorf("user without application should not be allowed")
	}
	if !slot.AllowsUserInSlot(user, []string{"CEM00297"}) {
		t.Errorf("user with listed application should be allowed")
	}
	if !slot.AllowsUserInSlot(&User{ID: 42}, nil) {
		t.Errorf("explicitly listed user should be allowed")
	}
	if !slot.AllowsUserInSlot(&User{ID: 1, Roles: []string{RoleManager}}, nil) {
		t.Errorf("managers are always allowed")
	}
	open := &Booking{Type: TypeSlot, SlotAuth: SlotAuth{Applications: []string{AnyApplication}}}
	if !open.AllowsUserInSlot(user, nil) {
		t.Errorf("'any' slot should allow everybody")
	}
	regular := &Booking{Type: TypeBooking, SlotAuth: slot.SlotAuth}
	if regular.AllowsUserInSlot(user, []string{"CEM00297"}) || regular.ApplicationInSlot("CEM00297") {
		t.Errorf("non-slot bookings never authorize")
	}
}
