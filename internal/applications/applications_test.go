// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package applications

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/model"
)

type fixture struct {
	store  db.Store
	svc    *Service
	owner  *model.User
	pi2    *model.User
	pi3    *model.User
	member *model.User
	app    *model.Application
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := db.NewStoreFromDSN("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewStoreFromDSN: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	mk := func(name string, roles ...string) *model.User {
		u := &model.User{Username: name, Email: name + "@example.org", Name: strings.ToUpper(name[:1]) + name[1:], Roles: roles}
		if err := s.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		return u
	}
	f := &fixture{store: s, svc: NewService(s)}
	f.owner = mk("owner", model.RolePI)
	f.pi2 = mk("pitwo", model.RolePI)
	f.pi3 = mk("pithree", model.RolePI)
	f.member = mk("member", model.RoleUser)

	f.app = &model.Application{Code: "CEM00001", Status: model.AppActive, CreatorID: f.owner.ID, Users: []int{f.pi2.ID}}
	if err := s.CreateApplication(ctx, f.app); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	return f
}

func TestUpdatePIs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Update(ctx, f.app, []int{f.pi3.ID}, []int{f.pi2.ID}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := f.store.GetApplication(ctx, f.app.ID)
	if err != nil {
		t.Fatalf("GetApplication: %v", err)
	}
	if !reflect.DeepEqual(got.Users, []int{f.pi3.ID}) {
		t.Fatalf("users = %v, want [%d]", got.Users, f.pi3.ID)
	}
}

func TestUpdatePIsCollectsErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := slices.Clone(f.app.Users)

	err := f.svc.UpdatePIs(ctx, f.app,
		[]int{f.pi2.ID, f.member.ID, 999, f.pi3.ID},
		[]int{f.pi3.ID, f.owner.ID})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	msg := err.Error()
	for _, want := range []string{
		"PI Pitwo is already in the Application",
		"is not a PI",
		"Invalid user id: 999",
		"PI Pithree is not in the Application",
		"PI Owner is the creator of the Application",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q should mention %q", msg, want)
		}
	}
	if !reflect.DeepEqual(f.app.Users, before) {
		t.Fatalf("users changed on error: %v", f.app.Users)
	}
}

const orderJSON = `{
  "identifier": "cem00042",
  "title": "Ribosome structure",
  "created": "2026-02-01T10:00:00Z",
  "status": "accepted",
  "owner": {"email": "OWNER@example.org"},
  "fields": {
    "project_des": "Cryo-EM of ribosomes",
    "project_invoice_addess": "INV-42",
    "pi_list": [["Pitwo", "pitwo@example.org"], ["Ghost", "ghost@example.org"], ["Owner", "owner@example.org"]]
  },
  "form": {"iuid": "abc123", "title": "National Access"}
}`

func TestImport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := ParseOrder([]byte(orderJSON))
	if err != nil {
		t.Fatalf("ParseOrder: %v", err)
	}
	app, err := f.svc.Import(ctx, o)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if app.Code != "CEM00042" || app.Status != model.AppActive || app.CreatorID != f.owner.ID {
		t.Fatalf("unexpected application %+v", app)
	}
	if app.InvoiceReference != "INV-42" || app.Created.Year() != 2026 {
		t.Fatalf("unexpected fields %+v", app)
	}
	if !reflect.DeepEqual(app.Users, []int{f.pi2.ID}) {
		t.Fatalf("users = %v", app.Users)
	}
	tmpl, err := f.store.GetTemplate(ctx, app.TemplateID)
	if err != nil || tmpl.Extra.String(ExtraPortalIUID, "") != "abc123" {
		t.Fatalf("template = %+v, %v", tmpl, err)
	}

	// A second order from the same form reuses the template.
	o.Identifier = "CEM00043"
	again, err := f.svc.Import(ctx, o)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if again.TemplateID != app.TemplateID {
		t.Fatalf("template not reused: %d != %d", again.TemplateID, app.TemplateID)
	}

	if _, err := f.svc.Import(ctx, o); !errors.Is(err, db.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestImportRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := ParseOrder([]byte(orderJSON))
	if err != nil {
		t.Fatalf("ParseOrder: %v", err)
	}
	o.Status = "closed"
	if _, err := f.svc.Import(ctx, o); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected status error, got %v", err)
	}
	o.Status = "processing"
	o.Owner.Email = "member@example.org"
	if _, err := f.svc.Import(ctx, o); err == nil || !strings.Contains(err.Error(), "not found as PI") {
		t.Fatalf("expected owner error, got %v", err)
	}
	if _, err := ParseOrder([]byte(`{"title": "no id"}`)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for missing identifier, got %v", err)
	}
}
