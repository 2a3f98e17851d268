// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/3dem/emhub/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	s, err := NewStoreFromDSN("sqlite", dsn)
	if err != nil {
		t.Fatalf("NewStoreFromDSN failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreateUser(t *testing.T, s Store, username string, roles ...string) *model.User {
	t.Helper()
	u := &model.User{Username: username, Email: username + "@example.org", Name: username, Roles: roles}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return u
}

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, s, "alice", model.RolePI)
	if u.ID == 0 {
		t.Fatalf("expected id to be assigned")
	}
	if err := u.SetPassword("pw"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	u.Phone = "555"
	if err := s.UpdateUser(ctx, u); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}

	got, err := s.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if got.Phone != "555" || !got.IsPI() || !got.CheckPassword("pw") {
		t.Fatalf("unexpected user after update: %+v", got)
	}
	if got.Status != model.StatusActive {
		t.Fatalf("status should default to active, got %q", got.Status)
	}
	if _, err := s.GetUserByEmail(ctx, "alice@example.org"); err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}

	dup := &model.User{Username: "alice", Email: "other@example.org"}
	if err := s.CreateUser(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	if err := s.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := s.GetUser(ctx, u.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteUser(ctx, u.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleting twice should report ErrNotFound, got %v", err)
	}
}

func TestApplicationsForPI(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pi1 := mustCreateUser(t, s, "pi1", model.RolePI)
	pi2 := mustCreateUser(t, s, "pi2", model.RolePI)

	a1 := &model.Application{Code: "CEM00001", Status: model.AppActive, CreatorID: pi1.ID}
	a2 := &model.Application{Code: "CEM00002", Status: model.AppActive, CreatorID: pi2.ID, Users: []int{pi1.ID}}
	a3 := &model.Application{Code: "CEM00003", Status: model.AppClosed, CreatorID: pi2.ID}
	for _, a := range []*model.Application{a1, a2, a3} {
		if err := s.CreateApplication(ctx, a); err != nil {
			t.Fatalf("CreateApplication(%s): %v", a.Code, err)
		}
	}

	apps, err := s.ApplicationsForPI(ctx, pi1.ID)
	if err != nil {
		t.Fatalf("ApplicationsForPI: %v", err)
	}
	if len(apps) != 2 || apps[0].Code != "CEM00001" || apps[1].Code != "CEM00002" {
		t.Fatalf("unexpected applications for pi1: %+v", apps)
	}
	if len(apps[1].Users) != 1 || apps[1].Users[0] != pi1.ID {
		t.Fatalf("members not loaded: %+v", apps[1].Users)
	}

	a2.Users = nil
	if err := s.UpdateApplication(ctx, a2); err != nil {
		t.Fatalf("UpdateApplication: %v", err)
	}
	apps, _ = s.ApplicationsForPI(ctx, pi1.ID)
	if len(apps) != 1 {
		t.Fatalf("expected membership removal, got %d apps", len(apps))
	}

	byCode, err := s.GetApplicationByCode(ctx, "CEM00003")
	if err != nil || byCode.Status != model.AppClosed {
		t.Fatalf("GetApplicationByCode: %v %+v", err, byCode)
	}
}

func TestBookingsInRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := func(d, h int) time.Time { return time.Date(2024, 5, d, h, 0, 0, 0, time.UTC) }

	mk := func(title string, start, end time.Time, resource int) *model.Booking {
		return &model.Booking{Title: title, Start: start, End: end, ResourceID: resource, CreatorID: 1, OwnerID: 1}
	}
	bookings := []*model.Booking{
		mk("before", day(1, 9), day(2, 9), 1),
		mk("starts-inside", day(5, 9), day(12, 9), 1),
		mk("ends-inside", day(2, 9), day(4, 9), 1),
		mk("spans", day(1, 0), day(20, 0), 1),
		mk("other-resource", day(4, 9), day(5, 9), 2),
	}
	if err := s.SaveBookings(ctx, bookings, nil, nil); err != nil {
		t.Fatalf("SaveBookings: %v", err)
	}
	for _, b := range bookings {
		if b.ID == 0 {
			t.Fatalf("SaveBookings should assign ids")
		}
	}

	got, err := s.BookingsInRange(ctx, day(3, 0), day(6, 0), 1)
	if err != nil {
		t.Fatalf("BookingsInRange: %v", err)
	}
	titles := map[string]bool{}
	for _, b := range got {
		titles[b.Title] = true
	}
	if len(got) != 3 || !titles["starts-inside"] || !titles["ends-inside"] || !titles["spans"] {
		t.Fatalf("unexpected range result: %v", titles)
	}
	if !got[0].Start.Equal(day(1, 0)) {
		t.Fatalf("results should be ordered by start, first is %s", got[0].Start)
	}

	all, _ := s.BookingsInRange(ctx, day(3, 0), day(6, 0), 0)
	if len(all) != 4 {
		t.Fatalf("resource 0 should include every resource, got %d", len(all))
	}
}

func TestSaveBookingsSeries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	series := "series-1"
	start := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

	var batch []*model.Booking
	for i := 0; i < 3; i++ {
		id := series
		batch = append(batch, &model.Booking{
			Title: "weekly", Start: start.AddDate(0, 0, 7*i), End: start.AddDate(0, 0, 7*i).Add(4 * time.Hour),
			ResourceID: 1, CreatorID: 1, OwnerID: 1, RepeatID: &id, RepeatValue: "weekly",
		})
	}
	if err := s.SaveBookings(ctx, batch, nil, nil); err != nil {
		t.Fatalf("SaveBookings: %v", err)
	}

	got, err := s.BookingsByRepeatID(ctx, series)
	if err != nil || len(got) != 3 {
		t.Fatalf("BookingsByRepeatID: %v (%d)", err, len(got))
	}

	first := got[0]
	first.RepeatID = nil
	first.Title = "detached"
	if err := s.SaveBookings(ctx, nil, []*model.Booking{&first}, []int{got[2].ID}); err != nil {
		t.Fatalf("SaveBookings update/delete: %v", err)
	}
	got, _ = s.BookingsByRepeatID(ctx, series)
	if len(got) != 1 {
		t.Fatalf("expected one booking left in series, got %d", len(got))
	}
	b, err := s.GetBooking(ctx, first.ID)
	if err != nil || b.Title != "detached" || b.RepeatID != nil {
		t.Fatalf("detached booking not saved: %v %+v", err, b)
	}
	if b.Type != model.TypeBooking || b.RepeatValue != "weekly" {
		t.Fatalf("unexpected defaults: type=%q repeat=%q", b.Type, b.RepeatValue)
	}
}

func TestListQueryFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i, name := range []string{"Krios G4", "Talos Arctica", "Vitrobot"} {
		r := &model.Resource{Name: name, Tags: "instrument"}
		if i < 2 {
			r.Tags = "microscope " + []string{"krios", "talos"}[i]
		}
		if i == 2 {
			r.Status = model.ResourceInactive
		}
		if err := s.CreateResource(ctx, r); err != nil {
			t.Fatalf("CreateResource: %v", err)
		}
	}

	active, err := s.ListResources(ctx, Where("status", "active"))
	if err != nil || len(active) != 2 {
		t.Fatalf("status filter: %v (%d)", err, len(active))
	}

	desc, err := s.ListResources(ctx, Query{OrderBy: "name desc"})
	if err != nil || desc[0].Name != "Vitrobot" {
		t.Fatalf("order desc: %v %+v", err, desc)
	}

	in, err := s.ListResources(ctx, Query{Conditions: []Cond{{Column: "name", Op: "in", Value: []string{"Vitrobot", "Krios G4"}}}})
	if err != nil || len(in) != 2 {
		t.Fatalf("in filter: %v (%d)", err, len(in))
	}

	like, err := s.ListResources(ctx, Query{Conditions: []Cond{{Column: "name", Op: "like", Value: "%Arctica"}}})
	if err != nil || len(like) != 1 {
		t.Fatalf("like filter: %v (%d)", err, len(like))
	}

	tagged, err := s.ListResources(ctx, Query{Tags: "microscope & !talos"})
	if err != nil || len(tagged) != 1 || tagged[0].Name != "Krios G4" {
		t.Fatalf("tag filter: %v %+v", err, tagged)
	}

	if _, err := s.ListResources(ctx, Where("extra", "x")); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery for JSON column, got %v", err)
	}
	if _, err := s.ListResources(ctx, Query{OrderBy: "name; DROP TABLE users"}); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery for bad order, got %v", err)
	}
	if _, err := s.ListResources(ctx, Query{Conditions: []Cond{{Column: "id", Op: "~", Value: 1}}}); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery for bad operator, got %v", err)
	}
}

func TestOperationLogUsesActor(t *testing.T) {
	s := newTestStore(t)
	ctx := WithActor(context.Background(), 42)

	f := &model.Form{Name: "sessions_config", Definition: model.Extra{"sections": []any{}}}
	if err := s.CreateForm(ctx, f); err != nil {
		t.Fatalf("CreateForm: %v", err)
	}
	logs, err := s.ListLogs(ctx, 10)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected one log entry, got %d", len(logs))
	}
	l := logs[0]
	if l.UserID == nil || *l.UserID != 42 || l.Type != "create" || l.Name != "create_form" {
		t.Fatalf("unexpected log entry: %+v", l)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestStore(t)
	ctx := context.Background()

	pi := mustCreateUser(t, src, "pi", model.RolePI)
	_ = pi.SetPassword("secret")
	if err := src.UpdateUser(ctx, pi); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	member := mustCreateUser(t, src, "member", model.RolePI)
	app := &model.Application{Code: "CEM00010", CreatorID: pi.ID, Users: []int{member.ID}}
	if err := src.CreateApplication(ctx, app); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	tx := &model.Transaction{UserID: pi.ID, Amount: decimal.RequireFromString("-125.50"), Comment: "payment"}
	if err := src.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	data, err := src.ExportAll(ctx)
	if err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	if data.PasswordHashes[pi.ID] == "" {
		t.Fatalf("password hash should be exported")
	}

	dst, err := NewStoreFromDSN("sqlite", "file:"+t.Name()+"_dst?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open destination: %v", err)
	}
	defer func() { _ = dst.Close() }()
	if err := dst.ImportAll(ctx, data, true); err != nil {
		t.Fatalf("ImportAll: %v", err)
	}

	restored, err := dst.GetUserByUsername(ctx, "pi")
	if err != nil || !restored.CheckPassword("secret") {
		t.Fatalf("restored user cannot log in: %v", err)
	}
	gotApp, err := dst.GetApplicationByCode(ctx, "CEM00010")
	if err != nil || len(gotApp.Users) != 1 || gotApp.Users[0] != member.ID {
		t.Fatalf("application members not restored: %v %+v", err, gotApp)
	}
	txs, _ := dst.ListTransactions(ctx, Query{})
	if len(txs) != 1 || !txs[0].Amount.Equal(decimal.RequireFromString("-125.50")) {
		t.Fatalf("transaction not restored: %+v", txs)
	}

	// An integrating import over existing rows keeps them and does not fail.
	if err := dst.ImportAll(ctx, data, false); err != nil {
		t.Fatalf("integrating ImportAll: %v", err)
	}
	users, _ := dst.ListUsers(ctx, Query{})
	if len(users) != 2 {
		t.Fatalf("integrating import duplicated users: %d", len(users))
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("CREATE TABLE a (id INT);\n\n CREATE INDEX i ON a(id);\n")
	if len(got) != 2 || got[1] != "CREATE INDEX i ON a(id)" {
		t.Fatalf("unexpected statements: %q", got)
	}
}

func TestMapDBError(t *testing.T) {
	if MapDBError(nil) != nil {
		t.Fatalf("nil should stay nil")
	}
	if !errors.Is(MapDBError(errors.New("UNIQUE constraint failed: users.username")), ErrDuplicate) {
		t.Fatalf("sqlite unique violation not mapped")
	}
	if !errors.Is(MapDBError(errors.New("Error 1062: Duplicate entry")), ErrDuplicate) {
		t.Fatalf("mysql duplicate not mapped")
	}
	other := errors.New("connection refused")
	if MapDBError(other) != other {
		t.Fatalf("unrelated errors must pass through")
	}
}

func TestNormalizeDSNs(t *testing.T) {
	if got := normalizeSqliteDSN("./emhub.sqlite"); got != "./emhub.sqlite?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)" {
		t.Fatalf("unexpected sqlite dsn %q", got)
	}
	if got := normalizeSqliteDSN(":memory:"); got != ":memory:" {
		t.Fatalf(":memory: must be untouched, got %q", got)
	}
	got, err := normalizeMySQLDSN("emhub:pw@tcp(db:3306)/emhub")
	if err != nil {
		t.Fatalf("normalizeMySQLDSN: %v", err)
	}
	if want := "parseTime=true"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in %q", want, got)
	}
}
