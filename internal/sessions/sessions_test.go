// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package sessions

import (
	"context"
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/forms"
	"github.com/3dem/emhub/internal/model"
	"github.com/3dem/emhub/internal/sessiondata"
)

const configJSONC = `{
  "sections": [
    {"label": "counters", "params": [{"label": "fac", "value": 12}]},
    {"label": "folders", "params": [
      {"label": "fac", "value": "/data/facility"},
      {"label": "cem", "value": "/data/cem"},
    ]},
    {"label": "cameras", "params": [{"id": 1, "label": "Krios", "enum": {"choices": ["Falcon4", "K3"]}}]},
    {"label": "data_deletion", "params": [{"label": "fac", "value": 30}]},
  ],
}`

const processingJSONC = `{
  "sections": [
    {"label": "Scipion", "params": [
      {"label": "Motion correction", "enum": {"choices": ["None", "MotionCor2"]}},
      {"label": "CTF", "enum": {"choices": ["CTFFind4", "Gctf"]}},
    ]},
  ],
}`

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   db.Store
	mgr     *Manager
	owner   *model.User
	booking *model.Booking
}

func addForm(t *testing.T, s db.Store, name, src string) {
	t.Helper()
	def, err := forms.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse %s: %v", name, err)
	}
	extra, err := def.Extra()
	if err != nil {
		t.Fatalf("Extra: %v", err)
	}
	if err := s.CreateForm(context.Background(), &model.Form{Name: name, Definition: extra}); err != nil {
		t.Fatalf("CreateForm %s: %v", name, err)
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := db.NewStoreFromDSN("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewStoreFromDSN: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	pi := &model.User{Username: "pi", Email: "pi@example.org", Name: "Pat PI", Roles: []string{model.RolePI}}
	if err := s.CreateUser(ctx, pi); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	owner := &model.User{Username: "olga", Email: "olga@example.org", Name: "Olga", PIID: &pi.ID}
	if err := s.CreateUser(ctx, owner); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	r := &model.Resource{Name: "Krios", Tags: "microscope"}
	if err := s.CreateResource(ctx, r); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	b := &model.Booking{Title: "screening", Start: testNow, End: testNow.Add(8 * time.Hour),
		ResourceID: r.ID, OwnerID: owner.ID, CreatorID: owner.ID}
	if err := s.CreateBooking(ctx, b); err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}
	addForm(t, s, ConfigForm, configJSONC)
	addForm(t, s, ProcessingForm, processingJSONC)

	mgr := NewManager(s, t.TempDir()).WithClock(func() time.Time { return testNow })
	return &fixture{store: s, mgr: mgr, owner: owner, booking: b}
}

func TestNameHelpers(t *testing.T) {
	if got := FormatName("cem", 7); got != "cem00007" {
		t.Fatalf("FormatName = %q", got)
	}
	if got := FormatName("cem00012", 3); got != "cem00012_00003" {
		t.Fatalf("FormatName = %q", got)
	}
	cases := map[string]struct {
		code    string
		counter int
	}{
		"fac00042":       {"fac", 42},
		"cem00012_00003": {"cem00012", 3},
	}
	for name, want := range cases {
		code, counter, err := ParseName(name)
		if err != nil || code != want.code || counter != want.counter {
			t.Fatalf("ParseName(%q) = %q, %d, %v", name, code, counter, err)
		}
	}
	if _, _, err := ParseName("abc"); err == nil {
		t.Fatalf("expected error for name without counter")
	}
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := &model.Session{BookingID: f.booking.ID}
	if err := f.mgr.Create(ctx, s, true); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Name != "fac00012" || s.Status != model.SessionPending || !s.Start.Equal(testNow) {
		t.Fatalf("unexpected session: %+v", s)
	}
	if s.OperatorID != f.owner.ID || s.ResourceID != f.booking.ResourceID {
		t.Fatalf("operator/resource not taken from booking: %+v", s)
	}
	if want := "session_000001.cbor"; s.DataPath != want {
		t.Fatalf("data path = %q, want %q", s.DataPath, want)
	}
	if _, err := os.Stat(f.mgr.DataFile(s)); err != nil {
		t.Fatalf("data file not created: %v", err)
	}
	if c, err := f.mgr.Counter(ctx, "fac"); err != nil || c != 13 {
		t.Fatalf("counter = %d, %v", c, err)
	}

	stored, data, err := f.mgr.Load(ctx, s.ID, "a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stored.Name != s.Name || len(data.GetSets()) != 0 {
		t.Fatalf("unexpected loaded session %+v", stored)
	}
	if err := data.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := f.mgr.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(f.mgr.DataFile(s)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("data file should be removed, got %v", err)
	}
}

func TestWriteSerializesChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := &model.Session{BookingID: f.booking.ID}
	if err := f.mgr.Create(ctx, s, true); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.mgr.Write(ctx, s.ID, func(d *sessiondata.File) error {
		return d.CreateSet(1, map[string]any{"label": "micrographs"})
	}); err != nil {
		t.Fatalf("CreateSet: %v", err)
	}

	const n = 30
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.mgr.Write(ctx, s.ID, func(d *sessiondata.File) error {
				return d.AddSetItem(1, i+1, map[string]any{"location": "mic.mrc"})
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("item %d: %v", i+1, err)
		}
	}

	// A failing change leaves the file untouched.
	boom := errors.New("boom")
	err := f.mgr.Write(ctx, s.ID, func(d *sessiondata.File) error {
		if err := d.AddSetItem(1, 100, nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_, data, err := f.mgr.Load(ctx, s.ID, sessiondata.ModeRead)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer data.Close()
	items, err := data.GetSetItems(1, []string{"location"})
	if err != nil {
		t.Fatalf("GetSetItems: %v", err)
	}
	if len(items) != n {
		t.Fatalf("expected %d items, got %d", n, len(items))
	}
}

func TestUpdateRaisesCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := &model.Session{BookingID: f.booking.ID}
	if err := f.mgr.Create(ctx, s, false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Name = "fac00020"
	if err := f.mgr.Update(ctx, s); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if c, _ := f.mgr.Counter(ctx, "fac"); c != 21 {
		t.Fatalf("counter = %d, want 21", c)
	}
	// Lower numbers leave the counter alone.
	s.Name = "fac00015"
	if err := f.mgr.Update(ctx, s); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if c, _ := f.mgr.Counter(ctx, "fac"); c != 21 {
		t.Fatalf("counter = %d, want 21", c)
	}
}

func TestNewSessionInfoUsesApplicationCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	app := &model.Application{Code: "CEM", Status: model.AppActive, CreatorID: f.owner.ID}
	if err := f.store.CreateApplication(ctx, app); err != nil {
		t.Fatalf("CreateApplication: %v", err)
	}
	f.booking.ApplicationID = &app.ID
	if err := f.store.UpdateBooking(ctx, f.booking); err != nil {
		t.Fatalf("UpdateBooking: %v", err)
	}
	info, err := f.mgr.NewSessionInfo(ctx, f.booking.ID)
	if err != nil {
		t.Fatalf("NewSessionInfo: %v", err)
	}
	if info.Code != "cem" || info.Counter != 1 || info.Name != "cem00001" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestConfigHelpers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	folders, err := f.mgr.Folders(ctx)
	if err != nil || folders["cem"] != "/data/cem" {
		t.Fatalf("Folders = %v, %v", folders, err)
	}
	cams, err := f.mgr.Cameras(ctx, 1)
	if err != nil || !reflect.DeepEqual(cams, []string{"Falcon4", "K3"}) {
		t.Fatalf("Cameras = %v, %v", cams, err)
	}
	if cams, _ := f.mgr.Cameras(ctx, 99); len(cams) != 0 {
		t.Fatalf("unknown resource should have no cameras: %v", cams)
	}
	if days, err := f.mgr.DataDeletion(ctx, "fac"); err != nil || days != 30 {
		t.Fatalf("DataDeletion = %d, %v", days, err)
	}
	if _, err := f.mgr.DataDeletion(ctx, "xyz"); err == nil {
		t.Fatalf("expected error for unknown group")
	}
	proc, err := f.mgr.Processing(ctx)
	if err != nil || len(proc) != 1 || len(proc[0].Steps) != 2 || proc[0].Steps[1].Options[1] != "Gctf" {
		t.Fatalf("Processing = %+v, %v", proc, err)
	}
}

func TestMissingConfigForm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	form, err := f.store.GetFormByName(ctx, ConfigForm)
	if err != nil {
		t.Fatalf("GetFormByName: %v", err)
	}
	if err := f.store.DeleteForm(ctx, form.ID); err != nil {
		t.Fatalf("DeleteForm: %v", err)
	}
	if _, err := f.mgr.Counter(ctx, "fac"); !errors.Is(err, ErrMissingForm) {
		t.Fatalf("expected ErrMissingForm, got %v", err)
	}
}

func TestPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := &model.Session{BookingID: f.booking.ID}
	if err := f.mgr.Create(ctx, s, false); err != nil {
		t.Fatalf("Create: %v", err)
	}
	done := &model.Session{BookingID: f.booking.ID, Status: model.SessionCreated}
	if err := f.mgr.Create(ctx, done, false); err != nil {
		t.Fatalf("Create: %v", err)
	}

	manager := &model.User{ID: 100, Roles: []string{model.RoleManager}}
	pending, err := f.mgr.Pending(ctx, manager)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending session, got %d", len(pending))
	}
	p := pending[0]
	if p.Name != "fac00012" || p.Folder != "/data/facility" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if p.User.Email != "olga@example.org" || p.PI.Name != "Pat PI" || p.Operator.Name != "" {
		t.Fatalf("unexpected people: %+v", p)
	}
	if p.Title != "Krios (Olga) screening" {
		t.Fatalf("title = %q", p.Title)
	}
}
