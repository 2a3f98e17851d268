// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package seed

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/sessions"
)

func newStore(t *testing.T) db.Store {
	t.Helper()
	st, err := db.NewStoreFromDSN("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewStoreFromDSN: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestApplyDefault(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	ds, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	sum, err := Apply(ctx, st, ds, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if sum.Users != 7 || sum.Resources != 4 || sum.Templates != 2 || sum.Applications != 2 || sum.Forms != 2 {
		t.Fatalf("unexpected summary %s", sum)
	}

	member, err := st.GetUserByUsername(ctx, "user1")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	pi, _ := st.GetUserByUsername(ctx, "pi1")
	if member.PIID == nil || *member.PIID != pi.ID {
		t.Fatalf("user1 should belong to pi1, got %v", member.PIID)
	}
	if !member.CheckPassword("user1") {
		t.Fatalf("password not set")
	}

	app, err := st.GetApplicationByCode(ctx, "CEM00001")
	if err != nil {
		t.Fatalf("GetApplicationByCode: %v", err)
	}
	if app.CreatorID != pi.ID || len(app.Users) != 1 || app.Quota("krios") != 10 {
		t.Fatalf("unexpected application %+v", app)
	}
	krios, err := st.GetResourceByName(ctx, "Krios G4")
	if err != nil {
		t.Fatalf("GetResourceByName: %v", err)
	}
	if !krios.RequiresSlot() || krios.LatestCancellation() != 48 {
		t.Fatalf("unexpected resource extra %v", krios.Extra)
	}

	mgr := sessions.NewManager(st, t.TempDir())
	if n, err := mgr.Counter(ctx, "cem"); err != nil || n != 1 {
		t.Fatalf("Counter = %d, %v", n, err)
	}
	cams, err := mgr.Cameras(ctx, krios.ID)
	if err != nil || len(cams) != 2 {
		t.Fatalf("Cameras = %v, %v", cams, err)
	}

	if _, err := Apply(ctx, st, ds, time.Now()); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("[[users]]\nusername = \"x\"\nnickname = \"y\"\n"))
	if err == nil || !strings.Contains(err.Error(), "nickname") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestApplyUnknownReference(t *testing.T) {
	ds, err := Parse([]byte(`
[[users]]
username = "u"
pi = "ghost"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := Apply(context.Background(), newStore(t), ds, time.Now()); err == nil {
		t.Fatalf("expected unknown pi error")
	}
}
