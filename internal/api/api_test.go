// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/forms"
	"github.com/3dem/emhub/internal/model"
	"github.com/3dem/emhub/internal/sessiondata"
	"github.com/3dem/emhub/internal/sessions"
)

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

const configJSONC = `{
  // counters and folders per session group
  "sections": [
    {"label": "counters", "params": [{"label": "fac", "value": 1}]},
    {"label": "folders", "params": [{"label": "fac", "value": "/data/facility"}]},
  ],
}`

type testEnv struct {
	store    db.Store
	dataPath string
	handler http.Handler
	manager *model.User
	user    *model.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st, err := db.NewStoreFromDSN("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mk := func(name string, roles ...string) *model.User {
		u := &model.User{Username: name, Email: name + "@example.org", Name: name, Roles: roles}
		require.NoError(t, u.SetPassword(name+"-secret"))
		require.NoError(t, st.CreateUser(context.Background(), u))
		return u
	}
	env := &testEnv{store: st, dataPath: t.TempDir(), manager: mk("manager", model.RoleManager), user: mk("user", model.RoleUser)}
	srv := New(st, Options{
		DataPath:     env.dataPath,
		PollTimeout:  50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		Now:          func() time.Time { return testNow },
	})
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) call(t *testing.T, token, route string, body any) (int, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return e.post(token, route, data)
}

// post sends a raw body; unlike call it may be used from other goroutines.
func (e *testEnv) post(token, route string, data []byte) (int, []byte) {
	req := httptest.NewRequest(http.MethodPost, "/api/"+route, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec.Code, rec.Body.Bytes()
}

// newDataSession creates a session with an empty data file holding set 1.
func (e *testEnv) newDataSession(t *testing.T, token string) model.Session {
	t.Helper()
	ctx := context.Background()
	code, body := e.call(t, token, "create_form", gin.H{"attrs": gin.H{"name": sessions.ConfigForm, "definition": configJSONC}})
	require.Equal(t, http.StatusOK, code, string(body))
	r := &model.Resource{Name: "Krios", Tags: "microscope"}
	require.NoError(t, e.store.CreateResource(ctx, r))
	b := &model.Booking{Title: "screening", Start: testNow, End: testNow.Add(8 * time.Hour),
		ResourceID: r.ID, OwnerID: e.user.ID, CreatorID: e.user.ID}
	require.NoError(t, e.store.CreateBooking(ctx, b))

	code, body = e.call(t, token, "create_session", gin.H{"attrs": gin.H{"booking_id": b.ID}})
	require.Equal(t, http.StatusOK, code, string(body))
	var created struct {
		Session model.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	code, body = e.call(t, token, "create_session_set", gin.H{"session_id": created.Session.ID, "set_id": 1, "attrs": gin.H{"label": "micrographs"}})
	require.Equal(t, http.StatusOK, code, string(body))
	return created.Session
}

func (e *testEnv) login(t *testing.T, u *model.User) string {
	t.Helper()
	code, body := e.call(t, "", "login", gin.H{"username": u.Username, "password": u.Username + "-secret"})
	require.Equal(t, http.StatusOK, code, string(body))
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func errorOf(t *testing.T, body []byte) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Error
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.call(t, "", "get_users", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Login required", errorOf(t, body))

	code, body = env.call(t, "", "login", gin.H{"username": "manager", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Invalid username or password", errorOf(t, body))

	token := env.login(t, env.manager)
	code, _ = env.call(t, token, "get_users", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = env.call(t, token, "logout", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = env.call(t, token, "get_users", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestCRUDRoutes(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.manager)

	code, body := env.call(t, token, "create_resource", gin.H{"attrs": gin.H{"name": "Krios", "tags": "microscope krios"}})
	require.Equal(t, http.StatusOK, code, string(body))
	var created struct {
		Resource model.Resource `json:"resource"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotZero(t, created.Resource.ID)
	assert.Equal(t, model.ResourceActive, created.Resource.Status)

	code, body = env.call(t, token, "get_resources", gin.H{
		"condition": gin.H{"name": "Krios"},
		"attrs":     []string{"id", "name"},
	})
	require.Equal(t, http.StatusOK, code, string(body))
	var list []map[string]any
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Len(t, list[0], 2)
	assert.Equal(t, "Krios", list[0]["name"])

	code, body = env.call(t, token, "update_resource", gin.H{"attrs": gin.H{"id": created.Resource.ID, "name": "Krios G4"}})
	require.Equal(t, http.StatusOK, code, string(body))
	r, err := env.store.GetResource(context.Background(), created.Resource.ID)
	require.NoError(t, err)
	assert.Equal(t, "Krios G4", r.Name)
	assert.Equal(t, "microscope krios", r.Tags)

	code, body = env.call(t, token, "delete_resource", gin.H{"attrs": gin.H{"id": 999}})
	assert.Equal(t, http.StatusNotFound, code, string(body))

	code, body = env.call(t, token, "get_resources", gin.H{"condition": "name = 'Krios'"})
	assert.Equal(t, http.StatusBadRequest, code, string(body))
}

func TestManagerOnlyRoutes(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.user)

	code, body := env.call(t, token, "create_resource", gin.H{"attrs": gin.H{"name": "Talos"}})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Only managers can perform this operation", errorOf(t, body))

	code, _ = env.call(t, token, "update_user", gin.H{"attrs": gin.H{"id": env.user.ID, "roles": []string{"manager"}}})
	assert.Equal(t, http.StatusForbidden, code)

	code, body = env.call(t, token, "update_user", gin.H{"attrs": gin.H{"id": env.user.ID, "name": "Ursula"}})
	require.Equal(t, http.StatusOK, code, string(body))
	u, err := env.store.GetUser(context.Background(), env.user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ursula", u.Name)
}

func TestCreateFormFromJSONC(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.manager)

	code, body := env.call(t, token, "create_form", gin.H{"attrs": gin.H{"name": sessions.ConfigForm, "definition": configJSONC}})
	require.Equal(t, http.StatusOK, code, string(body))

	f, err := env.store.GetFormByName(context.Background(), sessions.ConfigForm)
	require.NoError(t, err)
	def, err := forms.FromForm(f)
	require.NoError(t, err)
	assert.NotNil(t, def.Section("folders"))
}

func TestBookingRoutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	token := env.login(t, env.manager)

	r := &model.Resource{Name: "Vitrobot", Tags: "instrument"}
	require.NoError(t, env.store.CreateResource(ctx, r))

	attrs := gin.H{
		"title":       "grids",
		"start":       "2026-03-03T09:00:00",
		"end":         "2026-03-03T17:00:00",
		"resource_id": r.ID,
	}
	code, body := env.call(t, token, "create_booking", gin.H{"attrs": attrs})
	require.Equal(t, http.StatusOK, code, string(body))
	var created struct {
		Events []map[string]any `json:"bookings_created"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	require.Len(t, created.Events, 1)

	attrs["start"] = "2026-03-03T12:00:00"
	attrs["end"] = "2026-03-03T20:00:00"
	code, body = env.call(t, token, "create_booking", gin.H{"attrs": attrs})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, errorOf(t, body), "overlapping")

	code, body = env.call(t, token, "get_bookings_range", gin.H{"start": "2026-03-01", "end": "2026-03-08", "resource_id": r.ID})
	require.Equal(t, http.StatusOK, code, string(body))
	var events []map[string]any
	require.NoError(t, json.Unmarshal(body, &events))
	assert.Len(t, events, 1)

	id := created.Events[0]["id"]
	code, body = env.call(t, token, "update_booking", gin.H{"attrs": gin.H{"id": id, "title": "more grids"}})
	require.Equal(t, http.StatusOK, code, string(body))

	// Plain users can not touch bookings they do not own.
	userToken := env.login(t, env.user)
	code, _ = env.call(t, userToken, "delete_booking", gin.H{"attrs": gin.H{"id": id}})
	assert.Equal(t, http.StatusForbidden, code)

	code, body = env.call(t, token, "delete_booking", gin.H{"attrs": gin.H{"id": id}})
	require.Equal(t, http.StatusOK, code, string(body))
	var deleted struct {
		Events []map[string]any `json:"bookings_deleted"`
	}
	require.NoError(t, json.Unmarshal(body, &deleted))
	require.Len(t, deleted.Events, 1)
	assert.Equal(t, "more grids", deleted.Events[0]["booking_title"])
}

func TestPollSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	token := env.login(t, env.manager)

	code, body := env.call(t, token, "poll_sessions", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.JSONEq(t, "[]", string(body))

	code, body = env.call(t, token, "create_form", gin.H{"attrs": gin.H{"name": sessions.ConfigForm, "definition": configJSONC}})
	require.Equal(t, http.StatusOK, code, string(body))
	r := &model.Resource{Name: "Krios", Tags: "microscope"}
	require.NoError(t, env.store.CreateResource(ctx, r))
	b := &model.Booking{Title: "screening", Start: testNow, End: testNow.Add(8 * time.Hour),
		ResourceID: r.ID, OwnerID: env.user.ID, CreatorID: env.user.ID}
	require.NoError(t, env.store.CreateBooking(ctx, b))

	code, body = env.call(t, token, "create_session", gin.H{"attrs": gin.H{"booking_id": b.ID}})
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = env.call(t, token, "poll_sessions", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var pending []sessions.PendingSession
	require.NoError(t, json.Unmarshal(body, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "fac00001", pending[0].Name)
	assert.Equal(t, "/data/facility", pending[0].Folder)

	userToken := env.login(t, env.user)
	code, _ = env.call(t, userToken, "poll_sessions", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestSessionDataRoutes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	token := env.login(t, env.manager)

	code, body := env.call(t, token, "create_form", gin.H{"attrs": gin.H{"name": sessions.ConfigForm, "definition": configJSONC}})
	require.Equal(t, http.StatusOK, code, string(body))
	r := &model.Resource{Name: "Krios", Tags: "microscope"}
	require.NoError(t, env.store.CreateResource(ctx, r))
	b := &model.Booking{Title: "screening", Start: testNow, End: testNow.Add(8 * time.Hour),
		ResourceID: r.ID, OwnerID: env.user.ID, CreatorID: env.user.ID}
	require.NoError(t, env.store.CreateBooking(ctx, b))

	code, body = env.call(t, token, "create_session", gin.H{"attrs": gin.H{"booking_id": b.ID}})
	require.Equal(t, http.StatusOK, code, string(body))
	var created struct {
		Session model.Session `json:"session"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	sid := created.Session.ID

	code, body = env.call(t, token, "create_session_set", gin.H{"session_id": sid, "set_id": 1, "attrs": gin.H{"label": "micrographs"}})
	require.Equal(t, http.StatusOK, code, string(body))
	for i, defocus := range []float64{1.5, 2.5} {
		code, body = env.call(t, token, "add_session_item", gin.H{
			"session_id": sid, "set_id": 1, "item_id": i + 1,
			"attrs": gin.H{"location": "mic.mrc", "ctfDefocus": defocus, "ctfResolution": 3.0},
		})
		require.Equal(t, http.StatusOK, code, string(body))
	}

	code, body = env.call(t, token, "load_session", gin.H{"session_id": sid})
	require.Equal(t, http.StatusOK, code, string(body))
	var loaded struct {
		Sets []map[string]any `json:"sets"`
	}
	require.NoError(t, json.Unmarshal(body, &loaded))
	assert.Len(t, loaded.Sets, 1)

	code, body = env.call(t, token, "get_session_data", gin.H{"session_id": sid})
	require.Equal(t, http.StatusOK, code, string(body))
	var view struct {
		DefocusPlot []any `json:"defocus_plot"`
	}
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Len(t, view.DefocusPlot, 3)

	code, _ = env.call(t, token, "delete_session", gin.H{"attrs": gin.H{"id": sid}})
	assert.Equal(t, http.StatusOK, code)
	code, _ = env.call(t, token, "load_session", gin.H{"session_id": sid})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestConcurrentItemWrites(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.manager)
	sess := env.newDataSession(t, token)

	const n = 40
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := fmt.Sprintf(`{"session_id": %d, "set_id": 1, "item_id": %d, "attrs": {"location": "mic.mrc"}}`, sess.ID, i+1)
			codes[i], _ = env.post(token, "add_session_item", []byte(data))
		}(i)
	}
	wg.Wait()
	for i, code := range codes {
		require.Equal(t, http.StatusOK, code, "item %d", i+1)
	}

	code, body := env.call(t, token, "get_session_items", gin.H{"session_id": sess.ID, "set_id": 1, "attr_list": []string{"location"}})
	require.Equal(t, http.StatusOK, code, string(body))
	var items []map[string]any
	require.NoError(t, json.Unmarshal(body, &items))
	assert.Len(t, items, n)
}

func TestSessionDataErrors(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.manager)
	sess := env.newDataSession(t, token)

	item := gin.H{"session_id": sess.ID, "set_id": 1, "item_id": 1, "attrs": gin.H{"location": "mic.mrc"}}
	code, body := env.call(t, token, "add_session_item", item)
	require.Equal(t, http.StatusOK, code, string(body))
	code, body = env.call(t, token, "add_session_item", item)
	assert.Equal(t, http.StatusConflict, code, string(body))
	assert.Contains(t, errorOf(t, body), "item already exists")

	code, _ = env.call(t, token, "create_session_set", gin.H{"session_id": sess.ID, "set_id": 1})
	assert.Equal(t, http.StatusConflict, code)
	code, _ = env.call(t, token, "update_session_item", gin.H{"session_id": sess.ID, "set_id": 1, "item_id": 9, "attrs": gin.H{"x": 1}})
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = env.call(t, token, "get_session_items", gin.H{"session_id": sess.ID, "set_id": 7})
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = env.call(t, token, "add_session_item", gin.H{"session_id": sess.ID, "item_id": 2, "attrs": gin.H{"micThumbData": "not base64!"}})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSessionDataNestedAttrs(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.manager)
	sess := env.newDataSession(t, token)

	code, body := env.call(t, token, "add_session_item", gin.H{"attrs": gin.H{
		"session_id": sess.ID, "set_id": 1, "item_id": 5, "location": "mic5.mrc", "ctfDefocus": 1.2,
	}})
	require.Equal(t, http.StatusOK, code, string(body))
	code, body = env.call(t, token, "update_session_item", gin.H{"attrs": gin.H{
		"session_id": sess.ID, "item_id": 5, "ctfDefocus": 1.8,
	}})
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = env.call(t, token, "get_session_items", gin.H{"attrs": gin.H{
		"session_id": sess.ID, "set_id": 1, "attr_list": []string{"ctfDefocus"},
	}})
	require.Equal(t, http.StatusOK, code, string(body))
	var items []map[string]any
	require.NoError(t, json.Unmarshal(body, &items))
	require.Len(t, items, 1)
	assert.Equal(t, map[string]any{"id": 5.0, "ctfDefocus": 1.8}, items[0])
}

func TestThumbnailStoredCompressed(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.manager)
	sess := env.newDataSession(t, token)

	thumb := bytes.Repeat([]byte("emhub micrograph thumbnail "), 4096)
	encoded := base64.StdEncoding.EncodeToString(thumb)
	code, body := env.call(t, token, "add_session_item", gin.H{
		"session_id": sess.ID, "set_id": 1, "item_id": 1,
		"attrs": gin.H{"location": "mic.mrc", "micThumbData": encoded},
	})
	require.Equal(t, http.StatusOK, code, string(body))

	info, err := os.Stat(filepath.Join(env.dataPath, sess.DataPath))
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(thumb)/10), "thumbnail should be stored compressed")

	code, body = env.call(t, token, "get_session_items", gin.H{"session_id": sess.ID, "set_id": 1, "attr_list": []string{"micThumbData"}})
	require.Equal(t, http.StatusOK, code, string(body))
	var items []map[string]any
	require.NoError(t, json.Unmarshal(body, &items))
	require.Len(t, items, 1)
	assert.Equal(t, encoded, items[0]["micThumbData"])
}

func TestStatusMapping(t *testing.T) {
	cases := map[error]int{
		errBadRequest:               http.StatusBadRequest,
		errForbidden:                http.StatusForbidden,
		errUnauthorized:             http.StatusUnauthorized,
		db.ErrNotFound:              http.StatusNotFound,
		db.ErrDuplicate:             http.StatusConflict,
		sessiondata.ErrItemExists:   http.StatusConflict,
		sessiondata.ErrSetExists:    http.StatusConflict,
		sessiondata.ErrSetNotFound:  http.StatusNotFound,
		sessiondata.ErrItemNotFound: http.StatusNotFound,
		sessiondata.ErrReadOnly:     http.StatusBadRequest,
		sessions.ErrMissingForm:     http.StatusNotFound,
		sessions.ErrMissingSection:  http.StatusNotFound,
		sessiondata.ErrChecksum:     http.StatusInternalServerError,
		context.Canceled:            http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
	assert.Equal(t, "Only managers can perform this operation", message(requireManager(&model.User{})))
}
