// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package sessions manages microscope sessions: naming from the per-group
// counters kept in the 'sessions_config' form, the session data files and
// the payload polled by the folder worker.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/3dem/emhub/internal/content"
	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/forms"
	"github.com/3dem/emhub/internal/logging"
	"github.com/3dem/emhub/internal/model"
	"github.com/3dem/emhub/internal/sessiondata"
)

// Names of the forms used as configuration.
const (
	ConfigForm     = "sessions_config"
	ProcessingForm = "processing"
)

// DefaultGroup names sessions of bookings without an application.
const DefaultGroup = "fac"

var (
	// ErrMissingForm is returned when a configuration form is not in the store.
	ErrMissingForm = errors.New("missing form")
	// ErrMissingSection is returned when a configuration section is absent.
	ErrMissingSection = errors.New("missing form section")
)

// Manager runs session operations over a store and a data directory.
type Manager struct {
	store    db.Store
	dataPath string
	now      func() time.Time
	files    fileLocks
}

// NewManager returns a Manager keeping data files under dataPath.
func NewManager(store db.Store, dataPath string) *Manager {
	return &Manager{store: store, dataPath: dataPath, now: time.Now}
}

// fileLocks holds one mutex per data file path.
type fileLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *fileLocks) lock(path string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[string]*sync.Mutex{}
	}
	m, ok := l.locks[path]
	if !ok {
		m = &sync.Mutex{}
		l.locks[path] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// WithClock replaces the clock used for default start times.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// DataFile returns the location of the data file of s.
func (m *Manager) DataFile(s *model.Session) string {
	return filepath.Join(m.dataPath, s.DataPath)
}

func (m *Manager) form(ctx context.Context, name string) (*model.Form, *forms.Definition, error) {
	f, err := m.store.GetFormByName(ctx, name)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: '%s'", ErrMissingForm, name)
		}
		return nil, nil, err
	}
	def, err := forms.FromForm(f)
	if err != nil {
		return nil, nil, err
	}
	return f, def, nil
}

func (m *Manager) section(ctx context.Context, label string) (*forms.Section, error) {
	_, def, err := m.form(ctx, ConfigForm)
	if err != nil {
		return nil, err
	}
	s := def.Section(label)
	if s == nil {
		return nil, fmt.Errorf("%w: '%s' in %s", ErrMissingSection, label, ConfigForm)
	}
	return s, nil
}

// Counter returns the next session number of a group, 1 when unset.
func (m *Manager) Counter(ctx context.Context, group string) (int, error) {
	s, err := m.section(ctx, "counters")
	if err != nil {
		return 0, err
	}
	p := s.Param(group)
	if p == nil {
		return 1, nil
	}
	n, err := toInt(p.Value)
	if err != nil {
		return 0, fmt.Errorf("counter for %s: %w", group, err)
	}
	return n, nil
}

// SetCounter stores the next session number of a group.
func (m *Manager) SetCounter(ctx context.Context, group string, counter int) error {
	f, def, err := m.form(ctx, ConfigForm)
	if err != nil {
		return err
	}
	def.SetParam("counters", group, counter)
	if f.Definition, err = def.Extra(); err != nil {
		return err
	}
	return m.store.UpdateForm(ctx, f)
}

// Folders maps session groups to their root folder.
func (m *Manager) Folders(ctx context.Context) (map[string]string, error) {
	s, err := m.section(ctx, "folders")
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for k, v := range s.Values() {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}

// Cameras lists the cameras configured for a resource.
func (m *Manager) Cameras(ctx context.Context, resourceID int) ([]string, error) {
	s, err := m.section(ctx, "cameras")
	if err != nil {
		return nil, err
	}
	var cameras []string
	for i := range s.Params {
		if id, ok := s.Params[i].IntID(); ok && id == resourceID {
			cameras = s.Params[i].Enum.Strings()
		}
	}
	return cameras, nil
}

// DataDeletion returns the days a group keeps session data.
func (m *Manager) DataDeletion(ctx context.Context, group string) (int, error) {
	s, err := m.section(ctx, "data_deletion")
	if err != nil {
		return 0, err
	}
	p := s.Param(group)
	if p == nil {
		return 0, fmt.Errorf("no data deletion days for group '%s'", group)
	}
	return toInt(p.Value)
}

// ProcessingStep is one configurable step of a processing workflow.
type ProcessingStep struct {
	Name    string   `json:"name"`
	Options []string `json:"options"`
}

// Processing is a named processing workflow.
type Processing struct {
	Name  string           `json:"name"`
	Steps []ProcessingStep `json:"steps"`
}

// Processing returns the workflows defined by the 'processing' form, one per
// section.
func (m *Manager) Processing(ctx context.Context) ([]Processing, error) {
	_, def, err := m.form(ctx, ProcessingForm)
	if err != nil {
		return nil, err
	}
	out := make([]Processing, 0, len(def.Sections))
	for _, s := range def.Sections {
		p := Processing{Name: s.Label, Steps: []ProcessingStep{}}
		for i := range s.Params {
			p.Steps = append(p.Steps, ProcessingStep{Name: s.Params[i].Label, Options: s.Params[i].Enum.Strings()})
		}
		out = append(out, p)
	}
	return out, nil
}

// Info is the name assigned to a new session.
type Info struct {
	Code    string `json:"code"`
	Counter int    `json:"counter"`
	Name    string `json:"name"`
}

// FormatName joins a group code and counter: three letter codes are
// followed directly by the number ("cem00012"), longer ones by an
// underscore ("cem00012_00003").
func FormatName(code string, counter int) string {
	sep := "_"
	if len(code) == 3 {
		sep = ""
	}
	return fmt.Sprintf("%s%s%05d", code, sep, counter)
}

// ParseName splits a session name into its group code and counter.
func ParseName(name string) (string, int, error) {
	var code, num string
	if i := strings.LastIndex(name, "_"); i >= 0 {
		code, num = name[:i], name[i+1:]
	} else if len(name) > 3 {
		code, num = name[:3], name[3:]
	} else {
		return "", 0, fmt.Errorf("invalid session name '%s'", name)
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return "", 0, fmt.Errorf("invalid session name '%s'", name)
	}
	return code, n, nil
}

// NewSessionInfo names the next session of a booking after the lowercased
// code of its application.
func (m *Manager) NewSessionInfo(ctx context.Context, bookingID int) (*Info, error) {
	b, err := m.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	code := DefaultGroup
	if b.ApplicationID != nil {
		a, err := m.store.GetApplication(ctx, *b.ApplicationID)
		if err != nil {
			return nil, err
		}
		code = strings.ToLower(a.Code)
	}
	c, err := m.Counter(ctx, code)
	if err != nil {
		return nil, err
	}
	return &Info{Code: code, Counter: c, Name: FormatName(code, c)}, nil
}

// Create inserts s for its booking. Resource and operator come from the
// booking, start defaults to now and status to pending; the name is taken
// from NewSessionInfo. With createData an empty data file is written.
func (m *Manager) Create(ctx context.Context, s *model.Session, createData bool) error {
	b, err := m.store.GetBooking(ctx, s.BookingID)
	if err != nil {
		return fmt.Errorf("booking %d: %w", s.BookingID, err)
	}
	s.ResourceID = b.ResourceID
	s.OperatorID = b.OwnerID
	if b.OperatorID != nil {
		s.OperatorID = *b.OperatorID
	}
	if s.Start.IsZero() {
		s.Start = m.now().UTC()
	}
	if s.Status == "" {
		s.Status = model.SessionPending
	}
	info, err := m.NewSessionInfo(ctx, b.ID)
	if err != nil {
		return err
	}
	s.Name = info.Name

	if err := m.store.CreateSession(ctx, s); err != nil {
		return err
	}
	s.DataPath = fmt.Sprintf("session_%06d.cbor", s.ID)
	if err := m.store.UpdateSession(ctx, s); err != nil {
		return err
	}

	if createData {
		unlock := m.files.lock(m.DataFile(s))
		f, err := sessiondata.Open(m.DataFile(s), sessiondata.ModeAppend)
		if err == nil {
			err = f.Close()
		}
		unlock()
		if err != nil {
			return fmt.Errorf("create data file: %w", err)
		}
	}
	return m.SetCounter(ctx, info.Code, info.Counter+1)
}

// Update stores s and raises the group counter past the session number when
// the name was changed beyond it.
func (m *Manager) Update(ctx context.Context, s *model.Session) error {
	if err := m.store.UpdateSession(ctx, s); err != nil {
		return err
	}
	code, counter, err := ParseName(s.Name)
	if err != nil {
		logging.Warnf("session %d: %v", s.ID, err)
		return nil
	}
	c, err := m.Counter(ctx, code)
	if errors.Is(err, ErrMissingForm) {
		logging.Warnf("session %d: counters not updated: %v", s.ID, err)
		return nil
	}
	if err != nil {
		return err
	}
	if c < counter {
		return m.SetCounter(ctx, code, counter+1)
	}
	return nil
}

// Delete removes a session and its data file.
func (m *Manager) Delete(ctx context.Context, id int) (*model.Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return nil, err
	}
	if s.DataPath != "" {
		unlock := m.files.lock(m.DataFile(s))
		err := os.Remove(m.DataFile(s))
		unlock()
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return s, fmt.Errorf("remove data file: %w", err)
		}
	}
	return s, nil
}

// Load returns a session with its data file opened in mode. The caller
// closes the file.
func (m *Manager) Load(ctx context.Context, id int, mode string) (*model.Session, *sessiondata.File, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if s.DataPath == "" {
		return nil, nil, fmt.Errorf("session %d has no data file", id)
	}
	f, err := sessiondata.Open(m.DataFile(s), mode)
	if err != nil {
		return nil, nil, err
	}
	return s, f, nil
}

// Write opens the data file of session id for appending, runs fn and saves
// the file. Writers of the same file wait for each other, so concurrent
// changes are never lost. Nothing is saved when fn fails.
func (m *Manager) Write(ctx context.Context, id int, fn func(*sessiondata.File) error) error {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.DataPath == "" {
		return fmt.Errorf("session %d has no data file", id)
	}
	path := m.DataFile(s)
	unlock := m.files.lock(path)
	defer unlock()

	f, err := sessiondata.Open(path, sessiondata.ModeAppend)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Discard()
		return err
	}
	return f.Close()
}

// Person identifies a user in the worker payload.
type Person struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

func personOf(u *model.User) Person {
	if u == nil {
		return Person{}
	}
	return Person{Name: u.Name, Email: u.Email}
}

// PendingSession is what the folder worker needs to prepare a session.
type PendingSession struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	BookingID int       `json:"booking_id"`
	Start     time.Time `json:"start"`
	User      Person    `json:"user"`
	PI        Person    `json:"pi"`
	Operator  Person    `json:"operator"`
	Folder    string    `json:"folder"`
	Title     string    `json:"title"`
}

// Pending lists sessions waiting for their folder, as seen by viewer.
func (m *Manager) Pending(ctx context.Context, viewer *model.User) ([]PendingSession, error) {
	list, err := m.store.ListSessions(ctx, db.Where("status", model.SessionPending))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	folders, err := m.Folders(ctx)
	if err != nil {
		return nil, err
	}
	loader := content.NewLoader(m.store)
	out := make([]PendingSession, 0, len(list))
	for _, s := range list {
		p := PendingSession{ID: s.ID, Name: s.Name, BookingID: s.BookingID, Start: s.Start}
		if len(s.Name) >= 3 {
			p.Folder = folders[s.Name[:3]]
		}
		b, err := m.store.GetBooking(ctx, s.BookingID)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				return nil, err
			}
			logging.Warnf("session %s: booking %d not found", s.Name, s.BookingID)
			out = append(out, p)
			continue
		}
		rel, err := loader.Related(ctx, viewer, b)
		if err != nil {
			return nil, err
		}
		p.User = personOf(rel.Owner)
		p.PI = personOf(rel.PI)
		p.Operator = personOf(rel.Operator)
		p.Title = content.BookingToEvent(viewer, b, rel, content.EventOptions{}).Title
		out = append(out, p)
	}
	return out, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	}
	return 0, fmt.Errorf("not a number: %v", v)
}
