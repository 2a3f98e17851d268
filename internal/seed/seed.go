// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package seed loads a TOML dataset of users, resources, templates,
// applications and forms into an empty database.
package seed

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/forms"
	"github.com/3dem/emhub/internal/logging"
	"github.com/3dem/emhub/internal/model"
)

//go:embed seed.toml
var defaultData []byte

// ErrNotEmpty is returned when the target database already has users.
var ErrNotEmpty = errors.New("database is not empty")

type userSeed struct {
	Username string   `toml:"username"`
	Name     string   `toml:"name"`
	Email    string   `toml:"email"`
	Phone    string   `toml:"phone"`
	Roles    []string `toml:"roles"`
	Password string   `toml:"password"`
	PI       string   `toml:"pi"`
}

type resourceSeed struct {
	Name   string         `toml:"name"`
	Tags   string         `toml:"tags"`
	Color  string         `toml:"color"`
	Status string         `toml:"status"`
	Extra  map[string]any `toml:"extra"`
}

type templateSeed struct {
	Title       string `toml:"title"`
	Description string `toml:"description"`
	Status      string `toml:"status"`
}

type applicationSeed struct {
	Code             string         `toml:"code"`
	Title            string         `toml:"title"`
	Alias            string         `toml:"alias"`
	Status           string         `toml:"status"`
	Creator          string         `toml:"creator"`
	PIs              []string       `toml:"pis"`
	Template         string         `toml:"template"`
	InvoiceReference string         `toml:"invoice_reference"`
	Quota            map[string]int `toml:"quota"`
	NoSlot           []string       `toml:"noslot"`
}

type formSeed struct {
	Name       string `toml:"name"`
	Definition string `toml:"definition"`
}

// Dataset is the decoded content of a seed file.
type Dataset struct {
	Users        []userSeed        `toml:"users"`
	Resources    []resourceSeed    `toml:"resources"`
	Templates    []templateSeed    `toml:"templates"`
	Applications []applicationSeed `toml:"applications"`
	Forms        []formSeed        `toml:"forms"`
}

// Summary counts the created rows.
type Summary struct {
	Users, Resources, Templates, Applications, Forms int
}

func (s Summary) String() string {
	return fmt.Sprintf("%d users, %d resources, %d templates, %d applications, %d forms",
		s.Users, s.Resources, s.Templates, s.Applications, s.Forms)
}

// Parse decodes a TOML dataset, rejecting unknown keys.
func Parse(data []byte) (*Dataset, error) {
	var ds Dataset
	md, err := toml.Decode(string(data), &ds)
	if err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("parse seed: unknown keys %s", strings.Join(keys, ", "))
	}
	return &ds, nil
}

// Default returns the embedded demo dataset.
func Default() (*Dataset, error) {
	return Parse(defaultData)
}

// LoadFile reads a dataset from path, or the embedded one when path is empty.
func LoadFile(path string) (*Dataset, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Apply inserts ds into st, which must not have any user yet. now is used
// as the creation time of the applications.
func Apply(ctx context.Context, st db.Store, ds *Dataset, now time.Time) (Summary, error) {
	var sum Summary
	existing, err := st.ListUsers(ctx, db.Query{})
	if err != nil {
		return sum, err
	}
	if len(existing) > 0 {
		return sum, ErrNotEmpty
	}

	users := map[string]*model.User{}
	for _, us := range ds.Users {
		u := &model.User{Username: us.Username, Name: us.Name, Email: us.Email, Phone: us.Phone, Roles: us.Roles}
		if us.Password != "" {
			if err := u.SetPassword(us.Password); err != nil {
				return sum, fmt.Errorf("user %s: %w", us.Username, err)
			}
		}
		if err := st.CreateUser(ctx, u); err != nil {
			return sum, fmt.Errorf("user %s: %w", us.Username, err)
		}
		users[us.Username] = u
		sum.Users++
	}
	// PIs are linked once every user exists.
	for _, us := range ds.Users {
		if us.PI == "" {
			continue
		}
		pi, ok := users[us.PI]
		if !ok {
			return sum, fmt.Errorf("user %s: unknown pi %q", us.Username, us.PI)
		}
		u := users[us.Username]
		u.PIID = &pi.ID
		if err := st.UpdateUser(ctx, u); err != nil {
			return sum, fmt.Errorf("user %s: %w", us.Username, err)
		}
	}

	resources := map[string]*model.Resource{}
	for _, rs := range ds.Resources {
		r := &model.Resource{Name: rs.Name, Tags: rs.Tags, Color: rs.Color, Status: rs.Status, Extra: model.Extra(rs.Extra)}
		if err := st.CreateResource(ctx, r); err != nil {
			return sum, fmt.Errorf("resource %s: %w", rs.Name, err)
		}
		resources[rs.Name] = r
		sum.Resources++
	}

	templates := map[string]*model.Template{}
	for _, ts := range ds.Templates {
		t := &model.Template{Title: ts.Title, Description: ts.Description, Status: ts.Status}
		if err := st.CreateTemplate(ctx, t); err != nil {
			return sum, fmt.Errorf("template %s: %w", ts.Title, err)
		}
		templates[ts.Title] = t
		sum.Templates++
	}

	for _, as := range ds.Applications {
		a, err := buildApplication(as, users, resources, templates)
		if err != nil {
			return sum, err
		}
		a.Created = now.UTC()
		if err := st.CreateApplication(ctx, a); err != nil {
			return sum, fmt.Errorf("application %s: %w", as.Code, err)
		}
		sum.Applications++
	}

	for _, fs := range ds.Forms {
		def, err := forms.Parse([]byte(fs.Definition))
		if err != nil {
			return sum, fmt.Errorf("form %s: %w", fs.Name, err)
		}
		extra, err := def.Extra()
		if err != nil {
			return sum, fmt.Errorf("form %s: %w", fs.Name, err)
		}
		if err := st.CreateForm(ctx, &model.Form{Name: fs.Name, Definition: extra}); err != nil {
			return sum, fmt.Errorf("form %s: %w", fs.Name, err)
		}
		sum.Forms++
	}

	logging.Infof("seeded %s", sum)
	return sum, nil
}

func buildApplication(as applicationSeed, users map[string]*model.User, resources map[string]*model.Resource, templates map[string]*model.Template) (*model.Application, error) {
	creator, ok := users[as.Creator]
	if !ok {
		return nil, fmt.Errorf("application %s: unknown creator %q", as.Code, as.Creator)
	}
	a := &model.Application{
		Code:             strings.ToUpper(as.Code),
		Title:            as.Title,
		Alias:            as.Alias,
		Status:           as.Status,
		InvoiceReference: as.InvoiceReference,
		CreatorID:        creator.ID,
	}
	a.ResourceAllocation.Quota = as.Quota
	for _, name := range as.PIs {
		pi, ok := users[name]
		if !ok {
			return nil, fmt.Errorf("application %s: unknown pi %q", as.Code, name)
		}
		a.Users = append(a.Users, pi.ID)
	}
	for _, name := range as.NoSlot {
		r, ok := resources[name]
		if !ok {
			return nil, fmt.Errorf("application %s: unknown resource %q", as.Code, name)
		}
		a.ResourceAllocation.NoSlot = append(a.ResourceAllocation.NoSlot, r.ID)
	}
	if as.Template != "" {
		t, ok := templates[as.Template]
		if !ok {
			return nil, fmt.Errorf("application %s: unknown template %q", as.Code, as.Template)
		}
		a.TemplateID = t.ID
	}
	return a, nil
}
