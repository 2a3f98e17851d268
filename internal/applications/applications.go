// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package applications manages the PIs of an application and imports
// applications from order documents.
package applications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/logging"
	"github.com/3dem/emhub/internal/model"
)

// ErrInvalid marks requests that cannot be applied to an application.
var ErrInvalid = errors.New("invalid application request")

// Extra key linking a template to the order form it was created from.
const ExtraPortalIUID = "portal_iuid"

// MissingInvoiceRef is stored when an order has no invoice reference.
const MissingInvoiceRef = "MISSING_INVOICE_REF"

// Service runs application operations over a store.
type Service struct {
	store db.Store
}

// NewService returns a Service over store.
func NewService(store db.Store) *Service {
	return &Service{store: store}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// UpdatePIs adds and removes PIs from app.Users. Every id must belong to a
// PI user; adding a PI already in the application or removing one that is
// not are errors. All problems are reported together and app is left
// untouched when there is any.
func (s *Service) UpdatePIs(ctx context.Context, app *model.Application, add, remove []int) error {
	var errs []error
	piList := app.PIList()

	getPI := func(id int) *model.User {
		u, err := s.store.GetUser(ctx, id)
		switch {
		case errors.Is(err, db.ErrNotFound):
			errs = append(errs, invalid("Invalid user id: %d", id))
		case err != nil:
			errs = append(errs, err)
		case !u.IsPI():
			errs = append(errs, invalid("User %d is not a PI", id))
		default:
			return u
		}
		return nil
	}

	var toAdd, toRemove []int
	for _, id := range add {
		pi := getPI(id)
		if pi == nil {
			continue
		}
		if slices.Contains(piList, pi.ID) || slices.Contains(toAdd, pi.ID) {
			errs = append(errs, invalid("PI %s is already in the Application", pi.Name))
			continue
		}
		toAdd = append(toAdd, pi.ID)
	}
	for _, id := range remove {
		pi := getPI(id)
		if pi == nil {
			continue
		}
		if pi.ID == app.CreatorID {
			errs = append(errs, invalid("PI %s is the creator of the Application", pi.Name))
			continue
		}
		if !slices.Contains(app.Users, pi.ID) {
			errs = append(errs, invalid("PI %s is not in the Application", pi.Name))
			continue
		}
		toRemove = append(toRemove, pi.ID)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	users := slices.DeleteFunc(slices.Clone(app.Users), func(id int) bool {
		return slices.Contains(toRemove, id)
	})
	app.Users = append(users, toAdd...)
	return nil
}

// Update applies the PI changes and stores app.
func (s *Service) Update(ctx context.Context, app *model.Application, add, remove []int) error {
	if err := s.UpdatePIs(ctx, app, add, remove); err != nil {
		return err
	}
	return s.store.UpdateApplication(ctx, app)
}

// Order is an application order as exported by the facility's order portal.
type Order struct {
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	Created    string `json:"created"`
	Status     string `json:"status"`
	Owner      struct {
		Email string `json:"email"`
	} `json:"owner"`
	Fields struct {
		ProjectDes string `json:"project_des"`
		// The portal spells the key this way.
		InvoiceRef string  `json:"project_invoice_addess"`
		PIList     [][]any `json:"pi_list"`
	} `json:"fields"`
	Form struct {
		IUID  string `json:"iuid"`
		Title string `json:"title"`
	} `json:"form"`
}

// ParseOrder decodes an order document.
func ParseOrder(data []byte) (*Order, error) {
	var o Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("%w: decoding order: %v", ErrInvalid, err)
	}
	if o.Identifier == "" {
		return nil, invalid("order without identifier")
	}
	return &o, nil
}

// Importable reports whether an order's status allows importing it.
func (o *Order) Importable() bool {
	return o.Status == "accepted" || o.Status == "processing"
}

// PIEmails returns the lowercased emails listed in the order's PI list,
// given as [name, email] pairs.
func (o *Order) PIEmails() []string {
	var out []string
	for _, pair := range o.Fields.PIList {
		if len(pair) < 2 {
			continue
		}
		if email, ok := pair[1].(string); ok && email != "" {
			out = append(out, strings.ToLower(email))
		}
	}
	return out
}

// Import creates an active application from o. The code must be new, the
// order owner must be a PI user and the order must be accepted or being
// processed. The template is looked up by the order form's iuid and created
// when missing. PIs of the order's PI list are added when known.
func (s *Service) Import(ctx context.Context, o *Order) (*model.Application, error) {
	code := strings.ToUpper(strings.TrimSpace(o.Identifier))
	if _, err := s.store.GetApplicationByCode(ctx, code); err == nil {
		return nil, fmt.Errorf("%w: Application %s already exist", db.ErrDuplicate, code)
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	email := strings.ToLower(o.Owner.Email)
	owner, err := s.store.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if owner == nil || !owner.IsPI() {
		return nil, invalid("Order owner email (%s) not found as PI", email)
	}
	if !o.Importable() {
		return nil, invalid("Only applications with status 'accepted' or 'processing' can be imported")
	}

	tmpl, err := s.orderTemplate(ctx, o)
	if err != nil {
		return nil, err
	}

	app := &model.Application{
		Code:             code,
		Title:            o.Title,
		Status:           model.AppActive,
		Description:      o.Fields.ProjectDes,
		InvoiceReference: o.Fields.InvoiceRef,
		CreatorID:        owner.ID,
		TemplateID:       tmpl.ID,
	}
	if app.InvoiceReference == "" {
		app.InvoiceReference = MissingInvoiceRef
	}
	if o.Created != "" {
		created, err := parseTime(o.Created)
		if err != nil {
			return nil, invalid("Invalid created date '%s'", o.Created)
		}
		app.Created = created
	}
	for _, e := range o.PIEmails() {
		pi, err := s.store.GetUserByEmail(ctx, e)
		if errors.Is(err, db.ErrNotFound) {
			logging.Warnf("import %s: PI %s not found", code, e)
			continue
		}
		if err != nil {
			return nil, err
		}
		if pi.ID != owner.ID && !slices.Contains(app.Users, pi.ID) {
			app.Users = append(app.Users, pi.ID)
		}
	}
	if err := s.store.CreateApplication(ctx, app); err != nil {
		return nil, err
	}
	logging.Infof("imported application %s for %s", code, owner.Name)
	return app, nil
}

func (s *Service) orderTemplate(ctx context.Context, o *Order) (*model.Template, error) {
	templates, err := s.store.ListTemplates(ctx, db.Query{})
	if err != nil {
		return nil, err
	}
	for i := range templates {
		if templates[i].Extra.String(ExtraPortalIUID, "") == o.Form.IUID && o.Form.IUID != "" {
			return &templates[i], nil
		}
	}
	t := &model.Template{
		Title:  o.Form.Title,
		Status: model.TemplateActive,
		Extra:  model.Extra{ExtraPortalIUID: o.Form.IUID},
	}
	if err := s.store.CreateTemplate(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func parseTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
