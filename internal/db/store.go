// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"time"

	"github.com/3dem/emhub/internal/model"
)

// Cond is a single column filter, e.g. {Column: "status", Op: "=", Value: "active"}.
// Supported operators are =, !=, <, <=, >, >=, in and like.
type Cond struct {
	Column string `json:"column"`
	Op     string `json:"op"`
	Value  any    `json:"value"`
}

// Query narrows a List call. The zero Query lists everything ordered by id.
type Query struct {
	Conditions []Cond `json:"conditions"`
	// OrderBy is a column name, optionally followed by "desc".
	OrderBy string `json:"order_by"`
	// Tags is a boolean tag expression ("microscope & !talos"); resources only.
	Tags string `json:"tags"`
}

// Where is a shorthand for a Query with equality conditions.
func Where(pairs ...any) Query {
	var q Query
	for i := 0; i+1 < len(pairs); i += 2 {
		col, _ := pairs[i].(string)
		q.Conditions = append(q.Conditions, Cond{Column: col, Op: "=", Value: pairs[i+1]})
	}
	return q
}

// Store defines the set of methods that every database backend implements.
// Mutating methods record an entry in the operation log, attributed to the
// user set on ctx with WithActor.
type Store interface {
	CreateUser(ctx context.Context, u *model.User) error
	UpdateUser(ctx context.Context, u *model.User) error
	DeleteUser(ctx context.Context, id int) error
	GetUser(ctx context.Context, id int) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	ListUsers(ctx context.Context, q Query) ([]model.User, error)

	CreateResource(ctx context.Context, r *model.Resource) error
	UpdateResource(ctx context.Context, r *model.Resource) error
	DeleteResource(ctx context.Context, id int) error
	GetResource(ctx context.Context, id int) (*model.Resource, error)
	GetResourceByName(ctx context.Context, name string) (*model.Resource, error)
	ListResources(ctx context.Context, q Query) ([]model.Resource, error)

	CreateTemplate(ctx context.Context, t *model.Template) error
	UpdateTemplate(ctx context.Context, t *model.Template) error
	DeleteTemplate(ctx context.Context, id int) error
	GetTemplate(ctx context.Context, id int) (*model.Template, error)
	ListTemplates(ctx context.Context, q Query) ([]model.Template, error)

	CreateApplication(ctx context.Context, a *model.Application) error
	UpdateApplication(ctx context.Context, a *model.Application) error
	DeleteApplication(ctx context.Context, id int) error
	GetApplication(ctx context.Context, id int) (*model.Application, error)
	GetApplicationByCode(ctx context.Context, code string) (*model.Application, error)
	ListApplications(ctx context.Context, q Query) ([]model.Application, error)
	// ApplicationsForPI returns the applications created by piID plus the
	// ones listing piID as a member, ordered by id.
	ApplicationsForPI(ctx context.Context, piID int) ([]model.Application, error)

	CreateBooking(ctx context.Context, b *model.Booking) error
	UpdateBooking(ctx context.Context, b *model.Booking) error
	DeleteBooking(ctx context.Context, id int) error
	GetBooking(ctx context.Context, id int) (*model.Booking, error)
	ListBookings(ctx context.Context, q Query) ([]model.Booking, error)
	// BookingsInRange returns the candidate bookings touching [start, end]
	// ordered by start. resourceID 0 means every resource.
	BookingsInRange(ctx context.Context, start, end time.Time, resourceID int) ([]model.Booking, error)
	BookingsByRepeatID(ctx context.Context, repeatID string) ([]model.Booking, error)
	// SaveBookings creates, updates and deletes bookings in one transaction.
	// Created bookings get their ids assigned in place.
	SaveBookings(ctx context.Context, create []*model.Booking, update []*model.Booking, del []int) error

	CreateSession(ctx context.Context, s *model.Session) error
	UpdateSession(ctx context.Context, s *model.Session) error
	DeleteSession(ctx context.Context, id int) error
	GetSession(ctx context.Context, id int) (*model.Session, error)
	GetSessionByName(ctx context.Context, name string) (*model.Session, error)
	ListSessions(ctx context.Context, q Query) ([]model.Session, error)

	CreateForm(ctx context.Context, f *model.Form) error
	UpdateForm(ctx context.Context, f *model.Form) error
	DeleteForm(ctx context.Context, id int) error
	GetForm(ctx context.Context, id int) (*model.Form, error)
	GetFormByName(ctx context.Context, name string) (*model.Form, error)
	ListForms(ctx context.Context, q Query) ([]model.Form, error)

	CreateInvoicePeriod(ctx context.Context, p *model.InvoicePeriod) error
	UpdateInvoicePeriod(ctx context.Context, p *model.InvoicePeriod) error
	DeleteInvoicePeriod(ctx context.Context, id int) error
	GetInvoicePeriod(ctx context.Context, id int) (*model.InvoicePeriod, error)
	ListInvoicePeriods(ctx context.Context, q Query) ([]model.InvoicePeriod, error)

	CreateTransaction(ctx context.Context, t *model.Transaction) error
	UpdateTransaction(ctx context.Context, t *model.Transaction) error
	DeleteTransaction(ctx context.Context, id int) error
	GetTransaction(ctx context.Context, id int) (*model.Transaction, error)
	ListTransactions(ctx context.Context, q Query) ([]model.Transaction, error)

	LogOperation(ctx context.Context, userID *int, opType, name string, attrs any) error
	// ListLogs returns the most recent operation log entries first.
	ListLogs(ctx context.Context, limit int) ([]model.LogEntry, error)

	ExportAll(ctx context.Context) (*model.BackupData, error)
	// ImportAll restores data. With full set every table is wiped first;
	// otherwise rows whose id already exists are kept.
	ImportAll(ctx context.Context, data *model.BackupData, full bool) error

	Close() error
}
