// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/3dem/emhub/internal/db/tags"
	"github.com/3dem/emhub/internal/model"
)

// bunStore implements Store on top of a *bun.DB. The dialect specific store
// types embed it.
type bunStore struct {
	bun *bun.DB
}

// logOp records a successful mutation; logging failures never fail the
// mutation itself.
func (s *bunStore) logOp(ctx context.Context, opType, name string, attrs any) {
	var uid *int
	if id, ok := ActorFrom(ctx); ok {
		uid = &id
	}
	if err := s.LogOperation(ctx, uid, opType, name, attrs); err != nil {
		dbLogf("db: could not record %s: %v", name, err)
	}
}

func idAttrs(id int) map[string]any { return map[string]any{"id": id} }

// --- Users ---

func (s *bunStore) CreateUser(ctx context.Context, u *model.User) error {
	err := CreateUserBun(ctx, s.bun, u)
	if err == nil {
		s.logOp(ctx, "create", "create_user", u)
	}
	return err
}

func (s *bunStore) UpdateUser(ctx context.Context, u *model.User) error {
	err := updateModel(ctx, s.bun, userFromModel(u))
	if err == nil {
		s.logOp(ctx, "update", "update_user", u)
	}
	return err
}

func (s *bunStore) DeleteUser(ctx context.Context, id int) error {
	err := deleteByID[UserModel](ctx, s.bun, id)
	if err == nil {
		s.logOp(ctx, "delete", "delete_user", idAttrs(id))
	}
	return err
}

func (s *bunStore) GetUser(ctx context.Context, id int) (*model.User, error) {
	return GetUserByBun(ctx, s.bun, "id", id)
}

func (s *bunStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return GetUserByBun(ctx, s.bun, "username", username)
}

func (s *bunStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return GetUserByBun(ctx, s.bun, "email", email)
}

func (s *bunStore) ListUsers(ctx context.Context, q Query) ([]model.User, error) {
	return ListUsersBun(ctx, s.bun, q)
}

// --- Resources ---

func (s *bunStore) CreateResource(ctx context.Context, r *model.Resource) error {
	err := CreateResourceBun(ctx, s.bun, r)
	if err == nil {
		s.logOp(ctx, "create", "create_resource", r)
	}
	return err
}

func (s *bunStore) UpdateResource(ctx context.Context, r *model.Resource) error {
	err := updateModel(ctx, s.bun, resourceFromModel(r))
	if err == nil {
		s.logOp(ctx, "update", "update_resource", r)
	}
	return err
}

func (s *bunStore) DeleteResource(ctx context.Context, id int) error {
	err := deleteByID[ResourceModel](ctx, s.bun, id)
	if err == nil {
		s.logOp(ctx, "delete", "delete_resource", idAttrs(id))
	}
	return err
}

func (s *bunStore) GetResource(ctx context.Context, id int) (*model.Resource, error) {
	return GetResourceByBun(ctx, s.bun, "id", id)
}

func (s *bunStore) GetResourceByName(ctx context.Context, name string) (*model.Resource, error) {
	return GetResourceByBun(ctx, s.bun, "name", name)
}

// ListResources applies q.Tags in memory after the SQL filters.
func (s *bunStore) ListResources(ctx context.Context, q Query) ([]model.Resource, error) {
	var match tags.Matcher
	if q.Tags != "" {
		m, err := tags.Parse(q.Tags)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		match = m
	}
	rs, err := ListResourcesBun(ctx, s.bun, q)
	if err != nil || match == nil {
		return rs, err
	}
	out := rs[:0]
	for _, r := range rs {
		if match(r.TagList()) {
			out = append(out, r)
		}
	}
	return out, nil
}

// --- Templates ---

func (s *bunStore) CreateTemplate(ctx context.Context, t *model.Template) error {
	err := CreateTemplateBun(ctx, s.bun, t)
	if err == nil {
		s.logOp(ctx, "create", "create_template", t)
	}
	return err
}

func (s *bunStore) UpdateTemplate(ctx context.Context, t *model.Template) error {
	err := updateModel(ctx, s.bun, templateFromModel(t))
	if err == nil {
		s.logOp(ctx, "update", "update_template", t)
	}
	return err
}

func (s *bunStore) DeleteTemplate(ctx context.Context, id int) error {
	err := deleteByID[TemplateModel](ctx, s.bun, id)
	if err == nil {
		s.logOp(ctx, "delete", "delete_template", idAttrs(id))
	}
	return err
}

func (s *bunStore) GetTemplate(ctx context.Context, id int) (*model.Template, error) {
	return GetTemplateBun(ctx, s.bun, id)
}

func (s *bunStore) ListTemplates(ctx context.Context, q Query) ([]model.Template, error) {
	return ListTemplatesBun(ctx, s.bun, q)
}

// --- Applications ---

func (s *bunStore) CreateApplication(ctx context.Context, a *model.Application) error {
	err := WithTx(ctx, s.bun, func(ctx context.Context, tx bun.Tx) error {
		return CreateApplicationBun(ctx, tx, a)
	})
	if err == nil {
		s.logOp(ctx, "create", "create_application", a)
	}
	return err
}

func (s *bunStore) UpdateApplication(ctx context.Context, a *model.Application) error {
	err := WithTx(ctx, s.bun, func(ctx context.Context, tx bun.Tx) error {
		return UpdateApplicationBun(ctx, tx, a)
	})
	if err == nil {
		s.logOp(ctx, "update", "update_application", a)
	}
	return err
}

func (s *bunStore) DeleteApplication(ctx context.Context, id int) error {
	err := WithTx(ctx, s.bun, func(ctx context.Context, tx bun.Tx) error {
		return DeleteApplicationBun(ctx, tx, id)
	})
	if err == nil {
		s.logOp(ctx, "delete", "delete_application", idAttrs(id))
	}
	return err
}

func (s *bunStore) GetApplication(ctx context.Context, id int) (*model.Application, error) {
	return GetApplicationByBun(ctx, s.bun, "id", id)
}

func (s *bunStore) GetApplicationByCode(ctx context.Context, code string) (*model.Application, error) {
	return GetApplicationByBun(ctx, s.bun, "code", code)
}

func (s *bunStore) ListApplications(ctx context.Context, q Query) ([]model.Application, error) {
	return ListApplicationsBun(ctx, s.bun, q)
}

func (s *bunStore) ApplicationsForPI(ctx context.Context, piID int) ([]model.Application, error) {
	return ApplicationsForPIBun(ctx, s.bun, piID)
}

// --- Bookings ---

func (s *bunStore) CreateBooking(ctx context.Context, b *model.Booking) error {
	err := CreateBookingBun(ctx, s.bun, b)
	if err == nil {
		s.logOp(ctx, "create", "create_booking", b)
	}
	return err
}

func (s *bunStore) UpdateBooking(ctx context.Context, b *model.Booking) error {
	err := updateModel(ctx, s.bun, bookingFromModel(b))
	if err == nil {
		s.logOp(ctx, "update", "update_booking", b)
	}
	return err
}

func (s *bunStore) DeleteBooking(ctx context.Context, id int) error {
	err := deleteByID[BookingModel](ctx, s.bun, id)
	if err == nil {
		s.logOp(ctx, "delete", "delete_booking", idAttrs(id))
	}
	return err
}

func (s *bunStore) GetBooking(ctx context.Context, id int) (*model.Booking, error) {
	return GetBookingBun(ctx, s.bun, id)
}

func (s *bunStore) ListBookings(ctx context.Context, q Query) ([]model.Booking, error) {
	return ListBookingsBun(ctx, s.bun, q)
}

func (s *bunStore) BookingsInRange(ctx context.Context, start, end time.Time, resourceID int) ([]model.Booking, error) {
	return BookingsInRangeBun(ctx, s.bun, start, end, resourceID)
}

func (s *bunStore) BookingsByRepeatID(ctx context.Context, repeatID string) ([]model.Booking, error) {
	return BookingsByRepeatIDBun(ctx, s.bun, repeatID)
}

func (s *bunStore) SaveBookings(ctx context.Context, create, update []*model.Booking, del []int) error {
	if err := SaveBookingsBun(ctx, s.bun, create, update, del); err != nil {
		return err
	}
	for _, b := range create {
		s.logOp(ctx, "create", "create_booking", b)
	}
	for _, b := range update {
		s.logOp(ctx, "update", "update_booking", b)
	}
	for _, id := range del {
		s.logOp(ctx, "delete", "delete_booking", idAttrs(id))
	}
	return nil
}

// --- Sessions ---

func (s *bunStore) CreateSession(ctx context.Context, sess *model.Session) error {
	err := CreateSessionBun(ctx, s.bun, sess)
	if err == nil {
		s.logOp(ctx, "create", "create_session", sess)
	}
	return err
}

func (s *bunStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	err := updateModel(ctx, s.bun, sessionFromModel(sess))
	if err == nil {
		s.logOp(ctx, "update", "update_session", sess)
	}
	return err
}

func (s *bunStore) DeleteSession(ctx context.Context, id int) error {
	err := deleteByID[SessionModel](ctx, s.bun, id)
	if err == nil {
		s.logOp(ctx, "delete", "delete_session", idAttrs(id))
	}
	return err
}

func (s *bunStore) GetSession(ctx context.Context, id int) (*model.Session, error) {
	return GetSessionByBun(ctx, s.bun, "id", id)
}

func (s *bunStore) GetSessionByName(ctx context.Context, name string) (*model.Session, error) {
	return GetSessionByBun(ctx, s.bun, "name", name)
}

func (s *bunStore) ListSessions(ctx context.Context, q Query) ([]model.Session, error) {
	return ListSessionsBun(ctx, s.bun, q)
}

// --- Forms ---

func (s *bunStore) CreateForm(ctx context.Context, f *model.Form) error {
	err := CreateFormBun(ctx, s.bun, f)
	if err == nil {
		s.logOp(ctx, "create", "create_form", map[string]any{"id": f.ID, "name": f.Name})
	}
	return err
}

func (s *bunStore) UpdateForm(ctx context.Context, f *model.Form) error {
	err := updateModel(ctx, s.bun, formFromModel(f))
	if err == nil {
		s.logOp(ctx, "update", "update_form", map[string]any{"id": f.ID, "name": f.Name})
	}
	return err
}

func (s *bunStore) DeleteForm(ctx context.Context, id int) error {
	err := deleteByID[FormModel](ctx, s.bun, id)
	if err == nil {
		s.logOp(ctx, "delete", "delete_form", idAttrs(id))
	}
	return err
}

func (s *bunStore) GetForm(ctx context.Context, id int) (*model.Form, error) {
	return GetFormByBun(ctx, s.bun, "id", id)
}

func (s *bunStore) GetFormByName(ctx context.Context, name string) (*model.Form, error) {
	return GetFormByBun(ctx, s.bun, "name", name)
}

func (s *bunStore) ListForms(ctx context.Context, q Query) ([]model.Form, error) {
	return ListFormsBun(ctx, s.bun, q)
}

// --- Invoice periods ---

func (s *bunStore) CreateInvoicePeriod(ctx context.Context, p *model.InvoicePeriod) error {
	err := CreateInvoicePeriodBun(ctx, s.bun, p)
	if err == nil {
		s.logOp(ctx, "create", "create_invoice_period", p)
	}
	return err
}

func (s *bunStore) UpdateInvoicePeriod(ctx context.Context, p *model.InvoicePeriod) error {
	err := updateModel(ctx, s.bun, invoicePeriodFromModel(p))
	if err == nil {
		s.logOp(ctx, "update", "update_invoice_period", p)
	}
	return err
}

func (s *bunStore) DeleteInvoicePeriod(ctx context.Context, id int) error {
	err := deleteByID[InvoicePeriodModel](ctx, s.bun, id)
	if err == nil {
		s.logOp(ctx, "delete", "delete_invoice_period", idAttrs(id))
	}
	return err
}

func (s *bunStore) GetInvoicePeriod(ctx context.Context, id int) (*model.InvoicePeriod, error) {
	return GetInvoicePeriodBun(ctx, s.bun, id)
}

func (s *bunStore) ListInvoicePeriods(ctx context.Context, q Query) ([]model.InvoicePeriod, error) {
	return ListInvoicePeriodsBun(ctx, s.bun, q)
}

// --- Transactions ---

func (s *bunStore) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	err := CreateTransactionBun(ctx, s.bun, t)
	if err == nil {
		s.logOp(ctx, "create", "create_transaction", t)
	}
	return err
}

func (s *bunStore) UpdateTransaction(ctx context.Context, t *model.Transaction) error {
	err := updateModel(ctx, s.bun, transactionFromModel(t))
	if err == nil {
		s.logOp(ctx, "update", "update_transaction", t)
	}
	return err
}

func (s *bunStore) DeleteTransaction(ctx context.Context, id int) error {
	err := deleteByID[TransactionModel](ctx, s.bun, id)
	if err == nil {
		s.logOp(ctx, "delete", "delete_transaction", idAttrs(id))
	}
	return err
}

func (s *bunStore) GetTransaction(ctx context.Context, id int) (*model.Transaction, error) {
	return GetTransactionBun(ctx, s.bun, id)
}

func (s *bunStore) ListTransactions(ctx context.Context, q Query) ([]model.Transaction, error) {
	return ListTransactionsBun(ctx, s.bun, q)
}

// --- Operation log and backups ---

func (s *bunStore) LogOperation(ctx context.Context, userID *int, opType, name string, attrs any) error {
	return LogOperationBun(ctx, s.bun, userID, opType, name, attrs)
}

func (s *bunStore) ListLogs(ctx context.Context, limit int) ([]model.LogEntry, error) {
	return ListLogsBun(ctx, s.bun, limit)
}

func (s *bunStore) ExportAll(ctx context.Context) (*model.BackupData, error) {
	return ExportAllBun(ctx, s.bun)
}

func (s *bunStore) ImportAll(ctx context.Context, data *model.BackupData, full bool) error {
	err := ImportAllBun(ctx, s.bun, data, full)
	if err == nil {
		mode := "integrate"
		if full {
			mode = "full"
		}
		s.logOp(ctx, "update", "import_backup", map[string]any{"mode": mode})
	}
	return err
}

func (s *bunStore) Close() error {
	return s.bun.Close()
}
