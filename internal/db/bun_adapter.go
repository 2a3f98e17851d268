// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"time"

	"github.com/uptrace/bun"

	"github.com/3dem/emhub/internal/model"
)

// Generic row helpers shared by the entity adapters below. They accept
// bun.IDB so that they run equally on *bun.DB and inside a bun.Tx.

func insertModel[M any](ctx context.Context, idb bun.IDB, m *M) error {
	_, err := idb.NewInsert().Model(m).Exec(ctx)
	return MapDBError(err)
}

func updateModel[M any](ctx context.Context, idb bun.IDB, m *M) error {
	_, err := idb.NewUpdate().Model(m).WherePK().Exec(ctx)
	return MapDBError(err)
}

func deleteByID[M any](ctx context.Context, idb bun.IDB, id int) error {
	res, err := idb.NewDelete().Model((*M)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return MapDBError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func selectOne[M any](ctx context.Context, idb bun.IDB, column string, value any) (*M, error) {
	m := new(M)
	err := idb.NewSelect().Model(m).Where("? = ?", bun.Ident(column), value).Limit(1).Scan(ctx)
	if err != nil {
		return nil, MapDBError(err)
	}
	return m, nil
}

func selectMany[M any](ctx context.Context, idb bun.IDB, allowed columnSet, q Query) ([]M, error) {
	var ms []M
	sq, err := applyQuery(idb.NewSelect().Model(&ms), allowed, q)
	if err != nil {
		return nil, err
	}
	if err := sq.Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	return ms, nil
}

func convertAll[M any, T any](ms []M, conv func(M) T) []T {
	out := make([]T, 0, len(ms))
	for _, m := range ms {
		out = append(out, conv(m))
	}
	return out
}

// --- Users ---

// CreateUserBun inserts u and sets its id.
func CreateUserBun(ctx context.Context, idb bun.IDB, u *model.User) error {
	if u.Created.IsZero() {
		u.Created = time.Now().UTC()
	}
	if u.Status == "" {
		u.Status = model.StatusActive
	}
	m := userFromModel(u)
	if err := insertModel(ctx, idb, m); err != nil {
		return err
	}
	u.ID = m.ID
	return nil
}

// GetUserByBun returns the first user whose column equals value.
func GetUserByBun(ctx context.Context, idb bun.IDB, column string, value any) (*model.User, error) {
	m, err := selectOne[UserModel](ctx, idb, column, value)
	if err != nil {
		return nil, err
	}
	u := userToModel(*m)
	return &u, nil
}

// ListUsersBun returns users matching q.
func ListUsersBun(ctx context.Context, idb bun.IDB, q Query) ([]model.User, error) {
	ms, err := selectMany[UserModel](ctx, idb, userColumns, q)
	if err != nil {
		return nil, err
	}
	return convertAll(ms, userToModel), nil
}

// --- Resources ---

// CreateResourceBun inserts r and sets its id.
func CreateResourceBun(ctx context.Context, idb bun.IDB, r *model.Resource) error {
	if r.Status == "" {
		r.Status = model.ResourceActive
	}
	m := resourceFromModel(r)
	if err := insertModel(ctx, idb, m); err != nil {
		return err
	}
	r.ID = m.ID
	return nil
}

// GetResourceByBun returns the first resource whose column equals value.
func GetResourceByBun(ctx context.Context, idb bun.IDB, column string, value any) (*model.Resource, error) {
	m, err := selectOne[ResourceModel](ctx, idb, column, value)
	if err != nil {
		return nil, err
	}
	r := resourceToModel(*m)
	return &r, nil
}

// ListResourcesBun returns resources matching q.
func ListResourcesBun(ctx context.Context, idb bun.IDB, q Query) ([]model.Resource, error) {
	ms, err := selectMany[ResourceModel](ctx, idb, resourceColumns, q)
	if err != nil {
		return nil, err
	}
	return convertAll(ms, resourceToModel), nil
}

// --- Templates ---

// CreateTemplateBun inserts t and sets its id.
func CreateTemplateBun(ctx context.Context, idb bun.IDB, t *model.Template) error {
	if t.Status == "" {
		t.Status = model.TemplatePreparation
	}
	m := templateFromModel(t)
	if err := insertModel(ctx, idb, m); err != nil {
		return err
	}
	t.ID = m.ID
	return nil
}

// GetTemplateBun returns the template with the given id.
func GetTemplateBun(ctx context.Context, idb bun.IDB, id int) (*model.Template, error) {
	m, err := selectOne[TemplateModel](ctx, idb, "id", id)
	if err != nil {
		return nil, err
	}
	t := templateToModel(*m)
	return &t, nil
}

// ListTemplatesBun returns templates matching q.
func ListTemplatesBun(ctx context.Context, idb bun.IDB, q Query) ([]model.Template, error) {
	ms, err := selectMany[TemplateModel](ctx, idb, templateColumns, q)
	if err != nil {
		return nil, err
	}
	return convertAll(ms, templateToModel), nil
}

// --- Sessions ---

// CreateSessionBun inserts s and sets its id.
func CreateSessionBun(ctx context.Context, idb bun.IDB, s *model.Session) error {
	if s.Status == "" {
		s.Status = model.SessionPending
	}
	m := sessionFromModel(s)
	if err := insertModel(ctx, idb, m); err != nil {
		return err
	}
	s.ID = m.ID
	return nil
}

// GetSessionByBun returns the first session whose column equals value.
func GetSessionByBun(ctx context.Context, idb bun.IDB, column string, value any) (*model.Session, error) {
	m, err := selectOne[SessionModel](ctx, idb, column, value)
	if err != nil {
		return nil, err
	}
	s := sessionToModel(*m)
	return &s, nil
}

// ListSessionsBun returns sessions matching q.
func ListSessionsBun(ctx context.Context, idb bun.IDB, q Query) ([]model.Session, error) {
	ms, err := selectMany[SessionModel](ctx, idb, sessionColumns, q)
	if err != nil {
		return nil, err
	}
	return convertAll(ms, sessionToModel), nil
}

// --- Forms ---

// CreateFormBun inserts f and sets its id.
func CreateFormBun(ctx context.Context, idb bun.IDB, f *model.Form) error {
	m := formFromModel(f)
	if err := insertModel(ctx, idb, m); err != nil {
		return err
	}
	f.ID = m.ID
	return nil
}

// GetFormByBun returns the first form whose column equals value.
func GetFormByBun(ctx context.Context, idb bun.IDB, column string, value any) (*model.Form, error) {
	m, err := selectOne[FormModel](ctx, idb, column, value)
	if err != nil {
		return nil, err
	}
	f := formToModel(*m)
	return &f, nil
}

// ListFormsBun returns forms matching q.
func ListFormsBun(ctx context.Context, idb bun.IDB, q Query) ([]model.Form, error) {
	ms, err := selectMany[FormModel](ctx, idb, formColumns, q)
	if err != nil {
		return nil, err
	}
	return convertAll(ms, formToModel), nil
}

// --- Invoice periods and transactions ---

// CreateInvoicePeriodBun inserts p and sets its id.
func CreateInvoicePeriodBun(ctx context.Context, idb bun.IDB, p *model.InvoicePeriod) error {
	if p.Status == "" {
		p.Status = model.PeriodCreated
	}
	m := invoicePeriodFromModel(p)
	if err := insertModel(ctx, idb, m); err != nil {
		return err
	}
	p.ID = m.ID
	return nil
}

// GetInvoicePeriodBun returns the invoice period with the given id.
func GetInvoicePeriodBun(ctx context.Context, idb bun.IDB, id int) (*model.InvoicePeriod, error) {
	m, err := selectOne[InvoicePeriodModel](ctx, idb, "id", id)
	if err != nil {
		return nil, err
	}
	p := invoicePeriodToModel(*m)
	return &p, nil
}

// ListInvoicePeriodsBun returns invoice periods matching q.
func ListInvoicePeriodsBun(ctx context.Context, idb bun.IDB, q Query) ([]model.InvoicePeriod, error) {
	ms, err := selectMany[InvoicePeriodModel](ctx, idb, invoicePeriodColumns, q)
	if err != nil {
		return nil, err
	}
	return convertAll(ms, invoicePeriodToModel), nil
}

// CreateTransactionBun inserts t and sets its id.
func CreateTransactionBun(ctx context.Context, idb bun.IDB, t *model.Transaction) error {
	if t.Date.IsZero() {
		t.Date = time.Now().UTC()
	}
	m := transactionFromModel(t)
	if err := insertModel(ctx, idb, m); err != nil {
		return err
	}
	t.ID = m.ID
	return nil
}

// GetTransactionBun returns the transaction with the given id.
func GetTransactionBun(ctx context.Context, idb bun.IDB, id int) (*model.Transaction, error) {
	m, err := selectOne[TransactionModel](ctx, idb, "id", id)
	if err != nil {
		return nil, err
	}
	t := transactionToModel(*m)
	return &t, nil
}

// ListTransactionsBun returns transactions matching q.
func ListTransactionsBun(ctx context.Context, idb bun.IDB, q Query) ([]model.Transaction, error) {
	ms, err := selectMany[TransactionModel](ctx, idb, transactionColumns, q)
	if err != nil {
		return nil, err
	}
	return convertAll(ms, transactionToModel), nil
}

// --- Operation log ---

// LogOperationBun records a create/update/delete operation.
func LogOperationBun(ctx context.Context, idb bun.IDB, userID *int, opType, name string, attrs any) error {
	entry := &OperationLogModel{
		UserID:    userID,
		Type:      opType,
		Name:      name,
		Attrs:     encodeJSON(attrs),
		Timestamp: time.Now().UTC(),
	}
	return insertModel(ctx, idb, entry)
}

// ListLogsBun returns the latest log entries first. limit <= 0 returns all.
func ListLogsBun(ctx context.Context, idb bun.IDB, limit int) ([]model.LogEntry, error) {
	var ms []OperationLogModel
	sq := idb.NewSelect().Model(&ms).OrderExpr("id DESC")
	if limit > 0 {
		sq = sq.Limit(limit)
	}
	if err := sq.Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	return convertAll(ms, logToModel), nil
}
