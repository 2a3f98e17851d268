// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/3dem/emhub/internal/model"
)

// Map-valued and list-valued fields are stored as JSON in TEXT columns and
// converted in the xxxToModel / xxxFromModel helpers below.

// UserModel maps the users table.
type UserModel struct {
	bun.BaseModel `bun:"table:users"`
	ID            int       `bun:"id,pk,autoincrement"`
	Username      string    `bun:"username"`
	Email         string    `bun:"email"`
	Phone         string    `bun:"phone"`
	Name          string    `bun:"name"`
	Created       time.Time `bun:"created"`
	Status        string    `bun:"status"`
	Roles         string    `bun:"roles"`
	PasswordHash  string    `bun:"password_hash"`
	ProfileImage  string    `bun:"profile_image"`
	PIID          *int      `bun:"pi_id"`
	Extra         string    `bun:"extra"`
}

// ResourceModel maps the resources table.
type ResourceModel struct {
	bun.BaseModel `bun:"table:resources"`
	ID            int    `bun:"id,pk,autoincrement"`
	Name          string `bun:"name"`
	Status        string `bun:"status"`
	Tags          string `bun:"tags"`
	Image         string `bun:"image"`
	Color         string `bun:"color"`
	Extra         string `bun:"extra"`
}

// TemplateModel maps the templates table.
type TemplateModel struct {
	bun.BaseModel `bun:"table:templates"`
	ID            int    `bun:"id,pk,autoincrement"`
	Status        string `bun:"status"`
	Title         string `bun:"title"`
	Description   string `bun:"description"`
	FormSchema    string `bun:"form_schema"`
	Extra         string `bun:"extra"`
}

// ApplicationModel maps the applications table. Members live in
// application_users.
type ApplicationModel struct {
	bun.BaseModel      `bun:"table:applications"`
	ID                 int       `bun:"id,pk,autoincrement"`
	Code               string    `bun:"code"`
	Created            time.Time `bun:"created"`
	Alias              string    `bun:"alias"`
	Status             string    `bun:"status"`
	Title              string    `bun:"title"`
	Description        string    `bun:"description"`
	InvoiceReference   string    `bun:"invoice_reference"`
	InvoiceAddress     string    `bun:"invoice_address"`
	ResourceAllocation string    `bun:"resource_allocation"`
	CreatorID          int       `bun:"creator_id"`
	TemplateID         int       `bun:"template_id"`
	Extra              string    `bun:"extra"`
}

// ApplicationUserModel maps the application_users join table.
type ApplicationUserModel struct {
	bun.BaseModel `bun:"table:application_users"`
	ApplicationID int `bun:"application_id,pk"`
	UserID        int `bun:"user_id,pk"`
}

// BookingModel maps the bookings table.
type BookingModel struct {
	bun.BaseModel `bun:"table:bookings"`
	ID            int       `bun:"id,pk,autoincrement"`
	Title         string    `bun:"title"`
	Start         time.Time `bun:"start"`
	End           time.Time `bun:"end"`
	Type          string    `bun:"type"`
	SlotAuth      string    `bun:"slot_auth"`
	Description   string    `bun:"description"`
	RepeatID      *string   `bun:"repeat_id"`
	RepeatValue   string    `bun:"repeat_value"`
	ResourceID    int       `bun:"resource_id"`
	CreatorID     int       `bun:"creator_id"`
	OwnerID       int       `bun:"owner_id"`
	OperatorID    *int      `bun:"operator_id"`
	ApplicationID *int      `bun:"application_id"`
	Experiment    string    `bun:"experiment"`
	Extra         string    `bun:"extra"`
}

// SessionModel maps the sessions table.
type SessionModel struct {
	bun.BaseModel `bun:"table:sessions"`
	ID            int        `bun:"id,pk,autoincrement"`
	Name          string     `bun:"name"`
	Start         time.Time  `bun:"start"`
	End           *time.Time `bun:"end"`
	Status        string     `bun:"status"`
	DataPath      string     `bun:"data_path"`
	BookingID     int        `bun:"booking_id"`
	ResourceID    int        `bun:"resource_id"`
	OperatorID    int        `bun:"operator_id"`
	Acquisition   string     `bun:"acquisition"`
	Stats         string     `bun:"stats"`
	Extra         string     `bun:"extra"`
}

// FormModel maps the forms table.
type FormModel struct {
	bun.BaseModel `bun:"table:forms"`
	ID            int    `bun:"id,pk,autoincrement"`
	Name          string `bun:"name"`
	Definition    string `bun:"definition"`
}

// InvoicePeriodModel maps the invoice_periods table.
type InvoicePeriodModel struct {
	bun.BaseModel `bun:"table:invoice_periods"`
	ID            int       `bun:"id,pk,autoincrement"`
	Start         time.Time `bun:"start"`
	End           time.Time `bun:"end"`
	Status        string    `bun:"status"`
	Extra         string    `bun:"extra"`
}

// TransactionModel maps the transactions table.
type TransactionModel struct {
	bun.BaseModel `bun:"table:transactions"`
	ID            int             `bun:"id,pk,autoincrement"`
	Date          time.Time       `bun:"date"`
	Amount        decimal.Decimal `bun:"amount"`
	Comment       string          `bun:"comment"`
	UserID        int             `bun:"user_id"`
	Extra         string          `bun:"extra"`
}

// OperationLogModel maps the operation_logs table.
type OperationLogModel struct {
	bun.BaseModel `bun:"table:operation_logs"`
	ID            int       `bun:"id,pk,autoincrement"`
	UserID        *int      `bun:"user_id"`
	Type          string    `bun:"type"`
	Name          string    `bun:"name"`
	Attrs         string    `bun:"attrs"`
	Timestamp     time.Time `bun:"timestamp"`
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

func userToModel(m UserModel) model.User {
	u := model.User{
		ID:           m.ID,
		Username:     m.Username,
		Email:        m.Email,
		Phone:        m.Phone,
		Name:         m.Name,
		Created:      utc(m.Created),
		Status:       m.Status,
		PasswordHash: m.PasswordHash,
		ProfileImage: m.ProfileImage,
		PIID:         m.PIID,
	}
	decodeJSON(m.Roles, &u.Roles)
	decodeJSON(m.Extra, &u.Extra)
	return u
}

func userFromModel(u *model.User) *UserModel {
	return &UserModel{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		Phone:        u.Phone,
		Name:         u.Name,
		Created:      utc(u.Created),
		Status:       u.Status,
		Roles:        encodeJSON(u.Roles),
		PasswordHash: u.PasswordHash,
		ProfileImage: u.ProfileImage,
		PIID:         u.PIID,
		Extra:        encodeJSON(u.Extra),
	}
}

func resourceToModel(m ResourceModel) model.Resource {
	r := model.Resource{ID: m.ID, Name: m.Name, Status: m.Status, Tags: m.Tags, Image: m.Image, Color: m.Color}
	decodeJSON(m.Extra, &r.Extra)
	return r
}

func resourceFromModel(r *model.Resource) *ResourceModel {
	return &ResourceModel{ID: r.ID, Name: r.Name, Status: r.Status, Tags: r.Tags, Image: r.Image, Color: r.Color, Extra: encodeJSON(r.Extra)}
}

func templateToModel(m TemplateModel) model.Template {
	t := model.Template{ID: m.ID, Status: m.Status, Title: m.Title, Description: m.Description}
	decodeJSON(m.FormSchema, &t.FormSchema)
	decodeJSON(m.Extra, &t.Extra)
	return t
}

func templateFromModel(t *model.Template) *TemplateModel {
	return &TemplateModel{
		ID:          t.ID,
		Status:      t.Status,
		Title:       t.Title,
		Description: t.Description,
		FormSchema:  encodeJSON(t.FormSchema),
		Extra:       encodeJSON(t.Extra),
	}
}

func applicationToModel(m ApplicationModel) model.Application {
	a := model.Application{
		ID:               m.ID,
		Code:             m.Code,
		Created:          utc(m.Created),
		Alias:            m.Alias,
		Status:           m.Status,
		Title:            m.Title,
		Description:      m.Description,
		InvoiceReference: m.InvoiceReference,
		InvoiceAddress:   m.InvoiceAddress,
		CreatorID:        m.CreatorID,
		TemplateID:       m.TemplateID,
	}
	decodeJSON(m.ResourceAllocation, &a.ResourceAllocation)
	decodeJSON(m.Extra, &a.Extra)
	return a
}

func applicationFromModel(a *model.Application) *ApplicationModel {
	return &ApplicationModel{
		ID:                 a.ID,
		Code:               a.Code,
		Created:            utc(a.Created),
		Alias:              a.Alias,
		Status:             a.Status,
		Title:              a.Title,
		Description:        a.Description,
		InvoiceReference:   a.InvoiceReference,
		InvoiceAddress:     a.InvoiceAddress,
		ResourceAllocation: encodeJSON(a.ResourceAllocation),
		CreatorID:          a.CreatorID,
		TemplateID:         a.TemplateID,
		Extra:              encodeJSON(a.Extra),
	}
}

func bookingToModel(m BookingModel) model.Booking {
	b := model.Booking{
		ID:            m.ID,
		Title:         m.Title,
		Start:         utc(m.Start),
		End:           utc(m.End),
		Type:          m.Type,
		Description:   m.Description,
		RepeatID:      m.RepeatID,
		RepeatValue:   m.RepeatValue,
		ResourceID:    m.ResourceID,
		CreatorID:     m.CreatorID,
		OwnerID:       m.OwnerID,
		OperatorID:    m.OperatorID,
		ApplicationID: m.ApplicationID,
	}
	decodeJSON(m.SlotAuth, &b.SlotAuth)
	decodeJSON(m.Experiment, &b.Experiment)
	decodeJSON(m.Extra, &b.Extra)
	return b
}

func bookingFromModel(b *model.Booking) *BookingModel {
	repeatValue := b.RepeatValue
	if repeatValue == "" {
		repeatValue = model.RepeatNone
	}
	bookingType := b.Type
	if bookingType == "" {
		bookingType = model.TypeBooking
	}
	return &BookingModel{
		ID:            b.ID,
		Title:         b.Title,
		Start:         utc(b.Start),
		End:           utc(b.End),
		Type:          bookingType,
		SlotAuth:      encodeJSON(b.SlotAuth),
		Description:   b.Description,
		RepeatID:      b.RepeatID,
		RepeatValue:   repeatValue,
		ResourceID:    b.ResourceID,
		CreatorID:     b.CreatorID,
		OwnerID:       b.OwnerID,
		OperatorID:    b.OperatorID,
		ApplicationID: b.ApplicationID,
		Experiment:    encodeJSON(b.Experiment),
		Extra:         encodeJSON(b.Extra),
	}
}

func sessionToModel(m SessionModel) model.Session {
	s := model.Session{
		ID:         m.ID,
		Name:       m.Name,
		Start:      utc(m.Start),
		Status:     m.Status,
		DataPath:   m.DataPath,
		BookingID:  m.BookingID,
		ResourceID: m.ResourceID,
		OperatorID: m.OperatorID,
	}
	if m.End != nil {
		end := m.End.UTC()
		s.End = &end
	}
	decodeJSON(m.Acquisition, &s.Acquisition)
	decodeJSON(m.Stats, &s.Stats)
	decodeJSON(m.Extra, &s.Extra)
	return s
}

func sessionFromModel(s *model.Session) *SessionModel {
	m := &SessionModel{
		ID:          s.ID,
		Name:        s.Name,
		Start:       utc(s.Start),
		Status:      s.Status,
		DataPath:    s.DataPath,
		BookingID:   s.BookingID,
		ResourceID:  s.ResourceID,
		OperatorID:  s.OperatorID,
		Acquisition: encodeJSON(s.Acquisition),
		Stats:       encodeJSON(s.Stats),
		Extra:       encodeJSON(s.Extra),
	}
	if s.End != nil {
		end := s.End.UTC()
		m.End = &end
	}
	return m
}

func formToModel(m FormModel) model.Form {
	f := model.Form{ID: m.ID, Name: m.Name}
	decodeJSON(m.Definition, &f.Definition)
	return f
}

func formFromModel(f *model.Form) *FormModel {
	return &FormModel{ID: f.ID, Name: f.Name, Definition: encodeJSON(f.Definition)}
}

func invoicePeriodToModel(m InvoicePeriodModel) model.InvoicePeriod {
	p := model.InvoicePeriod{ID: m.ID, Start: utc(m.Start), End: utc(m.End), Status: m.Status}
	decodeJSON(m.Extra, &p.Extra)
	return p
}

func invoicePeriodFromModel(p *model.InvoicePeriod) *InvoicePeriodModel {
	return &InvoicePeriodModel{ID: p.ID, Start: utc(p.Start), End: utc(p.End), Status: p.Status, Extra: encodeJSON(p.Extra)}
}

func transactionToModel(m TransactionModel) model.Transaction {
	t := model.Transaction{ID: m.ID, Date: utc(m.Date), Amount: m.Amount, Comment: m.Comment, UserID: m.UserID}
	decodeJSON(m.Extra, &t.Extra)
	return t
}

func transactionFromModel(t *model.Transaction) *TransactionModel {
	return &TransactionModel{ID: t.ID, Date: utc(t.Date), Amount: t.Amount, Comment: t.Comment, UserID: t.UserID, Extra: encodeJSON(t.Extra)}
}

func logToModel(m OperationLogModel) model.LogEntry {
	return model.LogEntry{ID: m.ID, UserID: m.UserID, Type: m.Type, Name: m.Name, Attrs: m.Attrs, Timestamp: utc(m.Timestamp)}
}
