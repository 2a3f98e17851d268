// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/3dem/emhub/internal/model"
)

// --- Applications ---

// loadApplicationUsers fills the Users list of every application in apps
// with a single query on application_users.
func loadApplicationUsers(ctx context.Context, idb bun.IDB, apps []model.Application) error {
	if len(apps) == 0 {
		return nil
	}
	ids := make([]int, 0, len(apps))
	index := make(map[int]int, len(apps))
	for i, a := range apps {
		ids = append(ids, a.ID)
		index[a.ID] = i
	}
	var rows []ApplicationUserModel
	err := idb.NewSelect().Model(&rows).
		Where("application_id IN (?)", bun.In(ids)).
		OrderExpr("application_id ASC, user_id ASC").
		Scan(ctx)
	if err != nil {
		return MapDBError(err)
	}
	for _, r := range rows {
		i := index[r.ApplicationID]
		apps[i].Users = append(apps[i].Users, r.UserID)
	}
	return nil
}

// setApplicationUsers replaces the member list of an application.
func setApplicationUsers(ctx context.Context, idb bun.IDB, appID int, users []int) error {
	if _, err := idb.NewDelete().Model((*ApplicationUserModel)(nil)).Where("application_id = ?", appID).Exec(ctx); err != nil {
		return MapDBError(err)
	}
	seen := make(map[int]bool, len(users))
	for _, uid := range users {
		if seen[uid] {
			continue
		}
		seen[uid] = true
		if err := insertModel(ctx, idb, &ApplicationUserModel{ApplicationID: appID, UserID: uid}); err != nil {
			return err
		}
	}
	return nil
}

// CreateApplicationBun inserts a and its members and sets its id.
func CreateApplicationBun(ctx context.Context, idb bun.IDB, a *model.Application) error {
	if a.Created.IsZero() {
		a.Created = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = model.AppPreparation
	}
	m := applicationFromModel(a)
	if err := insertModel(ctx, idb, m); err != nil {
		return err
	}
	a.ID = m.ID
	return setApplicationUsers(ctx, idb, a.ID, a.Users)
}

// UpdateApplicationBun saves a and replaces its member list.
func UpdateApplicationBun(ctx context.Context, idb bun.IDB, a *model.Application) error {
	if err := updateModel(ctx, idb, applicationFromModel(a)); err != nil {
		return err
	}
	return setApplicationUsers(ctx, idb, a.ID, a.Users)
}

// DeleteApplicationBun removes an application and its membership rows.
func DeleteApplicationBun(ctx context.Context, idb bun.IDB, id int) error {
	if _, err := idb.NewDelete().Model((*ApplicationUserModel)(nil)).Where("application_id = ?", id).Exec(ctx); err != nil {
		return MapDBError(err)
	}
	return deleteByID[ApplicationModel](ctx, idb, id)
}

// GetApplicationByBun returns the first application whose column equals value.
func GetApplicationByBun(ctx context.Context, idb bun.IDB, column string, value any) (*model.Application, error) {
	m, err := selectOne[ApplicationModel](ctx, idb, column, value)
	if err != nil {
		return nil, err
	}
	apps := []model.Application{applicationToModel(*m)}
	if err := loadApplicationUsers(ctx, idb, apps); err != nil {
		return nil, err
	}
	return &apps[0], nil
}

// ListApplicationsBun returns applications matching q with their members.
func ListApplicationsBun(ctx context.Context, idb bun.IDB, q Query) ([]model.Application, error) {
	ms, err := selectMany[ApplicationModel](ctx, idb, applicationColumns, q)
	if err != nil {
		return nil, err
	}
	apps := convertAll(ms, applicationToModel)
	if err := loadApplicationUsers(ctx, idb, apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// ApplicationsForPIBun returns applications created by piID or listing it
// as a member.
func ApplicationsForPIBun(ctx context.Context, idb bun.IDB, piID int) ([]model.Application, error) {
	var ms []ApplicationModel
	member := idb.NewSelect().Model((*ApplicationUserModel)(nil)).Column("application_id").Where("user_id = ?", piID)
	err := idb.NewSelect().Model(&ms).
		Where("creator_id = ?", piID).
		WhereOr("id IN (?)", member).
		OrderExpr("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, MapDBError(err)
	}
	apps := convertAll(ms, applicationToModel)
	if err := loadApplicationUsers(ctx, idb, apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// --- Bookings ---

// CreateBookingBun inserts b and sets its id.
func CreateBookingBun(ctx context.Context, idb bun.IDB, b *model.Booking) error {
	m := bookingFromModel(b)
	if err := insertModel(ctx, idb, m); err != nil {
		return err
	}
	b.ID = m.ID
	b.Type = m.Type
	b.RepeatValue = m.RepeatValue
	return nil
}

// GetBookingBun returns the booking with the given id.
func GetBookingBun(ctx context.Context, idb bun.IDB, id int) (*model.Booking, error) {
	m, err := selectOne[BookingModel](ctx, idb, "id", id)
	if err != nil {
		return nil, err
	}
	b := bookingToModel(*m)
	return &b, nil
}

// ListBookingsBun returns bookings matching q.
func ListBookingsBun(ctx context.Context, idb bun.IDB, q Query) ([]model.Booking, error) {
	ms, err := selectMany[BookingModel](ctx, idb, bookingColumns, q)
	if err != nil {
		return nil, err
	}
	return convertAll(ms, bookingToModel), nil
}

// BookingsInRangeBun returns bookings that start or end inside [start, end]
// or span it completely, ordered by start.
func BookingsInRangeBun(ctx context.Context, idb bun.IDB, start, end time.Time, resourceID int) ([]model.Booking, error) {
	start, end = start.UTC(), end.UTC()
	var ms []BookingModel
	sq := idb.NewSelect().Model(&ms).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("? >= ? AND ? <= ?", bun.Ident("start"), start, bun.Ident("start"), end).
				WhereOr("? >= ? AND ? <= ?", bun.Ident("end"), start, bun.Ident("end"), end).
				WhereOr("? <= ? AND ? >= ?", bun.Ident("start"), start, bun.Ident("end"), end)
		})
	if resourceID > 0 {
		sq = sq.Where("resource_id = ?", resourceID)
	}
	if err := sq.OrderExpr("? ASC, id ASC", bun.Ident("start")).Scan(ctx); err != nil {
		return nil, MapDBError(err)
	}
	return convertAll(ms, bookingToModel), nil
}

// BookingsByRepeatIDBun returns the bookings of a repeat series ordered by start.
func BookingsByRepeatIDBun(ctx context.Context, idb bun.IDB, repeatID string) ([]model.Booking, error) {
	var ms []BookingModel
	err := idb.NewSelect().Model(&ms).Where("repeat_id = ?", repeatID).OrderExpr("? ASC, id ASC", bun.Ident("start")).Scan(ctx)
	if err != nil {
		return nil, MapDBError(err)
	}
	return convertAll(ms, bookingToModel), nil
}

// SaveBookingsBun applies a batch of booking changes in one transaction.
func SaveBookingsBun(ctx context.Context, bdb *bun.DB, create, update []*model.Booking, del []int) error {
	return WithTx(ctx, bdb, func(ctx context.Context, tx bun.Tx) error {
		for _, b := range create {
			if err := CreateBookingBun(ctx, tx, b); err != nil {
				return fmt.Errorf("create booking: %w", err)
			}
		}
		for _, b := range update {
			if err := updateModel(ctx, tx, bookingFromModel(b)); err != nil {
				return fmt.Errorf("update booking %d: %w", b.ID, err)
			}
		}
		for _, id := range del {
			if err := deleteByID[BookingModel](ctx, tx, id); err != nil {
				return fmt.Errorf("delete booking %d: %w", id, err)
			}
		}
		return nil
	})
}
