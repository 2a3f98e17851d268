// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"

	"github.com/3dem/emhub/internal/model"
)

// wipe order respects application_users -> applications.
var backupTables = []string{
	"application_users", "operation_logs", "transactions", "invoice_periods", "forms",
	"sessions", "bookings", "applications", "templates", "resources", "users",
}

func scanAll[M any, T any](ctx context.Context, idb bun.IDB, conv func(M) T) ([]T, error) {
	var ms []M
	if err := idb.NewSelect().Model(&ms).OrderExpr("id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	return convertAll(ms, conv), nil
}

// ExportAllBun reads every table into a model.BackupData inside one transaction.
func ExportAllBun(ctx context.Context, bdb *bun.DB) (*model.BackupData, error) {
	var backup *model.BackupData
	err := WithTx(ctx, bdb, func(ctx context.Context, tx bun.Tx) error {
		b := &model.BackupData{SchemaVersion: model.BackupSchemaVersion, PasswordHashes: map[int]string{}}
		var err error
		if b.Users, err = scanAll(ctx, tx, userToModel); err != nil {
			return err
		}
		for _, u := range b.Users {
			if u.PasswordHash != "" {
				b.PasswordHashes[u.ID] = u.PasswordHash
			}
		}
		if b.Resources, err = scanAll(ctx, tx, resourceToModel); err != nil {
			return err
		}
		if b.Templates, err = scanAll(ctx, tx, templateToModel); err != nil {
			return err
		}
		if b.Applications, err = scanAll(ctx, tx, applicationToModel); err != nil {
			return err
		}
		if err := loadApplicationUsers(ctx, tx, b.Applications); err != nil {
			return err
		}
		if b.Bookings, err = scanAll(ctx, tx, bookingToModel); err != nil {
			return err
		}
		if b.Sessions, err = scanAll(ctx, tx, sessionToModel); err != nil {
			return err
		}
		if b.Forms, err = scanAll(ctx, tx, formToModel); err != nil {
			return err
		}
		if b.InvoicePeriods, err = scanAll(ctx, tx, invoicePeriodToModel); err != nil {
			return err
		}
		if b.Transactions, err = scanAll(ctx, tx, transactionToModel); err != nil {
			return err
		}
		if b.Logs, err = scanAll(ctx, tx, logToModel); err != nil {
			return err
		}
		backup = b
		return nil
	})
	return backup, err
}

// restoreRow inserts m unless full is false and a row with the same id exists.
func restoreRow[M any](ctx context.Context, tx bun.Tx, full bool, id int, m *M) error {
	if !full {
		exists, err := tx.NewSelect().Model((*M)(nil)).Where("id = ?", id).Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}
	return insertModel(ctx, tx, m)
}

// ImportAllBun restores backup. A full import wipes every table first; an
// integrating import only adds rows whose id is not present yet.
func ImportAllBun(ctx context.Context, bdb *bun.DB, backup *model.BackupData, full bool) error {
	if backup == nil {
		return fmt.Errorf("empty backup")
	}
	if backup.SchemaVersion > model.BackupSchemaVersion {
		return fmt.Errorf("backup schema version %d is newer than supported version %d", backup.SchemaVersion, model.BackupSchemaVersion)
	}
	err := WithTx(ctx, bdb, func(ctx context.Context, tx bun.Tx) error {
		if full {
			for _, t := range backupTables {
				if _, err := ExecRaw(ctx, tx, "DELETE FROM ?", bun.Ident(t)); err != nil {
					return fmt.Errorf("wipe %s: %w", t, err)
				}
			}
		}
		for i := range backup.Users {
			u := backup.Users[i]
			if hash, ok := backup.PasswordHashes[u.ID]; ok {
				u.PasswordHash = hash
			}
			if err := restoreRow(ctx, tx, full, u.ID, userFromModel(&u)); err != nil {
				return fmt.Errorf("restore user %d: %w", u.ID, err)
			}
		}
		for i := range backup.Resources {
			r := &backup.Resources[i]
			if err := restoreRow(ctx, tx, full, r.ID, resourceFromModel(r)); err != nil {
				return fmt.Errorf("restore resource %d: %w", r.ID, err)
			}
		}
		for i := range backup.Templates {
			t := &backup.Templates[i]
			if err := restoreRow(ctx, tx, full, t.ID, templateFromModel(t)); err != nil {
				return fmt.Errorf("restore template %d: %w", t.ID, err)
			}
		}
		for i := range backup.Applications {
			a := &backup.Applications[i]
			exists := false
			if !full {
				var err error
				exists, err = tx.NewSelect().Model((*ApplicationModel)(nil)).Where("id = ?", a.ID).Exists(ctx)
				if err != nil {
					return err
				}
			}
			if exists {
				continue
			}
			if err := insertModel(ctx, tx, applicationFromModel(a)); err != nil {
				return fmt.Errorf("restore application %d: %w", a.ID, err)
			}
			if err := setApplicationUsers(ctx, tx, a.ID, a.Users); err != nil {
				return err
			}
		}
		for i := range backup.Bookings {
			b := &backup.Bookings[i]
			if err := restoreRow(ctx, tx, full, b.ID, bookingFromModel(b)); err != nil {
				return fmt.Errorf("restore booking %d: %w", b.ID, err)
			}
		}
		for i := range backup.Sessions {
			s := &backup.Sessions[i]
			if err := restoreRow(ctx, tx, full, s.ID, sessionFromModel(s)); err != nil {
				return fmt.Errorf("restore session %d: %w", s.ID, err)
			}
		}
		for i := range backup.Forms {
			f := &backup.Forms[i]
			if err := restoreRow(ctx, tx, full, f.ID, formFromModel(f)); err != nil {
				return fmt.Errorf("restore form %d: %w", f.ID, err)
			}
		}
		for i := range backup.InvoicePeriods {
			p := &backup.InvoicePeriods[i]
			if err := restoreRow(ctx, tx, full, p.ID, invoicePeriodFromModel(p)); err != nil {
				return fmt.Errorf("restore invoice period %d: %w", p.ID, err)
			}
		}
		for i := range backup.Transactions {
			t := &backup.Transactions[i]
			if err := restoreRow(ctx, tx, full, t.ID, transactionFromModel(t)); err != nil {
				return fmt.Errorf("restore transaction %d: %w", t.ID, err)
			}
		}
		for _, l := range backup.Logs {
			m := &OperationLogModel{ID: l.ID, UserID: l.UserID, Type: l.Type, Name: l.Name, Attrs: l.Attrs, Timestamp: utc(l.Timestamp)}
			if err := restoreRow(ctx, tx, full, l.ID, m); err != nil {
				return fmt.Errorf("restore log %d: %w", l.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return resetSequences(ctx, bdb)
}

// resetSequences moves Postgres serial sequences past restored explicit ids.
func resetSequences(ctx context.Context, bdb *bun.DB) error {
	if bdb.Dialect().Name() != dialect.PG {
		return nil
	}
	for _, t := range backupTables {
		if t == "application_users" {
			continue
		}
		q := fmt.Sprintf("SELECT setval(pg_get_serial_sequence('%s', 'id'), GREATEST(COALESCE(MAX(id), 0), 1)) FROM %s", t, t)
		if _, err := bdb.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("reset sequence for %s: %w", t, err)
		}
	}
	return nil
}
