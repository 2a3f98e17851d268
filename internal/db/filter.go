// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

type columnSet map[string]bool

func columns(names ...string) columnSet {
	set := make(columnSet, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Filterable columns per table. JSON columns are not filterable.
var (
	userColumns          = columns("id", "username", "email", "phone", "name", "created", "status", "pi_id")
	resourceColumns      = columns("id", "name", "status", "tags", "color")
	templateColumns      = columns("id", "status", "title")
	applicationColumns   = columns("id", "code", "created", "alias", "status", "title", "creator_id", "template_id", "invoice_reference")
	bookingColumns       = columns("id", "title", "start", "end", "type", "repeat_id", "repeat_value", "resource_id", "creator_id", "owner_id", "operator_id", "application_id")
	sessionColumns       = columns("id", "name", "start", "end", "status", "data_path", "booking_id", "resource_id", "operator_id")
	formColumns          = columns("id", "name")
	invoicePeriodColumns = columns("id", "start", "end", "status")
	transactionColumns   = columns("id", "date", "user_id", "comment")
	timeColumns          = columns("created", "start", "end", "date")
)

// applyQuery translates q into Where/Order clauses on sq, rejecting columns
// outside allowed.
func applyQuery(sq *bun.SelectQuery, allowed columnSet, q Query) (*bun.SelectQuery, error) {
	for _, c := range q.Conditions {
		col := strings.ToLower(strings.TrimSpace(c.Column))
		if !allowed[col] {
			return nil, fmt.Errorf("%w: unknown column %q", ErrInvalidQuery, c.Column)
		}
		value := c.Value
		if timeColumns[col] {
			value = coerceTime(value)
		}
		op := strings.ToLower(strings.TrimSpace(c.Op))
		switch op {
		case "", "=", "==":
			if value == nil {
				sq = sq.Where("? IS NULL", bun.Ident(col))
			} else {
				sq = sq.Where("? = ?", bun.Ident(col), value)
			}
		case "!=", "<>":
			if value == nil {
				sq = sq.Where("? IS NOT NULL", bun.Ident(col))
			} else {
				sq = sq.Where("? <> ?", bun.Ident(col), value)
			}
		case "<", "<=", ">", ">=":
			sq = sq.Where("? "+op+" ?", bun.Ident(col), value)
		case "in":
			rv := reflect.ValueOf(value)
			if value == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
				return nil, fmt.Errorf("%w: 'in' on %q needs a list", ErrInvalidQuery, col)
			}
			if rv.Len() == 0 {
				sq = sq.Where("1 = 0")
				continue
			}
			sq = sq.Where("? IN (?)", bun.Ident(col), bun.In(value))
		case "like":
			sq = sq.Where("? LIKE ?", bun.Ident(col), value)
		default:
			return nil, fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, c.Op)
		}
	}

	order := strings.Fields(strings.ToLower(q.OrderBy))
	switch len(order) {
	case 0:
		sq = sq.OrderExpr("? ASC", bun.Ident("id"))
	case 1, 2:
		if !allowed[order[0]] {
			return nil, fmt.Errorf("%w: cannot order by %q", ErrInvalidQuery, order[0])
		}
		dir := "ASC"
		if len(order) == 2 {
			switch order[1] {
			case "desc":
				dir = "DESC"
			case "asc":
			default:
				return nil, fmt.Errorf("%w: bad order direction %q", ErrInvalidQuery, order[1])
			}
		}
		sq = sq.OrderExpr("? "+dir, bun.Ident(order[0]))
	default:
		return nil, fmt.Errorf("%w: bad order clause %q", ErrInvalidQuery, q.OrderBy)
	}
	return sq, nil
}

// coerceTime turns textual dates coming from JSON into time.Time so that
// every backend compares them as timestamps.
func coerceTime(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return v
}
