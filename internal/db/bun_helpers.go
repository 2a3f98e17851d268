// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/uptrace/bun"
)

// execRawProvider accepts either *bun.DB or bun.Tx.
type execRawProvider interface {
	NewRaw(query string, args ...interface{}) *bun.RawQuery
}

// ExecRaw executes a raw SQL statement using the provided Bun DB or transaction.
func ExecRaw(ctx context.Context, exec execRawProvider, query string, args ...interface{}) (sql.Result, error) {
	return exec.NewRaw(query, args...).Exec(ctx)
}

// QueryRawInto runs a raw query and scans the result into dest.
func QueryRawInto(ctx context.Context, exec execRawProvider, dest interface{}, query string, args ...interface{}) error {
	return exec.NewRaw(query, args...).Scan(ctx, dest)
}

// WithTx runs fn inside a transaction that is committed when fn returns nil.
func WithTx(ctx context.Context, bdb *bun.DB, fn func(ctx context.Context, tx bun.Tx) error) error {
	return bdb.RunInTx(ctx, nil, fn)
}

// encodeJSON renders v for a TEXT column. Empty values become "".
func encodeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		dbLogf("db: encode json column failed: %v", err)
		return ""
	}
	if s := string(data); s != "null" {
		return s
	}
	return ""
}

// decodeJSON fills v from a TEXT column, leaving it untouched when empty.
func decodeJSON(s string, v any) {
	if s == "" || s == "null" {
		return
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		dbLogf("db: decode json column failed: %v", err)
	}
}
