// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import "strings"

// SqliteStore is the SQLite implementation of the Store interface.
type SqliteStore struct {
	*bunStore
}

var _ Store = (*SqliteStore)(nil)

// normalizeSqliteDSN enables foreign keys and a busy timeout on every
// connection of the pool via modernc's _pragma parameters.
func normalizeSqliteDSN(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") && strings.Contains(dsn, "?") {
		// plain paths with a query string are passed through untouched
		return dsn
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}
