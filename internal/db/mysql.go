// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore is the MySQL implementation of the Store interface.
type MySQLStore struct {
	*bunStore
}

var _ Store = (*MySQLStore)(nil)

// normalizeMySQLDSN makes DATETIME columns scan into time.Time in UTC.
func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}
