// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package db

// PostgresStore is the PostgreSQL implementation of the Store interface.
// It uses the pgx stdlib driver; see driverFor.
type PostgresStore struct {
	*bunStore
}

var _ Store = (*PostgresStore)(nil)
