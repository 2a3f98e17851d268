// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Invoice period statuses.
const (
	PeriodCreated = "created"
	PeriodActive  = "active"
	PeriodClosed  = "closed"
)

// InvoicePeriod is a billing window.
type InvoicePeriod struct {
	ID     int       `json:"id"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Status string    `json:"status"`
	Extra  Extra     `json:"extra"`
}

// Transaction is a payment or manual charge recorded for a PI.
type Transaction struct {
	ID      int             `json:"id"`
	Date    time.Time       `json:"date"`
	Amount  decimal.Decimal `json:"amount"`
	Comment string          `json:"comment"`
	UserID  int             `json:"user_id"`
	Extra   Extra           `json:"extra"`
}

// Form stores a dynamic form definition (sections of labelled params). Some
// forms double as configuration, e.g. 'sessions_config'.
type Form struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Definition Extra  `json:"definition"`
}

// LogEntry records a create/update/delete operation and who performed it.
type LogEntry struct {
	ID        int       `json:"id"`
	UserID    *int      `json:"user_id"`
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Attrs     string    `json:"attrs"`
	Timestamp time.Time `json:"timestamp"`
}
