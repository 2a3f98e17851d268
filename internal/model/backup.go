// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package model

// BackupSchemaVersion is written into every backup.
const BackupSchemaVersion = 1

// BackupData is a container for all data to be exported for a backup.
type BackupData struct {
	// SchemaVersion helps in handling migrations during restore.
	SchemaVersion int `json:"schema_version"`

	Users          []User          `json:"users"`
	Resources      []Resource      `json:"resources"`
	Templates      []Template      `json:"templates"`
	Applications   []Application   `json:"applications"`
	Bookings       []Booking       `json:"bookings"`
	Sessions       []Session       `json:"sessions"`
	Forms          []Form          `json:"forms"`
	InvoicePeriods []InvoicePeriod `json:"invoice_periods"`
	Transactions   []Transaction   `json:"transactions"`
	Logs           []LogEntry      `json:"logs"`
	// PasswordHashes is keyed by user id; User hides its hash from JSON.
	PasswordHashes map[int]string `json:"password_hashes"`
}
