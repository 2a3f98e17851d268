// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package cli implements the emhub command line with cobra. Configuration is
// loaded once per command by the root's PersistentPreRunE and the database
// store is opened on demand.
package cli
