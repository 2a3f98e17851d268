// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package client is a small HTTP client of the EMhub JSON API, used by the
// session folder worker and by external tooling.
package client
