// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package buildvars contains variables injected at build time.
package buildvars

// ModulePath is the import path of the emhub module.
const ModulePath = "github.com/3dem/emhub"

// Version is set at link time via `-ldflags -X github.com/3dem/emhub/buildvars.Version=...`.
// It is empty for local builds.
var Version string

// VersionOrDefault returns Version if set, otherwise def.
func VersionOrDefault(def string) string {
	if len(Version) > 0 {
		return Version
	}
	return def
}
