// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Command-line entrypoint for EMhub.
//
// Usage:
//
//	go run . [flags]
//	./emhub serve
//
// Without a subcommand the terminal dashboard opens. See --help for options.
package main

import (
	"os"

	"github.com/3dem/emhub/internal/logging"
	"github.com/3dem/emhub/ui/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		logging.Errorf("%v", err)
		os.Exit(1)
	}
}
