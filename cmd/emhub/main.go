// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Command emhub runs the EMhub API server, the session folder worker and the
// administration commands.
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
