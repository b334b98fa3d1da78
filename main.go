// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// Command-line entrypoint for Keyloader.
//
// Usage:
//
//	go run . [flags]
//	./keyloader receive
//	./keyloader send inject --slot 1 --type master ...
//
// See --help for the full command tree.
package main

import (
	"os"

	"github.com/toeirei/keyloader/internal/logging"
	"github.com/toeirei/keyloader/ui/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		logging.Errorf("keyloader: %v", err)
		os.Exit(1)
	}
}
