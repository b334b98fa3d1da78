// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.
//
// Package cli implements the keyloader command-line interface using Cobra.
// It loads configuration, opens the repository and wires the receiver and
// injector roles. Business logic stays in the internal packages.
package cli
