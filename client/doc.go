// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package client is the injector role: it sends commands to a receiver and
// waits for the single response each command produces.
package client
