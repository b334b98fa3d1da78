// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"testing"
)

// WithTestStore initializes an in-memory sqlite store for the duration of fn
// and restores the package-level store afterwards.
func WithTestStore(t *testing.T, fn func(s *BunStore)) {
	t.Helper()

	prevStore := store
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	if err := InitDB("sqlite", dsn); err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	s := store
	defer func() {
		_ = s.Close()
		store = prevStore
	}()

	fn(s)
}
