// Copyright (c) 2026 Keyloader Team
// Keyloader - PED key injection system
// This source code is licensed under the MIT license found in the LICENSE file.

package i18n

import "testing"

func TestInitAndAvailableLocales(t *testing.T) {
	Init("en")
	if GetLang() != "en" {
		t.Fatalf("expected lang 'en', got %q", GetLang())
	}
	av := GetAvailableLocales()
	for _, k := range []string{"en", "de"} {
		if _, ok := av[k]; !ok {
			t.Fatalf("expected available locale %q to be present", k)
		}
	}
}

func TestT_BasicAndFormatting(t *testing.T) {
	Init("en")
	if got := T("response.08"); got != "Key check value mismatch" {
		t.Fatalf("unexpected translation: %q", got)
	}
	if got := T("cli.import.done", 3, 1); got != "Imported 3 keys, skipped 1 duplicates" {
		t.Fatalf("unexpected formatted translation: %q", got)
	}
	if got := T("no.such.id"); got != "no.such.id" {
		t.Fatalf("unknown id should fall back to itself, got %q", got)
	}
}

func TestSetLangGerman(t *testing.T) {
	SetLang("de")
	defer SetLang("en")
	if got := T("response.00"); got != "Erfolgreich" {
		t.Fatalf("unexpected german translation: %q", got)
	}
}
