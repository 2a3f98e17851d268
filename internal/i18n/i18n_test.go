// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package i18n

import (
	"testing"
)

func TestInitAndAvailableLocales(t *testing.T) {
	Init("en")
	if GetLang() != "en" {
		t.Fatalf("expected lang 'en', got %q", GetLang())
	}

	av := GetAvailableLocales()
	for _, k := range []string{"en", "es"} {
		if _, ok := av[k]; !ok {
			t.Fatalf("expected available locale %q to be present", k)
		}
	}
	if av["es"] != "español" {
		t.Fatalf("unexpected display name for es: %q", av["es"])
	}
}

func TestT_BasicAndFormatting(t *testing.T) {
	Init("en")
	t.Cleanup(func() { Init("en") })

	if got := T("all"); got != "All" {
		t.Fatalf("expected 'All', got %q", got)
	}
	if got := T("dashboard.copied", "fac00001"); got != "Copied fac00001 to the clipboard" {
		t.Fatalf("unexpected formatted translation: %q", got)
	}
	if got := T("no.such.key"); got != "no.such.key" {
		t.Fatalf("unknown ids should pass through, got %q", got)
	}

	SetLang("es")
	if GetLang() != "es" {
		t.Fatalf("expected lang 'es', got %q", GetLang())
	}
	if got := T("all"); got != "Todos" {
		t.Fatalf("expected Spanish 'Todos', got %q", got)
	}
	// Missing translations fall back to English.
	SetLang("fr")
	if got := T("dashboard.header.pi"); got != "PI" {
		t.Fatalf("expected fallback, got %q", got)
	}
}
