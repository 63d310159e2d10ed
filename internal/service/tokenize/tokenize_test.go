package tokenize

import (
	"strings"
	"testing"
	"unicode/utf8"

	"pgregory.net/rapid"
)

func TestBasic_Split(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		units     []string
		remainder string
	}{
		{"empty", "", nil, ""},
		{"no boundary", "Hello there", nil, "Hello there"},
		{"terminator at end waits", "Hello there.", nil, "Hello there."},
		{"one sentence", "Hello there. How", []string{"Hello there. "}, "How"},
		{"two sentences", "Hi! Are you ok? I", []string{"Hi! ", "Are you ok? "}, "I"},
		{"decimal is not a boundary", "It costs 9.99 dollars. Ok", []string{"It costs 9.99 dollars. "}, "Ok"},
		{"stacked terminators", "Really?! Yes", []string{"Really?! "}, "Yes"},
		{"whitespace run kept", "One.   Two", []string{"One.   "}, "Two"},
		{"full width", "你好。今天", []string{"你好。"}, "今天"},
		{"ellipsis", "Well… maybe", []string{"Well… "}, "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units, rem := Basic{}.Split(tt.text)
			if strings.Join(units, "|") != strings.Join(tt.units, "|") || len(units) != len(tt.units) {
				t.Errorf("units = %q, want %q", units, tt.units)
			}
			if rem != tt.remainder {
				t.Errorf("remainder = %q, want %q", rem, tt.remainder)
			}
		})
	}
}

func TestBasic_ForceSplit(t *testing.T) {
	tok := Basic{MaxRunes: 10}

	units, rem := tok.Split("aaaa bbbb cccc")
	if len(units) != 1 || units[0] != "aaaa bbbb " {
		t.Errorf("expected split at last whitespace, got %q", units)
	}
	if rem != "cccc" {
		t.Errorf("remainder = %q", rem)
	}

	units, rem = tok.Split("abcdefghijklmn")
	if len(units) != 1 || units[0] != "abcdefghij" {
		t.Errorf("expected hard split, got %q", units)
	}
	if rem != "klmn" {
		t.Errorf("remainder = %q", rem)
	}
}

func TestBasic_Lossless(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxRunes := rapid.IntRange(1, 40).Draw(t, "maxRunes")
		text := rapid.StringOf(rapid.SampledFrom([]rune("ab c.!?…。 \n9xé"))).Draw(t, "text")

		units, rem := Basic{MaxRunes: maxRunes}.Split(text)

		if got := strings.Join(units, "") + rem; got != text {
			t.Fatalf("split lost text: %q -> %q + %q", text, units, rem)
		}
		for _, u := range units {
			if u == "" {
				t.Fatalf("empty unit in %q", units)
			}
			if !utf8.ValidString(u) {
				t.Fatalf("unit splits a rune: %q", u)
			}
		}
	})
}

func TestBasic_Deterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.String().Draw(t, "text")
		u1, r1 := Basic{}.Split(text)
		u2, r2 := Basic{}.Split(text)
		if strings.Join(u1, "\x00") != strings.Join(u2, "\x00") || r1 != r2 {
			t.Fatalf("non-deterministic split of %q", text)
		}
	})
}
