// Package tokenize splits incrementally arriving text into sentence units.
package tokenize

import (
	"unicode"
	"unicode/utf8"
)

// DefaultMaxRunes bounds a unit that contains no sentence boundary.
const DefaultMaxRunes = 256

// SentenceTokenizer splits text into complete sentence units plus the
// trailing remainder that is not yet a complete sentence. Implementations
// are deterministic and lossless: joining units and remainder yields text.
type SentenceTokenizer interface {
	Split(text string) (units []string, remainder string)
}

var _ SentenceTokenizer = Basic{}

// Basic ends a sentence after '.', '!', '?' or '…' followed by whitespace,
// and directly after the full-width terminators '。', '！', '？'. Whitespace
// following a boundary belongs to the unit it ends.
type Basic struct {
	// MaxRunes force-splits a unit without boundary at the last whitespace
	// (or hard, if none) once it grows this long. Defaults to 256.
	MaxRunes int
}

// Split implements SentenceTokenizer.
func (b Basic) Split(text string) ([]string, string) {
	maxRunes := b.MaxRunes
	if maxRunes <= 0 {
		maxRunes = DefaultMaxRunes
	}

	var units []string
	start, runes, lastSpace := 0, 0, -1

	cut := func(end int) {
		units = append(units, text[start:end])
		start, runes, lastSpace = end, 0, -1
	}

	i := 0
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		runes++
		if unicode.IsSpace(r) {
			lastSpace = i
		}

		switch {
		case isFullWidthTerminator(r):
			i = skipSpace(text, i)
			cut(i)
			continue
		case isTerminator(r):
			next, _ := utf8.DecodeRuneInString(text[i:])
			if i < len(text) && unicode.IsSpace(next) {
				i = skipSpace(text, i)
				cut(i)
				continue
			}
		}

		if runes >= maxRunes {
			if lastSpace > start {
				i = lastSpace
			}
			cut(i)
		}
	}
	return units, text[start:]
}

func skipSpace(text string, i int) int {
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !unicode.IsSpace(r) {
			break
		}
		i += size
	}
	return i
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

func isFullWidthTerminator(r rune) bool {
	switch r {
	case '。', '！', '？':
		return true
	}
	return false
}
