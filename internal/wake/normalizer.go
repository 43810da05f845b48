// Package wake provides always-on wake/exit phrase detection: a
// continuously-restarting recognizer, transcript normalization, and the
// command interpreter with per-kind trigger cooldowns.
package wake

import (
	"strings"
	"unicode"
)

// Normalizer canonicalizes raw transcripts before phrase matching:
// lowercase, punctuation stripped, whitespace collapsed, and common
// phonetic mis-hearings of the product name rewritten via a fixed
// substitution table ("ek a nova" -> "eeknova").
type Normalizer struct {
	substitutions map[string]string
}

// NewNormalizer creates a normalizer with the given substitution table.
func NewNormalizer(substitutions map[string]string) *Normalizer {
	subs := make(map[string]string, len(substitutions))
	for k, v := range substitutions {
		subs[strings.ToLower(k)] = strings.ToLower(v)
	}
	return &Normalizer{substitutions: subs}
}

// Normalize canonicalizes a raw transcript.
func (n *Normalizer) Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToLower(raw) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			// Punctuation becomes a separator so "bye!" matches "bye".
			b.WriteRune(' ')
		}
	}

	text := strings.Join(strings.Fields(b.String()), " ")

	for from, to := range n.substitutions {
		text = strings.ReplaceAll(text, from, to)
	}

	return text
}

// containsWord reports whether text contains word as a standalone token.
func containsWord(text, word string) bool {
	for _, field := range strings.Fields(text) {
		if field == word {
			return true
		}
	}
	return false
}

// containsAnyWord reports whether text contains any of words standalone.
func containsAnyWord(text string, words []string) bool {
	for _, w := range words {
		if containsWord(text, w) {
			return true
		}
	}
	return false
}
