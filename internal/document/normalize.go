// Package document builds the normalized text representation of a guide used for indexing and querying.
package document

import (
	"strings"
	"unicode"
)

// Normalize lower-cases text, drops punctuation and symbols, collapses runs of
// whitespace to a single space and trims the ends. Index time and query time
// must both go through Normalize so identical source text yields identical tokens.
// Normalize(Normalize(s)) == Normalize(s) for every s.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(text))
	wasSpace := true // drops leading whitespace
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if !wasSpace {
				b.WriteRune(' ')
				wasSpace = true
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(unicode.ToLower(r))
			wasSpace = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}
