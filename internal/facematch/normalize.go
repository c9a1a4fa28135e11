// Package facematch holds helpers for matching human-assigned person names.
package facematch

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizePersonName folds a name for comparison: no diacritics, lowercase,
// dashes and underscores as spaces, runs of whitespace collapsed.
func NormalizePersonName(name string) string {
	name = strings.ToLower(RemoveDiacritics(name))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	return strings.Join(strings.Fields(name), " ")
}

// SameName reports whether two names refer to the same person after normalization.
// Empty names never match.
func SameName(a, b string) bool {
	na, nb := NormalizePersonName(a), NormalizePersonName(b)
	return na != "" && na == nb
}
