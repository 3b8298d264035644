package location

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeCity trims, collapses whitespace and capitalizes each word so case
// variants of the same city compare equal.
func NormalizeCity(s string) string {
	s = collapseSpaces(s)
	if s == "" {
		return ""
	}
	// Casers carry state; build one per call.
	return cases.Title(language.AmericanEnglish).String(s)
}

// Key is the grouping key for a location.
func Key(city, state string) string {
	return city + "|" + state
}

// SplitKey reverses Key.
func SplitKey(key string) (city, state string) {
	city, state, _ = strings.Cut(key, "|")
	return city, state
}
