package displayname

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// normalize folds a display name to NFC, lower-cases it and collapses
// interior whitespace, so that visually identical names compare equal
// regardless of composition form or casing (spec.md §4.2 "collisions are
// compared case-insensitively after Unicode normalization").
func normalize(name string) string {
	n := norm.NFC.String(name)
	n = strings.ToLower(n)
	n = strings.Join(strings.Fields(n), " ")
	return n
}
