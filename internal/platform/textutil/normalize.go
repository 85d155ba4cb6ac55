package textutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var foldCaser = cases.Fold()

// FoldSearch canonicalizes free-text search input for matching and cache
// fingerprints: NFKC normalization, case folding, control-character removal,
// and whitespace collapsed to single spaces.
func FoldSearch(value string) string {
	return collapseSpaces(foldCaser.String(norm.NFKC.String(value)))
}

// NormalizeSearch cleans user-supplied search text without folding case so
// the original spelling survives round trips through the URL.
func NormalizeSearch(value string) string {
	return collapseSpaces(norm.NFC.String(value))
}

// NormalizeToken canonicalizes a slug-like token (tag or category
// identifier): NFKC normalization, case folding, and surrounding space
// removal. Interior whitespace is rejected by returning the empty string.
func NormalizeToken(value string) string {
	folded := foldCaser.String(norm.NFKC.String(strings.TrimSpace(value)))
	for _, r := range folded {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ""
		}
	}
	return folded
}

func collapseSpaces(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	space := false
	for _, r := range value {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
