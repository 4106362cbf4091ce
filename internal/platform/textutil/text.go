// Package textutil normalises user supplied text before it reaches storage.
package textutil

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
)

var strictPolicy = bluemonday.StrictPolicy()

// CleanName strips markup and collapses runs of whitespace. Entities produced by the
// sanitiser are unescaped again so names like "Tom & Jerry" survive unchanged.
func CleanName(value string) string {
	stripped := html.UnescapeString(strictPolicy.Sanitize(value))
	return strings.Join(strings.Fields(stripped), " ")
}

// FoldContains reports whether needle occurs in haystack ignoring case, using Unicode
// case folding rather than ASCII lowering.
func FoldContains(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	// Casers carry state and must not be shared between goroutines.
	folder := cases.Fold()
	return strings.Contains(folder.String(haystack), folder.String(needle))
}
