package ml

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeLabel returns the comparison key for a label: NFC normalized,
// whitespace collapsed and case folded, so "Thank  you" matches "thank you".
func NormalizeLabel(label string) string {
	collapsed := strings.Join(strings.Fields(norm.NFC.String(label)), " ")
	// Casers keep state, so one is built per call.
	return cases.Fold().String(collapsed)
}

// SameLabel reports whether two labels normalize to the same key.
func SameLabel(a, b string) bool {
	return NormalizeLabel(a) == NormalizeLabel(b)
}
