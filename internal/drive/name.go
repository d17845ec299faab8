package drive

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName canonicalizes a user-supplied item name: Unicode NFC so the
// same visual name always compares equal regardless of how the client
// composed it, with surrounding whitespace trimmed.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}
