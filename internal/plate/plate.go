package plate

import (
	"strings"
	"unicode"
)

// Normalize canonicalizes raw recognition output: every character that is
// not an ASCII letter or digit is removed and letters are upper-cased.
// "ka-01 ab 1234" becomes "KA01AB1234".
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
