// Package contact canonicalizes free-form phone/address strings so that
// equality comparisons and dedup work across the transport prefixes and
// formatting variants providers hand us.
package contact

import (
	"fmt"
	"regexp"
	"strings"
)

// Transport prefixes stripped from addresses, checked in order; first match
// wins. Keep this list in sync with SQLExpr below.
var prefixes = []string{"whatsapp:", "messenger:", "tel:", "sms:"}

// Formatting characters removed from addresses.
const dropChars = " -()._"

var phoneRe = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// Normalize returns the canonical form of a raw address:
// transport prefix stripped, formatting characters removed, international
// 00/+00 collapsed to +, and a leading + added when the rest is all digits.
// Non-numeric addresses are returned lower-cased; blank input yields "".
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	low := strings.ToLower(s)
	for _, p := range prefixes {
		if strings.HasPrefix(low, p) {
			s = s[len(p):]
			break
		}
	}

	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(dropChars, r) {
			return -1
		}
		return r
	}, s)

	if strings.HasPrefix(s, "+00") {
		s = "+" + s[3:]
	} else if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	}

	if s != "" && allDigits(s) {
		return "+" + s
	}
	return strings.ToLower(s)
}

// IsPhone reports whether addr normalizes to a strict E.164-like number.
// Workers use this as the send-path gate; anything failing it is terminal.
func IsPhone(addr string) bool {
	return phoneRe.MatchString(Normalize(addr))
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// SQLExpr returns a SQLite expression applying the same rules as Normalize
// to the given column, so store-side lookups by normalized address match
// rows written through the Go path. Implemented as nested scalar subqueries
// so each intermediate value is computed once.
//
// The two implementations must agree on every input the system sees,
// including empty strings and pure-prefix strings like "sms:".
func SQLExpr(column string) string {
	// w: surrounding whitespace trimmed (space, tab, CR, LF).
	trimmed := fmt.Sprintf("TRIM(%s, ' ' || CHAR(9) || CHAR(13) || CHAR(10))", column)

	// v: transport prefix stripped, case-insensitively, first match wins.
	var strip strings.Builder
	strip.WriteString("CASE")
	for _, p := range prefixes {
		fmt.Fprintf(&strip, " WHEN SUBSTR(LOWER(w), 1, %d) = '%s' THEN SUBSTR(w, %d)", len(p), p, len(p)+1)
	}
	strip.WriteString(" ELSE w END")

	// u: formatting characters removed.
	cleaned := "v"
	for _, ch := range []string{" ", "-", "(", ")", ".", "_"} {
		cleaned = fmt.Sprintf("REPLACE(%s, '%s', '')", cleaned, ch)
	}

	// t: leading 00 / +00 collapsed to +.
	collapse := "CASE WHEN SUBSTR(u, 1, 3) = '+00' THEN '+' || SUBSTR(u, 4)" +
		" WHEN SUBSTR(u, 1, 2) = '00' THEN '+' || SUBSTR(u, 3) ELSE u END"

	final := "CASE WHEN t <> '' AND t NOT GLOB '*[^0-9]*' THEN '+' || t ELSE LOWER(t) END"

	return fmt.Sprintf(
		"(SELECT %s FROM (SELECT %s AS t FROM (SELECT %s AS u FROM (SELECT %s AS v FROM (SELECT %s AS w)))))",
		final, collapse, cleaned, strip.String(), trimmed,
	)
}
