// =============================================================================
// DJ Filer - RUT Utilities
// =============================================================================
//
// Helpers for the Chilean taxpayer identifier (RUT): "12.345.678-5".
// The last character is a modulo-11 check digit, "K" standing for 10.
//
// =============================================================================

package rut

import (
	"regexp"
	"strings"
)

var separators = regexp.MustCompile(`[.\-\s]`)

// Clean removes dots, dashes and whitespace and upper-cases the check digit.
func Clean(rut string) string {
	return strings.ToUpper(separators.ReplaceAllString(rut, ""))
}

// Split returns the numeric body and the check digit of a RUT.
// ok is false when the cleaned value is shorter than two characters.
func Split(rut string) (body, dv string, ok bool) {
	c := Clean(rut)
	if len(c) < 2 {
		return "", "", false
	}
	return c[:len(c)-1], c[len(c)-1:], true
}

// Format renders a RUT as "12.345.678-5". Values too short to carry a
// check digit are returned cleaned but otherwise untouched.
func Format(rut string) string {
	body, dv, ok := Split(rut)
	if !ok {
		return Clean(rut)
	}

	var b strings.Builder
	for i, r := range body {
		if i > 0 && (len(body)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	b.WriteByte('-')
	b.WriteString(dv)
	return b.String()
}

// Compact renders a RUT as "12345678-5", the layout used in filings.
func Compact(rut string) string {
	body, dv, ok := Split(rut)
	if !ok {
		return Clean(rut)
	}
	return body + "-" + dv
}

// CheckDigit computes the modulo-11 check digit of a numeric body.
// It returns "" when body contains non-digits.
func CheckDigit(body string) string {
	if body == "" {
		return ""
	}
	sum, mul := 0, 2
	for i := len(body) - 1; i >= 0; i-- {
		c := body[i]
		if c < '0' || c > '9' {
			return ""
		}
		sum += int(c-'0') * mul
		mul++
		if mul > 7 {
			mul = 2
		}
	}

	switch r := 11 - sum%11; r {
	case 11:
		return "0"
	case 10:
		return "K"
	default:
		return string(rune('0' + r))
	}
}

// Valid reports whether the check digit of rut matches its body.
func Valid(rut string) bool {
	body, dv, ok := Split(rut)
	if !ok {
		return false
	}
	want := CheckDigit(body)
	return want != "" && want == dv
}
