// Package ids validates and normalizes canonical patient and device
// identifiers. An identifier is a short prefix (study-site or device-type
// code) plus a 6-character body over a restricted alphabet, where the last
// body character is a Luhn mod-N check character.
package ids

import (
	"strings"
)

// The alphabet excludes visually ambiguous symbols (0 1 2 5 8 B I L O).
const alphabet = "34679ACDEFGHJKMNPQRSTUVWXYZ"

const bodyLength = 6

// patient ids carry a 1-char site prefix, device ids a 3-char type prefix.
const (
	PatientPrefixLen = 1
	DevicePrefixLen  = 3
)

// Normalize upper-cases raw, strips every non-alphanumeric character, splits
// it into a prefix of prefixLen characters and a 6-character checksummed
// body, and returns the canonical "PREFIX-BODY" form. ok is false on
// malformed input, wrong length, or a failed checksum.
func Normalize(raw string, prefixLen int) (string, bool) {
	if prefixLen < 1 {
		return "", false
	}
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if len(cleaned) != prefixLen+bodyLength {
		return "", false
	}
	prefix, body := cleaned[:prefixLen], cleaned[prefixLen:]
	if !checksumValid(body) {
		return "", false
	}
	return prefix + "-" + body, true
}

// NormalizePatientID validates a raw patient identifier ("K-NXYP6F" form).
func NormalizePatientID(raw string) (string, bool) {
	return Normalize(raw, PatientPrefixLen)
}

// NormalizeDeviceID validates a raw device identifier ("SLB-ACCDE7" form).
func NormalizeDeviceID(raw string) (string, bool) {
	return Normalize(raw, DevicePrefixLen)
}

// checksumValid runs Luhn mod-N over the body: alphabet positions are
// summed from the rightmost character with alternating factors 1,2,1,2...
// (factor doubling spills into a digit sum in base N); valid when the total
// is divisible by the alphabet size.
func checksumValid(body string) bool {
	n := len(alphabet)
	factor := 1
	sum := 0
	for i := len(body) - 1; i >= 0; i-- {
		pos := strings.IndexByte(alphabet, body[i])
		if pos < 0 {
			return false
		}
		add := pos * factor
		sum += add/n + add%n
		if factor == 1 {
			factor = 2
		} else {
			factor = 1
		}
	}
	return sum%n == 0
}
