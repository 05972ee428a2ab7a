package util

import (
	"errors"
	"regexp"
	"strings"
)

// DefaultDialingPrefix is prepended to numbers that lack it (Mexico mobile).
const DefaultDialingPrefix = "521"

// jidSuffix is stripped from chat addresses before canonicalization.
const jidSuffix = "@s.whatsapp.net"

// ErrInvalidPhone is returned when a phone number has too few digits to be dialable.
var ErrInvalidPhone = errors.New("invalid phone number")

var nonDigits = regexp.MustCompile(`\D`)

// CanonicalPhone strips the chat address suffix and every non-digit, then
// prepends prefix when the number does not already start with it.
// An empty prefix leaves the digits untouched.
func CanonicalPhone(raw, prefix string) string {
	clean := strings.TrimSpace(raw)
	if i := strings.Index(clean, "@"); i >= 0 {
		clean = clean[:i]
	}
	clean = nonDigits.ReplaceAllString(clean, "")
	if clean == "" {
		return ""
	}
	if prefix != "" && !strings.HasPrefix(clean, prefix) {
		clean = prefix + clean
	}
	return clean
}

// ValidateCanonicalPhone canonicalizes raw and rejects numbers with fewer than 6 digits.
func ValidateCanonicalPhone(raw, prefix string) (string, error) {
	canonical := CanonicalPhone(raw, prefix)
	if len(canonical) < 6 {
		return "", ErrInvalidPhone
	}
	return canonical, nil
}

// ChatAddress returns the WhatsApp user address for a canonical phone.
func ChatAddress(canonical string) string {
	return canonical + jidSuffix
}
