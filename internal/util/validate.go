package util

import (
	"net/mail"
	"regexp"
	"strings"
)

var (
	digitsOnly = regexp.MustCompile(`^[0-9]+$`)
	e164Phone  = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)
	ssnPattern = regexp.MustCompile(`^[0-9]{3}-?[0-9]{2}-?[0-9]{4}$`)
)

// NormalizeEmail trims and lower-cases an address so deterministic
// encryption of the same mailbox always yields the same ciphertext.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsValidEmail accepts a bare address (no display name).
func IsValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	_, domain, ok := strings.Cut(addr.Address, "@")
	return ok && strings.Contains(domain, ".")
}

func IsValidPhone(s string) bool {
	normalized := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(s)
	return e164Phone.MatchString(normalized)
}

func IsValidSSN(s string) bool {
	return ssnPattern.MatchString(strings.TrimSpace(s))
}

func IsDigits(s string) bool {
	return digitsOnly.MatchString(s)
}

// LastFour masks everything but the trailing four characters.
func LastFour(s string) string {
	if len(s) <= 4 {
		return s
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
