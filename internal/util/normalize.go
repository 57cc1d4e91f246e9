package util

import (
	"regexp"
	"strings"
)

var phonePattern = regexp.MustCompile(`^\+[0-9]{7,15}$`)

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone strips spaces, dashes and parentheses and forces a leading '+'.
func NormalizePhone(phone string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))
	if cleaned != "" && !strings.HasPrefix(cleaned, "+") {
		cleaned = "+" + cleaned
	}
	return cleaned
}

// ValidPhone reports whether a normalized phone number looks like E.164.
func ValidPhone(normalized string) bool {
	return phonePattern.MatchString(normalized)
}

// MaskDestination hides most of an email or phone number for logs.
func MaskDestination(destination string) string {
	if at := strings.IndexByte(destination, '@'); at > 0 {
		return destination[:1] + "***" + destination[at:]
	}
	if len(destination) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(destination)-4) + destination[len(destination)-4:]
}
