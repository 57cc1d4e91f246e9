// Package strength scores candidate passwords for the registration gate.
package strength

import (
	"strings"
	"unicode/utf8"
)

const (
	MinLength      = 12
	MaxSuggestions = 3

	LabelStrong   = "Strong"
	LabelGood     = "Good"
	LabelFair     = "Fair"
	LabelWeak     = "Weak"
	LabelVeryWeak = "Very weak"

	emptySuggestion = "Use at least 12 characters with mixed symbols and numbers."
)

// Check is one scored rule and whether the password passed it.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

type Analysis struct {
	Score       int      `json:"score"`
	Label       string   `json:"label"`
	Suggestions []string `json:"suggestions"`
	Checks      []Check  `json:"checks"`
}

type rule struct {
	name   string
	weight int
	hint   string
	pass   func(password, lowered, emailLocal string) bool
}

// Declaration order decides which hints survive the suggestion cap.
var rules = []rule{
	{"length", 25, "Use 12+ characters for better resilience.", func(p, _, _ string) bool {
		return utf8.RuneCountInString(p) >= MinLength
	}},
	{"upperLowerMix", 20, "Mix uppercase and lowercase letters.", func(p, _, _ string) bool {
		return strings.ContainsFunc(p, isUpper) && strings.ContainsFunc(p, isLower)
	}},
	{"numbers", 15, "Add at least one number.", func(p, _, _ string) bool {
		return strings.ContainsFunc(p, isDigit)
	}},
	{"symbols", 15, "Add a symbol (for example: !@#$).", func(p, _, _ string) bool {
		return strings.ContainsFunc(p, func(r rune) bool { return !isUpper(r) && !isLower(r) && !isDigit(r) })
	}},
	{"notCommon", 15, "Avoid common passwords and predictable patterns.", func(_, lowered, _ string) bool {
		_, common := commonPasswords[lowered]
		return !common
	}},
	{"notPersonalized", 10, "Avoid using parts of your email in the password.", func(_, lowered, local string) bool {
		// No local part means nothing to match, so the check passes
		// rather than failing because every string contains "".
		return local == "" || !strings.Contains(lowered, local)
	}},
}

var commonPasswords = map[string]struct{}{
	"password":    {},
	"password123": {},
	"123456":      {},
	"12345678":    {},
	"123456789":   {},
	"qwerty":      {},
	"qwerty123":   {},
	"letmein":     {},
	"admin":       {},
	"admin123":    {},
	"welcome":     {},
	"iloveyou":    {},
	"abc123":      {},
	"111111":      {},
	"passw0rd":    {},
	"monkey":      {},
	"dragon":      {},
	"football":    {},
}

// Estimate scores password against the fixed rule set. email may be empty.
func Estimate(password, email string) Analysis {
	if password == "" {
		return Analysis{
			Score:       0,
			Label:       LabelVeryWeak,
			Suggestions: []string{emptySuggestion},
			Checks:      []Check{},
		}
	}

	lowered := strings.ToLower(password)
	local := emailLocalPart(email)

	analysis := Analysis{
		Checks:      make([]Check, 0, len(rules)),
		Suggestions: []string{},
	}
	for _, r := range rules {
		passed := r.pass(password, lowered, local)
		analysis.Checks = append(analysis.Checks, Check{Name: r.name, Passed: passed})
		if passed {
			analysis.Score += r.weight
		} else if len(analysis.Suggestions) < MaxSuggestions {
			analysis.Suggestions = append(analysis.Suggestions, r.hint)
		}
	}
	analysis.Label = Label(analysis.Score)
	return analysis
}

// Label maps a score to its display label.
func Label(score int) string {
	switch {
	case score >= 80:
		return LabelStrong
	case score >= 60:
		return LabelGood
	case score >= 40:
		return LabelFair
	case score >= 20:
		return LabelWeak
	default:
		return LabelVeryWeak
	}
}

func emailLocalPart(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if at := strings.IndexByte(email, '@'); at >= 0 {
		return email[:at]
	}
	return email
}

func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }
func isLower(r rune) bool { return r >= 'a' && r <= 'z' }
func isDigit(r rune) bool { return r >= '0' && r <= '9' }
