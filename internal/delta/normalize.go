package delta

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Rule is one normalization pass removing a class of high-churn,
// semantically-irrelevant text before hashing. Rules are independent so
// new noise patterns can be added without touching detection logic.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

const monthPattern = `jan(uary)?|feb(ruary)?|mar(ch)?|apr(il)?|may|jun(e)?|jul(y)?|aug(ust)?|sep(t(ember)?)?|oct(ober)?|nov(ember)?|dec(ember)?`

// DefaultRules covers the noise observed on venue sites: absolute dates,
// copyright years, analytics identifiers, session-style tokens, and
// whitespace run-length differences. Order matters: the whitespace
// collapse runs last.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "written-dates",
			Pattern:     regexp.MustCompile(`(?i)\b(` + monthPattern + `)\.?\s+\d{1,2}(st|nd|rd|th)?(,?\s*\d{4})?\b`),
			Replacement: " ",
		},
		{
			Name:        "iso-dates",
			Pattern:     regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
			Replacement: " ",
		},
		{
			Name:        "slash-dates",
			Pattern:     regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`),
			Replacement: " ",
		},
		{
			Name:        "copyright-years",
			Pattern:     regexp.MustCompile(`(?i)(©|\(c\)|copyright)\s*\d{4}(\s*[-–]\s*\d{4})?`),
			Replacement: " ",
		},
		{
			Name:        "tracking-params",
			Pattern:     regexp.MustCompile(`(?i)[?&](utm_[a-z]+|gclid|fbclid|msclkid|mc_eid|ref)=[^\s&"')]*`),
			Replacement: "",
		},
		{
			Name:        "analytics-ids",
			Pattern:     regexp.MustCompile(`\b(UA-\d{4,10}-\d{1,4}|G-[A-Z0-9]{6,12}|GTM-[A-Z0-9]{4,8})\b`),
			Replacement: " ",
		},
		{
			Name:        "hex-tokens",
			Pattern:     regexp.MustCompile(`\b[0-9a-f]{32,}\b`),
			Replacement: " ",
		},
		{
			Name:        "whitespace",
			Pattern:     regexp.MustCompile(`\s+`),
			Replacement: " ",
		},
	}
}

// Normalize applies the rules in order and trims the result.
func Normalize(text string, rules []Rule) string {
	for _, r := range rules {
		text = r.Pattern.ReplaceAllString(text, r.Replacement)
	}
	return strings.TrimSpace(text)
}

// Hash returns the SHA-256 hex digest of text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NormalizedHash normalizes text with the rules and hashes the result.
// Two texts differing only in normalized-away noise hash identically.
func NormalizedHash(text string, rules []Rule) string {
	return Hash(Normalize(text, rules))
}
