package sanitize

import "regexp"

// Plain email, case-insensitive.
var reEmail = regexp.MustCompile(`(?i)[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}`)

// Common phone shapes: +55..., (11) 91234-5678, 08xx..., etc.
// Only digits, spaces, minus, dots, parentheses and plus are allowed,
// at least 9 digits total so the pattern is not too aggressive.
var rePhone = regexp.MustCompile(`\+?\d[\d\s\-\.\(\)]{7,}\d`)

// CPF with or without punctuation: 000.000.000-00 or 11 bare digits.
var reCPF = regexp.MustCompile(`\d{3}\.?\d{3}\.?\d{3}-?\d{2}`)

// RedactPII masks patient contact data before a string reaches a log line
// or an outbound message preview.
func RedactPII(s string) string {
	if s == "" {
		return s
	}
	s = reEmail.ReplaceAllString(s, "[redacted email]")
	s = reCPF.ReplaceAllString(s, "[redacted cpf]")
	s = rePhone.ReplaceAllString(s, "[redacted phone]")
	return s
}

// Summary trims a description for listings, cutting on a word boundary.
func Summary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	i := max
	for i > 0 && i < len(s) && s[i] != ' ' {
		i--
	}
	if i <= 0 {
		i = max
	}
	return s[:i] + "…"
}
