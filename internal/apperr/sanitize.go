package apperr

import (
	"regexp"
	"unicode/utf8"
)

const (
	MaxMessageLength = 500
	MaxFieldLength   = 100
)

type redaction struct {
	pattern *regexp.Regexp
	replace string
}

var redactions = []redaction{
	{regexp.MustCompile(`(?i)authorization[=:]\s*(?:bearer\s+|basic\s+)?\S+`), "authorization=***"},
	{regexp.MustCompile(`(?i)password[=:]\s*\S+`), "password=***"},
	{regexp.MustCompile(`(?i)token[=:]\s*\S+`), "token=***"},
	{regexp.MustCompile(`(?i)secret[=:]\s*\S+`), "secret=***"},
	{regexp.MustCompile(`(?i)key[=:]\s*\S+`), "key=***"},
	{regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`), "****-****-****-****"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "***@***.***"},
}

// Sanitize redacts credentials, card numbers and email addresses from msg and
// bounds its length. Every caller-facing message passes through here.
func Sanitize(msg string) string {
	return truncate(redact(msg), MaxMessageLength)
}

// SanitizeField applies the same redaction to a single field value with the
// tighter field bound.
func SanitizeField(v string) string {
	return truncate(redact(v), MaxFieldLength)
}

func redact(s string) string {
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replace)
	}
	return s
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-3]) + "..."
}
