package logging

import (
	"regexp"
)

const redactedPlaceholder = "[REDACTED]"

// redaction replaces the secret part of a match. The replacement may refer
// to capture groups so the surrounding context stays readable.
type redaction struct {
	re   *regexp.Regexp
	repl string
}

func fullRedaction(pattern string) redaction {
	return redaction{re: regexp.MustCompile(pattern), repl: redactedPlaceholder}
}

func keepPrefix(pattern string) redaction {
	return redaction{re: regexp.MustCompile(pattern), repl: "${1}" + redactedPlaceholder}
}

// Sanitizer strips credentials from log lines and from error messages that
// end up in the shared ledger: provider API keys, database DSNs and redis
// URLs.
type Sanitizer struct {
	rules []redaction
}

// NewSanitizer creates a sanitizer with the default rules.
func NewSanitizer() *Sanitizer {
	rules := make([]redaction, len(defaultRedactions))
	copy(rules, defaultRedactions)
	return &Sanitizer{rules: rules}
}

// Order matters: provider-specific keys go before the generic key=value rules.
var defaultRedactions = []redaction{
	// OpenRouter
	fullRedaction(`sk-or-v1-[a-f0-9]{32,}`),
	fullRedaction(`sk-[A-Za-z0-9]{20,}`),
	// Serper sends its key in X-API-KEY.
	keepPrefix(`(?i)(x-api-key["'\s:=]+)[a-zA-Z0-9_-]{16,}`),
	keepPrefix(`(?i)(bearer\s+)[a-zA-Z0-9._-]{20,}`),
	// user:password@tcp(host) and user:password@unix(path)
	{re: regexp.MustCompile(`([A-Za-z0-9_]+):[^@\s/]+@(tcp|unix)\(`), repl: "${1}:" + redactedPlaceholder + "@${2}("},
	{re: regexp.MustCompile(`(rediss?://[^:@\s/]*):[^@\s]+@`), repl: "${1}:" + redactedPlaceholder + "@"},
	keepPrefix(`(?i)((?:api[_-]?key|secret|token)["'\s:=]+)[a-zA-Z0-9_-]{20,}`),
	keepPrefix(`(?i)(password["'\s:=]+)[^\s"']{8,}`),
}

// Sanitize redacts sensitive information from a string.
func (s *Sanitizer) Sanitize(input string) string {
	for _, r := range s.rules {
		input = r.re.ReplaceAllString(input, r.repl)
	}
	return input
}

// AddPattern adds a rule that redacts every match of pattern.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.rules = append(s.rules, redaction{re: re, repl: redactedPlaceholder})
	return nil
}
