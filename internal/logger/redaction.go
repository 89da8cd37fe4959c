package logger

import (
	"io"
	"regexp"
)

// rule replaces every match of re with replacement
type rule struct {
	re          *regexp.Regexp
	replacement string
}

// Redactor redacts sensitive information from logs
type Redactor struct {
	patterns []rule
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []rule{
			// Credentials embedded in URLs, e.g. ws://user:pass@host
			{regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/\s:@"]+:[^/\s@"]+@`), "${1}[REDACTED]@"},

			// Bearer tokens
			{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/=-]+`), "Bearer [REDACTED]"},

			// Query string and key/value secrets
			{regexp.MustCompile(`(?i)((?:access_)?token|secret|password|api_key|apikey)(["']?\s*[:=]\s*["']?)[^\s"'&,}]+`), "${1}${2}[REDACTED]"},

			// AWS keys
			{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "[REDACTED]"},
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, rule{re: re, replacement: "[REDACTED]"})
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, p := range r.patterns {
		result = p.re.ReplaceAllString(result, p.replacement)
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

// redactingWriter is an io.Writer that redacts sensitive information
type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers never see a short write
// when redaction changes the length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	redacted := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	return len(p), nil
}
