package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor masks credentials in log output.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor for the credentials this service handles.
// Longer prefixes come first so sk-ant- keys are not half matched as sk-.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Anthropic, OpenAI
			regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{16,}`),
			regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9_-]{20,}`),
			// Google AI Studio
			regexp.MustCompile(`AIza[0-9A-Za-z_-]{30,}`),
			// Daytona
			regexp.MustCompile(`dtn_[A-Za-z0-9]{16,}`),
			regexp.MustCompile(`Bearer\s+[A-Za-z0-9._~+/-]+=*`),
			// JSON fields written by zerolog
			regexp.MustCompile(`"(api_key|apikey|token|secret|password)"\s*:\s*"[^"]*"`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact masks every credential in s.
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		if pattern.NumSubexp() > 0 {
			s = pattern.ReplaceAllString(s, `"$1":"`+redacted+`"`)
			continue
		}
		s = pattern.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers do not treat a shorter
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
