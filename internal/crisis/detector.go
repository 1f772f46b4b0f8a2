// Package crisis implements keyword-based crisis detection for participant
// messages. Detection is a pure function over the message text and the
// keyword list configured at startup.
package crisis

import (
	"log/slog"
	"regexp"
	"strings"
)

// defaultSafetyResponse is used when no configured response text is
// available. It must never be empty.
const defaultSafetyResponse = `I'm concerned about what you're sharing and want you to know that help is available right now.

If you're in immediate danger, please call 911.

For crisis support:
- Call or text 988 (Suicide & Crisis Lifeline)
- Text HOME to 741741 (Crisis Text Line)

I'm not a licensed therapist, but these trained professionals can provide immediate, specialized support. Your life matters, and there are people who want to help you through this difficult time.`

// Detector checks participant messages against a fixed crisis keyword list.
// A zero-keyword detector is valid and never matches: availability of the
// chat flow takes precedence over detection, so a failed keyword load
// degrades to "detection disabled" rather than an error.
type Detector struct {
	keywords       []string
	patterns       []*regexp.Regexp
	safetyResponse string
}

// NewDetector builds a detector from the configured keyword list and safety
// response text. Keywords match case-insensitively on word boundaries, and
// the first configured keyword wins on multiple matches.
func NewDetector(keywords []string, safetyResponse string) *Detector {
	d := &Detector{
		safetyResponse: strings.TrimSpace(safetyResponse),
	}
	if d.safetyResponse == "" {
		d.safetyResponse = defaultSafetyResponse
	}

	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		pattern, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
		if err != nil {
			// QuoteMeta makes this unreachable in practice; skip rather
			// than fail so one bad keyword cannot take detection down.
			slog.Warn("skipping unparseable crisis keyword", "keyword", kw, "error", err)
			continue
		}
		d.keywords = append(d.keywords, kw)
		d.patterns = append(d.patterns, pattern)
	}

	if len(d.keywords) == 0 {
		slog.Warn("crisis detection disabled: no keywords configured")
	} else {
		slog.Info("crisis detector initialized", "keywords", len(d.keywords))
	}
	return d
}

// Enabled reports whether any keywords are being monitored.
func (d *Detector) Enabled() bool {
	return len(d.keywords) > 0
}

// Check reports whether the message contains a crisis keyword and, if so,
// which one. Empty or whitespace-only messages never match.
func (d *Detector) Check(message string) (bool, string) {
	if strings.TrimSpace(message) == "" {
		return false, ""
	}
	for i, pattern := range d.patterns {
		if pattern.MatchString(message) {
			slog.Warn("crisis keyword detected", "keyword", d.keywords[i])
			return true, d.keywords[i]
		}
	}
	return false, ""
}

// SafetyResponse returns the fixed response shown instead of a model reply
// when a crisis keyword is detected.
func (d *Detector) SafetyResponse() string {
	return d.safetyResponse
}

// Keywords returns a copy of the monitored keyword list.
func (d *Detector) Keywords() []string {
	out := make([]string, len(d.keywords))
	copy(out, d.keywords)
	return out
}
