package redact

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"synthmemory/backend/pkg/logger"
)

// Mode selects how PII matches are handled
type Mode string

const (
	// ModeStrict replaces every match with a category placeholder
	ModeStrict Mode = "Strict"
	// ModePartial masks matches but keeps a hint of the original
	ModePartial Mode = "Partial"
	// ModeAudit logs matches and leaves the text unchanged
	ModeAudit Mode = "Audit"
	// ModeOff passes text through
	ModeOff Mode = "Off"
)

// ParseMode is case-insensitive. Unknown values fall back to Strict.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "partial":
		return ModePartial
	case "audit":
		return ModeAudit
	case "off":
		return ModeOff
	default:
		return ModeStrict
	}
}

type rule struct {
	category string
	pattern  *regexp.Regexp
	partial  func(match string) string
}

// Applied in order. SSN runs before IPv4 so digit groups are not split.
var rules = []rule{
	{
		category: "EMAIL",
		pattern:  regexp.MustCompile(`[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+`),
		partial: func(m string) string {
			at := strings.LastIndex(m, "@")
			return "[REDACTED_EMAIL]" + m[at:]
		},
	},
	{
		category: "SSN",
		pattern:  regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		partial: func(m string) string {
			return "***-**-" + m[len(m)-4:]
		},
	},
	{
		category: "IPV4",
		pattern:  regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`),
		partial: func(m string) string {
			return m[:strings.Index(m, ".")] + ".x.x.x"
		},
	},
}

// Redactor scrubs email addresses, IPv4 addresses and SSN-like numbers
type Redactor struct {
	logger *zap.Logger
}

// New creates a redactor
func New() *Redactor {
	return &Redactor{logger: logger.Component("redact")}
}

// Redact applies mode to text
func (r *Redactor) Redact(text string, mode Mode) string {
	switch mode {
	case ModeOff:
		return text
	case ModeAudit:
		if counts := Scan(text); len(counts) > 0 {
			fields := make([]zap.Field, 0, len(counts))
			for category, n := range counts {
				fields = append(fields, zap.Int(strings.ToLower(category), n))
			}
			r.logger.Info("PII detected (audit only)", fields...)
		}
		return text
	case ModePartial:
		for _, rl := range rules {
			text = rl.pattern.ReplaceAllStringFunc(text, rl.partial)
		}
		return text
	default:
		for _, rl := range rules {
			text = rl.pattern.ReplaceAllLiteralString(text, "[REDACTED_"+rl.category+"]")
		}
		return text
	}
}

// Scan counts matches per category without altering text
func Scan(text string) map[string]int {
	counts := make(map[string]int)
	for _, rl := range rules {
		if n := len(rl.pattern.FindAllStringIndex(text, -1)); n > 0 {
			counts[rl.category] = n
		}
	}
	return counts
}
