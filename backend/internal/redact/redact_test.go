package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sample = "mail bob@example.com from 10.0.0.12, ssn 123-45-6789"

func TestRedact_Strict(t *testing.T) {
	r := New()
	out := r.Redact(sample, ModeStrict)

	assert.Equal(t, "mail [REDACTED_EMAIL] from [REDACTED_IPV4], ssn [REDACTED_SSN]", out)
}

func TestRedact_Partial(t *testing.T) {
	r := New()
	out := r.Redact(sample, ModePartial)

	assert.Equal(t, "mail [REDACTED_EMAIL]@example.com from 10.x.x.x, ssn ***-**-6789", out)
	assert.NotContains(t, out, "bob")
	assert.NotContains(t, out, "123-45")
}

func TestRedact_AuditLeavesText(t *testing.T) {
	r := New()
	assert.Equal(t, sample, r.Redact(sample, ModeAudit))
}

func TestRedact_Off(t *testing.T) {
	r := New()
	assert.Equal(t, sample, r.Redact(sample, ModeOff))
}

func TestRedact_NoPII(t *testing.T) {
	r := New()
	text := "Alice uses Kubernetes daily"
	assert.Equal(t, text, r.Redact(text, ModeStrict))
}

func TestScan(t *testing.T) {
	counts := Scan("a@b.io c@d.io 192.168.1.1")
	assert.Equal(t, map[string]int{"EMAIL": 2, "IPV4": 1}, counts)
	assert.Empty(t, Scan("nothing here"))
}

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"Strict":  ModeStrict,
		"partial": ModePartial,
		"AUDIT":   ModeAudit,
		" off ":   ModeOff,
		"":        ModeStrict,
		"bogus":   ModeStrict,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseMode(in), in)
	}
}
