package agent

import (
	"strings"

	"github.com/xkilldash9x/flagrunner/api/schemas"
)

// FindingsLedger is the append-only, deduplicated list of everything the agent
// has learned. Two findings are duplicates when their bodies match exactly,
// or when an existing body starts with the first prefixLen runes of the
// candidate.
type FindingsLedger struct {
	parser    ReportParser
	prefixLen int
	findings  []schemas.Finding
}

// NewFindingsLedger creates an empty ledger.
func NewFindingsLedger(parser ReportParser, prefixLen int) *FindingsLedger {
	if prefixLen <= 0 {
		prefixLen = 20
	}
	return &FindingsLedger{parser: parser, prefixLen: prefixLen}
}

// Extract returns the findings in report that are new relative to the ledger
// and to each other, in order of appearance. The ledger is not modified.
func (l *FindingsLedger) Extract(report string) []schemas.Finding {
	var fresh []schemas.Finding
	for _, candidate := range l.parser.FindingCandidates(report) {
		if l.isDuplicate(candidate.Body, l.findings) || l.isDuplicate(candidate.Body, fresh) {
			continue
		}
		fresh = append(fresh, candidate)
	}
	return fresh
}

// Absorb appends findings that Extract produced.
func (l *FindingsLedger) Absorb(findings []schemas.Finding) {
	l.findings = append(l.findings, findings...)
}

func (l *FindingsLedger) isDuplicate(body string, existing []schemas.Finding) bool {
	prefix := runePrefix(body, l.prefixLen)
	for _, f := range existing {
		if f.Body == body || strings.HasPrefix(f.Body, prefix) {
			return true
		}
	}
	return false
}

func runePrefix(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// All returns a copy of every finding in insertion order.
func (l *FindingsLedger) All() []schemas.Finding {
	return append([]schemas.Finding(nil), l.findings...)
}

// Recent returns a copy of the last n findings.
func (l *FindingsLedger) Recent(n int) []schemas.Finding {
	if n <= 0 {
		return nil
	}
	start := len(l.findings) - n
	if start < 0 {
		start = 0
	}
	return append([]schemas.Finding(nil), l.findings[start:]...)
}

// Len returns the number of findings held.
func (l *FindingsLedger) Len() int {
	return len(l.findings)
}

// HasFlag reports whether any finding carries the success token.
func (l *FindingsLedger) HasFlag() bool {
	for _, f := range l.findings {
		if f.IsFlag() {
			return true
		}
	}
	return false
}

// Bodies returns the normalized bodies of findings.
func Bodies(findings []schemas.Finding) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.Body
	}
	return out
}
