package schemas

import (
	"strings"
	"time"
)

// FindingKind classifies a finding extracted from an executor report.
type FindingKind string

const (
	KindDiscovery           FindingKind = "discovery"            // Something observed about the target.
	KindVulnerabilitySignal FindingKind = "vulnerability_signal" // A labelled weakness, e.g. "SQLi: login form".
	KindFlagCapture         FindingKind = "flag_capture"         // The success token was seen.
)

// Finding is a single piece of knowledge the agent accumulated. Body holds the
// normalized text ("<label>: <body>", "Discovery: <body>" or "FLAG: <token>")
// and is the only field that participates in deduplication.
type Finding struct {
	Kind       FindingKind `json:"kind"`
	Body       string      `json:"body"`
	Step       int         `json:"step"`
	ObservedAt time.Time   `json:"observed_at"`
}

// IsFlag reports whether the finding carries the success token.
func (f Finding) IsFlag() bool {
	return strings.Contains(strings.ToLower(f.Body), "flag{")
}

// String returns the normalized body.
func (f Finding) String() string {
	return f.Body
}
