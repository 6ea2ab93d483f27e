package network

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ErrOutOfScope is returned for requests to hosts outside the engagement.
var ErrOutOfScope = errors.New("target is out of scope")

// ScopeGuard restricts outbound probes to the target's registrable domain.
// IP literals and single-label hosts (localhost, docker service names) have no
// registrable domain and are matched exactly.
type ScopeGuard struct {
	rootDomain        string
	exactHost         string
	includeSubdomains bool
}

// NewScopeGuard derives the scope from the target URL.
func NewScopeGuard(targetURL string, includeSubdomains bool) (*ScopeGuard, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("target URL must have a hostname: %s", targetURL)
	}

	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return &ScopeGuard{exactHost: host}, nil
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return nil, fmt.Errorf("could not determine effective TLD+1 for %s: %w", host, err)
	}
	return &ScopeGuard{rootDomain: domain, exactHost: host, includeSubdomains: includeSubdomains}, nil
}

// IsInScope reports whether u may be probed.
func (s *ScopeGuard) IsInScope(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	if host == s.exactHost {
		return true
	}
	if s.rootDomain == "" {
		return false
	}
	if host == s.rootDomain {
		return true
	}
	return s.includeSubdomains && strings.HasSuffix(host, "."+s.rootDomain)
}

// Check returns ErrOutOfScope wrapped with the offending host.
func (s *ScopeGuard) Check(u *url.URL) error {
	if s.IsInScope(u) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrOutOfScope, u.Hostname())
}

// RootDomain returns the registrable domain, or the exact host for IPs and
// single-label names.
func (s *ScopeGuard) RootDomain() string {
	if s.rootDomain != "" {
		return s.rootDomain
	}
	return s.exactHost
}
