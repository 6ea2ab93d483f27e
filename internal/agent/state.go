package agent

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
)

// StateKey names one of the well-known session fields.
type StateKey string

const (
	KeyCredential StateKey = "credential" // Session token, usable as a Cookie header value.
	KeyIdentity   StateKey = "identity"   // Authenticated user id or name.
	KeyTargetBase StateKey = "targetBase" // Base URL of the target under probe.
)

// StateKeys lists the recognized keys in display order.
var StateKeys = []StateKey{KeyCredential, KeyIdentity, KeyTargetBase}

// ParseStateKey accepts exactly the recognized key names.
func ParseStateKey(raw string) (StateKey, bool) {
	for _, k := range StateKeys {
		if string(k) == raw {
			return k, true
		}
	}
	return "", false
}

// unsetDisplay is how an unset field is rendered to humans and oracles.
const unsetDisplay = "None"

// SessionState is the agent's working memory of the target session. The zero
// value is a valid empty state and copying it yields an independent snapshot.
// The empty string is the single "unset" marker for every field; values are
// normalized on the way in so "none", "null" or blanks never get stored.
type SessionState struct {
	credential string
	identity   string
	targetBase string
}

// NewSessionState returns an empty state, optionally seeded with a target base.
func NewSessionState(targetBase string) SessionState {
	var s SessionState
	s.Set(KeyTargetBase, targetBase)
	return s
}

// Get returns the value of key, or "" when unset.
func (s SessionState) Get(key StateKey) string {
	switch key {
	case KeyCredential:
		return s.credential
	case KeyIdentity:
		return s.identity
	case KeyTargetBase:
		return s.targetBase
	}
	return ""
}

// Has reports whether key holds a value.
func (s SessionState) Has(key StateKey) bool {
	return s.Get(key) != ""
}

// Set normalizes raw and stores it. It reports whether the stored value
// changed. Raw values that normalize to "no value" leave the field untouched.
func (s *SessionState) Set(key StateKey, raw string) bool {
	value, ok := NormalizeValue(raw)
	if !ok || s.Get(key) == value {
		return false
	}
	s.put(key, value)
	return true
}

// Clear unsets key.
func (s *SessionState) Clear(key StateKey) {
	s.put(key, "")
}

func (s *SessionState) put(key StateKey, value string) {
	switch key {
	case KeyCredential:
		s.credential = value
	case KeyIdentity:
		s.identity = value
	case KeyTargetBase:
		s.targetBase = value
	}
}

// Display renders key for prompts and summaries, using "None" when unset.
func (s SessionState) Display(key StateKey) string {
	if v := s.Get(key); v != "" {
		return v
	}
	return unsetDisplay
}

// Fields returns the set fields keyed by name.
func (s SessionState) Fields() map[string]string {
	out := make(map[string]string, len(StateKeys))
	for _, k := range StateKeys {
		if v := s.Get(k); v != "" {
			out[string(k)] = v
		}
	}
	return out
}

// String renders all fields on one line.
func (s SessionState) String() string {
	parts := make([]string, 0, len(StateKeys))
	for _, k := range StateKeys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, s.Display(k)))
	}
	return strings.Join(parts, ", ")
}

// MarshalJSON emits only the set fields.
func (s SessionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Fields())
}

// UnmarshalJSON reads the object produced by MarshalJSON.
func (s *SessionState) UnmarshalJSON(data []byte) error {
	var fields map[string]string
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*s = SessionState{}
	for name, v := range fields {
		if k, ok := ParseStateKey(name); ok {
			s.Set(k, v)
		}
	}
	return nil
}

// valueCutset is trimmed from both ends of every raw value.
const valueCutset = " \t\r\n'\"`,"

// NormalizeValue trims quoting and whitespace from raw. It returns false when
// the result means "no value": empty, "none" or "null" in any case.
func NormalizeValue(raw string) (string, bool) {
	v := strings.Trim(raw, valueCutset)
	switch strings.ToLower(v) {
	case "", "none", "null", "nil", "undefined":
		return "", false
	}
	return v, true
}
