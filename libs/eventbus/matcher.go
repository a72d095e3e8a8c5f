package eventbus

import (
	"strings"

	"github.com/Quicklotz/QuickRefurbz-sub003/libs/events"
)

// matcherKind is the closed set of subscription pattern kinds.
type matcherKind int

const (
	matchExact matcherKind = iota
	matchDomain
	matchAll
)

// Matcher is a parsed subscription pattern: an exact event type, a domain
// wildcard ("item.*"), or the universal wildcard ("*").
type Matcher struct {
	kind   matcherKind
	value  string // exact type, or bare domain for matchDomain
	source string // the pattern as registered
}

// ParseMatcher classifies a subscription pattern string.
func ParseMatcher(pattern string) Matcher {
	if pattern == "*" {
		return Matcher{kind: matchAll, source: pattern}
	}
	if d, ok := strings.CutSuffix(pattern, ".*"); ok {
		return Matcher{kind: matchDomain, value: d, source: pattern}
	}
	return Matcher{kind: matchExact, value: pattern, source: pattern}
}

// Matches reports whether an event type satisfies the pattern.
func (m Matcher) Matches(eventType string) bool {
	switch m.kind {
	case matchAll:
		return true
	case matchDomain:
		return events.Domain(eventType) == m.value
	default:
		return m.value == eventType
	}
}

// String returns the pattern as registered.
func (m Matcher) String() string { return m.source }

// domains resolves the set of domains whose streams the pattern touches.
// The universal wildcard expands through the registry's known domains.
func (m Matcher) domains(registry *events.Registry) []string {
	switch m.kind {
	case matchAll:
		return registry.Domains()
	case matchDomain:
		return []string{m.value}
	default:
		return []string{events.Domain(m.value)}
	}
}
