package events

import (
	"fmt"
	"sort"
	"strings"
)

// UnknownDomain is the placement bucket for malformed event types. Ending up
// here is an error condition, not a valid routing target for good data.
const UnknownDomain = "unknown"

// Domain returns the stream-placement prefix of an event type: the substring
// before the first dot. All types sharing a domain share one stream, which
// bounds the ordering guarantee to per-domain.
func Domain(eventType string) string {
	d, _, ok := strings.Cut(eventType, ".")
	if !ok || d == "" {
		return UnknownDomain
	}
	return d
}

// StreamKey derives the stream name an event type is appended to.
func StreamKey(prefix, eventType string) string {
	return prefix + Domain(eventType)
}

// Registry enumerates the domains a deployment knows about. The bus uses it
// to expand the universal wildcard into a concrete set of streams.
type Registry struct {
	domains map[string]string
}

// DefaultRegistry covers the QuickRefurbz event domains.
func DefaultRegistry() *Registry {
	return NewRegistry(map[string]string{
		"item":      "Item intake, identification and refurbishment",
		"order":     "Order lifecycle",
		"pallet":    "Pallet receiving and breakdown",
		"listing":   "Marketplace listings",
		"inventory": "Stock levels and location moves",
	})
}

func NewRegistry(domains map[string]string) *Registry {
	r := &Registry{domains: make(map[string]string, len(domains))}
	for name, desc := range domains {
		r.domains[name] = desc
	}
	return r
}

// Register adds a domain. Registering an existing domain overwrites its
// description.
func (r *Registry) Register(name, description string) {
	r.domains[name] = description
}

// Describe returns the human-readable description for an event type's domain.
func (r *Registry) Describe(eventType string) (string, error) {
	d := Domain(eventType)
	desc, ok := r.domains[d]
	if !ok {
		return "", fmt.Errorf("unregistered event domain %q (type %q)", d, eventType)
	}
	return desc, nil
}

// Domains returns the registered domain names, sorted for stable iteration.
func (r *Registry) Domains() []string {
	out := make([]string, 0, len(r.domains))
	for name := range r.domains {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
