package eventbus

import (
	"testing"

	"github.com/Quicklotz/QuickRefurbz-sub003/libs/events"
)

func TestMatcher(t *testing.T) {
	cases := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"item.created", "item.created", true},
		{"item.created", "item.updated", false},
		{"item.*", "item.created", true},
		{"item.*", "item.refurb.completed", true},
		{"item.*", "order.created", false},
		{"*", "order.created", true},
		{"*", "anything.at.all", true},
	}
	for _, tc := range cases {
		m := ParseMatcher(tc.pattern)
		if got := m.Matches(tc.eventType); got != tc.want {
			t.Fatalf("ParseMatcher(%q).Matches(%q) = %v, want %v", tc.pattern, tc.eventType, got, tc.want)
		}
		if m.String() != tc.pattern {
			t.Fatalf("matcher must round-trip its pattern, got %q", m.String())
		}
	}
}

func TestMatcher_Domains(t *testing.T) {
	registry := events.NewRegistry(map[string]string{"item": "", "order": ""})

	if got := ParseMatcher("item.created").domains(registry); len(got) != 1 || got[0] != "item" {
		t.Fatalf("exact matcher domains = %v", got)
	}
	if got := ParseMatcher("order.*").domains(registry); len(got) != 1 || got[0] != "order" {
		t.Fatalf("domain matcher domains = %v", got)
	}
	got := ParseMatcher("*").domains(registry)
	if len(got) != 2 || got[0] != "item" || got[1] != "order" {
		t.Fatalf("universal matcher must expand through the registry, got %v", got)
	}
}
