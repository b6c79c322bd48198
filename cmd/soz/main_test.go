package main

import (
	"strings"
	"testing"

	"sozledger/internal/domain"
)

func TestRenderEventsTable(t *testing.T) {
	var buf strings.Builder
	renderEventsTable(&buf, []domain.Event{
		{EventID: "evt_1", TS: "2026-03-01T12:00:00Z", Type: "promise.created", EntityID: "prm_1", ActorID: "ent_1"},
		{EventID: "evt_2", TS: "2026-03-01T12:00:01Z", Type: "promise.fulfilled", EntityID: "prm_1", ActorID: "ent_1"},
	})

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") || strings.HasPrefix(strings.TrimSpace(out), "[") {
		t.Fatalf("output looks like JSON, want a table:\n%s", out)
	}
	for _, want := range []string{"evt_1", "evt_2", "promise.created", "promise.fulfilled", "prm_1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
