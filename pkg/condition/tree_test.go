package condition

import (
	"testing"
	"time"
)

func standardTree() *Tree {
	return Build("INTERNET", map[string][]string{
		"INTERNET": {"HTTP"},
		"HTTP":     {"TOKEN"},
		"TOKEN":    {"API"},
	})
}

func TestEffectiveFalseWhenAncestorDown(t *testing.T) {
	tr := standardTree()
	tr.Set("INTERNET", false, "no link")

	_, effective, ok := tr.Get("API")
	if !ok {
		t.Fatal("expected API node to exist")
	}
	if effective {
		t.Fatal("API should be ineffective while INTERNET is down")
	}
}

func TestEffectiveTrueWhenAllAncestorsUp(t *testing.T) {
	tr := standardTree()
	_, effective, ok := tr.Get("API")
	if !ok || !effective {
		t.Fatal("expected API effective by default")
	}
}

func TestSetIgnoresUnknownName(t *testing.T) {
	tr := standardTree()
	tr.Set("BOGUS", false, "whatever") // must not panic
}

func TestSetCoalescesRapidFlapping(t *testing.T) {
	tr := standardTree()
	var fired int
	tr.OnChange(func(name string, ok bool, reason string) { fired++ })

	tr.Set("HTTP", false, "down")
	tr.Set("HTTP", true, "up")
	tr.Set("HTTP", false, "down again")

	if fired == 0 {
		t.Fatal("expected at least the first change to fire")
	}
	if fired >= 3 {
		t.Fatalf("expected flapping within the coalesce window to be suppressed, fired=%d", fired)
	}
}

func TestSetFiresAgainAfterCoalesceWindow(t *testing.T) {
	tr := standardTree()
	tr.coalesceWindow = 5 * time.Millisecond
	var fired int
	tr.OnChange(func(name string, ok bool, reason string) { fired++ })

	tr.Set("HTTP", false, "down")
	time.Sleep(10 * time.Millisecond)
	tr.Set("HTTP", true, "up")

	if fired != 2 {
		t.Fatalf("expected 2 fires once the coalesce window passed, got %d", fired)
	}
}
