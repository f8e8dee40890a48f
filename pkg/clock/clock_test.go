package clock

import (
	"testing"
	"time"
)

func TestJumpedFalseUnderThreshold(t *testing.T) {
	c := New()
	time.Sleep(5 * time.Millisecond)
	if c.Jumped(time.Second) {
		t.Fatal("expected no jump under normal elapsed time")
	}
}

func TestJumpedAfterRebaseClears(t *testing.T) {
	c := &Clock{}
	c.Rebase()
	if c.Jumped(time.Second) {
		t.Fatal("expected no jump right after rebase")
	}
}

func TestMonotonicNeverShrinksAcrossRebase(t *testing.T) {
	c := New()
	time.Sleep(2 * time.Millisecond)
	first := c.Monotonic()
	c.Rebase()
	second := c.Monotonic()
	if second < first {
		t.Fatalf("monotonic reading went backwards: %v -> %v", first, second)
	}
}
