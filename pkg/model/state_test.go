package model

import "testing"

func TestCanTransitionSameStateRejected(t *testing.T) {
	if CanTransition(StateReady, StateReady) {
		t.Fatal("same-state transition must be rejected")
	}
}

func TestCanTransitionAnyStateToErrorOrAttention(t *testing.T) {
	for _, from := range []State{StateIdle, StateReady, StateBusy, StatePrinting, StatePaused, StateFinished, StateStopped} {
		if !CanTransition(from, StateError) {
			t.Errorf("expected %s -> ERROR to be allowed", from)
		}
		if !CanTransition(from, StateAttention) {
			t.Errorf("expected %s -> ATTENTION to be allowed", from)
		}
	}
}

func TestPrintingCannotGoDirectlyToReady(t *testing.T) {
	if CanTransition(StatePrinting, StateReady) {
		t.Fatal("PRINTING -> READY must go through FINISHED or STOPPED")
	}
}

func TestPrintingReachesReadyViaFinished(t *testing.T) {
	if !CanTransition(StatePrinting, StateFinished) {
		t.Fatal("PRINTING -> FINISHED should be allowed")
	}
	if !CanTransition(StateFinished, StateReady) {
		t.Fatal("FINISHED -> READY should be allowed")
	}
}

func TestUnknownStateRejectsTransition(t *testing.T) {
	if CanTransition(State("BOGUS"), StateReady) {
		t.Fatal("unknown source state should never permit a transition")
	}
}
