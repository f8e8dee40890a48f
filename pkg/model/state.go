// Package model defines the wire-level data types shared across the SDK:
// printer state, events, telemetry, commands and transfers, per spec §3.
package model

// State is the printer's current operating state.
type State string

const (
	StateIdle      State = "IDLE"
	StateReady     State = "READY"
	StateBusy      State = "BUSY"
	StatePrinting  State = "PRINTING"
	StatePaused    State = "PAUSED"
	StateFinished  State = "FINISHED"
	StateStopped   State = "STOPPED"
	StateError     State = "ERROR"
	StateAttention State = "ATTENTION"
)

// transitions lists the allowed new states for each current state. A
// transition not listed here is rejected by SetState. Any state may move
// to ERROR or ATTENTION (spec §4.1), so those are added for every row at
// lookup time rather than duplicated in the table.
var transitions = map[State]map[State]bool{
	StateIdle: {
		StateReady: true,
	},
	StateReady: {
		StateIdle:     true,
		StateBusy:     true,
		StatePrinting: true,
	},
	StateBusy: {
		StateReady:    true,
		StatePrinting: true,
	},
	StatePrinting: {
		StatePaused:   true,
		StateFinished: true,
		StateStopped:  true,
	},
	StatePaused: {
		StatePrinting: true,
		StateStopped:  true,
	},
	StateFinished: {
		StateReady: true,
		StateIdle:  true,
	},
	StateStopped: {
		StateReady: true,
		StateIdle:  true,
	},
	StateError: {
		StateReady: true,
		StateIdle:  true,
	},
	StateAttention: {
		StateReady: true,
		StateIdle:  true,
	},
}

// CanTransition reports whether moving from `from` to `to` is permitted.
// ERROR and ATTENTION are reachable from any state (spec §4.1); PRINTING
// may only reach READY by way of FINISHED or STOPPED, which the table
// above enforces structurally by never listing PRINTING->READY directly.
func CanTransition(from, to State) bool {
	if from == to {
		return false
	}
	if to == StateError || to == StateAttention {
		return true
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}
