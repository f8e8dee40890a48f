package model

import "testing"

func f(v float64) *float64 { return &v }
func i(v int) *int         { return &v }

func TestTelemetryMergeOverwritesOnlySetFields(t *testing.T) {
	tl := Telemetry{State: StateReady, NozzleTemp: f(200)}
	tl.Merge(Telemetry{State: StatePrinting, BedTemp: f(60)})

	if tl.State != StatePrinting {
		t.Fatalf("expected state overwritten, got %s", tl.State)
	}
	if tl.NozzleTemp == nil || *tl.NozzleTemp != 200 {
		t.Fatal("expected NozzleTemp to survive an unrelated merge")
	}
	if tl.BedTemp == nil || *tl.BedTemp != 60 {
		t.Fatal("expected BedTemp to be set by the merge")
	}
}

func TestTelemetryPayloadOmitsUnsetFields(t *testing.T) {
	tl := Telemetry{State: StateReady, Progress: i(42)}
	payload := tl.Payload()

	if payload["state"] != "READY" {
		t.Fatalf("unexpected state in payload: %v", payload["state"])
	}
	if payload["progress"] != 42 {
		t.Fatalf("unexpected progress in payload: %v", payload["progress"])
	}
	if _, ok := payload["temp_nozzle"]; ok {
		t.Fatal("unset field temp_nozzle should be omitted from payload")
	}
}
