package model

// Telemetry is the compact, overwrite-on-send status snapshot described
// in spec §3. Unlike events it carries only the single most recent value
// per field, so producers merge into it rather than appending.
//
// The field set is widened from the distilled spec's "optional numeric
// fields" wording to match the original SDK's telemetry payload
// (nozzle/bed temps, axis position, fans, filament sensor, job
// progress), per SPEC_FULL.md §4.
type Telemetry struct {
	State State

	NozzleTemp    *float64
	NozzleTarget  *float64
	BedTemp       *float64
	BedTarget     *float64
	AxisX         *float64
	AxisY         *float64
	AxisZ         *float64
	FanHotend     *int
	FanPrint      *int
	FilamentOK    *bool
	SpeedPercent  *int
	FlowPercent   *int
	Progress      *int
	PrintTimeSec  *int
	TimeRemaining *int

	// Extra carries fields not named above so embedders can forward
	// printer-model-specific telemetry without an SDK release.
	Extra map[string]any
}

// Merge overwrites fields present in patch onto t, leaving the rest
// untouched — this is what gives telemetry its "latest value wins"
// semantics (spec §3, §4.1 Telemetry()).
func (t *Telemetry) Merge(patch Telemetry) {
	if patch.State != "" {
		t.State = patch.State
	}
	mergePtr(&t.NozzleTemp, patch.NozzleTemp)
	mergePtr(&t.NozzleTarget, patch.NozzleTarget)
	mergePtr(&t.BedTemp, patch.BedTemp)
	mergePtr(&t.BedTarget, patch.BedTarget)
	mergePtr(&t.AxisX, patch.AxisX)
	mergePtr(&t.AxisY, patch.AxisY)
	mergePtr(&t.AxisZ, patch.AxisZ)
	mergePtr(&t.FanHotend, patch.FanHotend)
	mergePtr(&t.FanPrint, patch.FanPrint)
	mergePtr(&t.FilamentOK, patch.FilamentOK)
	mergePtr(&t.SpeedPercent, patch.SpeedPercent)
	mergePtr(&t.FlowPercent, patch.FlowPercent)
	mergePtr(&t.Progress, patch.Progress)
	mergePtr(&t.PrintTimeSec, patch.PrintTimeSec)
	mergePtr(&t.TimeRemaining, patch.TimeRemaining)

	if len(patch.Extra) > 0 {
		if t.Extra == nil {
			t.Extra = make(map[string]any, len(patch.Extra))
		}
		for k, v := range patch.Extra {
			t.Extra[k] = v
		}
	}
}

func mergePtr[T any](dst **T, src *T) {
	if src != nil {
		*dst = src
	}
}

// Payload renders the telemetry into the JSON body /p/telemetry expects,
// omitting unset fields (mirrors the original's filter_null).
func (t Telemetry) Payload() map[string]any {
	payload := map[string]any{"state": string(t.State)}
	putFloat(payload, "temp_nozzle", t.NozzleTemp)
	putFloat(payload, "target_nozzle", t.NozzleTarget)
	putFloat(payload, "temp_bed", t.BedTemp)
	putFloat(payload, "target_bed", t.BedTarget)
	putFloat(payload, "axis_x", t.AxisX)
	putFloat(payload, "axis_y", t.AxisY)
	putFloat(payload, "axis_z", t.AxisZ)
	putInt(payload, "fan_hotend", t.FanHotend)
	putInt(payload, "fan_print", t.FanPrint)
	putBool(payload, "filament_sensor", t.FilamentOK)
	putInt(payload, "speed", t.SpeedPercent)
	putInt(payload, "flow", t.FlowPercent)
	putInt(payload, "progress", t.Progress)
	putInt(payload, "print_dur", t.PrintTimeSec)
	putInt(payload, "time_est", t.TimeRemaining)
	for k, v := range t.Extra {
		payload[k] = v
	}
	return payload
}

func putFloat(m map[string]any, key string, v *float64) {
	if v != nil {
		m[key] = *v
	}
}

func putInt(m map[string]any, key string, v *int) {
	if v != nil {
		m[key] = *v
	}
}

func putBool(m map[string]any, key string, v *bool) {
	if v != nil {
		m[key] = *v
	}
}
