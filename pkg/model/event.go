package model

import "time"

// EventKind enumerates the events the SDK can emit to Connect.
type EventKind string

const (
	EventInfo             EventKind = "INFO"
	EventStateChanged     EventKind = "STATE_CHANGED"
	EventFinished         EventKind = "FINISHED"
	EventRejected         EventKind = "REJECTED"
	EventAccepted         EventKind = "ACCEPTED"
	EventFailed           EventKind = "FAILED"
	EventAttention        EventKind = "ATTENTION"
	EventFileChanged      EventKind = "FILE_CHANGED"
	EventMediumInserted   EventKind = "MEDIUM_INSERTED"
	EventMediumEjected    EventKind = "MEDIUM_EJECTED"
	EventTransferInfo     EventKind = "TRANSFER_INFO"
	EventTransferAborted  EventKind = "TRANSFER_ABORTED"
	EventTransferFinished EventKind = "TRANSFER_FINISHED"
	EventMeshBedLeveling  EventKind = "MESH_BED_LEVELING"
	EventConditionChanged EventKind = "CONDITION_CHANGED"
)

// Source identifies what part of the system raised an event.
type Source string

const (
	SourceConnect  Source = "CONNECT"
	SourceMarlin   Source = "MARLIN"
	SourceWUI      Source = "WUI"
	SourceFirmware Source = "FIRMWARE"
	SourceGCode    Source = "GCODE"
	SourceHW       Source = "HW"
	SourceUser     Source = "USER"
)

// Event is a discrete, ordered message destined for Connect's /p/events
// endpoint. Telemetry is not an Event: it overwrites rather than queues.
type Event struct {
	Kind       EventKind
	Source     Source
	Timestamp  time.Time
	CommandID  *uint32
	TransferID *uint32
	Reason     string
	Data       map[string]any

	// Priority marks events that bypass normal FIFO ordering and survive
	// queue overflow (REJECTED-on-priority-command, FAILED) per spec §4.5.
	Priority bool
}

// Payload renders the event into the flat JSON shape /p/events expects.
func (e Event) Payload() map[string]any {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	payload := map[string]any{
		"event":     string(e.Kind),
		"source":    string(e.Source),
		"data":      data,
		"timestamp": e.Timestamp.Unix(),
	}
	if e.CommandID != nil {
		payload["command_id"] = *e.CommandID
	}
	if e.TransferID != nil {
		payload["transfer_id"] = *e.TransferID
	}
	if e.Reason != "" {
		payload["reason"] = e.Reason
	}
	return payload
}
