// Package command implements the CommandRegistry and CommandInstance
// state machine of spec §4.2: NEW -> ACCEPTED -> RUNNING -> terminal,
// with priority commands preempting whatever is currently RUNNING.
// Grounded on the teacher's phase1 per-device dispatch pattern (one
// active job, a registry of kind -> handler) generalized from a fixed
// job type to the spec's closed set of CommandKind values.
package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prusa3d/connect-printer-sdk/pkg/model"
)

// HandlerFunc executes one accepted command on the handler context
// (spec §4.2: "Handlers must be invoked on the user thread via
// command(); the loop never calls them").
type HandlerFunc func(ctx context.Context, cmd model.Command) (model.HandlerResult, error)

// Registry maps a CommandKind to the function that executes it.
// Replacing a handler for an already-registered kind is allowed at any
// time (spec §4.1: "replacing an existing handler is allowed at any
// time").
type Registry struct {
	mu       sync.RWMutex
	handlers map[model.CommandKind]HandlerFunc
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.CommandKind]HandlerFunc)}
}

// Register installs fn as the handler for kind, replacing any existing
// registration.
func (r *Registry) Register(kind model.CommandKind, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = fn
}

// Handler looks up the function registered for kind.
func (r *Registry) Handler(kind model.CommandKind) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[kind]
	return fn, ok
}

// Instance tracks one command through its state machine. Callers only
// ever see a read-only Snapshot; mutation goes through the owning
// Dispatcher so state transitions stay linearizable.
type Instance struct {
	mu      sync.Mutex
	command model.Command
	state   model.CommandState
	reason  string
}

// Snapshot is an immutable view of an Instance's current state.
type Snapshot struct {
	Command model.Command
	State   model.CommandState
	Reason  string
}

func (i *Instance) snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Snapshot{Command: i.command, State: i.state, Reason: i.reason}
}

// EventSink is the narrow slice of events.Queue the dispatcher needs.
type EventSink interface {
	Push(e model.Event)
}

// DefaultPriorityKinds is the Open-Question-resolved default priority
// set: only RESET_PRINTER bypasses the busy check out of the box. An
// embedding application widens this via Dispatcher.SetPriorityKinds.
var DefaultPriorityKinds = []model.CommandKind{model.CommandResetPrinter}

// Dispatcher serializes command execution: at most one Instance is
// RUNNING at a time, enforced by the busy check in Accept (spec §4.1,
// §4.2).
type Dispatcher struct {
	registry *Registry
	events   EventSink
	nowFunc  func() time.Time

	mu       sync.Mutex
	priority map[model.CommandKind]bool
	current  *Instance // whatever is ACCEPTED or RUNNING right now
	pending  *Instance // accepted but not yet picked up by Command()
}

// NewDispatcher builds a Dispatcher using DefaultPriorityKinds.
func NewDispatcher(registry *Registry, events EventSink, nowFunc func() time.Time) *Dispatcher {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	d := &Dispatcher{registry: registry, events: events, nowFunc: nowFunc, priority: make(map[model.CommandKind]bool)}
	d.SetPriorityKinds(DefaultPriorityKinds)
	return d
}

// SetPriorityKinds replaces the set of command kinds that bypass the
// busy check and preempt whatever is currently running.
func (d *Dispatcher) SetPriorityKinds(kinds []model.CommandKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.priority = make(map[model.CommandKind]bool, len(kinds))
	for _, k := range kinds {
		d.priority[k] = true
	}
}

// Busy reports whether a command is currently RUNNING, for the loop
// context's telemetry `command_id` field (spec §4.1 step 5).
func (d *Dispatcher) Busy() (id uint32, busy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return 0, false
	}
	snap := d.current.snapshot()
	return snap.Command.ID, snap.State == model.CommandRunning
}

// Accept parses an inbound command (spec §4.1 step 4: "2xx with
// Command-Id header and a JSON body"). If a command is already RUNNING
// and cmd's kind is not priority, it is rejected immediately with
// reason "busy" and Accept returns ok=false. A priority command
// preempts whatever is current, transitioning it to REJECTED. A kind
// outside model's closed CommandKind set is rejected with reason
// "unknown command".
func (d *Dispatcher) Accept(cmd model.Command) (inst *Instance, ok bool) {
	switch cmd.Kind {
	case model.CommandSendInfo, model.CommandGCode, model.CommandStartPrint, model.CommandStopPrint,
		model.CommandPausePrint, model.CommandResumePrint, model.CommandSendFileInfo, model.CommandDeleteFile,
		model.CommandDeleteDirectory, model.CommandDownloadFile, model.CommandCreateDirectory,
		model.CommandSendJobInfo, model.CommandResetPrinter:
	default:
		d.emitRejected(cmd.ID, "unknown command")
		return nil, false
	}

	d.mu.Lock()
	isPriority := d.priority[cmd.Kind]

	if d.current != nil {
		snap := d.current.snapshot()
		if snap.State == model.CommandRunning && !isPriority {
			d.mu.Unlock()
			d.emitRejected(cmd.ID, "busy")
			return nil, false
		}
		if isPriority {
			d.preempt(d.current, "preempted")
		}
	}

	inst = &Instance{command: cmd, state: model.CommandAccepted}
	d.current = inst
	d.pending = inst
	d.mu.Unlock()

	d.events.Push(model.Event{Kind: model.EventAccepted, Source: model.SourceConnect, CommandID: &cmd.ID, Timestamp: d.nowFunc()})
	return inst, true
}

// preempt must be called with d.mu held.
func (d *Dispatcher) preempt(inst *Instance, reason string) {
	inst.mu.Lock()
	inst.state = model.CommandRejected
	inst.reason = reason
	id := inst.command.ID
	inst.mu.Unlock()
	d.events.Push(model.Event{Kind: model.EventRejected, Source: model.SourceConnect, CommandID: &id, Reason: reason, Timestamp: d.nowFunc(), Priority: true})
}

func (d *Dispatcher) emitRejected(id uint32, reason string) {
	d.events.Push(model.Event{Kind: model.EventRejected, Source: model.SourceConnect, CommandID: &id, Reason: reason, Timestamp: d.nowFunc(), Priority: true})
}

// RunNext drives whatever is pending from NEW/ACCEPTED to a terminal
// state by invoking its registered handler on the caller's goroutine
// (spec §4.1: "invoked from a user thread"). Returns false if nothing
// was pending.
func (d *Dispatcher) RunNext(ctx context.Context) bool {
	d.mu.Lock()
	inst := d.pending
	d.pending = nil
	d.mu.Unlock()
	if inst == nil {
		return false
	}

	inst.mu.Lock()
	inst.state = model.CommandRunning
	kind := inst.command.Kind
	cmd := inst.command
	inst.mu.Unlock()

	handler, ok := d.registry.Handler(kind)
	if !ok {
		d.finish(inst, model.HandlerResult{}, fmt.Errorf("no handler registered for %s", kind))
		return true
	}

	result, err := handler(ctx, cmd)
	d.finish(inst, result, err)
	return true
}

func (d *Dispatcher) finish(inst *Instance, result model.HandlerResult, err error) {
	inst.mu.Lock()
	if inst.state == model.CommandRejected {
		// preempted while the handler was running: its terminal event
		// was already emitted, so don't overwrite it.
		inst.mu.Unlock()
		return
	}

	var kind model.EventKind
	var reason string
	if err != nil {
		inst.state = model.CommandFailed
		reason = err.Error()
		inst.reason = reason
		kind = model.EventFailed
	} else {
		inst.state = model.CommandFinished
		kind = result.Event
		if kind == "" {
			kind = model.EventFinished
		}
	}
	id := inst.command.ID
	source := result.Source
	if source == "" {
		source = model.SourceConnect
	}
	data := result.Data
	inst.mu.Unlock()

	d.mu.Lock()
	if d.current == inst {
		d.current = nil
	}
	d.mu.Unlock()

	d.events.Push(model.Event{
		Kind:      kind,
		Source:    source,
		CommandID: &id,
		Reason:    reason,
		Data:      data,
		Timestamp: d.nowFunc(),
		Priority:  kind == model.EventFailed,
	})
}

// Snapshot exposes an Instance's current state for tests and diagnostics.
func (i *Instance) Snapshot() Snapshot { return i.snapshot() }

// FailFromServer resolves the in-flight instance identified by id to a
// terminal FAILED state and pushes its terminal event, used when Connect
// answers a request referencing command_id with a 4xx (spec §4.1 step 4:
// "treat as terminal for any referenced command_id"). Returns false if id
// does not match the current instance (already terminal, or stale).
func (d *Dispatcher) FailFromServer(id uint32, reason string) bool {
	d.mu.Lock()
	inst := d.current
	if inst == nil || inst.snapshot().Command.ID != id {
		d.mu.Unlock()
		return false
	}
	if d.pending == inst {
		d.pending = nil
	}
	d.current = nil
	d.mu.Unlock()

	inst.mu.Lock()
	switch inst.state {
	case model.CommandFinished, model.CommandFailed, model.CommandRejected:
		inst.mu.Unlock()
		return false
	}
	inst.state = model.CommandFailed
	inst.reason = reason
	inst.mu.Unlock()

	d.events.Push(model.Event{Kind: model.EventFailed, Source: model.SourceConnect, CommandID: &id, Reason: reason, Timestamp: d.nowFunc(), Priority: true})
	return true
}
