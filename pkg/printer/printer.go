// Package printer composes the clock, transport, event queue, condition
// tree, command dispatcher, filesystem and transfer manager into the
// single-threaded loop context described in spec §4.1, grounded on the
// teacher's Client (shared/pkg/client/client.go) for the
// online/condition bookkeeping and on DeviceCodeAuth
// (shared/pkg/client/auth.go) for the registration poll shape.
package printer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prusa3d/connect-printer-sdk/pkg/clock"
	"github.com/prusa3d/connect-printer-sdk/pkg/command"
	"github.com/prusa3d/connect-printer-sdk/pkg/condition"
	"github.com/prusa3d/connect-printer-sdk/pkg/events"
	"github.com/prusa3d/connect-printer-sdk/pkg/model"
	"github.com/prusa3d/connect-printer-sdk/pkg/printerlog"
	"github.com/prusa3d/connect-printer-sdk/pkg/printermetrics"
	"github.com/prusa3d/connect-printer-sdk/pkg/retry"
	"github.com/prusa3d/connect-printer-sdk/pkg/storage"
	"github.com/prusa3d/connect-printer-sdk/pkg/transfer"
	"github.com/prusa3d/connect-printer-sdk/pkg/transport"
	"github.com/prusa3d/connect-printer-sdk/pkg/vfs"
)

// RetryBackoffNoToken is how long the loop sleeps between iterations
// while unregistered (spec §4.1 step 1).
const RetryBackoffNoToken = 5 * time.Second

// IdleSleep is the short pause taken when there is nothing to send
// (spec §4.1 step 2, "else skip iteration with short sleep").
const IdleSleep = 100 * time.Millisecond

// TelemetryInterval is the minimum spacing between telemetry sends
// (spec §4.1 step 2(b)).
const TelemetryInterval = 1 * time.Second

// StopFlushWindow bounds how long StopLoop waits for the loop goroutine
// to drain its pending event before returning.
const StopFlushWindow = 2 * time.Second

// Config carries the identity and tuning knobs an embedding application
// supplies; server_url/token/serial_number/fingerprint/printer_type are
// the spec §6 "environment inputs".
type Config struct {
	ServerURL string
	Identity  model.Identity
	Token     string // pre-provisioned; empty means Register/GetToken must run first

	SDKVersion     string
	PrinterVersion string

	EventQueueCapacity int
	RetryConfig        retry.Config

	// ConditionHierarchy overrides the default INTERNET > HTTP > TOKEN >
	// API condition tree (spec §4.6's "typical" example).
	ConditionHierarchy map[string][]string
	ConditionRoot      string

	NowFunc func() time.Time
}

func defaultConditionTree() *condition.Tree {
	return condition.Build("INTERNET", map[string][]string{
		"INTERNET": {"HTTP"},
		"HTTP":     {"TOKEN"},
		"TOKEN":    {"API"},
	})
}

// Printer is the SDK's core object: one per physical device, owning the
// loop, producer and handler context APIs spec §4.1 names.
type Printer struct {
	cfg       Config
	transport transport.HttpTransport
	clock     *clock.Clock
	events    *events.Queue
	conditions *condition.Tree
	registry   *command.Registry
	dispatcher *command.Dispatcher
	tree       *vfs.Tree
	transfers  *transfer.Manager
	nowFunc    func() time.Time

	mu        sync.Mutex
	token     string
	state     model.State
	telemetry model.Telemetry
	lastSend  time.Time
	attempt   int

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
}

// New builds a Printer. backends maps a storage name (as mounted on the
// vfs tree) to the StorageBackend that performs its physical I/O; it may
// be nil if the embedder has no removable media to expose, in which case
// Transfers().Enqueue fails for every storage. The set of backends is
// fixed once New returns; there is no call that adds one later.
func New(cfg Config, ht transport.HttpTransport, backends map[string]storage.Backend) *Printer {
	if cfg.NowFunc == nil {
		cfg.NowFunc = time.Now
	}
	if cfg.EventQueueCapacity == 0 {
		cfg.EventQueueCapacity = events.DefaultCapacity
	}

	var conditions *condition.Tree
	if cfg.ConditionHierarchy != nil {
		conditions = condition.Build(cfg.ConditionRoot, cfg.ConditionHierarchy)
	} else {
		conditions = defaultConditionTree()
	}

	p := &Printer{
		cfg:        cfg,
		transport:  ht,
		clock:      clock.New(),
		events:     events.New(cfg.EventQueueCapacity),
		conditions: conditions,
		registry:   command.NewRegistry(),
		tree:       vfs.New(cfg.NowFunc),
		nowFunc:    cfg.NowFunc,
		token:      cfg.Token,
		state:      model.StateIdle,
		stopCh:     make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	p.telemetry.State = p.state
	p.dispatcher = command.NewDispatcher(p.registry, p.events, cfg.NowFunc)
	p.transfers = transfer.NewManager(p.tree, backends, p.httpSource(), p.events, cfg.NowFunc)
	p.tree.OnChange(p.onTreeChange)
	p.conditions.OnChange(p.onConditionChange)
	return p
}

// onTreeChange translates the vfs tree's change notifications into queued
// events: a mount/unmount of a top-level storage becomes MEDIUM_INSERTED/
// MEDIUM_EJECTED, anything else (create/modify/delete, including
// EmitFileChanged for out-of-band changes reported by a watcher) becomes
// FILE_CHANGED (spec §4.3).
func (p *Printer) onTreeChange(path string, kind vfs.ChangeKind) {
	switch kind {
	case vfs.ChangeMounted:
		p.EventCB(model.EventMediumInserted, model.SourceConnect, map[string]any{"path": path})
	case vfs.ChangeUnmounted:
		p.EventCB(model.EventMediumEjected, model.SourceConnect, map[string]any{"path": path})
	default:
		p.EventCB(model.EventFileChanged, model.SourceConnect, map[string]any{"path": path, "kind": string(kind)})
	}
}

// onConditionChange translates a coalesced ConditionTree change into a
// queued CONDITION_CHANGED event (spec §4.6).
func (p *Printer) onConditionChange(name string, ok bool, reason string) {
	p.EventCB(model.EventConditionChanged, model.SourceConnect, map[string]any{"name": name, "ok": ok, "reason": reason})
}

// Filesystem exposes the in-memory vfs tree so the embedder can mount
// storages and register a watcher.
func (p *Printer) Filesystem() *vfs.Tree { return p.tree }

// Transfers exposes the download/upload manager.
func (p *Printer) Transfers() *transfer.Manager { return p.transfers }

// Conditions exposes the condition tree for embedder-reported flags
// (e.g. a USB-absent node the embedder owns).
func (p *Printer) Conditions() *condition.Tree { return p.conditions }

// Handler registers fn as the handler for kind (spec §4.1 "handler(kind)").
func (p *Printer) Handler(kind model.CommandKind, fn command.HandlerFunc) {
	p.registry.Register(kind, fn)
}

// SetPriorityKinds overrides the command kinds that preempt whatever is
// RUNNING (spec §4.2, Open Question decision in SPEC_FULL.md §10).
func (p *Printer) SetPriorityKinds(kinds []model.CommandKind) {
	p.dispatcher.SetPriorityKinds(kinds)
}

// Command drives the handler-context entry point (spec §4.1
// "command()"): if a CommandInstance is pending it runs its handler on
// the caller's goroutine and pushes the terminal event.
func (p *Printer) Command(ctx context.Context) bool {
	return p.dispatcher.RunNext(ctx)
}

// Telemetry merges patch into the pending telemetry slot. It never
// blocks on I/O and is silently discarded while unregistered (spec
// §4.1 "telemetry()").
func (p *Printer) Telemetry(patch model.Telemetry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == "" {
		return
	}
	p.telemetry.Merge(patch)
}

// SetState transitions the printer's state, enqueuing STATE_CHANGED iff
// the new state differs from the current one, and rejecting transitions
// the state graph forbids (spec §4.1 "set_state()").
func (p *Printer) SetState(newState model.State, source model.Source, data map[string]any) error {
	p.mu.Lock()
	cur := p.state
	if cur == newState {
		p.mu.Unlock()
		return nil
	}
	if !model.CanTransition(cur, newState) {
		p.mu.Unlock()
		return fmt.Errorf("printer: state %s cannot transition to %s", cur, newState)
	}
	p.state = newState
	p.telemetry.State = newState
	p.mu.Unlock()

	p.events.Push(model.Event{Kind: model.EventStateChanged, Source: source, Data: data, Timestamp: p.nowFunc()})
	return nil
}

// State returns the printer's current state.
func (p *Printer) State() model.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// EventCB enqueues an arbitrary event, dropping the oldest non-priority
// event if the queue is full (spec §4.1 "event_cb()").
func (p *Printer) EventCB(kind model.EventKind, source model.Source, data map[string]any) {
	p.events.Push(model.Event{Kind: kind, Source: source, Data: data, Timestamp: p.nowFunc()})
}

func (p *Printer) currentToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

func (p *Printer) setToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

func (p *Printer) identity() transport.Identity {
	return transport.Identity{
		Token:          p.currentToken(),
		Fingerprint:    p.cfg.Identity.Fingerprint,
		PrinterType:    string(p.cfg.Identity.Type),
		PrinterVersion: p.cfg.PrinterVersion,
		SDKVersion:     p.cfg.SDKVersion,
	}
}

// Register requests a temporary registration code (spec §4.1
// "register()"). The caller displays the code to the user.
func (p *Printer) Register(ctx context.Context) (string, error) {
	if p.currentToken() != "" {
		return "", fmt.Errorf("printer: already registered")
	}
	resp, err := p.transport.Register(ctx, p.identity())
	if err != nil {
		return "", fmt.Errorf("printer: register: %w", err)
	}
	if resp.StatusCode/100 != 2 || resp.Code == "" {
		return "", fmt.Errorf("printer: register: unexpected response %d", resp.StatusCode)
	}
	return resp.Code, nil
}

// RegistrationStatus is GetToken's three-way outcome, preserving the
// pending/terminal-success/terminal-error shape of DeviceCodeAuth's
// inner poll (shared/pkg/client/auth.go) while matching spec §4.1's
// "returns token on success, nothing if still pending" single-poll
// contract.
type RegistrationStatus string

const (
	RegistrationPending  RegistrationStatus = "PENDING"
	RegistrationComplete RegistrationStatus = "COMPLETE"
)

// GetToken performs a single poll of the registration endpoint (spec
// §4.1 "get_token()"). A terminal rejection is returned as an error.
func (p *Printer) GetToken(ctx context.Context, tmpCode string) (token string, status RegistrationStatus, err error) {
	resp, err := p.transport.PollRegistration(ctx, tmpCode)
	if err != nil {
		return "", "", fmt.Errorf("printer: poll registration: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusAccepted:
		return "", RegistrationPending, nil
	case resp.StatusCode/100 == 2 && resp.Token != "":
		p.setToken(resp.Token)
		return resp.Token, RegistrationComplete, nil
	default:
		return "", "", fmt.Errorf("printer: registration rejected (%d)", resp.StatusCode)
	}
}

// PollUntilRegistered calls GetToken once per interval until it completes,
// is rejected, ctx is cancelled, or timeout elapses. The interval is
// fixed; a server Retry-After is not consulted. It is the outer loop
// DeviceCodeAuth inlines, kept here as a convenience for callers that
// don't want to drive register-then-wait by hand.
func (p *Printer) PollUntilRegistered(ctx context.Context, tmpCode string, interval, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
		token, status, err := p.GetToken(ctx, tmpCode)
		if err != nil {
			return "", err
		}
		if status == RegistrationComplete {
			return token, nil
		}
	}
	return "", fmt.Errorf("printer: registration code expired")
}

// httpSource adapts the plain HTTP GET used to fetch DOWNLOAD_FROM_URL
// payloads, attaching the same identity headers as transport.Transport
// (grounded on transport.go's applyIdentity, generalized to an
// arbitrary source URL transfer.Manager needs to fetch).
type httpSource struct {
	client *http.Client
	token  func() string
}

func (p *Printer) httpSource() *httpSource {
	return &httpSource{client: &http.Client{Timeout: 0}, token: p.currentToken}
}

func (s *httpSource) Open(ctx context.Context, sourceURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, 0, err
	}
	if tok := s.token(); tok != "" {
		req.Header.Set("Token", tok)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("httpSource: unexpected status %d fetching %s", resp.StatusCode, sourceURL)
	}
	return resp.Body, resp.ContentLength, nil
}

// Loop runs the single-threaded cooperative scheduler (spec §4.1) until
// ctx is cancelled or StopLoop is called.
func (p *Printer) Loop(ctx context.Context) error {
	defer close(p.stopped)
	for {
		select {
		case <-ctx.Done():
			p.drainOnStop(context.Background())
			return ctx.Err()
		case <-p.stopCh:
			p.drainOnStop(context.Background())
			return nil
		default:
		}

		if p.currentToken() == "" {
			p.sleep(ctx, RetryBackoffNoToken)
			continue
		}

		switch {
		case p.nextIsPriorityEvent():
			ev, _ := p.events.Pop(0)
			p.sendEvent(ctx, ev)
		case p.telemetryDue():
			p.sendTelemetryNow(ctx)
		default:
			if ev, ok := p.events.Pop(0); ok {
				p.sendEvent(ctx, ev)
			} else {
				p.sleep(ctx, IdleSleep)
			}
		}
	}
}

// drainOnStop best-effort flushes whatever is left in the event queue
// for up to StopFlushWindow before the loop goroutine exits.
func (p *Printer) drainOnStop(ctx context.Context) {
	if p.currentToken() == "" {
		return
	}
	deadline := time.Now().Add(StopFlushWindow)
	for time.Now().Before(deadline) {
		ev, ok := p.events.Pop(0)
		if !ok {
			return
		}
		p.sendEvent(ctx, ev)
	}
}

// StopLoop signals the loop to exit, best-effort flushing pending events
// and aborting in-flight transfers (spec §4.4 "stop_loop on the owning
// Printer aborts all RUNNING transfers").
func (p *Printer) StopLoop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.transfers.StopAll()
	select {
	case <-p.stopped:
	case <-time.After(StopFlushWindow):
	}
}

func (p *Printer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-p.stopCh:
	case <-time.After(d):
	}
}

func (p *Printer) nextIsPriorityEvent() bool {
	ev, ok := p.events.Peek()
	return ok && ev.Priority
}

func (p *Printer) telemetryDue() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nowFunc().Sub(p.lastSend) >= TelemetryInterval
}

func (p *Printer) telemetryPayload() map[string]any {
	p.mu.Lock()
	payload := p.telemetry.Payload()
	p.mu.Unlock()
	if id, busy := p.dispatcher.Busy(); busy {
		payload["command_id"] = id
	}
	return payload
}

func (p *Printer) sendTelemetryNow(ctx context.Context) {
	p.mu.Lock()
	p.lastSend = p.nowFunc()
	p.mu.Unlock()

	payload := p.telemetryPayload()
	clockAdjusted := p.clock.Jumped(time.Second)

	started := p.nowFunc()
	resp, err := p.transport.PostTelemetry(ctx, p.identity(), payload, clockAdjusted)
	printermetrics.TelemetrySendDuration.Observe(p.nowFunc().Sub(started).Seconds())
	p.clock.Rebase()
	p.handleResponse(ctx, resp, err)
}

func (p *Printer) sendEvent(ctx context.Context, ev model.Event) {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	payload := ev.Payload()
	payload["state"] = string(state)

	resp, err := p.transport.PostEvent(ctx, p.identity(), payload)
	p.handleResponse(ctx, resp, err)
}

// commandWire is the JSON body shape Connect embeds alongside the
// Command-Id response header (spec §4.1 step 4, §6).
type commandWire struct {
	Command string         `json:"command"`
	Args    []any          `json:"args"`
	Kwargs  map[string]any `json:"kwargs"`
	Force   bool           `json:"force"`
}

// handleResponse implements spec §4.1 step 4's response dispatch,
// shared by telemetry and event sends since both ride the same
// request/response envelope.
func (p *Printer) handleResponse(ctx context.Context, resp transport.Response, err error) {
	if err != nil {
		p.conditions.Set("INTERNET", false, err.Error())
		p.backoffAndWait(ctx, 0)
		return
	}

	switch {
	case resp.StatusCode/100 == 2:
		p.conditions.Set("INTERNET", true, "")
		p.conditions.Set("HTTP", true, "")
		p.conditions.Set("API", true, "")
		p.attemptReset()
		if resp.CommandID != nil && len(resp.Body) > 0 {
			p.acceptInboundCommand(*resp.CommandID, resp.Body)
		}
	case resp.StatusCode/100 == 4:
		printerlog.Warn("request rejected", zap.Int("status", resp.StatusCode), zap.ByteString("body", resp.Body))
		p.conditions.Set("API", false, fmt.Sprintf("http %d", resp.StatusCode))
		if resp.CommandID != nil {
			p.dispatcher.FailFromServer(*resp.CommandID, fmt.Sprintf("rejected by server (http %d)", resp.StatusCode))
		}
		p.attemptReset()
	case resp.StatusCode/100 == 5:
		p.conditions.Set("HTTP", false, fmt.Sprintf("http %d", resp.StatusCode))
		p.backoffAndWait(ctx, resp.RetryAfter)
	default:
		p.attemptReset()
	}
}

func (p *Printer) acceptInboundCommand(id uint32, body []byte) {
	var wire commandWire
	if err := json.Unmarshal(body, &wire); err != nil {
		printerlog.Warn("malformed command body", zap.Error(err))
		return
	}
	p.dispatcher.Accept(model.Command{
		ID:     id,
		Kind:   model.CommandKind(wire.Command),
		Args:   wire.Args,
		Kwargs: wire.Kwargs,
		Force:  wire.Force,
	})
}

func (p *Printer) attemptReset() {
	p.mu.Lock()
	p.attempt = 0
	p.mu.Unlock()
	printermetrics.BackoffSeconds.Set(0)
}

// backoffAndWait increments the exponential backoff counter and sleeps,
// honoring an explicit Retry-After when the server supplied one (spec
// §4.1 step 4's "Retry-After header honored verbatim").
func (p *Printer) backoffAndWait(ctx context.Context, retryAfter time.Duration) {
	p.mu.Lock()
	p.attempt++
	attempt := p.attempt
	p.mu.Unlock()

	wait := retryAfter
	if wait <= 0 {
		wait = retry.Next(p.retryConfig(), attempt)
	}
	printermetrics.BackoffSeconds.Set(wait.Seconds())
	p.sleep(ctx, wait)
}

func (p *Printer) retryConfig() retry.Config {
	cfg := p.cfg.RetryConfig
	if cfg.InitialWait == 0 && cfg.MaxWait == 0 {
		cfg = retry.DefaultConfig()
	}
	return cfg
}
