package printer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prusa3d/connect-printer-sdk/pkg/model"
	"github.com/prusa3d/connect-printer-sdk/pkg/storage"
	"github.com/prusa3d/connect-printer-sdk/pkg/transport"
)

// fakeTransport is a scriptable transport.HttpTransport used to drive
// the loop context without a real socket.
type fakeTransport struct {
	mu sync.Mutex

	registerResp transport.Response
	registerErr  error

	pollResp transport.Response
	pollErr  error

	telemetryResp transport.Response
	telemetryErr  error
	telemetryLog  []map[string]any

	eventResp transport.Response
	eventErr  error
	eventLog  []map[string]any
}

func (f *fakeTransport) PostTelemetry(ctx context.Context, id transport.Identity, body any, clockAdjusted bool) (transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telemetryLog = append(f.telemetryLog, body.(map[string]any))
	return f.telemetryResp, f.telemetryErr
}

func (f *fakeTransport) PostEvent(ctx context.Context, id transport.Identity, body any) (transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventLog = append(f.eventLog, body.(map[string]any))
	return f.eventResp, f.eventErr
}

func (f *fakeTransport) Register(ctx context.Context, id transport.Identity) (transport.Response, error) {
	return f.registerResp, f.registerErr
}

func (f *fakeTransport) PollRegistration(ctx context.Context, code string) (transport.Response, error) {
	return f.pollResp, f.pollErr
}

func newTestPrinter(ft *fakeTransport) *Printer {
	cfg := Config{
		ServerURL:  "https://connect.example",
		Identity:   model.Identity{Type: model.PrinterMini, SerialNumber: "SN1", Fingerprint: "fp"},
		SDKVersion: "1.0.0",
		Token:      "preset-token",
	}
	return New(cfg, ft, map[string]storage.Backend{})
}

func TestRegisterReturnsCode(t *testing.T) {
	ft := &fakeTransport{registerResp: transport.Response{StatusCode: 200, Code: "ABCD"}}
	p := New(Config{ServerURL: "https://connect.example"}, ft, nil)

	code, err := p.Register(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != "ABCD" {
		t.Fatalf("expected code ABCD, got %q", code)
	}
}

func TestRegisterFailsWhenAlreadyTokened(t *testing.T) {
	ft := &fakeTransport{}
	p := newTestPrinter(ft)

	if _, err := p.Register(context.Background()); err == nil {
		t.Fatal("expected an error when already registered")
	}
}

func TestGetTokenPendingThenComplete(t *testing.T) {
	ft := &fakeTransport{pollResp: transport.Response{StatusCode: 202}}
	p := New(Config{ServerURL: "https://connect.example"}, ft, nil)

	_, status, err := p.GetToken(context.Background(), "code")
	if err != nil || status != RegistrationPending {
		t.Fatalf("expected PENDING, got status=%v err=%v", status, err)
	}

	ft.pollResp = transport.Response{StatusCode: 200, Token: "secret"}
	token, status, err := p.GetToken(context.Background(), "code")
	if err != nil || status != RegistrationComplete || token != "secret" {
		t.Fatalf("expected COMPLETE with token, got token=%q status=%v err=%v", token, status, err)
	}
	if p.currentToken() != "secret" {
		t.Fatalf("expected token to be stored, got %q", p.currentToken())
	}
}

func TestGetTokenRejected(t *testing.T) {
	ft := &fakeTransport{pollResp: transport.Response{StatusCode: 410}}
	p := New(Config{ServerURL: "https://connect.example"}, ft, nil)

	if _, _, err := p.GetToken(context.Background(), "code"); err == nil {
		t.Fatal("expected an error for a terminal rejection")
	}
}

func TestTelemetryDiscardedWithoutToken(t *testing.T) {
	ft := &fakeTransport{}
	p := New(Config{ServerURL: "https://connect.example"}, ft, nil)

	temp := 42.0
	p.Telemetry(model.Telemetry{NozzleTemp: &temp})
	if p.telemetry.NozzleTemp != nil {
		t.Fatal("expected telemetry merge to be discarded without a token")
	}
}

func TestSetStateRejectsInvalidTransition(t *testing.T) {
	ft := &fakeTransport{}
	p := newTestPrinter(ft)

	if err := p.SetState(model.StatePrinting, model.SourceConnect, nil); err == nil {
		t.Fatal("expected IDLE -> PRINTING to be rejected")
	}
	if err := p.SetState(model.StateReady, model.SourceConnect, nil); err != nil {
		t.Fatalf("expected IDLE -> READY to succeed: %v", err)
	}
	if p.State() != model.StateReady {
		t.Fatalf("expected state READY, got %s", p.State())
	}
}

func TestSetStateNoOpWhenUnchanged(t *testing.T) {
	ft := &fakeTransport{}
	p := newTestPrinter(ft)

	if err := p.SetState(model.StateIdle, model.SourceConnect, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.events.Len() != 0 {
		t.Fatalf("expected no STATE_CHANGED event for a no-op transition, got %d queued", p.events.Len())
	}
}

func TestLoopSendsTelemetryAndAcceptsCommand(t *testing.T) {
	body, _ := json.Marshal(map[string]any{"command": "GCODE", "args": []any{"G28"}})
	commandID := uint32(7)
	ft := &fakeTransport{
		telemetryResp: transport.Response{StatusCode: 200, CommandID: &commandID, Body: body},
	}
	p := newTestPrinter(ft)
	p.Handler(model.CommandGCode, func(ctx context.Context, cmd model.Command) (model.HandlerResult, error) {
		return model.HandlerResult{}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Loop(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		ft.mu.Lock()
		n := len(ft.telemetryLog)
		ft.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	cancel()
	<-done

	ft.mu.Lock()
	n := len(ft.telemetryLog)
	ft.mu.Unlock()
	if n == 0 {
		t.Fatal("expected at least one telemetry send")
	}
	if !p.Command(context.Background()) {
		t.Fatal("expected the command from the telemetry response to be accepted")
	}
}

func TestEventCBEnqueuesEvent(t *testing.T) {
	ft := &fakeTransport{}
	p := newTestPrinter(ft)

	p.EventCB(model.EventAttention, model.SourceFirmware, map[string]any{"code": "E1"})
	if p.events.Len() != 1 {
		t.Fatalf("expected one queued event, got %d", p.events.Len())
	}
}

func TestStopLoopReturnsPromptly(t *testing.T) {
	ft := &fakeTransport{telemetryResp: transport.Response{StatusCode: 200}}
	p := newTestPrinter(ft)

	done := make(chan struct{})
	go func() {
		p.Loop(context.Background())
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	p.StopLoop()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Loop did not exit after StopLoop")
	}
}
