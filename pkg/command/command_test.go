package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prusa3d/connect-printer-sdk/pkg/model"
)

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSink) Push(e model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) kinds() []model.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.EventKind
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

func fixedNow() time.Time { return time.Unix(1000, 0) }

func TestAcceptEmitsAcceptedImmediately(t *testing.T) {
	reg := NewRegistry()
	sink := &recordingSink{}
	d := NewDispatcher(reg, sink, fixedNow)

	_, ok := d.Accept(model.Command{ID: 1, Kind: model.CommandSendInfo})
	if !ok {
		t.Fatal("expected Accept to succeed when idle")
	}
	kinds := sink.kinds()
	if len(kinds) != 1 || kinds[0] != model.EventAccepted {
		t.Fatalf("expected [ACCEPTED], got %v", kinds)
	}
}

func TestRunNextInvokesHandlerAndEmitsFinished(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.CommandSendInfo, func(ctx context.Context, cmd model.Command) (model.HandlerResult, error) {
		return model.HandlerResult{}, nil
	})
	sink := &recordingSink{}
	d := NewDispatcher(reg, sink, fixedNow)

	d.Accept(model.Command{ID: 1, Kind: model.CommandSendInfo})
	if !d.RunNext(context.Background()) {
		t.Fatal("expected RunNext to find pending work")
	}

	kinds := sink.kinds()
	if len(kinds) != 2 || kinds[1] != model.EventFinished {
		t.Fatalf("expected [ACCEPTED FINISHED], got %v", kinds)
	}
}

func TestHandlerErrorEmitsFailedWithReason(t *testing.T) {
	reg := NewRegistry()
	reg.Register(model.CommandGCode, func(ctx context.Context, cmd model.Command) (model.HandlerResult, error) {
		return model.HandlerResult{}, errors.New("printer jammed")
	})
	sink := &recordingSink{}
	d := NewDispatcher(reg, sink, fixedNow)

	d.Accept(model.Command{ID: 2, Kind: model.CommandGCode})
	d.RunNext(context.Background())

	sink.mu.Lock()
	last := sink.events[len(sink.events)-1]
	sink.mu.Unlock()
	if last.Kind != model.EventFailed || last.Reason != "printer jammed" {
		t.Fatalf("expected FAILED with reason, got %+v", last)
	}
}

func TestBusyCommandRejectedWithoutPriority(t *testing.T) {
	reg := NewRegistry()
	blocking := make(chan struct{})
	reg.Register(model.CommandGCode, func(ctx context.Context, cmd model.Command) (model.HandlerResult, error) {
		<-blocking
		return model.HandlerResult{}, nil
	})
	sink := &recordingSink{}
	d := NewDispatcher(reg, sink, fixedNow)

	d.Accept(model.Command{ID: 1, Kind: model.CommandGCode})
	done := make(chan struct{})
	go func() {
		d.RunNext(context.Background())
		close(done)
	}()

	// wait until the handler is actually RUNNING
	for {
		if _, busy := d.Busy(); busy {
			break
		}
		time.Sleep(time.Millisecond)
	}

	_, ok := d.Accept(model.Command{ID: 2, Kind: model.CommandStopPrint})
	if ok {
		t.Fatal("expected busy rejection for a non-priority command")
	}

	close(blocking)
	<-done

	var sawRejected bool
	for _, e := range sink.kinds() {
		if e == model.EventRejected {
			sawRejected = true
		}
	}
	if !sawRejected {
		t.Fatal("expected a REJECTED event for the busy command")
	}
}

func TestPriorityCommandPreemptsRunning(t *testing.T) {
	reg := NewRegistry()
	blocking := make(chan struct{})
	reg.Register(model.CommandGCode, func(ctx context.Context, cmd model.Command) (model.HandlerResult, error) {
		<-blocking
		return model.HandlerResult{}, nil
	})
	reg.Register(model.CommandResetPrinter, func(ctx context.Context, cmd model.Command) (model.HandlerResult, error) {
		return model.HandlerResult{}, nil
	})
	sink := &recordingSink{}
	d := NewDispatcher(reg, sink, fixedNow)

	first, _ := d.Accept(model.Command{ID: 1, Kind: model.CommandGCode})
	done := make(chan struct{})
	go func() {
		d.RunNext(context.Background())
		close(done)
	}()
	for {
		if _, busy := d.Busy(); busy {
			break
		}
		time.Sleep(time.Millisecond)
	}

	_, ok := d.Accept(model.Command{ID: 2, Kind: model.CommandResetPrinter})
	if !ok {
		t.Fatal("expected priority command to be accepted despite busy printer")
	}

	if first.Snapshot().State != model.CommandRejected {
		t.Fatalf("expected preempted command REJECTED, got %s", first.Snapshot().State)
	}

	close(blocking)
	<-done
}
