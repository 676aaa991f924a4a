package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/john/printlink/appctx"
	"github.com/john/printlink/auth"
	"github.com/john/printlink/event"
	"github.com/john/printlink/eventloop"
	"github.com/john/printlink/logger"
)

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

// eventLog records bus events. Handlers run on the loop.
type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) handle(e event.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) of(kind event.Kind) []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []event.Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	t       *testing.T
	loop    *eventloop.Loop
	bus     *event.Bus
	events  *eventLog
	ui      *appctx.RecordingUI
	machine *appctx.StaticMachine
	app     *appctx.Context
	s       *Session
}

func newFixture(t *testing.T, family Family, address string, tune func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		loop:    startLoop(t),
		bus:     event.NewBus(),
		events:  &eventLog{},
		ui:      &appctx.RecordingUI{ConfirmAnswer: true},
		machine: &appctx.StaticMachine{},
	}
	f.bus.Subscribe(f.events.handle)
	f.app = &appctx.Context{
		Machine:     f.machine,
		UI:          f.ui,
		Application: "printlink",
		Version:     "test",
		User:        "operator",
		Materials: appctx.MapMaterials{
			"pla-guid": {Brand: "Generic", Type: "PLA", Color: "#ffffff", Name: "Generic PLA"},
		},
	}
	// Stored credentials keep the handshake out of tests that are not about it.
	md := f.machine.Store("dev")
	_ = md.Set(auth.MetadataID, "id-1")
	_ = md.Set(auth.MetadataKey, "key-1234567890")

	opts := Options{
		Family:          family,
		Address:         address,
		Name:            "Printer",
		FirmwareVersion: "5.2.0",
		PollInterval:    30 * time.Millisecond,
		ResponseTimeout: 250 * time.Millisecond,
		RequestTimeout:  150 * time.Millisecond,
		GzipThreshold:   1 << 30,
		NetworkUp:       func() bool { return true },
	}
	if tune != nil {
		tune(&opts)
	}
	f.s = New("dev", f.loop, logger.Nop(), f.bus, f.app, opts)
	t.Cleanup(func() { _ = f.loop.Call(f.s.Disconnect) })
	return f
}

func (f *fixture) do(fn func()) {
	f.t.Helper()
	if err := f.loop.Call(fn); err != nil {
		f.t.Fatalf("loop closed: %v", err)
	}
}

func (f *fixture) waitFor(what string, cond func(s *Session) bool) {
	f.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		f.do(func() { ok = cond(f.s) })
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) connect() {
	f.t.Helper()
	f.do(f.s.Connect)
	f.waitFor("session accepting commands", (*Session).AcceptsCommands)
}

func hostOf(url string) string {
	return strings.TrimPrefix(url, "http://")
}
