package luabridge

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/0xffffa/hookbus/core"
	"github.com/0xffffa/hookbus/events"
	"github.com/0xffffa/hookbus/sandbox"
)

type fixture struct {
	host   *sandbox.Host
	hub    *events.Hub
	bridge *Bridge
	log    *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	host, err := sandbox.New()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	rt, err := core.New(host.Sim, core.Options{Logger: log})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	hub, err := events.NewHub(rt)
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	if err := hub.EnableAll(); err != nil {
		t.Fatalf("EnableAll: %v", err)
	}
	b := New(hub)
	t.Cleanup(func() {
		b.Close()
		rt.Teardown()
	})
	return &fixture{host: host, hub: hub, bridge: b, log: &buf}
}

func (f *fixture) global(t *testing.T, name string) lua.LValue {
	t.Helper()
	f.bridge.mu.Lock()
	defer f.bridge.mu.Unlock()
	return f.bridge.L.GetGlobal(name)
}

func TestScriptCountsTicks(t *testing.T) {
	f := newFixture(t)
	if err := f.bridge.DoString(`
		befores, afters = 0, 0
		events.subscribe("tick", function(e)
			if e.time == "before" then befores = befores + 1 else afters = afters + 1 end
			last = e.tick
		end)
	`); err != nil {
		t.Fatal(err)
	}
	if err := f.host.RunTick(3); err != nil {
		t.Fatal(err)
	}
	if got := f.global(t, "befores"); got != lua.LNumber(3) {
		t.Errorf("befores = %v", got)
	}
	if got := f.global(t, "afters"); got != lua.LNumber(3) {
		t.Errorf("afters = %v", got)
	}
	if got := f.global(t, "last"); got != lua.LNumber(3) {
		t.Errorf("last tick = %v", got)
	}
}

func TestScriptCancelsDamage(t *testing.T) {
	f := newFixture(t)
	if err := f.bridge.DoString(`
		events.subscribe("object_damage", function(e)
			return e.time == "before" and e.object == 7
		end, "highest")
	`); err != nil {
		t.Fatal(err)
	}

	if err := f.host.ApplyDamage(7, 1, 40); err != nil {
		t.Fatal(err)
	}
	if f.host.Health() != 100 {
		t.Errorf("health = %v after cancelled damage", f.host.Health())
	}
	if err := f.host.ApplyDamage(8, 1, 40); err != nil {
		t.Fatal(err)
	}
	if f.host.Health() != 60 {
		t.Errorf("health = %v, want 60", f.host.Health())
	}
}

func TestScriptDropsMessage(t *testing.T) {
	f := newFixture(t)
	if err := f.bridge.DoString(`
		events.subscribe("network_message", function(e)
			seen = e.payload
			return e.cancellable and e.channel == 2
		end)
	`); err != nil {
		t.Fatal(err)
	}
	if err := f.host.ReceiveMessage(2, []byte{0xde, 0xad}); err != nil {
		t.Fatal(err)
	}
	if f.host.Handled() != 0 {
		t.Error("message on channel 2 was handled")
	}
	if got := f.global(t, "seen"); got != lua.LString("dead") {
		t.Errorf("payload = %v", got)
	}
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	if err := f.bridge.DoString(`
		calls = 0
		id = events.subscribe("ui_render", function(e) calls = calls + 1 end)
	`); err != nil {
		t.Fatal(err)
	}
	if err := f.host.RenderUI(1); err != nil {
		t.Fatal(err)
	}
	if got := f.bridge.Subscriptions(); len(got) != 1 {
		t.Fatalf("Subscriptions = %v", got)
	}
	if err := f.bridge.DoString(`events.remove(id)`); err != nil {
		t.Fatal(err)
	}
	if err := f.host.RenderUI(1); err != nil {
		t.Fatal(err)
	}
	if got := f.global(t, "calls"); got != lua.LNumber(2) {
		t.Errorf("calls = %v, want 2", got)
	}
	if n, _ := f.hub.Listeners(events.UIRender); n != 0 {
		t.Errorf("listeners = %d", n)
	}

	err := f.bridge.DoString(`events.remove(id)`)
	if err == nil || !strings.Contains(err.Error(), "no subscription") {
		t.Errorf("second remove = %v", err)
	}
}

func TestSelfRemovalFromCallback(t *testing.T) {
	f := newFixture(t)
	if err := f.bridge.DoString(`
		calls = 0
		id = events.subscribe("frame", function(e)
			calls = calls + 1
			events.remove(id)
		end)
	`); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := f.host.RunFrame(0.016); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.global(t, "calls"); got != lua.LNumber(1) {
		t.Errorf("calls = %v, want 1", got)
	}
}

func TestCancellingNonCancellableIsReported(t *testing.T) {
	f := newFixture(t)
	if err := f.bridge.DoString(`events.subscribe("tick", function(e) return true end)`); err != nil {
		t.Fatal(err)
	}
	if err := f.host.RunTick(1); err != nil {
		t.Fatal(err)
	}
	if f.host.Ticks() != 1 {
		t.Error("tick did not run")
	}
	if !strings.Contains(f.log.String(), "not cancellable") {
		t.Errorf("expected a cancellation error in the log:\n%s", f.log.String())
	}
}

func TestScriptErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		code string
		want string
	}{
		{"unknown event", `events.subscribe("nope", function() end)`, "unknown event"},
		{"bad priority", `events.subscribe("tick", function() end, "urgent")`, "unknown priority"},
		{"not a function", `events.subscribe("tick", 3)`, "function expected"},
		{"syntax", `events.subscribe(`, "syntax"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.bridge.DoString(tt.code)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
	if len(f.bridge.Subscriptions()) != 0 {
		t.Error("failed subscriptions were recorded")
	}
}

func TestListenerErrorIsContained(t *testing.T) {
	f := newFixture(t)
	if err := f.bridge.DoString(`
		events.subscribe("tick", function(e) error("boom") end)
		ok = 0
		events.subscribe("tick", function(e) ok = ok + 1 end, "lowest")
	`); err != nil {
		t.Fatal(err)
	}
	if err := f.host.RunTick(1); err != nil {
		t.Fatal(err)
	}
	if got := f.global(t, "ok"); got != lua.LNumber(2) {
		t.Errorf("ok = %v, want 2", got)
	}
	if !strings.Contains(f.log.String(), "boom") {
		t.Errorf("listener error not logged:\n%s", f.log.String())
	}
}

func TestDebugAndNames(t *testing.T) {
	f := newFixture(t)
	if err := f.bridge.DoString(`
		n = #events.names()
		events.debug("camera", true)
	`); err != nil {
		t.Fatal(err)
	}
	if got := f.global(t, "n"); got != lua.LNumber(len(events.Names())) {
		t.Errorf("names = %v", got)
	}
	if !f.hub.Debugging(events.Camera) {
		t.Error("camera debug listener not enabled")
	}
	if err := f.bridge.DoString(`events.debug("camera", false)`); err != nil {
		t.Fatal(err)
	}
	if f.hub.Debugging(events.Camera) {
		t.Error("camera debug listener still enabled")
	}
}

func TestDoFileAndClose(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "count.lua")
	src := `hits = 0; events.subscribe("tick", function() hits = hits + 1 end)`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.bridge.DoFile(path); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.hub.Listeners(events.Tick); n != 1 {
		t.Fatalf("listeners = %d", n)
	}

	if err := f.bridge.Close(); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.hub.Listeners(events.Tick); n != 0 {
		t.Errorf("listeners after Close = %d", n)
	}
	if err := f.bridge.DoString(`x = 1`); !errors.Is(err, ErrClosed) {
		t.Errorf("DoString after Close = %v", err)
	}
	if err := f.host.RunTick(1); err != nil {
		t.Fatal(err)
	}
}
