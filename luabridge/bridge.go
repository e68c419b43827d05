// Package luabridge exposes the event hub to Lua scripts.
//
// Scripts see a global table named events:
//
//	local id = events.subscribe("object_damage", function(e)
//		if e.time == "before" and e.object == 7 then
//			return true -- cancel
//		end
//	end, "highest")
//	events.debug("tick", true)
//	events.remove(id)
//
// The callback receives a table of the event fields plus time, cancellable
// and cancelled. Returning true cancels the event.
//
// gopher-lua states are not goroutine-safe. A Bridge serializes script
// execution and listener calls with a mutex, so events must not be
// dispatched from inside a script.
package luabridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/0xffffa/hookbus/event"
	"github.com/0xffffa/hookbus/events"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("lua bridge closed")

// ModuleName is the global the events table is installed under.
const ModuleName = "events"

// handlersKey is the registry global holding listener functions so they are
// reachable while subscribed.
const handlersKey = "_hookbus_handlers"

// Bridge owns one Lua state bound to a hub.
type Bridge struct {
	L *lua.LState

	hub *events.Hub
	log *slog.Logger

	mu       sync.Mutex
	handlers *lua.LTable
	subs     map[int]events.Subscription
	nextID   int
	closed   bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. The hub runtime's logger is used by default.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// New creates a Lua state with the base, table, string and math libraries
// and the events module.
func New(hub *events.Hub, opts ...Option) *Bridge {
	b := &Bridge{
		hub:  hub,
		log:  hub.Runtime().Log,
		subs: make(map[int]events.Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("component", "lua")

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	b.L = L

	b.handlers = L.NewTable()
	L.SetGlobal(handlersKey, b.handlers)

	mod := L.NewTable()
	L.SetField(mod, "subscribe", L.NewFunction(b.subscribe))
	L.SetField(mod, "remove", L.NewFunction(b.remove))
	L.SetField(mod, "debug", L.NewFunction(b.debug))
	L.SetField(mod, "names", L.NewFunction(b.names))
	L.SetGlobal(ModuleName, mod)
	return b
}

// DoFile runs a script file.
func (b *Bridge) DoFile(path string) error {
	return b.do(func() error { return b.L.DoFile(path) })
}

// DoString runs a chunk of Lua source.
func (b *Bridge) DoString(code string) error {
	return b.do(func() error { return b.L.DoString(code) })
}

func (b *Bridge) do(fn func() error) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// Subscriptions returns the ids of the live script listeners in ascending
// order.
func (b *Bridge) Subscriptions() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Close removes every script listener and closes the Lua state.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for id, sub := range b.subs {
		if err := b.hub.Remove(sub); err != nil && !errors.Is(err, event.ErrListenerNotFound) {
			errs = append(errs, err)
		}
		delete(b.subs, id)
	}
	b.L.Close()
	return errors.Join(errs...)
}

// events.subscribe(name, fn [, priority]) -> id
func (b *Bridge) subscribe(L *lua.LState) int {
	name := L.CheckString(1)
	fn := L.CheckFunction(2)
	p, err := event.ParsePriority(L.OptString(3, ""))
	if err != nil {
		L.ArgError(3, err.Error())
		return 0
	}

	b.nextID++
	id := b.nextID
	sub, err := b.hub.Subscribe(name, p, b.listener(id, name), event.WithName(fmt.Sprintf("lua-%d", id)))
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	b.handlers.RawSetInt(id, fn)
	b.subs[id] = sub
	b.log.Debug("script listener added", "event", name, "id", id, "priority", p.String())

	L.Push(lua.LNumber(id))
	return 1
}

// events.remove(id)
func (b *Bridge) remove(L *lua.LState) int {
	id := L.CheckInt(1)
	sub, ok := b.subs[id]
	if !ok {
		L.ArgError(1, fmt.Sprintf("no subscription %d", id))
		return 0
	}
	delete(b.subs, id)
	b.handlers.RawSetInt(id, lua.LNil)
	if err := b.hub.Remove(sub); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// events.debug(name, enabled)
func (b *Bridge) debug(L *lua.LState) int {
	name := L.CheckString(1)
	enable := L.OptBool(2, true)
	if err := b.hub.Debug(name, enable); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// events.names() -> {name...}
func (b *Bridge) names(L *lua.LState) int {
	t := L.NewTable()
	for _, n := range b.hub.Names() {
		t.Append(lua.LString(n))
	}
	L.Push(t)
	return 1
}

// listener adapts the Lua function stored under id. The events functions
// called from inside the Lua function run under the lock taken here.
func (b *Bridge) listener(id int, name string) func(event.Event) error {
	return func(e event.Event) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return nil
		}
		fn, ok := b.handlers.RawGetInt(id).(*lua.LFunction)
		if !ok {
			return nil
		}

		if err := b.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, eventTable(b.L, e)); err != nil {
			return fmt.Errorf("lua listener %d on %s: %w", id, name, err)
		}
		ret := b.L.Get(-1)
		b.L.Pop(1)
		if lua.LVAsBool(ret) {
			return e.Cancel()
		}
		return nil
	}
}

// eventTable converts e into a Lua table. Fields come from the event's
// slog.LogValuer group.
func eventTable(L *lua.LState, e event.Event) *lua.LTable {
	t := L.NewTable()
	if lv, ok := e.(slog.LogValuer); ok {
		v := lv.LogValue().Resolve()
		if v.Kind() == slog.KindGroup {
			for _, a := range v.Group() {
				t.RawSetString(a.Key, toLua(a.Value))
			}
		}
	}
	t.RawSetString("time", lua.LString(e.Time().String()))
	t.RawSetString("cancellable", lua.LBool(e.Cancellable()))
	t.RawSetString("cancelled", lua.LBool(e.Cancelled()))
	return t
}

func toLua(v slog.Value) lua.LValue {
	switch v.Kind() {
	case slog.KindString:
		return lua.LString(v.String())
	case slog.KindInt64:
		return lua.LNumber(v.Int64())
	case slog.KindUint64:
		return lua.LNumber(v.Uint64())
	case slog.KindFloat64:
		return lua.LNumber(v.Float64())
	case slog.KindBool:
		return lua.LBool(v.Bool())
	default:
		return lua.LString(v.String())
	}
}
