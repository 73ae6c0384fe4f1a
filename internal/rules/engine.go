//go:build !no_rules

// Package rules runs operator alert rules written in Lua against the
// production event stream.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"oee-monitor/internal/production"

	lua "github.com/yuin/gopher-lua"
)

const (
	runTimeout   = 5 * time.Second
	commandQueue = 64
	maxHandlers  = 100
)

// Runtime is the production state the rules observe.
type Runtime interface {
	Events() *production.EventBus
	Snapshot() production.Snapshot
}

// Config holds the outbound notification settings of oee.notify.
type Config struct {
	NotifyURL     string
	NotifyTimeout time.Duration
}

type handler struct {
	eventType string
	filter    map[string]string
	fn        *lua.LFunction
}

// matches compares the filter against top-level fields of the event payload.
func (h handler) matches(data map[string]any) bool {
	for k, want := range h.filter {
		v, ok := data[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// ruleVM is one Lua state. Lua is only touched from the goroutine that
// drains commands, or from Run for one-shot states.
type ruleVM struct {
	id       string
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc
	capture  func(string) // one-shot runs only

	mu       sync.Mutex
	handlers []handler
}

func (v *ruleVM) handlerList() []handler {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]handler(nil), v.handlers...)
}

// Engine loads enabled rules and feeds them production events.
type Engine struct {
	rt      Runtime
	manager *Manager
	cfg     Config
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	vms   map[string]*ruleVM
	unsub func()
	wg    sync.WaitGroup
}

// NewEngine creates an engine. Nothing runs until Start.
func NewEngine(rt Runtime, mgr *Manager, cfg Config, logger *slog.Logger) *Engine {
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	return &Engine{
		rt:      rt,
		manager: mgr,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.NotifyTimeout},
		logger:  logger.With("component", "rules"),
		now:     time.Now,
		vms:     make(map[string]*ruleVM),
	}
}

// Start subscribes to production events and starts every enabled rule.
func (e *Engine) Start() {
	e.mu.Lock()
	e.unsub = e.rt.Events().OnAll(e.dispatch)
	e.mu.Unlock()

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load rules", "err", err)
		return
	}
	started := 0
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.start(s); err != nil {
			e.logger.Error("start rule", "id", s.ID, "err", err)
			continue
		}
		started++
	}
	e.logger.Info("rules engine started", "rules", started)
}

// Stop unsubscribes, stops every rule and waits for their goroutines.
func (e *Engine) Stop() {
	e.mu.Lock()
	for id, v := range e.vms {
		v.cancel()
		delete(e.vms, id)
	}
	unsub := e.unsub
	e.unsub = nil
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	e.wg.Wait()
	e.client.CloseIdleConnections()
	e.logger.Info("rules engine stopped")
}

// Running returns the IDs of running rules.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// Run executes a rule once in a throwaway state. Its handlers are called
// with the current snapshot as the event payload.
func (e *Engine) Run(id string) *RunResult {
	start := time.Now()
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: "rule not found: " + err.Error(), Logs: []string{}, Duration: time.Since(start).String()}
	}
	return e.RunCode(s.ID, s.Code)
}

// RunCode executes code once in a throwaway state.
func (e *Engine) RunCode(id, code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	res := &RunResult{Logs: []string{}}
	v := &ruleVM{
		id:       id,
		commands: make(chan func(*lua.LState), commandQueue),
		ctx:      ctx,
		cancel:   cancel,
		capture:  func(line string) { res.Logs = append(res.Logs, line) },
	}
	registerModule(L, v, e)

	finish := func(err error) *RunResult {
		res.Duration = time.Since(start).String()
		if err != nil {
			res.Error = luaError(err)
			e.logger.Warn("rule run failed", "id", id, "err", res.Error)
			return res
		}
		res.OK = true
		return res
	}

	if err := L.DoString(code); err != nil {
		return finish(err)
	}

	handlers := v.handlerList()
	res.Handlers = len(handlers)
	data := payload(e.rt.Snapshot())
	now := e.now()
	for _, h := range handlers {
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(L, h.eventType, now, data)); err != nil {
			return finish(err)
		}
	}
	return finish(nil)
}

func (e *Engine) start(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()
	v := &ruleVM{
		id:       s.ID,
		commands: make(chan func(*lua.LState), commandQueue),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerModule(L, v, e)

	if err := L.DoString(s.Code); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute rule %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = v
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-v.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("rule started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatch runs on the goroutine that emitted the event, so it only queues.
func (e *Engine) dispatch(ev production.Event) {
	e.mu.Lock()
	vms := make([]*ruleVM, 0, len(e.vms))
	for _, v := range e.vms {
		vms = append(vms, v)
	}
	e.mu.Unlock()

	var data map[string]any
	for _, v := range vms {
		for _, h := range v.handlerList() {
			if h.eventType != ev.Type {
				continue
			}
			if data == nil {
				data = payload(ev.Data)
			}
			if !h.matches(data) {
				continue
			}
			fn := h.fn
			select {
			case <-v.ctx.Done():
			case v.commands <- func(L *lua.LState) { e.call(L, v, fn, ev.Type, ev.At, data) }:
			default:
				e.logger.Warn("rule queue full, event dropped", "id", v.id, "event", ev.Type)
			}
		}
	}
}

func (e *Engine) call(L *lua.LState, v *ruleVM, fn *lua.LFunction, eventType string, at time.Time, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule handler panic", "id", v.id, "err", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, eventType, at, data)); err != nil {
		e.logger.Error("rule handler error", "id", v.id, "event", eventType, "err", err)
	}
}

func newSandbox() *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func luaError(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "context deadline exceeded") {
		return "timeout (" + runTimeout.String() + ")"
	}
	return msg
}

// payload turns an event body into plain JSON values so rules see the same
// field names as API clients.
func payload(data any) map[string]any {
	raw, err := json.Marshal(data)
	if err != nil {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

func eventTable(L *lua.LState, eventType string, at time.Time, data map[string]any) *lua.LTable {
	t := L.NewTable()
	for k, v := range data {
		t.RawSetString(k, goToLua(L, v))
	}
	t.RawSetString("type", lua.LString(eventType))
	t.RawSetString("at", lua.LNumber(at.Unix()))
	return t
}

// goToLua converts decoded JSON values.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
