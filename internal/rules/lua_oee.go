//go:build !no_rules

package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerModule installs the `oee` global.
func registerModule(L *lua.LState, v *ruleVM, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int { return oeeOn(L, v) }))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int { return oeeLog(L, v, e) }))
	mod.RawSetString("snapshot", L.NewFunction(func(L *lua.LState) int { return oeeSnapshot(L, e) }))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int { return oeeAfter(L, v, e) }))
	mod.RawSetString("notify", L.NewFunction(func(L *lua.LState) int { return oeeNotify(L, v, e) }))
	mod.RawSetString("hour_between", L.NewFunction(func(L *lua.LState) int { return oeeHourBetween(L, e) }))
	L.SetGlobal("oee", mod)
}

// oee.on(event_type, [filter], fn)
func oeeOn(L *lua.LState, v *ruleVM) int {
	h := handler{eventType: L.CheckString(1)}
	if L.GetTop() >= 3 {
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		h.filter = make(map[string]string)
		filter.ForEach(func(k, val lua.LValue) {
			h.filter[k.String()] = val.String()
		})
	} else {
		h.fn = L.CheckFunction(2)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.handlers) >= maxHandlers {
		L.RaiseError("too many handlers (max %d)", maxHandlers)
		return 0
	}
	v.handlers = append(v.handlers, h)
	return 0
}

// oee.log(msg)
func oeeLog(L *lua.LState, v *ruleVM, e *Engine) int {
	msg := L.CheckString(1)
	if v.capture != nil {
		v.capture(msg)
	}
	e.logger.Info("rule log", "id", v.id, "msg", msg)
	return 0
}

// oee.snapshot() returns the current production snapshot as a table.
func oeeSnapshot(L *lua.LState, e *Engine) int {
	L.Push(goToLua(L, payload(e.rt.Snapshot())))
	return 1
}

// oee.after(seconds, fn)
func oeeAfter(L *lua.LState, v *ruleVM, e *Engine) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-v.ctx.Done():
			return
		}
		select {
		case v.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "id", v.id, "err", err)
			}
		}:
		default:
			e.logger.Warn("after: rule queue full", "id", v.id)
		}
	}()
	return 0
}

type notification struct {
	Rule   string    `json:"rule"`
	Text   string    `json:"text"`
	Line   string    `json:"line,omitempty"`
	Device string    `json:"device,omitempty"`
	At     time.Time `json:"at"`
}

// oee.notify(text) posts to the configured webhook without waiting for it.
func oeeNotify(L *lua.LState, v *ruleVM, e *Engine) int {
	text := L.CheckString(1)
	if v.capture != nil {
		v.capture("notify: " + text)
	}
	if e.cfg.NotifyURL == "" {
		e.logger.Warn("oee.notify: notify_url not configured", "id", v.id)
		return 0
	}

	snap := e.rt.Snapshot()
	body, err := json.Marshal(notification{
		Rule:   v.id,
		Text:   text,
		Line:   snap.Settings.LineName,
		Device: snap.DeviceID,
		At:     e.now(),
	})
	if err != nil {
		e.logger.Error("encode notification", "err", err)
		return 0
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.NotifyTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.NotifyURL, bytes.NewReader(body))
		if err != nil {
			e.logger.Error("notify request", "err", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if err != nil {
			e.logger.Error("notify send", "id", v.id, "err", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			e.logger.Warn("notify non-2xx", "id", v.id, "status", resp.StatusCode)
		}
	}()
	return 0
}

// oee.hour_between(from, to) handles ranges that wrap midnight.
func oeeHourBetween(L *lua.LState, e *Engine) int {
	from, to := L.CheckInt(1), L.CheckInt(2)
	hour := e.now().Hour()
	var in bool
	if from <= to {
		in = hour >= from && hour < to
	} else {
		in = hour >= from || hour < to
	}
	L.Push(lua.LBool(in))
	return 1
}
