package inspector

import (
	"context"
	"encoding/json"

	"github.com/bingosuite/cdpbridge/internal/bridge"
)

type scriptParsedEvent struct {
	ScriptID string `json:"scriptId"`
	URL      string `json:"url"`
}

type setBreakpointByURLParams struct {
	URL          string `json:"url"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
	Condition    string `json:"condition"`
}

type breakpointLocation struct {
	ScriptID     string `json:"scriptId"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

type setBreakpointByURLResult struct {
	BreakpointID string               `json:"breakpointId"`
	Locations    []breakpointLocation `json:"locations"`
}

func (d *Dispatcher) registerDebugger() {
	d.handle(bridge.MethodDebuggerEnable, d.debuggerEnable)
	d.handle(bridge.MethodDebuggerDisable, d.debuggerDisable)
	d.handle(bridge.MethodDebuggerGetScriptSource, d.getScriptSource)

	d.handle(bridge.MethodDebuggerResume, d.send(true))
	d.handle(bridge.MethodDebuggerStepOver, d.send(true))
	d.handle(bridge.MethodDebuggerStepInto, d.send(true))
	d.handle(bridge.MethodDebuggerStepOut, d.send(true))
	d.handle(bridge.MethodDebuggerPause, d.send(false))

	d.handle(bridge.MethodDebuggerSetBreakpointByURL, d.setBreakpointByURL)
	d.handle(bridge.MethodDebuggerRemoveBreakpoint, d.removeBreakpoint)
	d.handle(bridge.MethodDebuggerSetBreakpoint, func(_ context.Context, _ Peer, params json.RawMessage) (any, error) {
		d.log.Warnf("%s is not supported, use setBreakpointByUrl: %s", bridge.MethodDebuggerSetBreakpoint, params)
		return nil, nil
	})
	d.handle(bridge.MethodDebuggerSetBreakpointsActive, d.send(false))
	d.handle(bridge.MethodDebuggerSetPauseOnExceptions, d.send(false))
	d.handle(bridge.MethodDebuggerSetAsyncCallStack, d.send(false))
	d.handle(bridge.MethodDebuggerSetSkipAllPauses, d.setSkipAllPauses)
	d.handle(bridge.MethodDebuggerEvaluateOnCallFrame, d.evaluateOnCallFrame)
}

// debuggerEnable announces every provider script, and every script the
// engine already reported, to peer. The bridge remembers what each session
// was told, so the engine's own scriptParsed for these ids is not forwarded
// to it again.
func (d *Dispatcher) debuggerEnable(_ context.Context, peer Peer, _ json.RawMessage) (any, error) {
	ids := d.provider.AllScriptIDs()
	if b := d.bridge.Load(); b != nil {
		ids = b.EnableDebugger(peer.Session(), ids)
	} else {
		ids = unique(ids)
	}

	for _, id := range ids {
		if err := peer.Notify(bridge.MethodDebuggerScriptParsed, scriptParsedEvent{ScriptID: id, URL: d.urls.URL(id)}); err != nil {
			d.log.Warnf("announce %s to session %s: %v", id, peer.Session(), err)
		}
	}
	d.log.Debugf("announced %d scripts to session %s", len(ids), peer.Session())
	return nil, nil
}

func (d *Dispatcher) debuggerDisable(_ context.Context, peer Peer, _ json.RawMessage) (any, error) {
	if b := d.bridge.Load(); b != nil {
		b.DisableDebugger(peer.Session())
	}
	return nil, nil
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (d *Dispatcher) getScriptSource(_ context.Context, _ Peer, params json.RawMessage) (any, error) {
	var p struct {
		ScriptID string `json:"scriptId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	src, err := d.provider.GetSource(p.ScriptID)
	if err != nil {
		d.log.Warnf("source of %s: %v", p.ScriptID, err)
		src = err.Error()
	}
	return map[string]string{"scriptSource": src}, nil
}

func (d *Dispatcher) setBreakpointByURL(ctx context.Context, _ Peer, params json.RawMessage) (any, error) {
	var p setBreakpointByURLParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	b, err := d.ready()
	if err != nil {
		return nil, err
	}

	scriptID := d.urls.ScriptID(p.URL)
	id, added := b.SetBreakpoint(bridge.SessionFrom(ctx), scriptID, p.LineNumber, p.ColumnNumber, p.Condition)
	if !added {
		d.log.Debugf("breakpoint %s already set", id)
	}
	return setBreakpointByURLResult{
		BreakpointID: id,
		Locations: []breakpointLocation{{
			ScriptID:     scriptID,
			LineNumber:   p.LineNumber,
			ColumnNumber: p.ColumnNumber,
		}},
	}, nil
}

func (d *Dispatcher) removeBreakpoint(_ context.Context, _ Peer, params json.RawMessage) (any, error) {
	var p struct {
		BreakpointID string `json:"breakpointId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	b, err := d.ready()
	if err != nil {
		return nil, err
	}
	b.RemoveBreakpoint(p.BreakpointID)
	return nil, nil
}

func (d *Dispatcher) setSkipAllPauses(_ context.Context, _ Peer, params json.RawMessage) (any, error) {
	b, err := d.ready()
	if err != nil {
		return nil, err
	}
	out, err := bridge.RenameSkipField(params)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	b.SendToEngine(bridge.MethodDebuggerSetSkipAllPauses, out, false)
	return nil, nil
}

func (d *Dispatcher) evaluateOnCallFrame(ctx context.Context, _ Peer, params json.RawMessage) (any, error) {
	b, err := d.ready()
	if err != nil {
		return nil, err
	}
	if b.State() != bridge.StatePaused {
		return nil, bridge.ErrNotPaused
	}
	return b.RequestFromEngine(ctx, bridge.MethodDebuggerEvaluateOnCallFrame, params)
}
