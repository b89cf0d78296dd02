package gojs

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/dop251/goja"

	"github.com/bingosuite/cdpbridge/internal/bridge"
)

const (
	codeServerError    = -32000
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

type protocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var (
	errObjectNotFound = errors.New("could not find object with given id")
	errNotPaused      = &protocolError{codeServerError, "Can only perform operation while paused."}
)

type callArgument struct {
	Value               json.RawMessage `json:"value"`
	UnserializableValue string          `json:"unserializableValue"`
	ObjectID            string          `json:"objectId"`
}

type evaluateParams struct {
	Expression    string `json:"expression"`
	ObjectGroup   string `json:"objectGroup"`
	ReturnByValue bool   `json:"returnByValue"`
	CallFrameID   string `json:"callFrameId"`
}

func serverError(err error) *protocolError {
	return &protocolError{Code: codeServerError, Message: err.Error()}
}

func decode(params json.RawMessage, v any) *protocolError {
	if err := json.Unmarshal(params, v); err != nil {
		return &protocolError{Code: codeInvalidParams, Message: fmt.Sprintf("Invalid parameters: %v", err)}
	}
	return nil
}

func (e *Engine) handle(method string, params json.RawMessage) (any, *protocolError) {
	switch method {
	case bridge.MethodRuntimeEnable:
		return e.runtimeEnable()
	case bridge.MethodRuntimeEvaluate:
		return e.runtimeEvaluate(params)
	case bridge.MethodRuntimeGetProperties:
		return e.getProperties(params)
	case bridge.MethodRuntimeReleaseObject:
		var p struct {
			ObjectID string `json:"objectId"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		e.objects.release(p.ObjectID)
		return nil, nil
	case bridge.MethodRuntimeReleaseObjectGroup:
		var p struct {
			ObjectGroup string `json:"objectGroup"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		e.objects.releaseGroup(p.ObjectGroup)
		return nil, nil
	case bridge.MethodRuntimeCallFunctionOn:
		return e.callFunctionOn(params)
	case bridge.MethodRuntimeRunIfWaitingForDebugger:
		return nil, nil

	case bridge.MethodDebuggerEnable:
		return e.debuggerEnable()
	case bridge.MethodDebuggerDisable:
		e.debuggerEnabled = false
		e.paused = false
		return nil, nil
	case bridge.MethodDebuggerSetBreakpointByURL:
		return e.setBreakpointByURL(params)
	case bridge.MethodDebuggerRemoveBreakpoint:
		var p struct {
			BreakpointID string `json:"breakpointId"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		delete(e.breakpoints, p.BreakpointID)
		return nil, nil
	case bridge.MethodDebuggerSetBreakpointsActive:
		var p struct {
			Active bool `json:"active"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		e.breakpointsActive = p.Active
		return nil, nil
	case bridge.MethodDebuggerSetSkipAllPauses:
		var p struct {
			Skip bool `json:"skip"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		e.skipAllPauses = p.Skip
		return nil, nil
	case bridge.MethodDebuggerSetPauseOnExceptions:
		var p struct {
			State string `json:"state"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		switch p.State {
		case "none", "caught", "uncaught", "all":
			e.pauseOnExceptions = p.State
			return nil, nil
		default:
			return nil, &protocolError{codeInvalidParams, "Unknown pause on exceptions mode: " + p.State}
		}
	case bridge.MethodDebuggerSetAsyncCallStack:
		return nil, nil
	case bridge.MethodDebuggerPause:
		e.pauseRequested = true
		return nil, nil
	case bridge.MethodDebuggerResume:
		if !e.paused {
			return nil, errNotPaused
		}
		e.paused = false
		return nil, nil
	case bridge.MethodDebuggerStepOver, bridge.MethodDebuggerStepInto, bridge.MethodDebuggerStepOut:
		if !e.paused {
			return nil, errNotPaused
		}
		e.stepping = true
		e.paused = false
		return nil, nil
	case bridge.MethodDebuggerEvaluateOnCallFrame:
		return e.evaluateOnCallFrame(params)
	case bridge.MethodDebuggerGetScriptSource:
		var p struct {
			ScriptID string `json:"scriptId"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		for _, s := range e.scripts {
			if s.id == p.ScriptID {
				return map[string]string{"scriptSource": s.source}, nil
			}
		}
		return nil, &protocolError{codeServerError, "No script for id: " + p.ScriptID}
	default:
		return nil, &protocolError{codeMethodNotFound, fmt.Sprintf("'%s' wasn't found", method)}
	}
}

func (e *Engine) runtimeEnable() (any, *protocolError) {
	if !e.runtimeEnabled {
		e.runtimeEnabled = true
		e.emit("Runtime.executionContextCreated", map[string]any{
			"context": map[string]any{"id": executionContextID, "origin": "", "name": "gojs"},
		})
	}
	return nil, nil
}

func (e *Engine) debuggerEnable() (any, *protocolError) {
	e.debuggerEnabled = true
	for _, s := range e.scripts {
		e.emit(bridge.MethodDebuggerScriptParsed, scriptParsedParams(s))
	}
	return map[string]string{"debuggerId": "gojs"}, nil
}

func (e *Engine) setBreakpointByURL(params json.RawMessage) (any, *protocolError) {
	var p struct {
		URL          string `json:"url"`
		LineNumber   int    `json:"lineNumber"`
		ColumnNumber int    `json:"columnNumber"`
		Condition    string `json:"condition"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, &protocolError{codeInvalidParams, "url is required"}
	}
	id := bridge.BreakpointID(p.URL, p.LineNumber, p.ColumnNumber)
	if _, ok := e.breakpoints[id]; ok {
		return nil, &protocolError{codeServerError, "Breakpoint at specified location already exists."}
	}
	e.breakpoints[id] = breakpoint{url: p.URL, line: p.LineNumber, column: p.ColumnNumber, condition: p.Condition}

	locations := []map[string]any{}
	if s, ok := e.byName[p.URL]; ok {
		locations = append(locations, location(s.id, p.LineNumber, p.ColumnNumber))
	}
	return map[string]any{"breakpointId": id, "locations": locations}, nil
}

// resolveBreakpoints reports breakpoints set before s was run.
func (e *Engine) resolveBreakpoints(s *script) {
	ids := make([]string, 0, len(e.breakpoints))
	for id, bp := range e.breakpoints {
		if bp.url == s.name {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		bp := e.breakpoints[id]
		e.emit(bridge.MethodDebuggerBreakpointResolved, map[string]any{
			"breakpointId": id,
			"location":     location(s.id, bp.line, bp.column),
		})
	}
}

func (e *Engine) runtimeEvaluate(params json.RawMessage) (any, *protocolError) {
	var p evaluateParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	v, err := e.evaluate(p.Expression, nil)
	return e.evaluationResult(v, err, p), nil
}

func (e *Engine) evaluateOnCallFrame(params json.RawMessage) (any, *protocolError) {
	var p evaluateParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if !e.paused {
		return nil, errNotPaused
	}
	idx, err := strconv.Atoi(p.CallFrameID)
	if err != nil || idx < 0 || idx >= len(e.frames) {
		return nil, &protocolError{codeServerError, "Could not find call frame with given id"}
	}
	v, err := e.evaluate(p.Expression, e.frames[idx].locals)
	return e.evaluationResult(v, err, p), nil
}

func (e *Engine) evaluationResult(v goja.Value, err error, p evaluateParams) map[string]any {
	group := p.ObjectGroup
	if group == "" {
		group = "console"
	}
	if err != nil {
		details := e.exceptionDetails(err, group)
		return map[string]any{"result": details["exception"], "exceptionDetails": details}
	}
	return map[string]any{"result": e.describe(v, group, p.ReturnByValue)}
}

func (e *Engine) getProperties(params json.RawMessage) (any, *protocolError) {
	var p struct {
		ObjectID      string `json:"objectId"`
		OwnProperties bool   `json:"ownProperties"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	obj, ok := e.objects.get(p.ObjectID)
	if !ok {
		return nil, serverError(errObjectNotFound)
	}
	group := e.objects.entries[p.ObjectID].group
	return map[string]any{"result": e.properties(obj, group)}, nil
}

func (e *Engine) callFunctionOn(params json.RawMessage) (any, *protocolError) {
	var p struct {
		FunctionDeclaration string         `json:"functionDeclaration"`
		ObjectID            string         `json:"objectId"`
		Arguments           []callArgument `json:"arguments"`
		ReturnByValue       bool           `json:"returnByValue"`
		ObjectGroup         string         `json:"objectGroup"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	this := goja.Undefined()
	group := p.ObjectGroup
	if p.ObjectID != "" {
		obj, ok := e.objects.get(p.ObjectID)
		if !ok {
			return nil, serverError(errObjectNotFound)
		}
		this = obj
		if group == "" {
			group = e.objects.entries[p.ObjectID].group
		}
	}

	fnValue, err := e.vm.RunString("(" + p.FunctionDeclaration + ")")
	if err != nil {
		return e.evaluationResult(nil, err, evaluateParams{ObjectGroup: group}), nil
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, &protocolError{codeServerError, "Given expression does not evaluate to a function"}
	}

	args := make([]goja.Value, 0, len(p.Arguments))
	for _, a := range p.Arguments {
		v, err := e.resolveArgument(a)
		if err != nil {
			return nil, serverError(err)
		}
		args = append(args, v)
	}
	result, err := fn(this, args...)
	return e.evaluationResult(result, err, evaluateParams{ObjectGroup: group, ReturnByValue: p.ReturnByValue}), nil
}
