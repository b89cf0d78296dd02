// Package gojs embeds a goja JavaScript runtime and exposes it through the
// subset of the native inspector protocol the bridge speaks. All state lives
// on the engine thread.
//
// goja has no statement-level debugger hook, so execution can only stop at
// pause sites: calls to the global debugBreak([locals]) function and the
// entry of a script run after Debugger.pause. A pause site stops when an
// active breakpoint whose condition holds is set on its line, or when a pause
// or step was requested. The optional locals object becomes the frame's local
// scope.
package gojs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/bingosuite/cdpbridge/internal/bridge"
	"github.com/bingosuite/cdpbridge/internal/engine"
	"github.com/bingosuite/cdpbridge/internal/logging"
)

const executionContextID = 1

// Delegate receives what the engine reports. Both callbacks run on the
// engine thread.
type Delegate struct {
	// OnMessage receives every response and event as raw JSON.
	OnMessage func(message string)
	// OnPause is called repeatedly while execution is stopped at a pause site.
	OnPause func()
}

type Options struct {
	PollInterval time.Duration
}

type script struct {
	id     string
	name   string
	source string
}

type breakpoint struct {
	url       string
	line      int
	column    int
	condition string
}

type frame struct {
	functionName string
	script       *script
	line, column int
	locals       *goja.Object
}

type Engine struct {
	log    *logging.Logger
	thread *engine.Thread
	opts   Options
	closed atomic.Bool

	// engine thread only
	vm                *goja.Runtime
	delegate          Delegate
	scopedEval        goja.Callable
	objects           *objectTable
	scripts           []*script
	byName            map[string]*script
	breakpoints       map[string]breakpoint
	lastScriptID      int
	debuggerEnabled   bool
	runtimeEnabled    bool
	breakpointsActive bool
	skipAllPauses     bool
	pauseOnExceptions string
	pauseRequested    bool
	stepping          bool
	paused            bool
	frames            []frame
}

// New creates the runtime on thread.
func New(thread *engine.Thread, opts Options) (*Engine, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	e := &Engine{
		log:               logging.New("Engine"),
		thread:            thread,
		opts:              opts,
		objects:           newObjectTable(),
		byName:            make(map[string]*script),
		breakpoints:       make(map[string]breakpoint),
		breakpointsActive: true,
		pauseOnExceptions: "none",
	}
	if err := thread.Call(e.init); err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return e, nil
}

const scopedEvalSource = `(function (__scope__, __expression__) { with (__scope__) { return eval(__expression__); } })`

func (e *Engine) init() error {
	e.vm = goja.New()

	fn, err := e.vm.RunString(scopedEvalSource)
	if err != nil {
		return fmt.Errorf("compile scoped eval: %w", err)
	}
	var ok bool
	if e.scopedEval, ok = goja.AssertFunction(fn); !ok {
		return fmt.Errorf("scoped eval is not callable")
	}

	if err := e.vm.Set("debugBreak", e.debugBreak); err != nil {
		return err
	}
	console := e.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(level, e.consoleFunc(level)); err != nil {
			return err
		}
	}
	return e.vm.Set("console", console)
}

// SetDelegate installs the callbacks. It waits for the engine thread.
func (e *Engine) SetDelegate(d Delegate) error {
	return e.thread.Call(func() error {
		e.delegate = d
		return nil
	})
}

// Close makes a pending pause return so the thread can stop.
func (e *Engine) Close() {
	e.closed.Store(true)
}

// Run executes source as script name on the engine thread and waits for it
// to finish, including any time spent paused. Scripts never start inside a
// pause; they wait until execution resumes.
func (e *Engine) Run(name, source string) error {
	result := make(chan error, 1)
	var task func()
	task = func() {
		if e.paused {
			if err := e.thread.Submit(task); err != nil {
				result <- err
			}
			return
		}
		result <- e.run(name, source)
	}
	if err := e.thread.Submit(task); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-e.thread.Done():
		return engine.ErrStopped
	}
}

func (e *Engine) run(name, source string) error {
	prg, err := goja.Compile(name, source, false)
	if err != nil {
		return fmt.Errorf("compile %s: %w", name, err)
	}

	e.lastScriptID++
	s := &script{id: strconv.Itoa(e.lastScriptID), name: name, source: source}
	e.scripts = append(e.scripts, s)
	e.byName[name] = s
	e.log.Debugf("running %s as script %s", name, s.id)

	if e.debuggerEnabled {
		e.emit(bridge.MethodDebuggerScriptParsed, scriptParsedParams(s))
		e.resolveBreakpoints(s)
		if e.pauseRequested && !e.skipAllPauses {
			e.pause([]frame{{script: s}}, "other", nil)
		}
	}

	if _, err := e.vm.RunProgram(prg); err != nil {
		if e.runtimeEnabled {
			e.emit("Runtime.exceptionThrown", map[string]any{
				"timestamp":        nowMillis(),
				"exceptionDetails": e.exceptionDetails(err, "backtrace"),
			})
		}
		return fmt.Errorf("run %s: %w", name, err)
	}
	return nil
}

// DispatchProtocolMessage handles one protocol call. Calling it off the
// engine thread is fatal for the runtime and panics.
func (e *Engine) DispatchProtocolMessage(message string) {
	if err := e.thread.CheckThread(); err != nil {
		panic(err)
	}
	var call struct {
		ID     int             `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(message), &call); err != nil {
		e.log.Warnf("dropping malformed call: %v", err)
		return
	}
	if len(call.Params) == 0 || string(call.Params) == "null" {
		call.Params = json.RawMessage("{}")
	}

	result, perr := e.handle(call.Method, call.Params)
	if perr != nil {
		e.send(map[string]any{"id": call.ID, "error": perr})
		return
	}
	if result == nil {
		result = struct{}{}
	}
	e.send(map[string]any{"id": call.ID, "result": result})
}

func (e *Engine) emit(method string, params any) {
	e.send(map[string]any{"method": method, "params": params})
}

func (e *Engine) send(msg any) {
	if e.delegate.OnMessage == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		e.log.Errorf("encode engine message: %v", err)
		return
	}
	e.delegate.OnMessage(string(data))
}

// debugBreak is the JS-visible pause site.
func (e *Engine) debugBreak(call goja.FunctionCall) goja.Value {
	if !e.debuggerEnabled || e.skipAllPauses || e.delegate.OnPause == nil || e.paused {
		return goja.Undefined()
	}
	frames := e.captureFrames()
	if len(frames) == 0 {
		return goja.Undefined()
	}
	if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		frames[0].locals = arg.ToObject(e.vm)
	}

	hit := e.hitBreakpoints(frames[0])
	if len(hit) == 0 && !e.pauseRequested && !e.stepping {
		return goja.Undefined()
	}
	e.pause(frames, "other", hit)
	return goja.Undefined()
}

func (e *Engine) hitBreakpoints(f frame) []string {
	if !e.breakpointsActive {
		return nil
	}
	var hit []string
	for id, bp := range e.breakpoints {
		if bp.url != f.script.name || bp.line != f.line {
			continue
		}
		if bp.condition != "" && !e.conditionHolds(bp.condition, f.locals) {
			continue
		}
		hit = append(hit, id)
	}
	return hit
}

func (e *Engine) conditionHolds(condition string, locals *goja.Object) bool {
	v, err := e.evaluate(condition, locals)
	if err != nil {
		e.log.Debugf("breakpoint condition %q: %v", condition, err)
		return false
	}
	return v.ToBoolean()
}

// pause holds the engine thread until a resume or step arrives, handing
// control to the delegate every poll interval.
func (e *Engine) pause(frames []frame, reason string, hit []string) {
	e.paused = true
	e.pauseRequested = false
	e.stepping = false
	e.frames = frames

	e.emit(bridge.MethodDebuggerPaused, map[string]any{
		"callFrames":     e.callFrames(frames),
		"reason":         reason,
		"hitBreakpoints": nonNil(hit),
	})

	for e.paused {
		e.thread.Drain()
		if e.delegate.OnPause != nil {
			e.delegate.OnPause()
		}
		if !e.paused {
			break
		}
		if e.closed.Load() {
			e.log.Infof("engine closing; leaving pause")
			e.paused = false
			break
		}
		time.Sleep(e.opts.PollInterval)
	}

	e.frames = nil
	e.objects.releaseGroup(backtraceGroup)
	e.emit(bridge.MethodDebuggerResumed, struct{}{})
}

func (e *Engine) captureFrames() []frame {
	stack := e.vm.CaptureCallStack(0, nil)
	frames := make([]frame, 0, len(stack))
	for i := range stack {
		s, ok := e.byName[stack[i].SrcName()]
		if !ok {
			continue
		}
		pos := stack[i].Position()
		name := stack[i].FuncName()
		if name == "<anonymous>" {
			name = ""
		}
		frames = append(frames, frame{
			functionName: name,
			script:       s,
			line:         max(pos.Line-1, 0),
			column:       max(pos.Column-1, 0),
		})
	}
	return frames
}

const backtraceGroup = "backtrace"

func (e *Engine) callFrames(frames []frame) []map[string]any {
	global := e.describe(e.vm.GlobalObject(), backtraceGroup, false)
	out := make([]map[string]any, 0, len(frames))
	for i, f := range frames {
		scopes := []map[string]any{}
		if f.locals != nil {
			scopes = append(scopes, map[string]any{
				"type":   "local",
				"object": e.describe(f.locals, backtraceGroup, false),
			})
		}
		scopes = append(scopes, map[string]any{"type": "global", "object": global})
		out = append(out, map[string]any{
			"callFrameId":  strconv.Itoa(i),
			"functionName": f.functionName,
			"location":     location(f.script.id, f.line, f.column),
			"url":          f.script.name,
			"scopeChain":   scopes,
			"this":         RemoteObject{Type: "undefined"},
		})
	}
	return out
}

// evaluate runs expression in the global scope, or with locals in front of it.
func (e *Engine) evaluate(expression string, locals *goja.Object) (goja.Value, error) {
	if locals == nil {
		return e.vm.RunString(expression)
	}
	return e.scopedEval(goja.Undefined(), locals, e.vm.ToValue(expression))
}

func (e *Engine) exceptionDetails(err error, group string) map[string]any {
	details := map[string]any{
		"exceptionId":  1,
		"text":         "Uncaught",
		"lineNumber":   0,
		"columnNumber": 0,
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		details["exception"] = e.describe(ex.Value(), group, false)
		details["text"] = "Uncaught " + ex.Value().String()
	} else {
		details["text"] = err.Error()
		details["exception"] = RemoteObject{Type: "object", Subtype: "error", ClassName: "Error", Description: err.Error()}
	}
	return details
}

func (e *Engine) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	kind := level
	if kind == "warn" {
		kind = "warning"
	}
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		e.log.Infof("console.%s: %s", level, strings.Join(parts, " "))
		if !e.runtimeEnabled {
			return goja.Undefined()
		}
		args := make([]RemoteObject, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			args = append(args, e.describe(a, "console", false))
		}
		e.emit("Runtime.consoleAPICalled", map[string]any{
			"type":               kind,
			"args":               args,
			"executionContextId": executionContextID,
			"timestamp":          nowMillis(),
		})
		return goja.Undefined()
	}
}

func scriptParsedParams(s *script) map[string]any {
	lines := strings.Split(s.source, "\n")
	return map[string]any{
		"scriptId":           s.id,
		"url":                s.name,
		"startLine":          0,
		"startColumn":        0,
		"endLine":            len(lines) - 1,
		"endColumn":          len(lines[len(lines)-1]),
		"executionContextId": executionContextID,
		"hash":               "",
		"length":             len(s.source),
	}
}

func location(scriptID string, line, column int) map[string]any {
	return map[string]any{"scriptId": scriptID, "lineNumber": line, "columnNumber": column}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nowMillis() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Millisecond)
}
