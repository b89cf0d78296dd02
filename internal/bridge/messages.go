package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
)

// Protocol method names exchanged with the native debugger and DevTools.
const (
	MethodDebuggerEnable                 = "Debugger.enable"
	MethodDebuggerDisable                = "Debugger.disable"
	MethodDebuggerResume                 = "Debugger.resume"
	MethodDebuggerPause                  = "Debugger.pause"
	MethodDebuggerStepOver               = "Debugger.stepOver"
	MethodDebuggerStepInto               = "Debugger.stepInto"
	MethodDebuggerStepOut                = "Debugger.stepOut"
	MethodDebuggerSetBreakpointByURL     = "Debugger.setBreakpointByUrl"
	MethodDebuggerRemoveBreakpoint       = "Debugger.removeBreakpoint"
	MethodDebuggerSetBreakpointsActive   = "Debugger.setBreakpointsActive"
	MethodDebuggerSetSkipAllPauses       = "Debugger.setSkipAllPauses"
	MethodDebuggerSetPauseOnExceptions   = "Debugger.setPauseOnExceptions"
	MethodDebuggerSetAsyncCallStack      = "Debugger.setAsyncCallStackDepth"
	MethodDebuggerEvaluateOnCallFrame    = "Debugger.evaluateOnCallFrame"
	MethodDebuggerGetScriptSource        = "Debugger.getScriptSource"
	MethodDebuggerSetBreakpoint          = "Debugger.setBreakpoint"
	MethodDebuggerScriptParsed           = "Debugger.scriptParsed"
	MethodDebuggerPaused                 = "Debugger.paused"
	MethodDebuggerResumed                = "Debugger.resumed"
	MethodDebuggerBreakpointResolved     = "Debugger.breakpointResolved"
	MethodRuntimeConsoleAPICalled        = "Runtime.consoleAPICalled"
	MethodRuntimeExceptionThrown         = "Runtime.exceptionThrown"
	MethodRuntimeEnable                  = "Runtime.enable"
	MethodRuntimeEvaluate                = "Runtime.evaluate"
	MethodRuntimeGetProperties           = "Runtime.getProperties"
	MethodRuntimeReleaseObject           = "Runtime.releaseObject"
	MethodRuntimeReleaseObjectGroup      = "Runtime.releaseObjectGroup"
	MethodRuntimeCallFunctionOn          = "Runtime.callFunctionOn"
	MethodRuntimeRunIfWaitingForDebugger = "Runtime.runIfWaitingForDebugger"
)

var (
	// ErrAborted completes requests whose DevTools session went away.
	ErrAborted = errors.New("request aborted: devtools session disconnected")
	// ErrNativeFailure wraps a failure raised by the native engine itself.
	ErrNativeFailure = errors.New("native engine failure")
)

// idSource is the single correlation id space shared by every dispatch.
type idSource struct {
	last atomic.Int64
}

func (s *idSource) next() int {
	return int(s.last.Add(1))
}

// Call is a message dispatched to the engine.
type Call struct {
	ID     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func encodeCall(id int, method string, params json.RawMessage) (string, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	data, err := json.Marshal(Call{ID: id, Method: method, Params: params})
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", method, err)
	}
	return string(data), nil
}

// ProtocolError is the error member of a protocol response.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// EngineMessage is one of Response, ScriptParsed, BreakpointResolved, Paused,
// Resumed or Event.
type EngineMessage interface {
	engineMessage()
}

type Response struct {
	ID     int
	Result json.RawMessage
	Error  *ProtocolError
}

type Location struct {
	ScriptID     string `json:"scriptId"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

type ScriptParsed struct {
	ScriptID string `json:"scriptId"`
	URL      string `json:"url"`
}

type BreakpointResolved struct {
	BreakpointID string   `json:"breakpointId"`
	Location     Location `json:"location"`
	Params       json.RawMessage
}

// Paused keeps the raw payload; it is forwarded after script id translation.
type Paused struct {
	Params json.RawMessage
}

type Resumed struct{}

// Event is any engine event the bridge has no dedicated handling for.
type Event struct {
	Method string
	Params json.RawMessage
}

func (Response) engineMessage() {}
func (ScriptParsed) engineMessage() {}
func (BreakpointResolved) engineMessage() {}
func (Paused) engineMessage() {}
func (Resumed) engineMessage() {}
func (Event) engineMessage() {}

type envelope struct {
	ID     *int            `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *ProtocolError  `json:"error"`
	Params json.RawMessage `json:"params"`
}

// ParseEngineMessage classifies a raw engine message. A message with an id and
// no method is a response; anything with a method is an event.
func ParseEngineMessage(raw []byte) (EngineMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode engine message: %w", err)
	}

	if env.ID != nil && env.Method == "" {
		return Response{ID: *env.ID, Result: env.Result, Error: env.Error}, nil
	}
	if env.Method == "" {
		return nil, fmt.Errorf("engine message has neither id nor method")
	}

	switch env.Method {
	case MethodDebuggerScriptParsed:
		var ev ScriptParsed
		if err := json.Unmarshal(env.Params, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Method, err)
		}
		return ev, nil
	case MethodDebuggerBreakpointResolved:
		var ev BreakpointResolved
		if err := json.Unmarshal(env.Params, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Method, err)
		}
		ev.Params = env.Params
		return ev, nil
	case MethodDebuggerPaused:
		if len(env.Params) == 0 || string(env.Params) == "null" {
			return nil, fmt.Errorf("%s without params", env.Method)
		}
		return Paused{Params: env.Params}, nil
	case MethodDebuggerResumed:
		return Resumed{}, nil
	default:
		return Event{Method: env.Method, Params: env.Params}, nil
	}
}
