// Package inspector maps DevTools protocol methods onto bridge operations.
// Handlers never let a failure reach the transport: errors and panics become
// protocol error responses, and calls made before a bridge is bound get an
// empty result.
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/bingosuite/cdpbridge/internal/bridge"
	"github.com/bingosuite/cdpbridge/internal/logging"
)

const (
	CodeServerError    = -32000
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

// ErrNotReady is returned by handlers that need an engine before one exists.
var ErrNotReady = errors.New("debugger is not initialized yet")

// Error is the error member of a protocol response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// Peer is one connected DevTools client.
type Peer interface {
	Session() string
	Notify(method string, params any) error
}

type handlerFunc func(ctx context.Context, peer Peer, params json.RawMessage) (any, error)

type Dispatcher struct {
	log      *logging.Logger
	provider ScriptSourceProvider
	urls     *bridge.ScriptURLs
	bridge   atomic.Pointer[bridge.Bridge]
	methods  map[string]handlerFunc
}

func NewDispatcher(provider ScriptSourceProvider, urls *bridge.ScriptURLs) *Dispatcher {
	if urls == nil {
		urls = bridge.NewScriptURLs(bridge.DefaultScriptsDomain, "")
	}
	d := &Dispatcher{
		log:      logging.New("Inspector"),
		provider: provider,
		urls:     urls,
		methods:  make(map[string]handlerFunc),
	}
	d.registerDebugger()
	d.registerRuntime()
	return d
}

// Bind attaches the bridge of a running engine.
func (d *Dispatcher) Bind(b *bridge.Bridge) {
	d.bridge.Store(b)
}

func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.methods))
	for m := range d.methods {
		out = append(out, m)
	}
	return out
}

func (d *Dispatcher) SessionOpened(peer Peer) {
	if b := d.bridge.Load(); b != nil {
		b.Connect(peer.Session())
	}
}

func (d *Dispatcher) SessionClosed(peer Peer) {
	if b := d.bridge.Load(); b != nil {
		b.Disconnect(peer.Session())
	}
}

// HandleRequest runs one method call on behalf of peer.
func (d *Dispatcher) HandleRequest(ctx context.Context, peer Peer, method string, params json.RawMessage) (result json.RawMessage, perr *Error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("%s panicked: %v", method, r)
			result, perr = nil, &Error{Code: CodeServerError, Message: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	h, ok := d.methods[method]
	if !ok {
		d.log.Debugf("unknown method %s", method)
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("'%s' wasn't found", method)}
	}
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage("{}")
	}

	ctx = bridge.WithSession(ctx, peer.Session())
	out, err := h(ctx, peer, params)
	if err != nil {
		return d.failure(method, err)
	}
	return encodeResult(out)
}

func (d *Dispatcher) failure(method string, err error) (json.RawMessage, *Error) {
	var perr *Error
	var berr *bridge.ProtocolError
	switch {
	case errors.Is(err, ErrNotReady):
		d.log.Warnf("%s: %v", method, err)
		return json.RawMessage("{}"), nil
	case errors.As(err, &perr):
		return nil, perr
	case errors.As(err, &berr):
		return nil, &Error{Code: berr.Code, Message: berr.Message}
	default:
		d.log.Warnf("%s: %v", method, err)
		return nil, &Error{Code: CodeServerError, Message: err.Error()}
	}
}

func encodeResult(out any) (json.RawMessage, *Error) {
	switch v := out.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("{}"), nil
		}
		return v, nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, &Error{Code: CodeServerError, Message: err.Error()}
	}
	return data, nil
}

func (d *Dispatcher) ready() (*bridge.Bridge, error) {
	b := d.bridge.Load()
	if b == nil {
		return nil, ErrNotReady
	}
	return b, nil
}

func decodeParams(params json.RawMessage, v any) error {
	if err := json.Unmarshal(params, v); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

// send forwards params to the engine unchanged.
func (d *Dispatcher) send(onlyWhenPaused bool) handlerFunc {
	return func(ctx context.Context, peer Peer, params json.RawMessage) (any, error) {
		b, err := d.ready()
		if err != nil {
			return nil, err
		}
		b.SendToEngine(methodFrom(ctx), params, onlyWhenPaused)
		return nil, nil
	}
}

// request forwards params to the engine and returns its result.
func (d *Dispatcher) request() handlerFunc {
	return func(ctx context.Context, peer Peer, params json.RawMessage) (any, error) {
		b, err := d.ready()
		if err != nil {
			return nil, err
		}
		return b.RequestFromEngine(ctx, methodFrom(ctx), params)
	}
}

type methodKey struct{}

func methodFrom(ctx context.Context) string {
	m, _ := ctx.Value(methodKey{}).(string)
	return m
}

func (d *Dispatcher) handle(method string, h handlerFunc) {
	d.methods[method] = func(ctx context.Context, peer Peer, params json.RawMessage) (any, error) {
		return h(context.WithValue(ctx, methodKey{}, method), peer, params)
	}
}
