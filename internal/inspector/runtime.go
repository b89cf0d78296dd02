package inspector

import (
	"context"
	"encoding/json"

	"github.com/bingosuite/cdpbridge/internal/bridge"
)

func (d *Dispatcher) registerRuntime() {
	// The engine's runtime is enabled when the bridge attaches.
	d.handle(bridge.MethodRuntimeEnable, func(context.Context, Peer, json.RawMessage) (any, error) {
		return nil, nil
	})
	d.handle(bridge.MethodRuntimeEvaluate, d.request())
	d.handle(bridge.MethodRuntimeCallFunctionOn, d.request())
	d.handle(bridge.MethodRuntimeGetProperties, d.getProperties)
	d.handle(bridge.MethodRuntimeReleaseObject, d.send(false))
	d.handle(bridge.MethodRuntimeReleaseObjectGroup, d.send(false))
	d.handle(bridge.MethodRuntimeRunIfWaitingForDebugger, d.send(false))
}

// getProperties always asks for own properties; that is what shows the locals
// of a paused frame.
func (d *Dispatcher) getProperties(ctx context.Context, _ Peer, params json.RawMessage) (any, error) {
	b, err := d.ready()
	if err != nil {
		return nil, err
	}
	out, err := bridge.ForceOwnProperties(params)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	return b.RequestFromEngine(ctx, bridge.MethodRuntimeGetProperties, out)
}
