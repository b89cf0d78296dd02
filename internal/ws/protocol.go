package ws

import (
	"encoding/json"

	"github.com/bingosuite/cdpbridge/internal/inspector"
)

// Request is a DevTools method call (client -> server).
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the Request with the same id (server -> client).
type Response struct {
	ID     int64            `json:"id"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *inspector.Error `json:"error,omitempty"`
}

// Notification is an event without an id (server -> client).
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Target is one debuggable entry of /json/list.
type Target struct {
	Description          string `json:"description"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// VersionInfo is served at /json/version.
type VersionInfo struct {
	Browser         string `json:"Browser"`
	ProtocolVersion string `json:"Protocol-Version"`
}

const (
	targetType      = "node"
	protocolVersion = "1.3"
	browserName     = "cdpbridge/goja"
	devtoolsPath    = "/devtools/page/"
	frontendURL     = "devtools://devtools/bundled/js_app.html?experiments=true&v8only=true&ws="
)
