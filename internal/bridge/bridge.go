// Package bridge connects one native JS engine debugging session to the
// DevTools clients attached to it. The engine thread talks to the bridge
// through OnEngineMessage and PollWhilePaused; client handlers use
// SendToEngine and RequestFromEngine.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"github.com/bingosuite/cdpbridge/internal/logging"
)

// ErrNotPaused is returned for operations that need a paused engine.
var ErrNotPaused = errors.New("debugger is not paused")

// State is the debugger run state as seen by DevTools.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Inspector is the native debugger endpoint. It must only be called on the
// engine thread.
type Inspector interface {
	DispatchProtocolMessage(message string)
}

// Executor runs tasks on the engine thread.
type Executor interface {
	Submit(task func()) error
}

// Notifier delivers notifications to the connected DevTools clients, either
// to all of them or to a single session.
type Notifier interface {
	Notify(method string, params json.RawMessage)
	NotifySession(session, method string, params json.RawMessage)
}

// Options tunes a Bridge. Zero values select the defaults.
type Options struct {
	URLs                *ScriptURLs
	MaxScriptsCacheSize int
}

const defaultMaxScriptsCacheSize = 10_000_000

type outbound struct {
	method         string
	params         json.RawMessage
	onlyWhenPaused bool
}

// notification goes to every client, or only to session when it is set.
type notification struct {
	method  string
	params  json.RawMessage
	session string
}

// sessionState is one attached DevTools client. Scripts are announced to it
// only after it enabled the Debugger domain, and each id at most once.
type sessionState struct {
	debugger  bool
	announced map[string]struct{}
}

func newSessionState() *sessionState {
	return &sessionState{announced: make(map[string]struct{})}
}

// Bridge is the session object between one engine instance and the DevTools
// clients debugging it.
type Bridge struct {
	log       *logging.Logger
	inspector Inspector
	executor  Executor
	urls      *ScriptURLs
	cacheSize int

	ids         idSource
	scripts     *ScriptRegistry
	breakpoints *BreakpointStore
	pending     *PendingTable
	toEngine    *keyedQueue[outbound]
	toClients   *keyedQueue[notification]
	eventSeq    atomic.Uint64

	mu       sync.Mutex
	state    State
	notifier Notifier
	sessions map[string]*sessionState
}

// New creates a bridge for the engine behind inspector. Engine work is
// submitted to executor.
func New(inspector Inspector, executor Executor, opts Options) *Bridge {
	if opts.URLs == nil {
		opts.URLs = NewScriptURLs(DefaultScriptsDomain, "")
	}
	if opts.MaxScriptsCacheSize <= 0 {
		opts.MaxScriptsCacheSize = defaultMaxScriptsCacheSize
	}
	b := &Bridge{
		log:         logging.New("Bridge"),
		inspector:   inspector,
		executor:    executor,
		urls:        opts.URLs,
		cacheSize:   opts.MaxScriptsCacheSize,
		scripts:     NewScriptRegistry(),
		breakpoints: NewBreakpointStore(),
		toEngine:    newKeyedQueue[outbound](),
		toClients:   newKeyedQueue[notification](),
		sessions:    make(map[string]*sessionState),
	}
	b.pending = NewPendingTable(&b.ids)
	return b
}

// SetNotifier sets where client notifications go.
func (b *Bridge) SetNotifier(n Notifier) {
	b.mu.Lock()
	b.notifier = n
	b.mu.Unlock()
}

// State reports the current run state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) URLs() *ScriptURLs { return b.urls }
func (b *Bridge) Scripts() *ScriptRegistry { return b.scripts }
func (b *Bridge) Breakpoints() *BreakpointStore { return b.breakpoints }
func (b *Bridge) Pending() *PendingTable { return b.pending }

// QueuedForEngine reports how many messages wait for the next pause poll.
func (b *Bridge) QueuedForEngine() int {
	return b.toEngine.Len()
}

func (b *Bridge) QueuedForClients() int {
	return b.toClients.Len()
}

// Attach primes the native debugger. It is sent once, when the engine is
// created with debugging enabled.
func (b *Bridge) Attach() {
	b.SendToEngine(MethodRuntimeEnable, nil, false)
	b.SendToEngine(MethodDebuggerEnable, json.RawMessage(fmt.Sprintf(`{"maxScriptsCacheSize":%d}`, b.cacheSize)), false)
	b.SendToEngine(MethodDebuggerSetPauseOnExceptions, json.RawMessage(`{"state":"none"}`), false)
	b.SendToEngine(MethodDebuggerSetAsyncCallStack, json.RawMessage(`{"maxDepth":32}`), false)
	b.SendToEngine(MethodRuntimeRunIfWaitingForDebugger, nil, false)
}

// SendToEngine queues the message while paused, drops it when it only makes
// sense while paused, and otherwise hands it to the engine thread right away.
func (b *Bridge) SendToEngine(method string, params json.RawMessage, onlyWhenPaused bool) {
	b.mu.Lock()
	state := b.state
	if state == StatePaused {
		if b.toEngine.Put(engineQueueKey(method, params), outbound{method, params, onlyWhenPaused}) {
			b.log.Debugf("%s superseded an undelivered message", method)
		}
	}
	b.mu.Unlock()

	switch {
	case state == StatePaused:
		b.log.Debugf("queued %s until the next poll", method)
	case onlyWhenPaused:
		b.log.Debugf("dropped %s: debugger is %s", method, state)
	default:
		if err := b.executor.Submit(func() { b.DispatchToEngine(method, params) }); err != nil {
			b.log.Warnf("unable to send %s: %v", method, err)
		}
	}
}

// RequestFromEngine dispatches method on the engine thread and blocks until
// the matching response arrives, the owning session disconnects or ctx ends.
// It must never be called on the engine thread.
func (b *Bridge) RequestFromEngine(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	p := b.pending.Register(method, SessionFrom(ctx))
	if err := b.executor.Submit(func() { b.dispatchReserved(p, params) }); err != nil {
		b.pending.Fail(p, fmt.Errorf("submit %s: %w", method, err))
	}
	return b.pending.AwaitAndRemove(ctx, p)
}

// DispatchToEngine sends method to the engine and returns the correlation id
// used. A registered request for the same method that has not been sent yet
// donates its id, so its caller receives this dispatch's response.
func (b *Bridge) DispatchToEngine(method string, params json.RawMessage) int {
	var id int
	if p, ok := b.pending.ClaimUndispatched(method); ok {
		id = p.ID()
	} else {
		id = b.ids.next()
	}
	b.dispatch(id, method, params)
	return id
}

func (b *Bridge) dispatchReserved(p *PendingRequest, params json.RawMessage) {
	if !b.pending.MarkDispatched(p.ID()) {
		b.log.Debugf("%s #%d was already dispatched or abandoned", p.Method, p.ID())
		return
	}
	b.dispatch(p.ID(), p.Method, params)
}

func (b *Bridge) dispatch(id int, method string, params json.RawMessage) {
	message, err := encodeCall(id, method, params)
	if err != nil {
		b.log.Warnf("%v", err)
		b.pending.Fulfil(id, nil, err)
		return
	}
	if err := b.callNative(message); err != nil {
		b.log.Errorf("%s #%d: %v", method, id, err)
		b.pending.Fulfil(id, nil, err)
		if n := b.pending.AbortAll(); n > 0 {
			b.log.Warnf("aborted %d pending requests after native failure", n)
		}
	}
}

func (b *Bridge) callNative(message string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrNativeFailure, r)
		}
	}()
	b.log.Debugf("-> engine %s", message)
	b.inspector.DispatchProtocolMessage(message)
	return nil
}

// OnEngineMessage is the single entry point for everything the engine
// reports. Nothing raised while handling a message escapes to the engine.
func (b *Bridge) OnEngineMessage(raw string) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Errorf("engine message handler failed: %v", r)
		}
	}()
	b.log.Debugf("<- engine %s", raw)

	msg, err := ParseEngineMessage([]byte(raw))
	if err != nil {
		b.log.Warnf("dropping engine message: %v", err)
		return
	}

	switch m := msg.(type) {
	case Response:
		b.onResponse(m)
	case ScriptParsed:
		b.onScriptParsed(m)
	case BreakpointResolved:
		b.onBreakpointResolved(m)
	case Paused:
		b.onPaused(m)
	case Resumed:
		b.onResumed()
	case Event:
		if len(m.Params) == 0 {
			m.Params = json.RawMessage("{}")
		}
		b.deliverToClients(b.eventQueueKey(m.Method), notification{method: m.Method, params: ReplaceScriptIDs(m.Params, b.scripts.Resolve)})
	}
}

func (b *Bridge) onResponse(m Response) {
	var err error
	if m.Error != nil {
		err = m.Error
	}
	if !b.pending.Fulfil(m.ID, m.Result, err) {
		b.log.Debugf("no waiter for response #%d", m.ID)
	}
}

// The engine reports the external script id as the script url.
func (b *Bridge) onScriptParsed(m ScriptParsed) {
	if m.URL == "" {
		return
	}
	b.scripts.Record(m.ScriptID, m.URL)
	b.AnnounceScript(m.URL)
}

func (b *Bridge) onBreakpointResolved(m BreakpointResolved) {
	params := m.Params
	if external, ok := b.scripts.Resolve(m.Location.ScriptID); ok {
		updated, err := setLocationScriptID(params, external)
		if err != nil {
			b.log.Warnf("breakpoint %s: %v", m.BreakpointID, err)
		} else {
			params = updated
		}
	}
	b.deliverToClients(MethodDebuggerBreakpointResolved+"/"+m.BreakpointID, notification{method: MethodDebuggerBreakpointResolved, params: params})
}

func (b *Bridge) onPaused(m Paused) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateDisconnected {
		b.log.Debugf("paused without a client; resuming on the next poll")
		return
	}
	b.state = StatePaused
	b.toClients.Put(MethodDebuggerPaused, notification{method: MethodDebuggerPaused, params: ReplaceScriptIDs(m.Params, b.scripts.Resolve)})
}

func (b *Bridge) onResumed() {
	b.mu.Lock()
	if b.state == StatePaused {
		b.state = StateConnected
	}
	connected := b.state != StateDisconnected
	leftovers := b.toEngine.Drain()
	b.mu.Unlock()

	for _, msg := range leftovers {
		if msg.onlyWhenPaused {
			b.log.Debugf("dropped %s: resumed before delivery", msg.method)
			continue
		}
		if err := b.executor.Submit(func() { b.DispatchToEngine(msg.method, msg.params) }); err != nil {
			b.log.Warnf("unable to send %s: %v", msg.method, err)
		}
	}
	b.flushClients()
	if connected {
		b.notify(notification{method: MethodDebuggerResumed, params: json.RawMessage("{}")})
	}
}

// PollWhilePaused is called repeatedly by the engine thread while it is held
// inside the native pause callback. It never blocks.
func (b *Bridge) PollWhilePaused() {
	b.mu.Lock()
	state := b.state
	var batch []outbound
	if state == StatePaused {
		batch = b.toEngine.Drain()
	}
	b.mu.Unlock()

	if state != StatePaused {
		b.releasePause()
		return
	}
	for _, msg := range batch {
		b.DispatchToEngine(msg.method, msg.params)
	}
	b.flushClients()
}

// releasePause resumes an engine that paused with nobody left to resume it.
func (b *Bridge) releasePause() {
	for _, msg := range b.toEngine.Drain() {
		if msg.onlyWhenPaused {
			continue
		}
		b.DispatchToEngine(msg.method, msg.params)
	}
	b.flushClients()
	b.log.Debugf("paused without a client; resuming")
	b.DispatchToEngine(MethodDebuggerResume, nil)
}

func (b *Bridge) flushClients() {
	for _, n := range b.toClients.Drain() {
		b.notify(n)
	}
}

// deliverToClients queues the notification under key while paused and sends
// it right away otherwise. Nothing is sent when no client is attached.
func (b *Bridge) deliverToClients(key string, n notification) {
	b.mu.Lock()
	if len(b.sessions) == 0 {
		b.mu.Unlock()
		return
	}
	if b.state == StatePaused {
		b.toClients.Put(key, n)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.notify(n)
}

func (b *Bridge) notify(n notification) {
	b.mu.Lock()
	notifier := b.notifier
	b.mu.Unlock()
	if notifier == nil {
		b.log.Debugf("no notifier for %s", n.method)
		return
	}
	if n.session != "" {
		notifier.NotifySession(n.session, n.method, n.params)
		return
	}
	notifier.Notify(n.method, n.params)
}

// eventQueueKey keeps every console message and exception of a pause;
// other events only need their latest payload.
func (b *Bridge) eventQueueKey(method string) string {
	switch method {
	case MethodRuntimeConsoleAPICalled, MethodRuntimeExceptionThrown:
		return method + "/" + strconv.FormatUint(b.eventSeq.Add(1), 10)
	default:
		return method
	}
}

// Connect attaches a DevTools session. Scripts are announced to it once it
// enables the Debugger domain.
func (b *Bridge) Connect(session string) {
	b.mu.Lock()
	if _, ok := b.sessions[session]; !ok {
		b.sessions[session] = newSessionState()
	}
	if b.state == StateDisconnected {
		b.state = StateConnected
	}
	count := len(b.sessions)
	b.mu.Unlock()
	b.log.Infof("session %s connected (%d attached)", session, count)
}

// Disconnect removes the session's breakpoints, releases its blocked
// requests and forces the engine out of a pause. It returns the ids of the
// breakpoints that were removed.
func (b *Bridge) Disconnect(session string) []string {
	removed := b.breakpoints.RemoveAll(session)
	for _, id := range removed {
		b.SendToEngine(MethodDebuggerRemoveBreakpoint, breakpointParams(id), false)
	}

	b.mu.Lock()
	delete(b.sessions, session)
	remaining := len(b.sessions)
	wasPaused := b.state == StatePaused
	if remaining == 0 {
		b.state = StateDisconnected
	} else if wasPaused {
		b.state = StateConnected
	}
	state := b.state
	b.mu.Unlock()

	aborted := b.pending.AbortSession(session)
	if remaining == 0 {
		aborted += b.pending.AbortAll()
	}
	if wasPaused {
		b.log.Infof("session %s left while paused; forcing resume", session)
	}
	b.log.Infof("session %s disconnected (%s, %d breakpoints removed, %d requests aborted)",
		session, state, len(removed), aborted)
	return removed
}

// AnnounceScript sends Debugger.scriptParsed for externalID to every session
// that enabled the Debugger domain and has not been told about it yet. It
// reports whether any session was.
func (b *Bridge) AnnounceScript(externalID string) bool {
	params, err := json.Marshal(ScriptParsed{ScriptID: externalID, URL: b.urls.URL(externalID)})
	if err != nil {
		return false
	}

	b.mu.Lock()
	var targets []string
	for id, s := range b.sessions {
		if !s.debugger {
			continue
		}
		if _, ok := s.announced[externalID]; ok {
			continue
		}
		s.announced[externalID] = struct{}{}
		targets = append(targets, id)
	}
	b.mu.Unlock()

	sort.Strings(targets)
	for _, id := range targets {
		b.deliverToClients(MethodDebuggerScriptParsed+"/"+externalID+"/"+id,
			notification{method: MethodDebuggerScriptParsed, params: params, session: id})
	}
	return len(targets) > 0
}

// EnableDebugger turns on script announcements for session. It returns the
// ids of known and of every script the engine already reported that the
// session has not been told about; the caller announces them and they count
// as announced from now on.
func (b *Bridge) EnableDebugger(session string, known []string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Read under mu: a script recorded later is announced by AnnounceScript.
	candidates := append(append([]string(nil), known...), b.scripts.ExternalIDs()...)
	s, attached := b.sessions[session]
	if attached {
		s.debugger = true
	}

	seen := make(map[string]struct{}, len(candidates))
	var out []string
	for _, id := range candidates {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if attached {
			if _, ok := s.announced[id]; ok {
				continue
			}
			s.announced[id] = struct{}{}
		}
		out = append(out, id)
	}
	return out
}

// DisableDebugger stops script announcements for session. A later enable
// announces every script again.
func (b *Bridge) DisableDebugger(session string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[session]; ok {
		s.debugger = false
		s.announced = make(map[string]struct{})
	}
}

// SetPathPrefix changes the URL namespace. A change restarts the session's
// script bookkeeping.
func (b *Bridge) SetPathPrefix(prefix string) {
	if !b.urls.SetPathPrefix(prefix) {
		return
	}
	b.scripts.Reset()
	b.mu.Lock()
	for _, s := range b.sessions {
		s.announced = make(map[string]struct{})
	}
	b.mu.Unlock()
	b.log.Infof("path prefix set to %q", prefix)
}

// SetBreakpoint registers a breakpoint for session and forwards it to the
// engine the first time its id is seen. Repeated calls for the same location
// return the same id with added=false.
func (b *Bridge) SetBreakpoint(session, scriptID string, line, column int, condition string) (id string, added bool) {
	id = BreakpointID(scriptID, line, column)
	if !b.breakpoints.Add(id, session) {
		return id, false
	}
	params, err := json.Marshal(struct {
		URL          string `json:"url"`
		LineNumber   int    `json:"lineNumber"`
		ColumnNumber int    `json:"columnNumber"`
		Condition    string `json:"condition,omitempty"`
	}{scriptID, line, column, condition})
	if err != nil {
		b.breakpoints.Remove(id)
		return id, false
	}
	b.SendToEngine(MethodDebuggerSetBreakpointByURL, params, false)
	return id, true
}

// RemoveBreakpoint forwards the removal even for ids the bridge never saw;
// the engine tolerates unknown ids.
func (b *Bridge) RemoveBreakpoint(id string) {
	if !b.breakpoints.Remove(id) {
		b.log.Debugf("removing unknown breakpoint %s", id)
	}
	b.SendToEngine(MethodDebuggerRemoveBreakpoint, breakpointParams(id), false)
}

func breakpointParams(id string) json.RawMessage {
	data, _ := json.Marshal(struct {
		BreakpointID string `json:"breakpointId"`
	}{id})
	return data
}

// engineQueueKey is the method name, except for breakpoint changes. Setting
// and removing share one key per breakpoint, so two breakpoints set while
// paused are both kept and the last change to one breakpoint wins.
func engineQueueKey(method string, params json.RawMessage) string {
	switch method {
	case MethodDebuggerSetBreakpointByURL:
		r := gjson.GetManyBytes(params, "url", "lineNumber", "columnNumber")
		return "breakpoint/" + BreakpointID(r[0].String(), int(r[1].Int()), int(r[2].Int()))
	case MethodDebuggerRemoveBreakpoint:
		return "breakpoint/" + gjson.GetBytes(params, "breakpointId").String()
	default:
		return method
	}
}

type sessionKey struct{}

// WithSession tags ctx with the DevTools session a request belongs to, so the
// request is released when that session disconnects.
func WithSession(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, sessionKey{}, session)
}

func SessionFrom(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey{}).(string)
	return s
}
