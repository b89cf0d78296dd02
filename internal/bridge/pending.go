package bridge

import (
	"context"
	"encoding/json"
	"sync"
)

// PendingRequest is a request that expects a synchronous result from the
// engine. It is owned by the caller of RequestFromEngine; the table only
// fills its response slot.
type PendingRequest struct {
	Method  string
	Session string

	id         int
	dispatched bool // guarded by PendingTable.mu

	done      chan struct{}
	closeOnce sync.Once
	result    json.RawMessage
	err       error
}

func (p *PendingRequest) ID() int {
	return p.id
}

// Done is closed once the response slot has been filled or the request was
// aborted.
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

func (p *PendingRequest) complete(result json.RawMessage, err error) bool {
	completed := false
	p.closeOnce.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
		completed = true
	})
	return completed
}

// PendingTable correlates engine responses with in-flight requests. It is
// written by the engine thread and by DevTools handler goroutines.
type PendingTable struct {
	ids     *idSource
	mu      sync.Mutex
	entries map[int]*PendingRequest
}

func NewPendingTable(ids *idSource) *PendingTable {
	if ids == nil {
		ids = &idSource{}
	}
	return &PendingTable{
		ids:     ids,
		entries: make(map[int]*PendingRequest),
	}
}

// Register creates an entry with an id reserved from the shared id space.
func (t *PendingTable) Register(method, session string) *PendingRequest {
	p := &PendingRequest{
		Method:  method,
		Session: session,
		id:      t.ids.next(),
		done:    make(chan struct{}),
	}
	t.mu.Lock()
	t.entries[p.id] = p
	t.mu.Unlock()
	return p
}

// MarkDispatched flags the entry as sent to the engine. It returns false if
// the entry is gone or was already dispatched.
func (t *PendingTable) MarkDispatched(id int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[id]
	if !ok || p.dispatched {
		return false
	}
	p.dispatched = true
	return true
}

// ClaimUndispatched marks the oldest registered entry for method that has not
// been dispatched yet and returns it.
func (t *PendingTable) ClaimUndispatched(method string) (*PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var oldest *PendingRequest
	for _, p := range t.entries {
		if p.Method != method || p.dispatched {
			continue
		}
		if oldest == nil || p.id < oldest.id {
			oldest = p
		}
	}
	if oldest == nil {
		return nil, false
	}
	oldest.dispatched = true
	return oldest, true
}

// Fulfil fills the response slot of the dispatched entry with the given id.
// Responses for unknown or not yet dispatched ids are ignored.
func (t *PendingTable) Fulfil(id int, result json.RawMessage, err error) bool {
	t.mu.Lock()
	p, ok := t.entries[id]
	if ok && !p.dispatched {
		ok = false
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	return p.complete(result, err)
}

// Fail completes p with err without waiting for the engine.
func (t *PendingTable) Fail(p *PendingRequest, err error) {
	p.complete(nil, err)
}

// AwaitAndRemove blocks until p is completed or ctx ends, then removes it.
func (t *PendingTable) AwaitAndRemove(ctx context.Context, p *PendingRequest) (json.RawMessage, error) {
	defer t.remove(p.id)

	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		if p.complete(nil, ctx.Err()) {
			return nil, ctx.Err()
		}
		// completed concurrently; the slot wins
		return p.result, p.err
	}
}

func (t *PendingTable) remove(id int) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// AbortSession releases every waiter registered by session with ErrAborted.
func (t *PendingTable) AbortSession(session string) int {
	return t.abort(func(p *PendingRequest) bool { return p.Session == session })
}

// AbortAll releases every waiter with ErrAborted.
func (t *PendingTable) AbortAll() int {
	return t.abort(func(*PendingRequest) bool { return true })
}

func (t *PendingTable) abort(match func(*PendingRequest) bool) int {
	t.mu.Lock()
	var victims []*PendingRequest
	for id, p := range t.entries {
		if match(p) {
			victims = append(victims, p)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	n := 0
	for _, p := range victims {
		if p.complete(nil, ErrAborted) {
			n++
		}
	}
	return n
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
