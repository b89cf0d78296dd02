package bridge

import (
	"sort"
	"sync"
)

// ScriptRegistry maps engine-native script ids to the ids DevTools knows the
// scripts by. Entries are only dropped by Reset, which happens when the
// session restarts.
type ScriptRegistry struct {
	mu         sync.RWMutex
	byEngine   map[string]string
	byExternal map[string]string
}

func NewScriptRegistry() *ScriptRegistry {
	return &ScriptRegistry{
		byEngine:   make(map[string]string),
		byExternal: make(map[string]string),
	}
}

// Record maps engineID to externalID. A script that is parsed again under a
// new engine id keeps its old entry; the reverse lookup follows the newest.
func (r *ScriptRegistry) Record(engineID, externalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byEngine[engineID] = externalID
	r.byExternal[externalID] = engineID
}

func (r *ScriptRegistry) Resolve(engineID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEngine[engineID]
	return id, ok
}

// EngineID returns the most recent engine id recorded for externalID.
func (r *ScriptRegistry) EngineID(externalID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byExternal[externalID]
	return id, ok
}

// ExternalIDs lists every script id recorded so far, sorted.
func (r *ScriptRegistry) ExternalIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byExternal))
	for id := range r.byExternal {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *ScriptRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byEngine)
}

func (r *ScriptRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byEngine = make(map[string]string)
	r.byExternal = make(map[string]string)
}
