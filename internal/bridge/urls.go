package bridge

import (
	"strings"
	"sync"
)

// DefaultScriptsDomain is the fixed URL domain DevTools sees scripts under.
const DefaultScriptsDomain = "http://app/"

// ScriptURLs converts between externally visible script ids and the URLs
// announced to DevTools. The path prefix may change at runtime and affects
// every URL generated afterwards.
type ScriptURLs struct {
	domain string

	mu     sync.RWMutex
	prefix string
}

func NewScriptURLs(domain, prefix string) *ScriptURLs {
	if domain == "" {
		domain = DefaultScriptsDomain
	}
	return &ScriptURLs{domain: domain, prefix: prefix}
}

func (u *ScriptURLs) Domain() string {
	return u.domain
}

func (u *ScriptURLs) PathPrefix() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.prefix
}

// SetPathPrefix returns true when the prefix actually changed.
func (u *ScriptURLs) SetPathPrefix(prefix string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.prefix == prefix {
		return false
	}
	u.prefix = prefix
	return true
}

func (u *ScriptURLs) base() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.prefix == "" {
		return u.domain
	}
	return u.domain + "/" + u.prefix + "/"
}

// URL returns <domain>/<prefix>/<scriptID>.
func (u *ScriptURLs) URL(scriptID string) string {
	return u.base() + scriptID
}

// ScriptID strips the current base from url. A url outside the base is
// returned unchanged so that plain script ids are accepted as well.
func (u *ScriptURLs) ScriptID(url string) string {
	return strings.TrimPrefix(url, u.base())
}
