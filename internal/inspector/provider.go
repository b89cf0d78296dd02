package inspector

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ScriptSourceProvider supplies the source text of every script DevTools may
// show, keyed by the external script id.
type ScriptSourceProvider interface {
	AllScriptIDs() []string
	GetSource(scriptID string) (string, error)
}

// StaticProvider serves sources held in memory.
type StaticProvider struct {
	mu      sync.RWMutex
	sources map[string]string
}

func NewStaticProvider(sources map[string]string) *StaticProvider {
	p := &StaticProvider{sources: make(map[string]string, len(sources))}
	for id, src := range sources {
		p.sources[id] = src
	}
	return p
}

func (p *StaticProvider) Put(scriptID, source string) {
	p.mu.Lock()
	p.sources[scriptID] = source
	p.mu.Unlock()
}

func (p *StaticProvider) AllScriptIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.sources))
	for id := range p.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *StaticProvider) GetSource(scriptID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	src, ok := p.sources[scriptID]
	if !ok {
		return "", fmt.Errorf("no script with id %q", scriptID)
	}
	return src, nil
}

// DirProvider serves the *.js files of a directory. A file's id is its name
// without the extension.
type DirProvider struct {
	dir string
}

const scriptExt = ".js"

func NewDirProvider(dir string) *DirProvider {
	return &DirProvider{dir: dir}
}

func (p *DirProvider) AllScriptIDs() []string {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), scriptExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), scriptExt))
	}
	sort.Strings(ids)
	return ids
}

func (p *DirProvider) GetSource(scriptID string) (string, error) {
	if scriptID == "" || filepath.Base(scriptID) != scriptID {
		return "", fmt.Errorf("invalid script id %q", scriptID)
	}
	data, err := os.ReadFile(filepath.Join(p.dir, scriptID+scriptExt))
	if err != nil {
		return "", fmt.Errorf("read script %s: %w", scriptID, err)
	}
	return string(data), nil
}
