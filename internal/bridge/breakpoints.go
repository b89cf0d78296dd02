package bridge

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const breakpointIDVersion = 1

// BreakpointID derives the id for a breakpoint location. The format matches
// the one the native debugger uses, so the same id can be handed back to it
// for removal.
func BreakpointID(scriptID string, line, column int) string {
	return fmt.Sprintf("%d:%d:%d:%s", breakpointIDVersion, line, column, scriptID)
}

// ParseBreakpointID is the inverse of BreakpointID.
func ParseBreakpointID(id string) (scriptID string, line, column int, err error) {
	parts := strings.SplitN(id, ":", 4)
	if len(parts) != 4 {
		return "", 0, 0, fmt.Errorf("malformed breakpoint id %q", id)
	}
	if parts[0] != strconv.Itoa(breakpointIDVersion) {
		return "", 0, 0, fmt.Errorf("unsupported breakpoint id version %q", parts[0])
	}
	if line, err = strconv.Atoi(parts[1]); err != nil {
		return "", 0, 0, fmt.Errorf("malformed breakpoint line in %q: %w", id, err)
	}
	if column, err = strconv.Atoi(parts[2]); err != nil {
		return "", 0, 0, fmt.Errorf("malformed breakpoint column in %q: %w", id, err)
	}
	return parts[3], line, column, nil
}

// BreakpointStore remembers which DevTools session created each breakpoint so
// the session's breakpoints can be removed when it goes away.
type BreakpointStore struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewBreakpointStore() *BreakpointStore {
	return &BreakpointStore{owners: make(map[string]string)}
}

// Add returns false when id is already present; the original owner is kept.
func (s *BreakpointStore) Add(id, session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[id]; ok {
		return false
	}
	s.owners[id] = session
	return true
}

func (s *BreakpointStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[id]; !ok {
		return false
	}
	delete(s.owners, id)
	return true
}

// RemoveAll drops every breakpoint owned by session and returns their ids in
// sorted order.
func (s *BreakpointStore) RemoveAll(session string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, owner := range s.owners {
		if owner == session {
			removed = append(removed, id)
			delete(s.owners, id)
		}
	}
	sort.Strings(removed)
	return removed
}

func (s *BreakpointStore) Owner(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owners[id]
	return owner, ok
}

func (s *BreakpointStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owners)
}
