// Package registry holds tool metadata keyed by unique, case-insensitively
// folded name. Registration is rare and lookups are constant, so reads go
// through a copy-on-write snapshot and never block each other. The registry
// performs no I/O.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrEmptyName indicates a registration with no tool name.
	ErrEmptyName = errors.New("registry: empty tool name")
	// ErrDuplicateName indicates a name collision (case-insensitive).
	ErrDuplicateName = errors.New("registry: duplicate tool name")
	// ErrNotFound indicates a lookup for an unknown tool.
	ErrNotFound = errors.New("registry: tool not found")
)

// snapshot is the immutable read view. Writers build a new snapshot and swap
// the pointer; readers never take a lock.
type snapshot struct {
	byName map[string]*Tool // folded name -> tool
	order  []string         // folded names in registration order
}

// Registry is a concurrent-safe collection of tools.
type Registry struct {
	mu   sync.Mutex // serializes writers
	view atomic.Pointer[snapshot]
}

// New constructs an empty registry.
func New() *Registry {
	r := &Registry{}
	r.view.Store(&snapshot{byName: map[string]*Tool{}})
	return r
}

func fold(name string) string { return strings.ToLower(name) }

// Register adds a tool. Name collisions are a registration-time error, not a
// runtime one.
func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Descriptor.Name)
	if name == "" {
		return ErrEmptyName
	}
	key := fold(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.view.Load()
	if _, exists := cur.byName[key]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	next := cur.clone()
	next.byName[key] = &t
	next.order = append(next.order, key)
	r.view.Store(next)
	return nil
}

// Get returns the tool registered under name, folding case.
func (r *Registry) Get(name string) (*Tool, error) {
	t, ok := r.TryGet(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return t, nil
}

// TryGet is the boolean form of Get.
func (r *Registry) TryGet(name string) (*Tool, bool) {
	t, ok := r.view.Load().byName[fold(name)]
	return t, ok
}

// List returns every registered tool in registration order.
func (r *Registry) List() []*Tool {
	cur := r.view.Load()
	out := make([]*Tool, 0, len(cur.order))
	for _, key := range cur.order {
		out = append(out, cur.byName[key])
	}
	return out
}

// ListByCategory returns tools in the given category, in registration order.
func (r *Registry) ListByCategory(category string) []*Tool {
	cur := r.view.Load()
	var out []*Tool
	for _, key := range cur.order {
		if t := cur.byName[key]; t.Category == category {
			out = append(out, t)
		}
	}
	return out
}

// Unregister removes a tool by name. It reports whether a tool was removed.
func (r *Registry) Unregister(name string) bool {
	key := fold(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.view.Load()
	if _, exists := cur.byName[key]; !exists {
		return false
	}
	next := cur.clone()
	delete(next.byName, key)
	n := 0
	for _, k := range next.order {
		if k != key {
			next.order[n] = k
			n++
		}
	}
	next.order = next.order[:n]
	r.view.Store(next)
	return true
}

// SetEnabled toggles a tool's enabled flag. Disabled tools stay listed for
// operators but dispatch treats them as unknown. It reports whether the tool
// exists.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	key := fold(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.view.Load()
	t, exists := cur.byName[key]
	if !exists {
		return false
	}
	next := cur.clone()
	updated := *t
	updated.Enabled = enabled
	next.byName[key] = &updated
	r.view.Store(next)
	return true
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.view.Load().byName)
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		byName: make(map[string]*Tool, len(s.byName)+1),
		order:  make([]string, len(s.order), len(s.order)+1),
	}
	for k, v := range s.byName {
		next.byName[k] = v
	}
	copy(next.order, s.order)
	return next
}
