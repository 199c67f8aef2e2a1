package resources

import (
	"context"
	"fmt"
	"sync"

	"github.com/toolwire/toolwire/mcp"
)

// StaticEntry pairs a resource descriptor with its contents.
type StaticEntry struct {
	Resource mcp.Resource
	Contents []mcp.ResourceContents
}

// StaticProvider serves a fixed in-memory set of resources. Entries may be
// replaced at runtime; reads see a consistent snapshot.
type StaticProvider struct {
	mu      sync.RWMutex
	entries map[string]StaticEntry
	order   []string
}

// NewStaticProvider builds a provider over the given entries.
func NewStaticProvider(entries ...StaticEntry) *StaticProvider {
	p := &StaticProvider{entries: make(map[string]StaticEntry, len(entries))}
	for _, e := range entries {
		if _, exists := p.entries[e.Resource.URI]; !exists {
			p.order = append(p.order, e.Resource.URI)
		}
		p.entries[e.Resource.URI] = e
	}
	return p
}

// TextEntry is a convenience constructor for a text resource.
func TextEntry(uri, name, mimeType, text string) StaticEntry {
	return StaticEntry{
		Resource: mcp.Resource{URI: uri, Name: name, MimeType: mimeType},
		Contents: []mcp.ResourceContents{{URI: uri, MimeType: mimeType, Text: text}},
	}
}

// CanHandle implements Provider.
func (p *StaticProvider) CanHandle(uri string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[uri]
	return ok
}

// List implements Provider.
func (p *StaticProvider) List(ctx context.Context) ([]mcp.Resource, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]mcp.Resource, 0, len(p.order))
	for _, uri := range p.order {
		out = append(out, p.entries[uri].Resource)
	}
	return out, nil
}

// Read implements Provider.
func (p *StaticProvider) Read(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	out := make([]mcp.ResourceContents, len(e.Contents))
	copy(out, e.Contents)
	return out, nil
}

// Upsert adds or replaces an entry.
func (p *StaticProvider) Upsert(e StaticEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[e.Resource.URI]; !exists {
		p.order = append(p.order, e.Resource.URI)
	}
	p.entries[e.Resource.URI] = e
}

var _ Provider = (*StaticProvider)(nil)
