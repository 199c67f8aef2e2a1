// Package resources defines the provider abstraction behind resources/list
// and resources/read. The engine routes a read to whichever provider claims
// the URI, trying providers in registration order.
package resources

import (
	"context"
	"errors"
	"fmt"

	"github.com/toolwire/toolwire/mcp"
)

// ErrNoProvider indicates no registered provider claimed the URI.
var ErrNoProvider = errors.New("resources: no provider found")

// ErrNotFound indicates the claiming provider has no resource at the URI.
var ErrNotFound = errors.New("resources: not found")

// Provider serves a family of resource URIs.
type Provider interface {
	// CanHandle reports whether this provider claims the URI.
	CanHandle(uri string) bool
	// List enumerates the provider's resources.
	List(ctx context.Context) ([]mcp.Resource, error)
	// Read returns the contents of the resource at uri.
	Read(ctx context.Context, uri string) ([]mcp.ResourceContents, error)
}

// Watcher is an optional capability: providers that can detect content
// changes implement it so streaming transports can push
// notifications/resources/updated.
type Watcher interface {
	// Watch invokes onUpdate with the URI of each changed resource until ctx
	// is canceled.
	Watch(ctx context.Context, onUpdate func(uri string)) error
}

// Set is an ordered collection of providers. Order matters: the first
// provider claiming a URI wins.
type Set struct {
	providers []Provider
}

// NewSet builds a provider set in registration order.
func NewSet(providers ...Provider) *Set {
	return &Set{providers: providers}
}

// Add appends a provider to the end of the consultation order.
func (s *Set) Add(p Provider) {
	s.providers = append(s.providers, p)
}

// Providers returns the registered providers in order.
func (s *Set) Providers() []Provider {
	return s.providers
}

// List concatenates every provider's resources in registration order.
func (s *Set) List(ctx context.Context) ([]mcp.Resource, error) {
	var out []mcp.Resource
	for _, p := range s.providers {
		res, err := p.List(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
	}
	return out, nil
}

// Read routes the URI to the first provider that claims it.
func (s *Set) Read(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	for _, p := range s.providers {
		if p.CanHandle(uri) {
			return p.Read(ctx, uri)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, uri)
}

// Watch fans in update events from every watch-capable provider. It blocks
// until ctx is canceled.
func (s *Set) Watch(ctx context.Context, onUpdate func(uri string)) error {
	var watchers []Watcher
	for _, p := range s.providers {
		if w, ok := p.(Watcher); ok {
			watchers = append(watchers, w)
		}
	}
	if len(watchers) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	errc := make(chan error, len(watchers))
	for _, w := range watchers {
		go func() { errc <- w.Watch(ctx, onUpdate) }()
	}
	for range watchers {
		if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return ctx.Err()
}
