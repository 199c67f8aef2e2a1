// Package middleware implements the interception pipeline wrapped around
// every tool execution. Global and tool-specific interceptors are merged into
// one deterministic order per call: before hooks run ascending by order, the
// call itself, then after hooks in reverse so the outermost concern wraps the
// innermost.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/toolwire/toolwire/mcp"
)

// Scope identifies where a descriptor was registered.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeTool   Scope = "tool"
)

// Call carries the identity and raw input of the tool invocation being
// intercepted. Hooks must treat it as read-only.
type Call struct {
	ToolName  string
	Arguments json.RawMessage
}

// Middleware is a before/after interceptor around tool execution.
//
// A non-nil error from Before vetoes the call: no later before hook, the call
// itself, or the after hooks of not-yet-entered middleware run. After hooks of
// already-entered middleware always run, observing the call's outcome, which
// may be a result, an error, or a cancellation.
type Middleware interface {
	Before(ctx context.Context, call *Call) error
	After(ctx context.Context, call *Call, result *mcp.CallToolResult, err error)
}

// Funcs adapts plain functions to the Middleware interface. Either field may
// be nil.
type Funcs struct {
	BeforeFunc func(ctx context.Context, call *Call) error
	AfterFunc  func(ctx context.Context, call *Call, result *mcp.CallToolResult, err error)
}

func (f Funcs) Before(ctx context.Context, call *Call) error {
	if f.BeforeFunc == nil {
		return nil
	}
	return f.BeforeFunc(ctx, call)
}

func (f Funcs) After(ctx context.Context, call *Call, result *mcp.CallToolResult, err error) {
	if f.AfterFunc != nil {
		f.AfterFunc(ctx, call, result, err)
	}
}

// Descriptor pairs a middleware instance with its execution order. Lower
// orders run earlier in the before phase and later in the after phase.
type Descriptor struct {
	Middleware Middleware
	Order      int
	Scope      Scope
}

// VetoError is returned by policy middleware that rejects a call before any
// side effects occur. Identifiers enumerate the specific offending names so
// the calling agent can decide its next action.
type VetoError struct {
	Reason      string
	Identifiers []string
}

func (e *VetoError) Error() string {
	if len(e.Identifiers) == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Identifiers, ", "))
}

// Invoker is the wrapped tool execution.
type Invoker func(ctx context.Context) (*mcp.CallToolResult, error)

// Pipeline holds the global descriptor list and runs calls with interception.
// The global list is registered rarely (typically once at startup) and read
// on every call, so reads go through a copy-on-write snapshot rather than a
// lock.
type Pipeline struct {
	mu     sync.Mutex
	global atomic.Pointer[[]Descriptor]
}

// NewPipeline constructs an empty pipeline.
func NewPipeline() *Pipeline {
	p := &Pipeline{}
	empty := make([]Descriptor, 0)
	p.global.Store(&empty)
	return p
}

// RegisterGlobal appends a middleware to the global set with the given order.
func (p *Pipeline) RegisterGlobal(m Middleware, order int) {
	if m == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := *p.global.Load()
	next := make([]Descriptor, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, Descriptor{Middleware: m, Order: order, Scope: ScopeGlobal})
	p.global.Store(&next)
}

// Global returns a snapshot of the registered global descriptors.
func (p *Pipeline) Global() []Descriptor {
	cur := *p.global.Load()
	out := make([]Descriptor, len(cur))
	copy(out, cur)
	return out
}

// Run executes call wrapped by the merged global + tool-specific middleware.
//
// Merge rule: global descriptors first (registration order), then the tool's
// own, then a stable sort ascending by Order. Equal orders therefore keep
// registration sequence, with global ahead of tool-specific.
func (p *Pipeline) Run(ctx context.Context, call *Call, toolSpecific []Descriptor, invoke Invoker) (result *mcp.CallToolResult, err error) {
	merged := p.merge(toolSpecific)

	entered := 0
	defer func() {
		// After hooks run for every middleware whose before hook completed,
		// in reverse order, regardless of how the call ended.
		for i := entered - 1; i >= 0; i-- {
			merged[i].Middleware.After(ctx, call, result, err)
		}
	}()

	for _, d := range merged {
		if berr := d.Middleware.Before(ctx, call); berr != nil {
			err = berr
			return nil, err
		}
		entered++
	}

	result, err = invoke(ctx)
	return result, err
}

func (p *Pipeline) merge(toolSpecific []Descriptor) []Descriptor {
	global := *p.global.Load()
	merged := make([]Descriptor, 0, len(global)+len(toolSpecific))
	merged = append(merged, global...)
	for _, d := range toolSpecific {
		if d.Middleware == nil {
			continue
		}
		d.Scope = ScopeTool
		merged = append(merged, d)
	}
	// Stable sort: ties keep registration sequence, global ahead of
	// tool-specific because globals are merged first.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Order < merged[j].Order
	})
	return merged
}
