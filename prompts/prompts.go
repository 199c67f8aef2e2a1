// Package prompts implements the prompt catalog behind prompts/list and
// prompts/get.
package prompts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/toolwire/toolwire/mcp"
)

var (
	// ErrNotFound indicates an unknown prompt name.
	ErrNotFound = errors.New("prompts: not found")
	// ErrMissingArgument indicates a required prompt argument was not supplied.
	ErrMissingArgument = errors.New("prompts: missing required argument")
)

// RenderFunc produces the prompt messages for a set of arguments.
type RenderFunc func(ctx context.Context, args map[string]string) (*mcp.GetPromptResult, error)

// Entry pairs a prompt descriptor with its renderer.
type Entry struct {
	Prompt mcp.Prompt
	Render RenderFunc
}

// Text builds an entry whose single user message is template with
// {placeholder} occurrences substituted by arguments. Required arguments are
// validated before substitution.
func Text(name, description, template string, args ...mcp.PromptArgument) Entry {
	prompt := mcp.Prompt{Name: name, Description: description, Arguments: args}
	return Entry{
		Prompt: prompt,
		Render: func(ctx context.Context, values map[string]string) (*mcp.GetPromptResult, error) {
			text := template
			for k, v := range values {
				text = strings.ReplaceAll(text, "{"+k+"}", v)
			}
			return &mcp.GetPromptResult{
				Description: description,
				Messages: []mcp.PromptMessage{
					{Role: mcp.RoleUser, Content: mcp.TextContent(text)},
				},
			}, nil
		},
	}
}

// Static is a concurrent-safe prompt catalog.
type Static struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
}

// NewStatic builds a catalog from entries. Duplicate names keep the last
// registration.
func NewStatic(entries ...Entry) *Static {
	s := &Static{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if _, exists := s.entries[e.Prompt.Name]; !exists {
			s.order = append(s.order, e.Prompt.Name)
		}
		s.entries[e.Prompt.Name] = e
	}
	return s
}

// Add registers an entry. A duplicate name replaces the earlier entry while
// keeping its position.
func (s *Static) Add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.Prompt.Name]; !exists {
		s.order = append(s.order, e.Prompt.Name)
	}
	s.entries[e.Prompt.Name] = e
}

// List returns prompt descriptors in registration order.
func (s *Static) List(ctx context.Context) ([]mcp.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mcp.Prompt, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.entries[name].Prompt)
	}
	return out, nil
}

// Get renders the named prompt. Missing required arguments fail before the
// renderer runs.
func (s *Static) Get(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	for _, arg := range e.Prompt.Arguments {
		if !arg.Required {
			continue
		}
		if _, present := args[arg.Name]; !present {
			return nil, fmt.Errorf("%w: %q", ErrMissingArgument, arg.Name)
		}
	}
	return e.Render(ctx, args)
}
