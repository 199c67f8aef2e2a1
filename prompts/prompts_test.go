package prompts

import (
	"context"
	"errors"
	"testing"

	"github.com/toolwire/toolwire/mcp"
)

func TestTextRendersPlaceholders(t *testing.T) {
	c := NewStatic(Text("review", "Reviews code", "Review the {language} code in {file}.",
		mcp.PromptArgument{Name: "language", Required: true},
		mcp.PromptArgument{Name: "file", Required: true},
	))

	got, err := c.Get(context.Background(), "review", map[string]string{
		"language": "Go",
		"file":     "main.go",
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("messages: %+v", got.Messages)
	}
	msg := got.Messages[0]
	if msg.Role != mcp.RoleUser {
		t.Fatalf("role: %q", msg.Role)
	}
	if msg.Content.Text != "Review the Go code in main.go." {
		t.Fatalf("rendered: %q", msg.Content.Text)
	}
}

func TestGetMissingRequiredArgument(t *testing.T) {
	c := NewStatic(Text("greet", "", "Hello {name}.", mcp.PromptArgument{Name: "name", Required: true}))

	_, err := c.Get(context.Background(), "greet", nil)
	if !errors.Is(err, ErrMissingArgument) {
		t.Fatalf("want ErrMissingArgument, got %v", err)
	}
}

func TestOptionalArgumentLeftUnsubstituted(t *testing.T) {
	c := NewStatic(Text("greet", "", "Hello {name}.", mcp.PromptArgument{Name: "name"}))

	got, err := c.Get(context.Background(), "greet", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Absent optional arguments keep their placeholder.
	if got.Messages[0].Content.Text != "Hello {name}." {
		t.Fatalf("rendered: %q", got.Messages[0].Content.Text)
	}
}

func TestGetUnknownPrompt(t *testing.T) {
	c := NewStatic()
	if _, err := c.Get(context.Background(), "ghost", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestListPreservesOrderAndAddReplaces(t *testing.T) {
	c := NewStatic(
		Text("b", "second", "b"),
		Text("a", "first", "a"),
	)
	c.Add(Text("b", "updated", "b2"))
	c.Add(Text("c", "third", "c"))

	list, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].Name != "b" || list[1].Name != "a" || list[2].Name != "c" {
		t.Fatalf("order: %+v", list)
	}
	// Replacement keeps position but takes the new definition.
	if list[0].Description != "updated" {
		t.Fatalf("description: %q", list[0].Description)
	}
}
