package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/toolwire/toolwire/mcp"
)

func testTool(name string, opts ...ToolOption) Tool {
	type args struct {
		Message string `json:"message"`
	}
	return NewTool(name, func(ctx context.Context, a args) (*mcp.CallToolResult, error) {
		return TextResult(a.Message), nil
	}, opts...)
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	if err := r.Register(testTool("query_database")); err != nil {
		t.Fatalf("register: %v", err)
	}

	tool, err := r.Get("query_database")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tool.Descriptor.Name != "query_database" {
		t.Fatalf("descriptor name: %q", tool.Descriptor.Name)
	}
	if !tool.Enabled {
		t.Fatal("tools register enabled")
	}
}

func TestLookupIsCaseInsensitive(t *testing.T) {
	r := New()
	if err := r.Register(testTool("Echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	tool, err := r.Get("ECHO")
	if err != nil {
		t.Fatalf("folded lookup: %v", err)
	}
	// Listings keep the registered casing.
	if tool.Descriptor.Name != "Echo" {
		t.Fatalf("registered casing lost: %q", tool.Descriptor.Name)
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	r := New()
	if err := r.Register(testTool("dup")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(testTool("DUP")); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("want ErrDuplicateName, got %v", err)
	}
}

func TestEmptyNameRejected(t *testing.T) {
	r := New()
	if err := r.Register(testTool("  ")); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("want ErrEmptyName, got %v", err)
	}
}

func TestUnknownToolNotFound(t *testing.T) {
	r := New()
	if _, err := r.Get("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := New()
	names := []string{"charlie", "alpha", "bravo"}
	for _, n := range names {
		if err := r.Register(testTool(n)); err != nil {
			t.Fatalf("register %s: %v", n, err)
		}
	}
	list := r.List()
	if len(list) != len(names) {
		t.Fatalf("want %d tools, got %d", len(names), len(list))
	}
	for i, n := range names {
		if list[i].Descriptor.Name != n {
			t.Fatalf("order lost at %d: want %s, got %s", i, n, list[i].Descriptor.Name)
		}
	}
}

func TestListByCategory(t *testing.T) {
	r := New()
	if err := r.Register(testTool("a", WithCategory("io"))); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(testTool("b", WithCategory("math"))); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(testTool("c", WithCategory("io"))); err != nil {
		t.Fatalf("register: %v", err)
	}

	io := r.ListByCategory("io")
	if len(io) != 2 || io[0].Descriptor.Name != "a" || io[1].Descriptor.Name != "c" {
		t.Fatalf("unexpected io category: %+v", io)
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	if err := r.Register(testTool("gone")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.Unregister("GONE") {
		t.Fatal("unregister should report removal")
	}
	if r.Unregister("gone") {
		t.Fatal("second unregister must be a no-op")
	}
	if r.Len() != 0 {
		t.Fatalf("want empty registry, got %d", r.Len())
	}
}

func TestSetEnabled(t *testing.T) {
	r := New()
	if err := r.Register(testTool("toggle")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.SetEnabled("toggle", false) {
		t.Fatal("SetEnabled should find the tool")
	}
	tool, err := r.Get("toggle")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tool.Enabled {
		t.Fatal("tool should be disabled")
	}
	if r.SetEnabled("missing", true) {
		t.Fatal("SetEnabled on unknown tool must report false")
	}
}
